// Package offer implements the file-offer protocol that runs inside
// the encrypted peer channel: an offer listing files, a response
// selecting a byte range per file, and the raw payloads back-to-back.
package offer

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	// ErrBadOffer means the offer violated a protocol invariant, such
	// as a path that escapes the download directory.
	ErrBadOffer = errors.New("invalid file offer")
	// ErrBadResponse means the response didn't match the offer: wrong
	// length or an out-of-range start offset.
	ErrBadResponse = errors.New("invalid offer response")
	// ErrBadMessage means the peer sent something other than the
	// expected protocol message.
	ErrBadMessage = errors.New("unexpected file protocol message")
)

// FileMeta describes one offered file. The path is kept as raw bytes
// so it round-trips on any host; it uses '/' separators and is
// relative to the receiver's download directory.
type FileMeta struct {
	Path []byte `json:"path"`
	Size uint64 `json:"size"`
	// Modified is seconds since the epoch; zero means unknown.
	Modified int64 `json:"modified,omitempty"`
}

// PathString renders the offered path for display and local joining.
func (m FileMeta) PathString() string {
	return string(m.Path)
}

// checkPath rejects paths that could write outside the download
// directory.
func (m FileMeta) checkPath() error {
	p := m.PathString()
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\x00") {
		return fmt.Errorf("%w: bad path %q", ErrBadOffer, p)
	}
	clean := path.Clean(p)
	if clean != p || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: bad path %q", ErrBadOffer, p)
	}
	return nil
}

// Offer is the ordered list of files the sending peer proposes.
type Offer struct {
	Files []FileMeta `json:"files"`
}

// Response answers an Offer entry-by-entry. A nil element rejects the
// file at the same index; k accepts bytes [k, size).
type Response struct {
	Offsets []*uint64 `json:"response"`
}

// Validate checks a response against the offer it answers.
func (r Response) Validate(o Offer) error {
	if len(r.Offsets) != len(o.Files) {
		return fmt.Errorf("%w: offer has %d entries, response has %d",
			ErrBadResponse, len(o.Files), len(r.Offsets))
	}
	for i, k := range r.Offsets {
		if k == nil {
			continue
		}
		if *k >= o.Files[i].Size {
			return fmt.Errorf("%w: start offset %d out of range for %q (size %d)",
				ErrBadResponse, *k, o.Files[i].PathString(), o.Files[i].Size)
		}
	}
	return nil
}

// TransferSize is the total byte count a validated response selects.
func (r Response) TransferSize(o Offer) uint64 {
	var total uint64
	for i, k := range r.Offsets {
		if k != nil {
			total += o.Files[i].Size - *k
		}
	}
	return total
}

// AcceptedCount is how many offer entries the response accepts.
func (r Response) AcceptedCount() int {
	n := 0
	for _, k := range r.Offsets {
		if k != nil {
			n++
		}
	}
	return n
}

// Wire envelopes. The framing is the same 4-byte length + tagged JSON
// used on the rendezvous connection, carried inside the AEAD stream.
type offerEnvelope struct {
	Type  string     `json:"type"`
	Files []FileMeta `json:"files"`
}

type responseEnvelope struct {
	Type    string    `json:"type"`
	Offsets []*uint64 `json:"response"`
}

const (
	offerTag    = "offer"
	responseTag = "offer_response"
)

// WriteOffer frames and sends an offer.
func WriteOffer(w io.Writer, o Offer) error {
	return writeJSON(w, offerEnvelope{Type: offerTag, Files: o.Files})
}

// ReadOffer reads and validates an incoming offer.
func ReadOffer(r io.Reader) (Offer, error) {
	var env offerEnvelope
	if err := readJSON(r, &env); err != nil {
		return Offer{}, err
	}
	if env.Type != offerTag {
		return Offer{}, fmt.Errorf("%w: got %q, want %q", ErrBadMessage, env.Type, offerTag)
	}
	o := Offer{Files: env.Files}
	for _, f := range o.Files {
		if err := f.checkPath(); err != nil {
			return Offer{}, err
		}
	}
	return o, nil
}

// WriteResponse frames and sends a response.
func WriteResponse(w io.Writer, resp Response) error {
	return writeJSON(w, responseEnvelope{Type: responseTag, Offsets: resp.Offsets})
}

// ReadResponse reads an incoming response.
func ReadResponse(r io.Reader) (Response, error) {
	var env responseEnvelope
	if err := readJSON(r, &env); err != nil {
		return Response{}, err
	}
	if env.Type != responseTag {
		return Response{}, fmt.Errorf("%w: got %q, want %q", ErrBadMessage, env.Type, responseTag)
	}
	return Response{Offsets: env.Offsets}, nil
}
