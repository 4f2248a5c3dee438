// Package crypto wraps a bidirectional byte stream in the
// ChaCha20-Poly1305 STREAM construction: length-prefixed segments, each
// sealed under a nonce made of a shared 7-byte prefix, a big-endian
// segment counter, and a final-segment marker.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the session key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// TagSize is how much larger a sealed segment is than its plaintext.
	TagSize = chacha20poly1305.Overhead
	// NoncePrefixSize is the length of the random prefix exchanged in
	// the clear during the handshake.
	NoncePrefixSize = 7
	// SegmentSize is the maximum plaintext bytes per segment.
	SegmentSize = 16 * 1024
)

var (
	// ErrAuthFailed means a segment failed authentication, or carried a
	// malformed header. The stream is unusable afterwards.
	ErrAuthFailed = errors.New("segment authentication failed")
	// ErrTruncated means the underlying stream ended before the final
	// segment was seen.
	ErrTruncated = errors.New("stream truncated before final segment")
	// ErrStreamTooLong means the 32-bit segment counter ran out.
	ErrStreamTooLong = errors.New("stream exceeded maximum segment count")
)

// Stream is an encrypted wrapper around an IO stream. One goroutine may
// read while another writes, but reads and writes themselves must not
// be concurrent with themselves.
type Stream struct {
	inner io.ReadWriter
	aead  cipher.AEAD

	// send and recv are full 12-byte nonces: prefix | counter | final.
	send [chacha20poly1305.NonceSize]byte
	recv [chacha20poly1305.NonceSize]byte

	wbuf []byte // plaintext waiting to be sealed
	sect []byte // scratch for one sealed segment

	rbuf      []byte // decrypted plaintext not yet consumed
	rpos      int
	finalSeen bool
	readErr   error

	closed bool
}

// NewStream performs the nonce handshake on conn and returns the
// wrapped stream. Exactly one side must pass lead=true; it generates
// the nonce prefix and writes it in the clear, while the other side
// reads it. Which side leads is decided by contact comparison, so no
// extra negotiation is needed.
func NewStream(conn io.ReadWriter, key [KeySize]byte, lead bool) (*Stream, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	var prefix [NoncePrefixSize]byte
	if lead {
		if _, err := rand.Read(prefix[:]); err != nil {
			return nil, err
		}
		if _, err := conn.Write(prefix[:]); err != nil {
			return nil, fmt.Errorf("sending nonce prefix: %w", err)
		}
	} else {
		if _, err := io.ReadFull(conn, prefix[:]); err != nil {
			return nil, fmt.Errorf("receiving nonce prefix: %w", err)
		}
	}

	s := &Stream{
		inner: conn,
		aead:  aead,
		wbuf:  make([]byte, 0, SegmentSize),
		sect:  make([]byte, 0, 2+SegmentSize+TagSize),
		rbuf:  make([]byte, 0, SegmentSize),
	}
	copy(s.send[:NoncePrefixSize], prefix[:])
	copy(s.recv[:NoncePrefixSize], prefix[:])
	return s, nil
}

// Write buffers p, sealing and sending full segments as they fill up.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("write on closed stream")
	}
	written := 0
	for len(p) > 0 {
		n := SegmentSize - len(s.wbuf)
		if n > len(p) {
			n = len(p)
		}
		s.wbuf = append(s.wbuf, p[:n]...)
		p = p[n:]
		written += n

		if len(s.wbuf) == SegmentSize {
			if err := s.writeSegment(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush seals and sends any buffered plaintext as a partial segment.
func (s *Stream) Flush() error {
	if len(s.wbuf) == 0 {
		return nil
	}
	return s.writeSegment(false)
}

// Close flushes remaining data as the final segment (possibly empty),
// marking the end of the stream for the peer. It does not close the
// underlying connection.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	if err := s.writeSegment(true); err != nil {
		return err
	}
	s.closed = true
	return nil
}

func (s *Stream) writeSegment(final bool) error {
	if binary.BigEndian.Uint32(s.send[NoncePrefixSize:NoncePrefixSize+4]) == ^uint32(0) {
		return ErrStreamTooLong
	}
	if final {
		s.send[len(s.send)-1] = 1
	}

	s.sect = s.sect[:2]
	binary.BigEndian.PutUint16(s.sect, uint16(len(s.wbuf)))
	s.sect = s.aead.Seal(s.sect, s.send[:], s.wbuf, nil)

	bumpCounter(&s.send)
	s.wbuf = s.wbuf[:0]

	_, err := s.inner.Write(s.sect)
	return err
}

// Read returns decrypted bytes, reading and opening further segments as
// needed. After the final segment is drained it returns io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	for s.rpos == len(s.rbuf) {
		if s.finalSeen {
			return 0, io.EOF
		}
		if s.readErr != nil {
			return 0, s.readErr
		}
		if err := s.readSegment(); err != nil {
			s.readErr = err
			return 0, err
		}
	}
	n := copy(p, s.rbuf[s.rpos:])
	s.rpos += n
	return n, nil
}

func (s *Stream) readSegment() error {
	var header [2]byte
	if _, err := io.ReadFull(s.inner, header[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	length := int(binary.BigEndian.Uint16(header[:]))
	if length > SegmentSize {
		return fmt.Errorf("%w: oversized segment header", ErrAuthFailed)
	}

	sealed := make([]byte, length+TagSize)
	if _, err := io.ReadFull(s.inner, sealed); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	// An ordinary segment has the final marker clear. If opening fails,
	// retry with it set: a mismatch there too means tampering,
	// truncation splicing, or a reordered counter.
	s.recv[len(s.recv)-1] = 0
	plain, err := s.aead.Open(s.rbuf[:0], s.recv[:], sealed, nil)
	if err != nil {
		s.recv[len(s.recv)-1] = 1
		plain, err = s.aead.Open(s.rbuf[:0], s.recv[:], sealed, nil)
		if err != nil {
			return ErrAuthFailed
		}
		s.finalSeen = true
	}
	bumpCounter(&s.recv)

	s.rbuf = plain
	s.rpos = 0
	return nil
}

func bumpCounter(nonce *[chacha20poly1305.NonceSize]byte) {
	c := binary.BigEndian.Uint32(nonce[NoncePrefixSize : NoncePrefixSize+4])
	binary.BigEndian.PutUint32(nonce[NoncePrefixSize:NoncePrefixSize+4], c+1)
}
