package offer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// LocalFile pairs an offered FileMeta with where the file actually
// lives on the sending host.
type LocalFile struct {
	Meta      FileMeta
	LocalPath string
}

// OfferFromLocal builds the wire offer for a list of local files.
func OfferFromLocal(files []LocalFile) Offer {
	o := Offer{Files: make([]FileMeta, len(files))}
	for i, f := range files {
		o.Files[i] = f.Meta
	}
	return o
}

// ErrFileChanged means a local file no longer matches the metadata it
// was offered with.
var ErrFileChanged = errors.New("local file changed since it was offered")

// Progress is handed to the progress callback as bytes move.
type Progress struct {
	ProcessedBytes uint64
	TotalBytes     uint64
	ProcessedFiles int
	TotalFiles     int
	CurrentFile    string
}

// SendFiles streams every accepted file, in offer order, back-to-back
// onto w. The response must have been validated against the offer.
// cb may be nil.
func SendFiles(w io.Writer, files []LocalFile, resp Response, cb func(Progress)) error {
	if err := resp.Validate(OfferFromLocal(files)); err != nil {
		return err
	}

	progress := Progress{
		TotalBytes: resp.TransferSize(OfferFromLocal(files)),
		TotalFiles: resp.AcceptedCount(),
	}
	out := &progressWriter{inner: w, progress: &progress, cb: cb}

	for i, f := range files {
		start := resp.Offsets[i]
		if start == nil {
			continue
		}
		progress.CurrentFile = f.Meta.PathString()
		report(cb, &progress)

		if err := sendOne(out, f, *start); err != nil {
			return fmt.Errorf("sending %q: %w", f.Meta.PathString(), err)
		}
		progress.ProcessedFiles++
		report(cb, &progress)
	}

	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func sendOne(w io.Writer, f LocalFile, start uint64) error {
	file, err := os.Open(f.LocalPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if uint64(info.Size()) != f.Meta.Size {
		return fmt.Errorf("%w: offered %d bytes, have %d", ErrFileChanged, f.Meta.Size, info.Size())
	}

	if _, err := file.Seek(int64(start), io.SeekStart); err != nil {
		return err
	}
	_, err = io.CopyN(w, file, int64(f.Meta.Size-start))
	return err
}

// ReceiveFiles reads every accepted file, in offer order, from r into
// dir. Fresh downloads go through a partial file that is renamed into
// place once complete; interrupted downloads leave the partial and its
// sidecar behind for a later resume. cb may be nil.
func ReceiveFiles(r io.Reader, o Offer, resp Response, dir string, cb func(Progress)) error {
	if err := resp.Validate(o); err != nil {
		return err
	}

	progress := Progress{
		TotalBytes: resp.TransferSize(o),
		TotalFiles: resp.AcceptedCount(),
	}
	in := &progressReader{inner: r, progress: &progress, cb: cb}

	for i, meta := range o.Files {
		start := resp.Offsets[i]
		if start == nil {
			continue
		}
		progress.CurrentFile = meta.PathString()
		report(cb, &progress)

		if err := receiveOne(in, meta, *start, dir); err != nil {
			return fmt.Errorf("receiving %q: %w", meta.PathString(), err)
		}
		progress.ProcessedFiles++
		report(cb, &progress)
	}
	return nil
}

func receiveOne(r io.Reader, meta FileMeta, start uint64, dir string) error {
	partial := PartialPath(dir, meta)

	var file *os.File
	if start == 0 {
		if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
			return err
		}
		if err := writeSidecar(dir, meta); err != nil {
			return err
		}
		var err error
		file, err = os.Create(partial)
		if err != nil {
			return err
		}
	} else {
		var err error
		file, err = os.OpenFile(partial, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return err
		}
		if uint64(info.Size()) != start {
			_ = file.Close()
			return fmt.Errorf("%w: partial is %d bytes, resuming at %d", ErrFileChanged, info.Size(), start)
		}
	}

	if _, err := io.CopyN(file, r, int64(meta.Size-start)); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	if meta.Modified != 0 {
		mod := time.Unix(meta.Modified, 0)
		if err := os.Chtimes(partial, mod, mod); err != nil {
			return err
		}
	}

	final, err := unoccupiedSavePath(dir, meta)
	if err != nil {
		return err
	}
	if err := os.Rename(partial, final); err != nil {
		return err
	}
	removeSidecar(dir, meta)
	return nil
}

func report(cb func(Progress), p *Progress) {
	if cb != nil {
		cb(*p)
	}
}

type progressWriter struct {
	inner    io.Writer
	progress *Progress
	cb       func(Progress)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	w.progress.ProcessedBytes += uint64(n)
	report(w.cb, w.progress)
	return n, err
}

type progressReader struct {
	inner    io.Reader
	progress *Progress
	cb       func(Progress)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.progress.ProcessedBytes += uint64(n)
	report(r.cb, r.progress)
	return n, err
}
