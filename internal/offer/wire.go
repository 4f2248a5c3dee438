package offer

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/manforowicz/gday/internal/protocol"
)

type flusher interface {
	Flush() error
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(w, data); err != nil {
		return err
	}
	// push the message out of the encrypted stream's segment buffer,
	// since the peer won't reply until it arrives
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func readJSON(r io.Reader, v any) error {
	data, err := protocol.ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return nil
}
