package offer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// sidecar records what a partial download was for, so a later session
// can tell whether resuming is safe.
type sidecar struct {
	Size     uint64 `json:"size"`
	Modified int64  `json:"modified,omitempty"`
}

// partialTag digests the offered identity of a file. Two offers of the
// same name with different modified times get different partials.
func partialTag(meta FileMeta) string {
	h := sha256.New()
	h.Write(meta.Path)
	var mod [8]byte
	binary.LittleEndian.PutUint64(mod[:], uint64(meta.Modified))
	h.Write(mod[:])
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// SavePath is where the finished file belongs.
func SavePath(dir string, meta FileMeta) string {
	return filepath.Join(dir, filepath.FromSlash(meta.PathString()))
}

// PartialPath is where the in-progress download for meta lives.
func PartialPath(dir string, meta FileMeta) string {
	return SavePath(dir, meta) + ".part" + partialTag(meta)
}

func sidecarPath(dir string, meta FileMeta) string {
	return PartialPath(dir, meta) + ".json"
}

func writeSidecar(dir string, meta FileMeta) error {
	data, err := json.Marshal(sidecar{Size: meta.Size, Modified: meta.Modified})
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(dir, meta), data, 0o644)
}

func removeSidecar(dir string, meta FileMeta) {
	_ = os.Remove(sidecarPath(dir, meta))
}

// ResumeOffset checks for a resumable partial download of meta in dir.
// It returns the byte offset to continue from, or nil when no usable
// partial exists. A partial is usable only when its sidecar matches the
// offered size and modified time and it is strictly shorter than the
// offer; anything else restarts from zero.
func ResumeOffset(dir string, meta FileMeta) *uint64 {
	info, err := os.Stat(PartialPath(dir, meta))
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	length := uint64(info.Size())
	if length >= meta.Size {
		return nil
	}

	data, err := os.ReadFile(sidecarPath(dir, meta))
	if err != nil {
		return nil
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil
	}
	if sc.Size != meta.Size || sc.Modified != meta.Modified {
		return nil
	}
	return &length
}

// alreadyComplete reports whether dir already holds the finished file:
// same size, and same modified time when the offer carries one.
func alreadyComplete(dir string, meta FileMeta) bool {
	info, err := os.Stat(SavePath(dir, meta))
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if uint64(info.Size()) != meta.Size {
		return false
	}
	if meta.Modified != 0 && info.ModTime().Unix() != meta.Modified {
		return false
	}
	return true
}

// BuildResponse decides, for each offered file, whether to reject it
// (already present), resume a partial, or take it whole.
func BuildResponse(dir string, o Offer) Response {
	offsets := make([]*uint64, len(o.Files))
	for i, meta := range o.Files {
		if alreadyComplete(dir, meta) {
			continue
		}
		if k := ResumeOffset(dir, meta); k != nil {
			offsets[i] = k
			continue
		}
		var zero uint64
		offsets[i] = &zero
	}
	return Response{Offsets: offsets}
}

// unoccupiedSavePath returns SavePath, or a " (1)".." (99)" suffixed
// variant when the plain name is taken by something else.
func unoccupiedSavePath(dir string, meta FileMeta) (string, error) {
	plain := SavePath(dir, meta)
	if _, err := os.Stat(plain); os.IsNotExist(err) {
		return plain, nil
	}
	ext := filepath.Ext(plain)
	stem := plain[:len(plain)-len(ext)]
	for i := 1; i < 100; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free filename for %q", plain)
}
