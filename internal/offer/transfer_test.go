package offer

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manforowicz/gday/internal/crypto"
)

// duplex glues separate read and write halves into one io.ReadWriter.
type duplex struct {
	io.Reader
	io.Writer
}

func writeLocalFile(t *testing.T, dir, name string, data []byte) LocalFile {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	mod := time.Now().Add(-time.Minute).Truncate(time.Second)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
	return LocalFile{
		Meta:      FileMeta{Path: []byte(name), Size: uint64(len(data)), Modified: mod.Unix()},
		LocalPath: path,
	}
}

// runTransfer pushes the full offer/response/payload sequence through a
// pair of encrypted streams, the way the real peers do.
func runTransfer(t *testing.T, files []LocalFile, downDir string) {
	t.Helper()
	key := [crypto.KeySize]byte{9}

	var wire bytes.Buffer
	sender, err := crypto.NewStream(duplex{Reader: bytes.NewReader(nil), Writer: &wire}, key, true)
	if err != nil {
		t.Fatal(err)
	}
	o := OfferFromLocal(files)
	if err := WriteOffer(sender, o); err != nil {
		t.Fatal(err)
	}

	receiver, err := crypto.NewStream(duplex{Reader: &wire, Writer: io.Discard}, key, false)
	if err != nil {
		t.Fatal(err)
	}
	gotOffer, err := ReadOffer(receiver)
	if err != nil {
		t.Fatal(err)
	}
	resp := BuildResponse(downDir, gotOffer)

	// the response normally flows the other way; hand it over directly
	if err := SendFiles(sender, files, resp, nil); err != nil {
		t.Fatal(err)
	}
	if err := sender.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ReceiveFiles(receiver, gotOffer, resp, downDir, nil); err != nil {
		t.Fatal(err)
	}
}

func TestTransferHappyPath(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	f := writeLocalFile(t, srcDir, "hello.txt", []byte("hello world"))

	runTransfer(t, []LocalFile{f}, dstDir)

	got, err := os.ReadFile(filepath.Join(dstDir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q", got)
	}

	info, err := os.Stat(filepath.Join(dstDir, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Unix() != f.Meta.Modified {
		t.Errorf("modified time not preserved: got %d, want %d", info.ModTime().Unix(), f.Meta.Modified)
	}
}

func TestTransferResumption(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()

	data := make([]byte, 1048576)
	rand.New(rand.NewSource(42)).Read(data)
	f := writeLocalFile(t, srcDir, "big.bin", data)

	// receiver already has the first half from an interrupted run
	if err := os.WriteFile(PartialPath(dstDir, f.Meta), data[:524288], 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeSidecar(dstDir, f.Meta); err != nil {
		t.Fatal(err)
	}

	var sentBytes uint64
	key := [crypto.KeySize]byte{1}
	var wire bytes.Buffer
	sender, err := crypto.NewStream(duplex{Reader: bytes.NewReader(nil), Writer: &wire}, key, true)
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := crypto.NewStream(duplex{Reader: &wire, Writer: io.Discard}, key, false)
	if err != nil {
		t.Fatal(err)
	}

	o := OfferFromLocal([]LocalFile{f})
	resp := BuildResponse(dstDir, o)
	if resp.Offsets[0] == nil || *resp.Offsets[0] != 524288 {
		t.Fatalf("expected resume at 524288, got %v", resp.Offsets[0])
	}

	err = SendFiles(sender, []LocalFile{f}, resp, func(p Progress) { sentBytes = p.ProcessedBytes })
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.Close(); err != nil {
		t.Fatal(err)
	}
	if sentBytes != 524288 {
		t.Errorf("sender transmitted %d bytes, want 524288", sentBytes)
	}

	if err := ReceiveFiles(receiver, o, resp, dstDir, nil); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dstDir, "big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("resumed file differs from source")
	}
	if _, err := os.Stat(PartialPath(dstDir, f.Meta) + ".json"); !os.IsNotExist(err) {
		t.Error("sidecar should be removed after completion")
	}
}

func TestTransferRejection(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	a := writeLocalFile(t, srcDir, "a", []byte("aaaa"))
	b := writeLocalFile(t, srcDir, "b", []byte("bbbbbbbb"))
	c := writeLocalFile(t, srcDir, "c", []byte("cc"))
	files := []LocalFile{a, b, c}

	resp := Response{Offsets: []*uint64{u64(0), nil, u64(0)}}

	var payload bytes.Buffer
	if err := SendFiles(&payload, files, resp, nil); err != nil {
		t.Fatal(err)
	}
	// a then c, nothing for b, no framing between payloads
	if payload.String() != "aaaacc" {
		t.Errorf("payload = %q, want %q", payload.String(), "aaaacc")
	}

	if err := ReceiveFiles(bytes.NewReader(payload.Bytes()), OfferFromLocal(files), resp, dstDir, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "b")); !os.IsNotExist(err) {
		t.Error("rejected file should not exist")
	}
	got, err := os.ReadFile(filepath.Join(dstDir, "c"))
	if err != nil || string(got) != "cc" {
		t.Errorf("c = %q, %v", got, err)
	}
}

func TestTransferTruncationLeavesPartial(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()

	data := make([]byte, 3*crypto.SegmentSize)
	rand.New(rand.NewSource(7)).Read(data)
	f := writeLocalFile(t, srcDir, "cut.bin", data)
	files := []LocalFile{f}
	resp := Response{Offsets: []*uint64{u64(0)}}

	key := [crypto.KeySize]byte{2}
	var wire bytes.Buffer
	sender, err := crypto.NewStream(duplex{Reader: bytes.NewReader(nil), Writer: &wire}, key, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := SendFiles(sender, files, resp, nil); err != nil {
		t.Fatal(err)
	}
	// connection dies before Close: drop the tail of the wire bytes
	cut := wire.Bytes()[:wire.Len()-crypto.SegmentSize/2]

	receiver, err := crypto.NewStream(duplex{Reader: bytes.NewReader(cut), Writer: io.Discard}, key, false)
	if err != nil {
		t.Fatal(err)
	}
	err = ReceiveFiles(receiver, OfferFromLocal(files), resp, dstDir, nil)
	if err == nil {
		t.Fatal("expected error from truncated stream")
	}
	if !errors.Is(err, crypto.ErrTruncated) && !errors.Is(err, crypto.ErrAuthFailed) {
		t.Errorf("got %v, want an AEAD stream error", err)
	}

	// the partial keeps only authenticated bytes, ready for resume
	info, err := os.Stat(PartialPath(dstDir, f.Meta))
	if err != nil {
		t.Fatal(err)
	}
	partial, err := os.ReadFile(PartialPath(dstDir, f.Meta))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(partial, data[:info.Size()]) {
		t.Error("partial content differs from the authenticated prefix")
	}
	if _, err := os.Stat(filepath.Join(dstDir, "cut.bin")); !os.IsNotExist(err) {
		t.Error("final file should not exist after truncation")
	}
}

func TestSendDetectsChangedFile(t *testing.T) {
	srcDir := t.TempDir()
	f := writeLocalFile(t, srcDir, "f", []byte("1234"))
	f.Meta.Size = 5 // pretend the offer was made from different content

	err := SendFiles(io.Discard, []LocalFile{f}, Response{Offsets: []*uint64{u64(0)}}, nil)
	if !errors.Is(err, ErrFileChanged) {
		t.Errorf("got %v, want ErrFileChanged", err)
	}
}
