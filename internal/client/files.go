// Package client holds the pieces of the command line client that sit
// above the core: turning user-supplied paths into a flat offer list,
// and gluing the rendezvous, punch, and transfer phases together.
package client

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/manforowicz/gday/internal/offer"
)

// CollectFiles flattens the given files and directories into the list
// that will be offered. A directory is offered under its own name, so
// `gday send photos` produces paths like "photos/a.jpg". Two arguments
// that would offer the same path are an error.
func CollectFiles(paths []string) ([]offer.LocalFile, error) {
	var files []offer.LocalFile
	seen := make(map[string]string)

	add := func(offered, local string, info fs.FileInfo) error {
		if prev, dup := seen[offered]; dup {
			return fmt.Errorf("both %q and %q would be offered as %q", prev, local, offered)
		}
		seen[offered] = local
		files = append(files, offer.LocalFile{
			Meta: offer.FileMeta{
				Path:     []byte(filepath.ToSlash(offered)),
				Size:     uint64(info.Size()),
				Modified: info.ModTime().Unix(),
			},
			LocalPath: local,
		})
		return nil
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			if err := add(filepath.Base(abs), abs, info); err != nil {
				return nil, err
			}
			continue
		}

		parent := filepath.Dir(abs)
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if !fi.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return err
			}
			return add(rel, path, fi)
		})
		if err != nil {
			return nil, err
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("nothing to send")
	}
	return files, nil
}
