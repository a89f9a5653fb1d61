package hotswap

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/ZenLiuCN/fn"
)

type (
	// ScratchID identifies one load attempt. It is minted once per attempt and never reused
	// during the lifetime of a Scratch, even across swaps of the same ModulePath.
	ScratchID uint64
	// Scratch owns the private directories load attempts are staged into.
	Scratch struct {
		root string
		next atomic.Uint64
	}
)

// NewScratch creates a process private scratch root below base (the system temporary directory if empty).
// The root is unique per call, so directories of a previous process never collide with new ids.
func NewScratch(base string) (*Scratch, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, fmt.Errorf("create scratch base: %w", err)
		}
	}
	root, err := os.MkdirTemp(base, "hotswap-")
	if err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &Scratch{root: root}, nil
}

// Root directory of this scratch.
func (s *Scratch) Root() string {
	return s.root
}

// Next mints a fresh ScratchID.
func (s *Scratch) Next() ScratchID {
	return ScratchID(s.next.Add(1))
}

// Last returns the most recently minted ScratchID, zero if none.
func (s *Scratch) Last() ScratchID {
	return ScratchID(s.next.Load())
}

// Dir of the scratch namespace of id, whether created or not.
func (s *Scratch) Dir(id ScratchID) string {
	return filepath.Join(s.root, "load_"+strconv.FormatUint(uint64(id), 10))
}

// Create the scratch namespace of id. It fails if the directory already exists.
func (s *Scratch) Create(id ScratchID) (string, error) {
	dir := s.Dir(id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// Close removes the scratch root and everything in it.
func (s *Scratch) Close() error {
	return os.RemoveAll(s.root)
}

// CopyFile from src to dest with optional src file info
func CopyFile(src string, dest string, si fs.FileInfo) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)
	df, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err = io.Copy(df, sf); err != nil {
		_ = df.Close()
		return err
	}
	if err = df.Close(); err != nil {
		return err
	}
	if si == nil {
		if si, err = os.Stat(src); err != nil {
			return
		}
	}
	return os.Chmod(dest, si.Mode().Perm())
}

// CopyDir from src to dest with optional src file info
func CopyDir(src string, dest string, si fs.FileInfo) (err error) {
	if si == nil {
		if si, err = os.Stat(src); err != nil {
			return err
		}
	}
	if err = os.MkdirAll(dest, si.Mode().Perm()|0o700); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		dp := filepath.Join(dest, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(dp, info.Mode().Perm()|0o700)
		}
		return CopyFile(path, dp, info)
	})
}
