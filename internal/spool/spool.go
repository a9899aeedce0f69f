// Package spool holds uploaded payloads in request-scoped temp files so
// background work never keeps request bodies in memory.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

var ErrTooLarge = errors.New("payload too large")

type Dir struct {
	root  string
	limit int64
}

// New prepares root for spooled files. An empty root uses a directory under
// os.TempDir. limit <= 0 disables the size check.
func New(root string, limit int64) (*Dir, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "ranjana-spool")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	return &Dir{root: root, limit: limit}, nil
}

func (d *Dir) Root() string { return d.root }

// File is one spooled payload. Release must be called on every exit path.
type File struct {
	Path string
	Size int64

	once sync.Once
	err  error
}

// Write copies r into a new uniquely named file.
func (d *Dir) Write(r io.Reader) (*File, error) {
	path := filepath.Join(d.root, uuid.NewString()+".upload")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	src := r
	if d.limit > 0 {
		src = io.LimitReader(r, d.limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && d.limit > 0 && n > d.limit {
		err = fmt.Errorf("%w: over %s", ErrTooLarge, humanize.IBytes(uint64(d.limit)))
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return &File{Path: path, Size: n}, nil
}

// WriteBytes spools an in-memory payload.
func (d *Dir) WriteBytes(b []byte) (*File, error) {
	return d.Write(bytes.NewReader(b))
}

func (f *File) ReadAll() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Release removes the file. It is safe to call more than once.
func (f *File) Release() error {
	f.once.Do(func() {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.err = err
		}
	})
	return f.err
}

// HumanSize is the file size for log lines.
func (f *File) HumanSize() string {
	return humanize.IBytes(uint64(f.Size))
}
