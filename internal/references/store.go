// Package references serves the canonical glyph for each character class
// and caches their embeddings.
package references

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/ranjana-api/internal/glyph"
	"github.com/Brownie44l1/ranjana-api/internal/model"
)

// Store is a read-only directory of class_{id}.png files.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func FileName(class int) string {
	return fmt.Sprintf("class_%d.png", class)
}

// Path validates class and returns where its reference glyph lives. It does
// not touch the filesystem.
func (s *Store) Path(class int) (string, error) {
	if class < 0 || class >= model.NumClasses {
		return "", model.NewInvalidClassError(class)
	}
	return filepath.Join(s.Dir, FileName(class)), nil
}

// Read returns the raw bytes of the reference glyph for class.
func (s *Store) Read(class int) ([]byte, error) {
	path, err := s.Path(class)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewReferenceNotFoundError(class, path)
		}
		return nil, fmt.Errorf("failed to read reference %s: %w: %w", path, model.ErrResource, err)
	}
	return raw, nil
}

// Load decodes the reference glyph for class.
func (s *Store) Load(class int) (image.Image, error) {
	raw, err := s.Read(class)
	if err != nil {
		return nil, err
	}
	img, err := glyph.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("reference class %d: %w", class, err)
	}
	return img, nil
}

// Available lists the classes whose reference file exists.
func (s *Store) Available() ([]int, error) {
	var out []int
	for c := 0; c < model.NumClasses; c++ {
		path, _ := s.Path(c)
		if _, err := os.Stat(path); err == nil {
			out = append(out, c)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", model.ErrResource, err)
		}
	}
	return out, nil
}
