package checkpoint

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// maxHeaderSize bounds the YAML header so a damaged length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 16 << 20

// Tensor is a named weight buffer with its shape.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Checkpoint is a loaded bundle of weights plus its resolved header.
type Checkpoint struct {
	Header Header
	// Path is the file the checkpoint was loaded from, empty for in-memory
	// reads.
	Path string
	// Fingerprint is the hex SHA-256 of the file contents.
	Fingerprint string

	tensors map[string]Tensor
}

// Tensor returns the named weight buffer.
func (c *Checkpoint) Tensor(name string) (Tensor, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// Names lists the stored tensor names in sorted order.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.tensors))
	for n := range c.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Dir is the directory holding the checkpoint; sidecar files named in the
// header are resolved against it.
func (c *Checkpoint) Dir() string {
	if c.Path == "" {
		return "."
	}
	return filepath.Dir(c.Path)
}

// Read decodes a checkpoint from r.
func Read(r io.Reader) (*Checkpoint, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decode(raw)
}

// Load reads and decodes the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	ckpt, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ckpt.Path = path
	return ckpt, nil
}

func decode(raw []byte) (*Checkpoint, error) {
	if len(raw) < len(Magic)+4 || string(raw[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptCheckpoint)
	}
	hlen := binary.LittleEndian.Uint32(raw[len(Magic):])
	start := len(Magic) + 4
	if hlen > maxHeaderSize || int(hlen) > len(raw)-start {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrCorruptCheckpoint, hlen)
	}

	var h Header
	if err := yaml.Unmarshal(raw[start:start+int(hlen)], &h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorruptCheckpoint, err)
	}
	if err := h.Resolve(); err != nil {
		return nil, err
	}

	data := raw[start+int(hlen):]
	tensors := make(map[string]Tensor, len(h.Tensors))
	for _, ti := range h.Tensors {
		n := ti.Size()
		end := ti.Offset + int64(n)*4
		if end > int64(len(data)) {
			return nil, fmt.Errorf("%w: tensor %s exceeds data section", ErrCorruptCheckpoint, ti.Name)
		}
		if _, dup := tensors[ti.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %s", ErrCorruptCheckpoint, ti.Name)
		}
		buf := data[ti.Offset:end]
		values := make([]float32, n)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		tensors[ti.Name] = Tensor{Name: ti.Name, Shape: ti.Shape, Data: values}
	}

	sum := sha256.Sum256(raw)
	return &Checkpoint{
		Header:      h,
		Fingerprint: hex.EncodeToString(sum[:]),
		tensors:     tensors,
	}, nil
}

// Write encodes h and tensors to w. The tensor index in h is rebuilt from
// tensors, in the order given.
func Write(w io.Writer, h Header, tensors []Tensor) error {
	h.Tensors = make([]TensorInfo, 0, len(tensors))
	var offset int64
	for _, t := range tensors {
		info := TensorInfo{Name: t.Name, Shape: t.Shape, Offset: offset}
		if info.Size() != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, info.Size(), len(t.Data))
		}
		h.Tensors = append(h.Tensors, info)
		offset += int64(len(t.Data)) * 4
	}
	if err := h.Resolve(); err != nil {
		return err
	}

	var hdr bytes.Buffer
	enc := yaml.NewEncoder(&hdr)
	enc.SetIndent(2)
	if err := enc.Encode(&h); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return err
	}
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(hdr.Len()))
	if _, err := bw.Write(word[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hdr.Bytes()); err != nil {
		return err
	}
	for _, t := range tensors {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			if _, err := bw.Write(word[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Save writes the checkpoint to path atomically.
func Save(path string, h Header, tensors []Tensor) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, h, tensors); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Latest returns the lexicographically last file in dir matching pattern.
// Checkpoint names carry a sortable timestamp, so the last match is the
// most recent.
func Latest(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("bad checkpoint pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no file matching %s in %s", ErrCheckpointNotFound, pattern, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
