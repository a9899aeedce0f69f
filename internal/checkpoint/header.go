// Package checkpoint reads and writes the typed weight bundles the service
// loads its networks from.
//
// A checkpoint file is laid out as:
//
//	"RNJC" | uint32 LE header length | YAML header | tensor data
//
// Tensor data is a run of little-endian float32 values. Each tensor in the
// header index records its byte offset relative to the start of the data
// section.
package checkpoint

import (
	"errors"
	"fmt"

	"dario.cat/mergo"
	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
)

const (
	Magic = "RNJC"

	CurrentFormatVersion = "1.0.0"
	supportedFormats     = "^1"

	DefaultBackbone     = "efficientnet_b0"
	DefaultNumClasses   = 36
	DefaultEmbeddingDim = 128
	DefaultThreshold    = 0.45
)

type Kind string

const (
	KindClassifier Kind = "classifier"
	KindSiamese    Kind = "siamese"
)

type Runtime string

const (
	RuntimeNative Runtime = "native"
	RuntimeONNX   Runtime = "onnx"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrCorruptCheckpoint  = errors.New("corrupt checkpoint")
	ErrIncompatibleFormat = errors.New("incompatible checkpoint format")
)

var validate = validator.New()

type TensorInfo struct {
	Name   string `yaml:"name"   validate:"required"`
	Shape  []int  `yaml:"shape"  validate:"dive,gt=0"`
	Offset int64  `yaml:"offset" validate:"gte=0"`
}

// Size returns the element count of the tensor.
func (t TensorInfo) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Header is the architecture manifest stored ahead of the weights. Optional
// fields left empty in the file are filled from Defaults before validation.
type Header struct {
	FormatVersion string  `yaml:"format_version" validate:"required"`
	Kind          Kind    `yaml:"kind"           validate:"required,oneof=classifier siamese"`
	Backbone      string  `yaml:"backbone"       validate:"required"`
	NumClasses    int     `yaml:"num_classes"    validate:"gte=0"`
	EmbeddingDim  int     `yaml:"embedding_dim"  validate:"gt=0"`
	Threshold     float64 `yaml:"threshold"      validate:"gt=0"`
	Runtime       Runtime `yaml:"runtime"        validate:"oneof=native onnx"`

	// TrunkModel is an ONNX graph, relative to the checkpoint, computing the
	// backbone up to its last convolution. TrunkOutput is that graph's
	// output shape (C, H, W).
	TrunkModel  string `yaml:"trunk_model,omitempty"  validate:"required_if=Runtime onnx"`
	TrunkOutput []int  `yaml:"trunk_output,omitempty" validate:"omitempty,len=3,dive,gt=0"`

	Tensors []TensorInfo `yaml:"tensors" validate:"dive"`
}

// Defaults returns the documented fallbacks for fields a checkpoint omits.
func Defaults() Header {
	return Header{
		FormatVersion: CurrentFormatVersion,
		Backbone:      DefaultBackbone,
		NumClasses:    DefaultNumClasses,
		EmbeddingDim:  DefaultEmbeddingDim,
		Threshold:     DefaultThreshold,
		Runtime:       RuntimeNative,
	}
}

// Resolve fills omitted fields from Defaults, then validates the result and
// checks the format version is one this build can read.
func (h *Header) Resolve() error {
	if err := mergo.Merge(h, Defaults()); err != nil {
		return fmt.Errorf("failed to apply header defaults: %w", err)
	}
	if err := validate.Struct(h); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}
	if h.Runtime == RuntimeONNX && len(h.TrunkOutput) != 3 {
		return fmt.Errorf("%w: onnx runtime requires trunk_output (C, H, W)", ErrCorruptCheckpoint)
	}
	return checkFormat(h.FormatVersion)
}

func checkFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: format_version %q: %w", ErrIncompatibleFormat, version, err)
	}
	c, err := semver.NewConstraint(supportedFormats)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: format_version %s does not satisfy %s", ErrIncompatibleFormat, v, supportedFormats)
	}
	return nil
}
