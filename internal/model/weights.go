package model

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Brownie44l1/ranjana-api/internal/checkpoint"
	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

// bindParams points every parameter at the matching checkpoint tensor.
func bindParams(params []nn.Param, ckpt *checkpoint.Checkpoint) error {
	for _, p := range params {
		t, ok := ckpt.Tensor(p.Name)
		if !ok {
			return fmt.Errorf("%w: checkpoint has no tensor %s", ErrArchitectureMismatch, p.Name)
		}
		if !slices.Equal(t.Shape, p.Shape) {
			return &ArchitectureMismatchError{
				Want: fmt.Sprintf("%s%v", p.Name, p.Shape),
				Got:  fmt.Sprintf("%s%v", p.Name, t.Shape),
			}
		}
		*p.Value = t.Data
	}
	return nil
}

// LoadClassifier reconstructs the backbone and classifier head described by
// a classifier checkpoint.
func LoadClassifier(ckpt *checkpoint.Checkpoint, onnx ONNXOptions) (*Backbone, *Classifier, error) {
	h := ckpt.Header
	if h.Kind != checkpoint.KindClassifier {
		return nil, nil, &ArchitectureMismatchError{Want: string(checkpoint.KindClassifier) + " checkpoint", Got: string(h.Kind)}
	}
	arch, err := LookupArch(h.Backbone)
	if err != nil {
		return nil, nil, err
	}

	backbone := NewBackbone(arch)
	if h.Runtime == checkpoint.RuntimeONNX {
		trunk, err := NewONNXTrunk(filepath.Join(ckpt.Dir(), h.TrunkModel), arch.InputSize, h.TrunkOutput, onnx)
		if err != nil {
			return nil, nil, err
		}
		if backbone, err = backbone.WithTrunk(trunk); err != nil {
			trunk.Close()
			return nil, nil, err
		}
	}
	if err := bindParams(backbone.Params(), ckpt); err != nil {
		backbone.Close()
		return nil, nil, fmt.Errorf("backbone: %w", err)
	}

	classifier := NewClassifier(arch.FeatureDim(), h.NumClasses, arch.DropoutP)
	if err := bindParams(classifier.Params(), ckpt); err != nil {
		backbone.Close()
		return nil, nil, fmt.Errorf("classifier: %w", err)
	}
	return backbone, classifier, nil
}

// InitWeights fills params with the usual initial distributions: Kaiming
// normal (fan-out) for convolutions, uniform ±1/sqrt(fan-in) for linear
// layers, identity statistics for normalization layers.
func InitWeights(params []nn.Param, rng *rand.Rand) {
	for _, p := range params {
		v := *p.Value
		switch {
		case strings.HasSuffix(p.Name, "running_var"):
			fill(v, 1)
		case strings.HasSuffix(p.Name, "running_mean"), strings.HasSuffix(p.Name, "bias"):
			fill(v, 0)
		case len(p.Shape) == 1:
			// batchnorm / layernorm scale
			fill(v, 1)
		case len(p.Shape) == 4:
			fanOut := p.Shape[0] * p.Shape[2] * p.Shape[3]
			std := math.Sqrt(2 / float64(fanOut))
			for i := range v {
				v[i] = float32(rng.NormFloat64() * std)
			}
		default:
			bound := 1 / math.Sqrt(float64(p.Shape[len(p.Shape)-1]))
			for i := range v {
				v[i] = float32((rng.Float64()*2 - 1) * bound)
			}
		}
	}
}

func fill(v []float32, x float32) {
	for i := range v {
		v[i] = x
	}
}

// Tensors snapshots params for checkpoint.Write.
func Tensors(params []nn.Param) []checkpoint.Tensor {
	out := make([]checkpoint.Tensor, 0, len(params))
	for _, p := range params {
		out = append(out, checkpoint.Tensor{Name: p.Name, Shape: p.Shape, Data: *p.Value})
	}
	return out
}

// RandomClassifier returns a randomly initialized classifier checkpoint for
// arch. It is used to bootstrap deployments and tests before trained
// weights are available.
func RandomClassifier(arch Arch, seed int64) (checkpoint.Header, []checkpoint.Tensor) {
	rng := rand.New(rand.NewSource(seed))
	backbone := NewBackbone(arch)
	classifier := NewClassifier(arch.FeatureDim(), NumClasses, arch.DropoutP)
	params := append(backbone.Params(), classifier.Params()...)
	InitWeights(params, rng)
	h := checkpoint.Header{Kind: checkpoint.KindClassifier, Backbone: arch.Name, NumClasses: NumClasses}
	return h, Tensors(params)
}

// RandomSiamese returns a randomly initialized projection head checkpoint
// for arch.
func RandomSiamese(arch Arch, embeddingDim int, threshold float64, seed int64) (checkpoint.Header, []checkpoint.Tensor) {
	rng := rand.New(rand.NewSource(seed))
	head := NewSiameseHead(arch.Name, arch.FeatureDim(), embeddingDim, threshold)
	params := head.Params()
	InitWeights(params, rng)
	h := checkpoint.Header{
		Kind:         checkpoint.KindSiamese,
		Backbone:     arch.Name,
		EmbeddingDim: embeddingDim,
		Threshold:    threshold,
	}
	return h, Tensors(params)
}
