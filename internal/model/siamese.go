package model

import (
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"

	"github.com/Brownie44l1/ranjana-api/internal/checkpoint"
	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

const ProjectionDim = 512

// SiameseHead projects pooled backbone features into the unit sphere used
// for similarity. It never owns a backbone; callers pass features computed
// by the shared one.
type SiameseHead struct {
	Backbone     string
	EmbeddingDim int
	Threshold    float64

	proj *nn.Sequential
}

func NewSiameseHead(backbone string, featureDim, embeddingDim int, threshold float64) *SiameseHead {
	return &SiameseHead{
		Backbone:     backbone,
		EmbeddingDim: embeddingDim,
		Threshold:    threshold,
		proj: nn.NewSequential(
			nn.Flatten{},
			nn.NewLinear(featureDim, ProjectionDim),
			nn.ReLU{},
			nn.Dropout{P: 0.3},
			nn.NewLinear(ProjectionDim, embeddingDim),
			nn.NewLayerNorm(embeddingDim),
		),
	}
}

// Embed returns the L2-normalized embedding of one glyph's features.
func (s *SiameseHead) Embed(features *nn.Tensor) ([]float32, error) {
	out, err := s.proj.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("projection head: %w", err)
	}
	return nn.L2Normalize(out.Data), nil
}

// Compare embeds both feature vectors and scores their distance.
func (s *SiameseHead) Compare(a, b *nn.Tensor) (SimilarityResult, error) {
	ea, err := s.Embed(a)
	if err != nil {
		return SimilarityResult{}, err
	}
	eb, err := s.Embed(b)
	if err != nil {
		return SimilarityResult{}, err
	}
	return Similarity(Distance(ea, eb), s.Threshold), nil
}

func (s *SiameseHead) Params() []nn.Param {
	return s.proj.Params("projection_head.")
}

// Distance is the Euclidean distance between two embeddings.
func Distance(a, b []float32) float64 {
	return float64(vek32.Distance(a, b))
}

// Similarity maps a distance onto a 0-100 score that reaches 0 at twice the
// threshold, and flags pairs closer than the threshold as the same glyph.
func Similarity(distance, threshold float64) SimilarityResult {
	return SimilarityResult{
		Distance:        distance,
		SimilarityScore: math.Max(0, 100*(1-distance/(2*threshold))),
		IsSame:          distance < threshold,
		Threshold:       threshold,
	}
}

// LoadSiameseHead builds the projection head described by ckpt on top of
// an already loaded backbone.
func LoadSiameseHead(ckpt *checkpoint.Checkpoint, backbone *Backbone) (*SiameseHead, error) {
	h := ckpt.Header
	if h.Kind != checkpoint.KindSiamese {
		return nil, &ArchitectureMismatchError{Want: string(checkpoint.KindSiamese) + " checkpoint", Got: string(h.Kind)}
	}
	if h.Backbone != backbone.Arch.Name {
		return nil, &ArchitectureMismatchError{Want: backbone.Arch.Name, Got: h.Backbone}
	}
	head := NewSiameseHead(h.Backbone, backbone.Arch.FeatureDim(), h.EmbeddingDim, h.Threshold)
	if err := bindParams(head.Params(), ckpt); err != nil {
		return nil, fmt.Errorf("siamese head: %w", err)
	}
	return head, nil
}
