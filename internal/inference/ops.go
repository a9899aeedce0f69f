package inference

import (
	"context"
	"fmt"
	"image"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Brownie44l1/ranjana-api/internal/glyph"
	"github.com/Brownie44l1/ranjana-api/internal/model"
	"github.com/Brownie44l1/ranjana-api/internal/render"
)

const DefaultTopK = 5

type ClassificationResult struct {
	model.ClassPrediction
	// ProcessedImage is the normalized glyph as a PNG data URL.
	ProcessedImage string `json:"processed_image"`
	Degraded       bool   `json:"degraded"`
}

type ComparisonResult struct {
	model.SimilarityResult
	Class    int    `json:"compared_with_class"`
	Feedback string `json:"feedback"`
	Degraded bool   `json:"degraded"`

	ReferenceImage string `json:"reference_image"`
	UserImage      string `json:"user_image"`
	BlendedOverlay string `json:"blended_overlay"`
}

type VisualizationResult struct {
	Prediction model.ClassPrediction `json:"prediction"`
	Attention  *model.AttentionMap   `json:"attention"`
	// Overlay is a PNG the size of the normalized glyph.
	Overlay  []byte `json:"-"`
	Degraded bool   `json:"degraded"`
}

// Predict classifies one uploaded glyph image.
func (s *Service) Predict(ctx context.Context, data []byte, topK int) (*ClassificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "inference.Predict")
	defer span.End()

	if topK <= 0 {
		topK = DefaultTopK
	}
	g, err := s.Normalize(ctx, data)
	if err != nil {
		return nil, recordErr(span, err)
	}

	st, release, err := s.acquire(ctx, false)
	if err != nil {
		return nil, recordErr(span, err)
	}
	defer release()

	features, err := s.features(st, g)
	if err != nil {
		return nil, recordErr(span, err)
	}
	pred, err := st.Classifier.Predict(features, topK)
	if err != nil {
		return nil, recordErr(span, err)
	}
	preview, err := g.Preview()
	if err != nil {
		return nil, recordErr(span, err)
	}

	span.SetAttributes(attribute.Int("class", pred.Class), attribute.Float64("confidence", pred.Confidence))
	return &ClassificationResult{ClassPrediction: *pred, ProcessedImage: preview, Degraded: g.Degraded}, nil
}

// Compare scores an uploaded glyph against the reference glyph of class. An
// invalid class is rejected before the image or any network is touched.
func (s *Service) Compare(ctx context.Context, data []byte, class int) (*ComparisonResult, error) {
	ctx, span := s.tracer.Start(ctx, "inference.Compare")
	defer span.End()
	span.SetAttributes(attribute.Int("class", class))

	if err := checkClass(class); err != nil {
		return nil, recordErr(span, err)
	}
	refImg, err := s.opts.References.Load(class)
	if err != nil {
		return nil, recordErr(span, err)
	}
	user, err := s.Normalize(ctx, data)
	if err != nil {
		return nil, recordErr(span, err)
	}
	ref, err := normalizeImage(refImg)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("reference class %d: %w", class, err))
	}
	if err := ctx.Err(); err != nil {
		return nil, recordErr(span, err)
	}

	st, release, err := s.acquire(ctx, true)
	if err != nil {
		return nil, recordErr(span, err)
	}
	userVec, err := s.embed(st, user)
	if err != nil {
		release()
		return nil, recordErr(span, err)
	}
	refVec, err := s.referenceEmbedding(ctx, st, class, ref)
	if err != nil {
		release()
		return nil, recordErr(span, err)
	}
	sim := model.Similarity(model.Distance(userVec, refVec), st.Siamese.Threshold)
	release()

	res := &ComparisonResult{
		SimilarityResult: sim,
		Class:            class,
		Feedback:         Feedback(sim.SimilarityScore),
		Degraded:         user.Degraded,
	}
	if err := renderComparison(res, user.Image, ref.Image); err != nil {
		return nil, recordErr(span, err)
	}

	span.SetAttributes(
		attribute.Float64("similarity.score", sim.SimilarityScore),
		attribute.Float64("similarity.distance", sim.Distance),
	)
	return res, nil
}

// CompareImages scores two uploaded glyphs against each other.
func (s *Service) CompareImages(ctx context.Context, a, b []byte) (*model.SimilarityResult, error) {
	ctx, span := s.tracer.Start(ctx, "inference.CompareImages")
	defer span.End()

	ga, err := s.Normalize(ctx, a)
	if err != nil {
		return nil, recordErr(span, err)
	}
	gb, err := s.Normalize(ctx, b)
	if err != nil {
		return nil, recordErr(span, err)
	}

	st, release, err := s.acquire(ctx, true)
	if err != nil {
		return nil, recordErr(span, err)
	}
	defer release()

	ea, err := s.embed(st, ga)
	if err != nil {
		return nil, recordErr(span, err)
	}
	eb, err := s.embed(st, gb)
	if err != nil {
		return nil, recordErr(span, err)
	}
	sim := model.Similarity(model.Distance(ea, eb), st.Siamese.Threshold)
	return &sim, nil
}

// Visualize computes the Grad-CAM attention of target (the predicted class
// when nil) and blends it over the normalized glyph.
func (s *Service) Visualize(ctx context.Context, data []byte, target *int) (*VisualizationResult, error) {
	ctx, span := s.tracer.Start(ctx, "inference.Visualize")
	defer span.End()

	if target != nil {
		if err := checkClass(*target); err != nil {
			return nil, recordErr(span, err)
		}
	}
	g, err := s.Normalize(ctx, data)
	if err != nil {
		return nil, recordErr(span, err)
	}

	st, release, err := s.acquire(ctx, false)
	if err != nil {
		return nil, recordErr(span, err)
	}
	cam, pred, err := model.GradCAM(st.Backbone, st.Classifier, model.InputTensor(g.Image), target)
	release()
	if err != nil {
		return nil, recordErr(span, err)
	}

	overlay, err := render.AttentionOverlay(g.Image, cam.Values, cam.Width, cam.Height, s.opts.Colormap, s.opts.Alpha)
	if err != nil {
		return nil, recordErr(span, err)
	}
	raw, err := render.EncodePNG(overlay)
	if err != nil {
		return nil, recordErr(span, err)
	}

	span.SetAttributes(attribute.Int("class", cam.Class))
	return &VisualizationResult{Prediction: *pred, Attention: cam, Overlay: raw, Degraded: g.Degraded}, nil
}

// Embedding returns the unit-length embedding of an uploaded glyph.
func (s *Service) Embedding(ctx context.Context, data []byte) (*model.Embedding, error) {
	ctx, span := s.tracer.Start(ctx, "inference.Embedding")
	defer span.End()

	g, err := s.Normalize(ctx, data)
	if err != nil {
		return nil, recordErr(span, err)
	}
	st, release, err := s.acquire(ctx, true)
	if err != nil {
		return nil, recordErr(span, err)
	}
	defer release()

	vec, err := s.embed(st, g)
	if err != nil {
		return nil, recordErr(span, err)
	}
	return &model.Embedding{Vector: vec, Version: st.Version()}, nil
}

func (s *Service) embed(st *ModelState, g *glyph.Glyph) ([]float32, error) {
	features, err := s.features(st, g)
	if err != nil {
		return nil, err
	}
	return st.Siamese.Embed(features)
}

// referenceEmbedding reads the embedding of a reference glyph from the
// cache, computing and storing it on a miss. Cache failures only cost a
// recomputation.
func (s *Service) referenceEmbedding(ctx context.Context, st *ModelState, class int, ref *glyph.Glyph) ([]float32, error) {
	cache := s.opts.Cache
	version := st.Version()
	if cache != nil {
		vec, ok, err := cache.Get(ctx, version, class)
		if err != nil {
			log.Warnf("embedding cache read failed: %v", err)
		} else if ok && len(vec) == st.Siamese.EmbeddingDim {
			return vec, nil
		}
	}

	vec, err := s.embed(st, ref)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.Put(ctx, version, class, vec); err != nil {
			log.Warnf("embedding cache write failed: %v", err)
		}
	}
	return vec, nil
}

func normalizeImage(img image.Image) (*glyph.Glyph, error) {
	g, err := glyph.NormalizeOrFallback(img)
	if g == nil {
		return nil, err
	}
	return g, nil
}

func renderComparison(res *ComparisonResult, user, reference image.Image) error {
	set := render.Comparison(user, reference)
	caption := fmt.Sprintf("Similarity %.1f%%", res.SimilarityScore)
	if err := render.Caption(set.Overlay, caption); err != nil {
		return err
	}

	for _, out := range []struct {
		dst *string
		img image.Image
	}{
		{&res.ReferenceImage, set.Reference},
		{&res.UserImage, set.User},
		{&res.BlendedOverlay, set.Overlay},
	} {
		raw, err := render.EncodePNG(out.img)
		if err != nil {
			return err
		}
		*out.dst = render.DataURL(raw)
	}
	return nil
}
