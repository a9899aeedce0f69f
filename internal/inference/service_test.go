package inference

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/ranjana-api/internal/checkpoint"
	"github.com/Brownie44l1/ranjana-api/internal/model"
	"github.com/Brownie44l1/ranjana-api/internal/references"
)

// glyphPNG draws a 64×64 binary glyph in dark ink on white paper.
func glyphPNG(t *testing.T, rects ...image.Rectangle) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	draw.Draw(img, img.Rect, image.White, image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func plusGlyph(t *testing.T) []byte {
	return glyphPNG(t, image.Rect(28, 8, 36, 56), image.Rect(8, 28, 56, 36))
}

func barGlyph(t *testing.T) []byte {
	return glyphPNG(t, image.Rect(10, 20, 54, 30))
}

func blankPNG(t *testing.T) []byte {
	return glyphPNG(t)
}

type fixture struct {
	svc   *Service
	dir   string
	cache *references.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	modelDir, refDir := t.TempDir(), t.TempDir()

	arch, err := model.LookupArch("mbconv_tiny")
	require.NoError(t, err)
	h, tensors := model.RandomClassifier(arch, 11)
	require.NoError(t, checkpoint.Save(filepath.Join(modelDir, "classifier.ckpt"), h, tensors))
	sh, st := model.RandomSiamese(arch, checkpoint.DefaultEmbeddingDim, checkpoint.DefaultThreshold, 12)
	require.NoError(t, checkpoint.Save(filepath.Join(modelDir, "siamese_mbconv_tiny_v1.ckpt"), sh, st))

	require.NoError(t, os.WriteFile(filepath.Join(refDir, references.FileName(2)), plusGlyph(t), 0o644))

	cache, err := references.OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	svc := NewService(Options{
		ModelDir:       modelDir,
		ClassifierFile: "classifier.ckpt",
		References:     references.NewStore(refDir),
		Cache:          cache,
	})
	t.Cleanup(func() { svc.Close() })
	return &fixture{svc: svc, dir: modelDir, cache: cache}
}

func TestCompareIdenticalGlyphIsSame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Compare(ctx, plusGlyph(t), 2)
	require.NoError(t, err)

	assert.Less(t, res.Distance, checkpoint.DefaultThreshold)
	assert.True(t, res.IsSame)
	assert.InDelta(t, 100, res.SimilarityScore, 1e-3)
	assert.Equal(t, checkpoint.DefaultThreshold, res.Threshold)
	assert.Equal(t, 2, res.Class)
	assert.Equal(t, Feedback(res.SimilarityScore), res.Feedback)
	for _, img := range []string{res.ReferenceImage, res.UserImage, res.BlendedOverlay} {
		assert.True(t, strings.HasPrefix(img, "data:image/png;base64,"))
	}

	// the reference embedding is cached under the current model version
	vec, ok, err := f.cache.Get(ctx, f.svc.Version(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, vec, checkpoint.DefaultEmbeddingDim)

	again, err := f.svc.Compare(ctx, plusGlyph(t), 2)
	require.NoError(t, err)
	assert.Equal(t, res.Distance, again.Distance)
}

func TestOversizedUploadRejectedBeforeModelLoad(t *testing.T) {
	f := newFixture(t)
	svc := NewService(Options{ModelDir: f.dir, ClassifierFile: "classifier.ckpt", MaxPixels: 64*64 - 1})
	t.Cleanup(func() { svc.Close() })

	_, err := svc.Predict(context.Background(), plusGlyph(t), 1)
	require.ErrorIs(t, err, model.ErrInvalidImage)
	assert.Equal(t, model.KindInput, model.KindOf(err))
	assert.Empty(t, svc.Version())
}

func TestClassifyBlankImage(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Predict(context.Background(), blankPNG(t), 3)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.GreaterOrEqual(t, res.Class, 0)
	assert.Less(t, res.Class, model.NumClasses)
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 100.0)
	assert.Len(t, res.TopK, 3)
	assert.True(t, strings.HasPrefix(res.ProcessedImage, "data:image/png;base64,"))
}

func TestCompareRejectsInvalidClassBeforeLoading(t *testing.T) {
	svc := NewService(Options{
		ModelDir:       filepath.Join(t.TempDir(), "missing"),
		ClassifierFile: "classifier.ckpt",
		References:     references.NewStore(t.TempDir()),
	})

	for _, class := range []int{36, -1} {
		_, err := svc.Compare(context.Background(), []byte("not even an image"), class)
		require.ErrorIs(t, err, model.ErrInvalidClass)
		assert.NotErrorIs(t, err, model.ErrCheckpointNotFound)
	}
	assert.Empty(t, svc.Version(), "no model was loaded")
}

func TestCompareMissingReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Compare(context.Background(), plusGlyph(t), 5)
	assert.ErrorIs(t, err, model.ErrReferenceNotFound)
}

func TestPredictMissingCheckpoint(t *testing.T) {
	svc := NewService(Options{ModelDir: t.TempDir(), ClassifierFile: "classifier.ckpt"})
	_, err := svc.Predict(context.Background(), plusGlyph(t), 1)
	assert.ErrorIs(t, err, model.ErrCheckpointNotFound)
	assert.Equal(t, model.KindModel, model.KindOf(err))
}

func TestPredictRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Predict(context.Background(), []byte("garbage"), 1)
	assert.ErrorIs(t, err, model.ErrInvalidImage)
}

func TestPredictIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Predict(ctx, barGlyph(t), 5)
	require.NoError(t, err)
	b, err := f.svc.Predict(ctx, barGlyph(t), 5)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVisualizeOverlayMatchesGlyph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Visualize(ctx, plusGlyph(t), nil)
	require.NoError(t, err)

	overlay, err := png.Decode(bytes.NewReader(res.Overlay))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), overlay.Bounds())
	assert.Equal(t, res.Prediction.Class, res.Attention.Class)
	for _, v := range res.Attention.Values {
		assert.True(t, v >= 0 && v <= 1)
	}

	target := 7
	res, err = f.svc.Visualize(ctx, plusGlyph(t), &target)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Attention.Class)

	bad := model.NumClasses
	_, err = f.svc.Visualize(ctx, plusGlyph(t), &bad)
	assert.ErrorIs(t, err, model.ErrInvalidClass)
}

func TestEmbeddingAndCompareImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	emb, err := f.svc.Embedding(ctx, barGlyph(t))
	require.NoError(t, err)
	assert.Len(t, emb.Vector, checkpoint.DefaultEmbeddingDim)
	var norm float64
	for _, v := range emb.Vector {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-4)
	assert.Contains(t, emb.Version, "-")

	ab, err := f.svc.CompareImages(ctx, plusGlyph(t), barGlyph(t))
	require.NoError(t, err)
	ba, err := f.svc.CompareImages(ctx, barGlyph(t), plusGlyph(t))
	require.NoError(t, err)
	assert.InDelta(t, ab.Distance, ba.Distance, 1e-6)

	self, err := f.svc.CompareImages(ctx, barGlyph(t), barGlyph(t))
	require.NoError(t, err)
	assert.True(t, self.IsSame)
	assert.InDelta(t, 0, self.Distance, 1e-6)
}

func TestWarmAndReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Empty(t, f.svc.Version())
	require.NoError(t, f.svc.Warm(ctx))
	v := f.svc.Version()
	assert.Contains(t, v, "-", "warm loads the siamese head too")

	require.NoError(t, f.svc.Reload(ctx))
	assert.Empty(t, f.svc.Version())

	// a new classifier checkpoint changes the version
	arch, err := model.LookupArch("mbconv_tiny")
	require.NoError(t, err)
	h, tensors := model.RandomClassifier(arch, 99)
	require.NoError(t, checkpoint.Save(filepath.Join(f.dir, "classifier.ckpt"), h, tensors))
	require.NoError(t, f.svc.Warm(ctx))
	assert.NotEqual(t, v, f.svc.Version())
}

func TestConcurrentRequestsAndReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := plusGlyph(t)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				if _, err := f.svc.Predict(ctx, img, 1); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 3; j++ {
			if err := f.svc.Reload(ctx); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.Predict(ctx, plusGlyph(t), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeedbackBands(t *testing.T) {
	tests := []struct {
		score  float64
		prefix string
	}{
		{100, "Excellent"},
		{90, "Excellent"},
		{89.9, "Great"},
		{75, "Great"},
		{60, "Good effort"},
		{59.99, "Keep practicing"},
		{0, "Keep practicing"},
	}
	for _, tt := range tests {
		assert.True(t, strings.HasPrefix(Feedback(tt.score), tt.prefix), "score %v", tt.score)
	}
}
