package model

import (
	"bytes"
	"fmt"
	"image"
	"io/fs"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/ranjana-api/internal/checkpoint"
	"github.com/Brownie44l1/ranjana-api/internal/glyph"
	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

func roundTrip(t *testing.T, h checkpoint.Header, tensors []checkpoint.Tensor) *checkpoint.Checkpoint {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, checkpoint.Write(&buf, h, tensors))
	ckpt, err := checkpoint.Read(&buf)
	require.NoError(t, err)
	return ckpt
}

func tinyModel(t *testing.T) (*Backbone, *Classifier, *SiameseHead) {
	t.Helper()
	arch, err := LookupArch("mbconv_tiny")
	require.NoError(t, err)

	h, tensors := RandomClassifier(arch, 1)
	backbone, classifier, err := LoadClassifier(roundTrip(t, h, tensors), ONNXOptions{})
	require.NoError(t, err)

	sh, st := RandomSiamese(arch, checkpoint.DefaultEmbeddingDim, checkpoint.DefaultThreshold, 2)
	head, err := LoadSiameseHead(roundTrip(t, sh, st), backbone)
	require.NoError(t, err)
	return backbone, classifier, head
}

func randomInput(seed int64) *nn.Tensor {
	rng := rand.New(rand.NewSource(seed))
	g := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range g.Pix {
		if rng.Intn(4) == 0 {
			g.Pix[i] = 255
		}
	}
	return InputTensor(g)
}

func TestEfficientNetB0ParamLayout(t *testing.T) {
	arch, err := LookupArch("efficientnet_b0")
	require.NoError(t, err)

	shapes := map[string][]int{}
	blocks := 0
	for _, p := range NewBackbone(arch).Params() {
		shapes[p.Name] = p.Shape
	}
	for _, l := range arch.layers() {
		if _, ok := l.Layer.(*nn.MBConv); ok {
			blocks++
		}
	}

	assert.Equal(t, 16, blocks)
	assert.Equal(t, []int{32, 1, 3, 3}, shapes["features.0.0.weight"])
	assert.Equal(t, []int{32, 1, 3, 3}, shapes["features.1.0.block.0.0.weight"])
	assert.Equal(t, []int{8, 32, 1, 1}, shapes["features.1.0.block.1.fc1.weight"])
	assert.Equal(t, []int{144, 1, 5, 5}, shapes["features.3.0.block.1.0.weight"])
	assert.Equal(t, []int{1280, 320, 1, 1}, shapes["features.8.0.weight"])
	assert.Equal(t, []int{1280}, shapes["features.8.1.running_var"])
	assert.Equal(t, 1280, arch.FeatureDim())
}

func TestLookupArchRejectsUnknown(t *testing.T) {
	_, err := LookupArch("resnet50")
	assert.ErrorIs(t, err, ErrArchitectureMismatch)
}

func TestInputTensorStandardizes(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 2, 1))
	g.Pix[1] = 255
	x := InputTensor(g)
	assert.InDelta(t, -InputMean/InputStd, x.Data[0], 1e-6)
	assert.InDelta(t, (1-InputMean)/InputStd, x.Data[1], 1e-6)
}

func TestTinyBackboneShapes(t *testing.T) {
	backbone, _, _ := tinyModel(t)
	tr, err := backbone.ForwardInstrumented(randomInput(3))
	require.NoError(t, err)

	assert.Equal(t, 64, tr.Activations.C)
	assert.Equal(t, 8, tr.Activations.H)
	assert.Equal(t, 8, tr.Activations.W)
	assert.Equal(t, 64, tr.Features.Len())

	features, err := backbone.Features(randomInput(3))
	require.NoError(t, err)
	assert.Equal(t, tr.Features.Data, features.Data)
}

func TestBackboneBackwardMatchesFiniteDifference(t *testing.T) {
	backbone, _, _ := tinyModel(t)
	tr, err := backbone.ForwardInstrumented(randomInput(4))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	weights := make([]float32, tr.Features.Len())
	for i := range weights {
		weights[i] = float32(rng.NormFloat64())
	}
	loss := func(act *nn.Tensor) float64 {
		x := act
		for _, l := range backbone.tail() {
			x, err = l.Layer.Forward(x)
			require.NoError(t, err)
		}
		var sum float64
		for i, v := range x.Data {
			sum += float64(weights[i]) * float64(v)
		}
		return sum
	}

	grad, err := backbone.Backward(tr, nn.FromVector(append([]float32(nil), weights...)))
	require.NoError(t, err)
	require.True(t, grad.SameShape(tr.Activations))

	const h = 1e-2
	for _, idx := range []int{0, 17, 500, 2049, tr.Activations.Len() - 1} {
		plus := tr.Activations.Clone()
		plus.Data[idx] += h
		minus := tr.Activations.Clone()
		minus.Data[idx] -= h
		numeric := (loss(plus) - loss(minus)) / (2 * h)
		analytic := float64(grad.Data[idx])
		assert.InDelta(t, numeric, analytic, 1e-3+0.05*math.Abs(analytic), "activation %d", idx)
	}
}

func TestRankOrdersAndBreaksTiesByIndex(t *testing.T) {
	logits := make([]float32, NumClasses)
	logits[5] = 3
	logits[2] = 3
	logits[30] = 1

	pred, err := Rank(logits, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, pred.Class)
	require.Len(t, pred.TopK, 4)
	assert.Equal(t, []int{2, 5, 30, 0}, []int{pred.TopK[0].Class, pred.TopK[1].Class, pred.TopK[2].Class, pred.TopK[3].Class})
	assert.InDelta(t, pred.Confidence, pred.TopK[0].Confidence, 1e-12)

	pred, err = Rank(logits, 0)
	require.NoError(t, err)
	assert.Len(t, pred.TopK, 1)

	pred, err = Rank(logits, 100)
	require.NoError(t, err)
	assert.Len(t, pred.TopK, NumClasses)
}

func TestRankRejectsOutOfRangeClass(t *testing.T) {
	logits := make([]float32, 40)
	logits[38] = 10
	_, err := Rank(logits, 1)
	assert.ErrorIs(t, err, ErrInvalidPrediction)

	nan := make([]float32, NumClasses)
	nan[0] = float32(math.NaN())
	_, err = Rank(nan, 1)
	assert.ErrorIs(t, err, ErrInvalidPrediction)

	_, err = Rank(nil, 1)
	assert.ErrorIs(t, err, ErrInvalidPrediction)
}

func TestClassifierRangeInvariant(t *testing.T) {
	backbone, classifier, _ := tinyModel(t)
	for seed := int64(0); seed < 5; seed++ {
		features, err := backbone.Features(randomInput(seed))
		require.NoError(t, err)
		pred, err := classifier.Predict(features, 3)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pred.Class, 0)
		assert.Less(t, pred.Class, NumClasses)
		assert.GreaterOrEqual(t, pred.Confidence, 0.0)
		assert.LessOrEqual(t, pred.Confidence, 100.0)
	}
}

func TestSimilarityMapping(t *testing.T) {
	const threshold = 0.45
	r := Similarity(0, threshold)
	assert.InDelta(t, 100, r.SimilarityScore, 1e-12)
	assert.True(t, r.IsSame)

	r = Similarity(threshold, threshold)
	assert.InDelta(t, 50, r.SimilarityScore, 1e-9)
	assert.False(t, r.IsSame)

	prev := math.Inf(1)
	for d := 0.0; d <= 2.0; d += 0.01 {
		score := Similarity(d, threshold).SimilarityScore
		assert.LessOrEqual(t, score, prev, "distance %v", d)
		assert.GreaterOrEqual(t, score, 0.0)
		prev = score
	}
	assert.Zero(t, Similarity(1.5, threshold).SimilarityScore)
}

func TestSiameseEmbeddingsAreUnitLength(t *testing.T) {
	backbone, _, head := tinyModel(t)
	features, err := backbone.Features(randomInput(6))
	require.NoError(t, err)

	e, err := head.Embed(features)
	require.NoError(t, err)
	require.Len(t, e, checkpoint.DefaultEmbeddingDim)

	var norm float64
	for _, v := range e {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-5)
}

func TestSiameseCompareSymmetryAndSelfSimilarity(t *testing.T) {
	backbone, _, head := tinyModel(t)
	a, err := backbone.Features(randomInput(7))
	require.NoError(t, err)
	b, err := backbone.Features(randomInput(8))
	require.NoError(t, err)

	ab, err := head.Compare(a, b)
	require.NoError(t, err)
	ba, err := head.Compare(b, a)
	require.NoError(t, err)
	assert.InDelta(t, ab.Distance, ba.Distance, 1e-6)

	aa, err := head.Compare(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 0, aa.Distance, 1e-6)
	assert.InDelta(t, 100, aa.SimilarityScore, 1e-4)
	assert.True(t, aa.IsSame)
	assert.InDelta(t, checkpoint.DefaultThreshold, aa.Threshold, 1e-12)
}

func TestLoadSiameseHeadChecksBackbone(t *testing.T) {
	backbone, _, _ := tinyModel(t)
	b0, err := LookupArch("efficientnet_b0")
	require.NoError(t, err)

	h, tensors := RandomSiamese(b0, 128, 0.45, 9)
	_, err = LoadSiameseHead(roundTrip(t, h, tensors), backbone)
	assert.ErrorIs(t, err, ErrArchitectureMismatch)

	ch, ct := RandomClassifier(backbone.Arch, 1)
	_, err = LoadSiameseHead(roundTrip(t, ch, ct), backbone)
	assert.ErrorIs(t, err, ErrArchitectureMismatch)
}

func TestLoadClassifierRejectsMissingTensor(t *testing.T) {
	arch, err := LookupArch("mbconv_tiny")
	require.NoError(t, err)
	h, tensors := RandomClassifier(arch, 1)

	_, _, err = LoadClassifier(roundTrip(t, h, tensors[1:]), ONNXOptions{})
	assert.ErrorIs(t, err, ErrArchitectureMismatch)

	bad := append([]checkpoint.Tensor(nil), tensors...)
	last := bad[len(bad)-1]
	bad[len(bad)-1] = checkpoint.Tensor{Name: last.Name, Shape: []int{len(last.Data) / 2, 2}, Data: last.Data}
	_, _, err = LoadClassifier(roundTrip(t, h, bad), ONNXOptions{})
	assert.ErrorIs(t, err, ErrArchitectureMismatch)
}

func TestGradCAM(t *testing.T) {
	backbone, classifier, _ := tinyModel(t)
	x := randomInput(10)

	cam, pred, err := GradCAM(backbone, classifier, x, nil)
	require.NoError(t, err)
	assert.Equal(t, pred.Class, cam.Class)
	assert.Equal(t, 8, cam.Width)
	assert.Equal(t, 8, cam.Height)
	require.Len(t, cam.Values, 64)
	for _, v := range cam.Values {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}

	target := 7
	cam, _, err = GradCAM(backbone, classifier, x, &target)
	require.NoError(t, err)
	assert.Equal(t, 7, cam.Class)

	for _, bad := range []int{-1, NumClasses} {
		_, _, err = GradCAM(backbone, classifier, x, &bad)
		assert.ErrorIs(t, err, ErrInvalidClass)
	}
}

func TestGradCAMWithoutConvolution(t *testing.T) {
	arch := Arch{Name: "pool_only", HeadOut: 1}
	backbone := NewCustomBackbone(arch, []nn.Named{{Name: "avgpool", Layer: nn.GlobalAvgPool{}}})
	classifier := NewClassifier(1, NumClasses, 0)

	features, err := backbone.Features(nn.NewTensor(1, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, features.Len())

	_, _, err = GradCAM(backbone, classifier, nn.NewTensor(1, 4, 4), nil)
	assert.ErrorIs(t, err, ErrNoConvLayer)

	_, err = backbone.WithTrunk(nil)
	assert.ErrorIs(t, err, ErrNoConvLayer)
}

func TestNormalizeCAM(t *testing.T) {
	v := []float32{-2, 0, 1, 3}
	normalizeCAM(v)
	assert.InDelta(t, 0, v[0], 1e-6)
	assert.InDelta(t, 0, v[1], 1e-6)
	assert.InDelta(t, 1.0/3, v[2], 1e-6)
	assert.InDelta(t, 1, v[3], 1e-6)

	flat := []float32{0, 0}
	normalizeCAM(flat)
	assert.Equal(t, []float32{0, 0}, flat)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{NewInvalidClassError(36), KindInput},
		{fmt.Errorf("decode: %w", glyph.ErrInvalidImage), KindInput},
		{NewReferenceNotFoundError(2, "refs/class_2.png"), KindInput},
		{&InvalidPredictionError{Class: 40, NumClasses: NumClasses}, KindModel},
		{fmt.Errorf("load: %w", checkpoint.ErrCheckpointNotFound), KindModel},
		{&ArchitectureMismatchError{Want: "a", Got: "b"}, KindModel},
		{ErrNoConvLayer, KindModel},
		{&fs.PathError{Op: "open", Path: "/tmp/x", Err: fs.ErrPermission}, KindResource},
		{fmt.Errorf("spool: %w", ErrResource), KindResource},
		{fmt.Errorf("boom"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrResource)))
	assert.False(t, Retryable(ErrInvalidPrediction))
}
