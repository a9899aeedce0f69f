package model

import (
	"fmt"

	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

const camEps = 1e-8

// GradCAM computes the class activation map of the last convolution for
// target, or for the predicted class when target is nil. It returns the map
// along with the prediction made on the same forward pass.
func GradCAM(b *Backbone, c *Classifier, x *nn.Tensor, target *int) (*AttentionMap, *ClassPrediction, error) {
	tr, err := b.ForwardInstrumented(x)
	if err != nil {
		return nil, nil, err
	}
	logits, err := c.Logits(tr.Features)
	if err != nil {
		return nil, nil, err
	}
	pred, err := Rank(logits.Data, 1)
	if err != nil {
		return nil, nil, err
	}

	class := pred.Class
	if target != nil {
		if *target < 0 || *target >= NumClasses || *target >= logits.Len() {
			return nil, nil, NewInvalidClassError(*target)
		}
		class = *target
	}

	oneHot := nn.NewTensor(logits.C, logits.H, logits.W)
	oneHot.Data[class] = 1
	gradFeatures, err := c.Backward(tr.Features, oneHot)
	if err != nil {
		return nil, nil, err
	}
	grad, err := b.Backward(tr, gradFeatures)
	if err != nil {
		return nil, nil, err
	}
	act := tr.Activations
	if !grad.SameShape(act) {
		return nil, nil, fmt.Errorf("gradient %s does not match activations %s: %w", grad, act, nn.ErrShape)
	}

	cam := make([]float32, act.H*act.W)
	n := float32(act.H * act.W)
	for ch := 0; ch < act.C; ch++ {
		var weight float32
		for _, g := range grad.Plane(ch) {
			weight += g
		}
		weight /= n
		if weight == 0 {
			continue
		}
		for i, a := range act.Plane(ch) {
			cam[i] += weight * a
		}
	}
	normalizeCAM(cam)

	return &AttentionMap{Width: act.W, Height: act.H, Values: cam, Class: class}, pred, nil
}

// normalizeCAM rectifies v and rescales it to [0, 1].
func normalizeCAM(v []float32) {
	lo := float32(0)
	hi := float32(0)
	for i, x := range v {
		if x < 0 {
			x = 0
			v[i] = 0
		}
		if i == 0 || x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	scale := hi - lo + camEps
	for i := range v {
		v[i] = (v[i] - lo) / scale
	}
}
