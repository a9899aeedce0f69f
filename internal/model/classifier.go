package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/Brownie44l1/ranjana-api/internal/nn"
)

// Classifier is the dropout + linear head mapping pooled features to class
// logits. Weights live under "classifier.1".
type Classifier struct {
	NumClasses int

	dropout nn.Dropout
	fc      *nn.Linear
}

func NewClassifier(featureDim, numClasses int, dropout float32) *Classifier {
	return &Classifier{
		NumClasses: numClasses,
		dropout:    nn.Dropout{P: dropout},
		fc:         nn.NewLinear(featureDim, numClasses),
	}
}

func (c *Classifier) Logits(features *nn.Tensor) (*nn.Tensor, error) {
	x, _ := c.dropout.Forward(features)
	logits, err := c.fc.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return logits, nil
}

// Predict returns the top-k classes by probability. Ties keep class-index
// order. A winning class outside [0, NumClasses) or a confidence outside
// [0, 100] means the weights do not match this model and is reported as
// ErrInvalidPrediction.
func (c *Classifier) Predict(features *nn.Tensor, k int) (*ClassPrediction, error) {
	logits, err := c.Logits(features)
	if err != nil {
		return nil, err
	}
	return Rank(logits.Data, k)
}

// Rank converts logits into a validated prediction.
func Rank(logits []float32, k int) (*ClassPrediction, error) {
	if len(logits) == 0 {
		return nil, &InvalidPredictionError{Class: -1, NumClasses: NumClasses}
	}
	probs := nn.Softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return probs[order[a]] > probs[order[b]]
	})

	top := order[0]
	conf := probs[top] * 100
	if top < 0 || top >= NumClasses || math.IsNaN(conf) || conf < 0 || conf > 100 {
		return nil, &InvalidPredictionError{Class: top, NumClasses: NumClasses}
	}

	k = max(1, min(k, len(order)))
	pred := &ClassPrediction{Class: top, Confidence: conf, TopK: make([]ClassScore, 0, k)}
	for _, cls := range order[:k] {
		pred.TopK = append(pred.TopK, ClassScore{Class: cls, Confidence: probs[cls] * 100})
	}
	return pred, nil
}

// Backward maps a gradient on the logits to a gradient on the features.
func (c *Classifier) Backward(features, gradLogits *nn.Tensor) (*nn.Tensor, error) {
	g, err := c.fc.Backward(features, gradLogits)
	if err != nil {
		return nil, fmt.Errorf("classifier backward: %w", err)
	}
	return c.dropout.Backward(features, g)
}

func (c *Classifier) Params() []nn.Param {
	return c.fc.Params("classifier.1.")
}
