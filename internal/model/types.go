package model

const (
	NumClasses = 36

	// InputMean and InputStd are the dataset statistics the networks were
	// trained with, on pixel values scaled to [0, 1].
	InputMean = 0.2677
	InputStd  = 0.4220
)

type ClassScore struct {
	Class      int     `json:"class"`
	Confidence float64 `json:"confidence"`
}

type ClassPrediction struct {
	Class      int          `json:"class"`
	Confidence float64      `json:"confidence"`
	TopK       []ClassScore `json:"top_k,omitempty"`
}

// Embedding is a unit-length vector in similarity space. Embeddings are only
// comparable when Version matches.
type Embedding struct {
	Vector  []float32 `json:"embedding"`
	Version string    `json:"model_version"`
}

type SimilarityResult struct {
	Distance        float64 `json:"distance"`
	SimilarityScore float64 `json:"similarity_score"`
	IsSame          bool    `json:"is_same"`
	Threshold       float64 `json:"threshold"`
}

// AttentionMap holds Grad-CAM weights in [0, 1] at the resolution of the
// last convolutional feature map, row-major.
type AttentionMap struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
	Class  int       `json:"class"`
}

func (m *AttentionMap) At(x, y int) float32 {
	return m.Values[y*m.Width+x]
}
