package inference

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/Brownie44l1/ranjana-api/internal/checkpoint"
	"github.com/Brownie44l1/ranjana-api/internal/model"
)

// ModelState is the set of loaded networks. The backbone is owned here and
// borrowed by both heads. A ModelState is never mutated while a request
// holds it; the siamese head is attached under the service's write lock.
type ModelState struct {
	Backbone   *model.Backbone
	Classifier *model.Classifier
	Siamese    *model.SiameseHead

	classifierFingerprint string
	siameseFingerprint    string
}

// Version identifies the weights embeddings are produced with. It changes
// whenever either checkpoint changes.
func (s *ModelState) Version() string {
	v := short(s.classifierFingerprint)
	if s.siameseFingerprint != "" {
		v += "-" + short(s.siameseFingerprint)
	}
	return v
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func (s *ModelState) close() {
	if err := s.Backbone.Close(); err != nil {
		log.Warnf("failed to close backbone: %v", err)
	}
}

func loadClassifier(opts Options) (*ModelState, error) {
	path := filepath.Join(opts.ModelDir, opts.ClassifierFile)
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	backbone, classifier, err := model.LoadClassifier(ckpt, opts.ONNX)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.WithFields(map[string]interface{}{
		"checkpoint": path,
		"backbone":   backbone.Arch.Name,
		"runtime":    ckpt.Header.Runtime,
		"params":     humanize.Comma(int64(paramCount(ckpt))),
	}).Info("classifier loaded")

	return &ModelState{
		Backbone:              backbone,
		Classifier:            classifier,
		classifierFingerprint: ckpt.Fingerprint,
	}, nil
}

func (s *ModelState) loadSiamese(opts Options) error {
	pattern := opts.SiameseGlob
	if pattern == "" {
		pattern = fmt.Sprintf("*siamese*%s*.ckpt", s.Backbone.Arch.Name)
	}
	path, err := checkpoint.Latest(opts.ModelDir, pattern)
	if err != nil {
		return err
	}
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	head, err := model.LoadSiameseHead(ckpt, s.Backbone)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	log.WithFields(map[string]interface{}{
		"checkpoint": path,
		"threshold":  head.Threshold,
		"dim":        head.EmbeddingDim,
	}).Info("siamese head loaded")

	s.Siamese = head
	s.siameseFingerprint = ckpt.Fingerprint
	return nil
}

func paramCount(ckpt *checkpoint.Checkpoint) int {
	n := 0
	for _, t := range ckpt.Header.Tensors {
		n += t.Size()
	}
	return n
}
