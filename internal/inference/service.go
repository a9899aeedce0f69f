// Package inference runs the glyph pipeline: normalization, the shared
// backbone, the classifier and siamese heads, and Grad-CAM. Service owns the
// loaded networks and constructs them lazily on first use.
package inference

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Brownie44l1/ranjana-api/internal/glyph"
	"github.com/Brownie44l1/ranjana-api/internal/logger"
	"github.com/Brownie44l1/ranjana-api/internal/model"
	"github.com/Brownie44l1/ranjana-api/internal/nn"
	"github.com/Brownie44l1/ranjana-api/internal/references"
	"github.com/Brownie44l1/ranjana-api/internal/render"
)

var log = logger.GetLogger()

const tracerName = "github.com/Brownie44l1/ranjana-api/internal/inference"

type Options struct {
	ModelDir       string
	ClassifierFile string
	// SiameseGlob overrides the "*siamese*<backbone>*.ckpt" lookup.
	SiameseGlob string
	ONNX        model.ONNXOptions

	References *references.Store
	// Cache is optional.
	Cache *references.Cache

	Colormap render.Colormap
	Alpha    float64

	// MaxPixels caps decoded uploads; 0 means glyph.DefaultMaxPixels.
	MaxPixels int
}

type Service struct {
	opts   Options
	tracer trace.Tracer

	mu    sync.RWMutex
	state *ModelState
}

func NewService(opts Options) *Service {
	if opts.Colormap == nil {
		opts.Colormap = render.Viridis
	}
	if opts.Alpha == 0 {
		opts.Alpha = render.DefaultAlpha
	}
	return &Service{opts: opts, tracer: otel.Tracer(tracerName)}
}

// acquire returns the loaded state with the read lock held; the caller must
// call release. Missing networks are constructed under the write lock, then
// the read lock is retaken, so a concurrent Reload can only happen between
// requests.
func (s *Service) acquire(ctx context.Context, withSiamese bool) (st *ModelState, release func(), err error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		s.mu.RLock()
		if s.state != nil && (!withSiamese || s.state.Siamese != nil) {
			return s.state, s.mu.RUnlock, nil
		}
		s.mu.RUnlock()

		if err := s.build(ctx, withSiamese); err != nil {
			return nil, nil, err
		}
	}
}

func (s *Service) build(ctx context.Context, withSiamese bool) error {
	_, span := s.tracer.Start(ctx, "inference.load")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		st, err := loadClassifier(s.opts)
		if err != nil {
			return recordErr(span, err)
		}
		s.state = st
	}
	if withSiamese && s.state.Siamese == nil {
		if err := s.state.loadSiamese(s.opts); err != nil {
			return recordErr(span, err)
		}
	}
	return nil
}

// Warm loads every network now instead of on the first request.
func (s *Service) Warm(ctx context.Context) error {
	_, release, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Reload drops the loaded networks. The next request loads the checkpoints
// again. In-flight requests finish on the old weights first.
func (s *Service) Reload(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "inference.Reload")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		s.state.close()
		s.state = nil
	}
	log.Info("model state discarded, next request reloads checkpoints")
	return nil
}

// Version is the current model version, or "" before the first load.
func (s *Service) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return ""
	}
	return s.state.Version()
}

func (s *Service) Close() error {
	return s.Reload(context.Background())
}

// Normalize decodes and normalizes an uploaded image. Normalization
// failures fall back to a plain resize and are reported through
// Glyph.Degraded.
func (s *Service) Normalize(ctx context.Context, data []byte) (*glyph.Glyph, error) {
	_, span := s.tracer.Start(ctx, "inference.Normalize")
	defer span.End()

	img, err := glyph.DecodeLimit(data, s.opts.MaxPixels)
	if err != nil {
		return nil, recordErr(span, err)
	}
	g, err := glyph.NormalizeOrFallback(img)
	if g == nil {
		return nil, recordErr(span, err)
	}
	if err != nil {
		log.Warnf("glyph normalization failed, using fallback: %v", err)
	}
	span.SetAttributes(attribute.Bool("glyph.degraded", g.Degraded))
	return g, nil
}

func (s *Service) features(st *ModelState, g *glyph.Glyph) (*nn.Tensor, error) {
	return st.Backbone.Features(model.InputTensor(g.Image))
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", string(model.KindOf(err))))
	return err
}

func checkClass(class int) error {
	if class < 0 || class >= model.NumClasses {
		return model.NewInvalidClassError(class)
	}
	return nil
}
