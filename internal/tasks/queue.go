package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	wla "github.com/ma-hartma/watermill-logrus-adapter"

	"github.com/Brownie44l1/ranjana-api/internal/inference"
	"github.com/Brownie44l1/ranjana-api/internal/logger"
	"github.com/Brownie44l1/ranjana-api/internal/model"
	"github.com/Brownie44l1/ranjana-api/internal/render"
	"github.com/Brownie44l1/ranjana-api/internal/spool"
)

const (
	TopicClassify  = "classify"
	TopicCompare   = "compare"
	TopicVisualize = "visualize"

	metadataTaskID = "task_id"
	metadataKind   = "kind"
)

var (
	log = logger.GetLogger()

	ErrUnknownKind = errors.New("unknown task kind")
	ErrNotRunning  = errors.New("task queue is not running")
	ErrQueueClosed = errors.New("task queue closed before the task ran")
)

// Inferencer is the part of the inference service tasks run.
type Inferencer interface {
	Predict(ctx context.Context, data []byte, topK int) (*inference.ClassificationResult, error)
	Compare(ctx context.Context, data []byte, class int) (*inference.ComparisonResult, error)
	Visualize(ctx context.Context, data []byte, target *int) (*inference.VisualizationResult, error)
}

// Request carries the parameters of one task. The image itself travels as
// a spooled file.
type Request struct {
	TopK        int  `json:"top_k,omitempty"`
	TargetClass *int `json:"target_class,omitempty"`
}

type payload struct {
	Request
	ImagePath string `json:"image_path"`
}

// VisualizationData is the task form of inference.VisualizationResult.
type VisualizationData struct {
	Prediction model.ClassPrediction `json:"prediction"`
	Attention  *model.AttentionMap   `json:"attention"`
	Overlay    string                `json:"overlay"`
	Degraded   bool                  `json:"degraded"`
}

type Options struct {
	MaxRetries int
	Backoff    time.Duration
	ResultTTL  time.Duration
}

// Queue runs inference requests in the background on an in-process
// watermill pub/sub.
type Queue struct {
	router *message.Router
	pubsub *gochannel.GoChannel
	store  *Store
	spool  *spool.Dir
	svc    Inferencer
	retry  retrypolicy.RetryPolicy[any]

	// pending holds the spooled uploads of published tasks no handler has
	// picked up yet, by task id.
	mu      sync.Mutex
	pending map[string]*spool.File
	closed  bool
}

func NewQueue(svc Inferencer, dir *spool.Dir, opts Options) (*Queue, error) {
	wlog := wla.NewLogrusLogger(log)

	router, err := message.NewRouter(message.RouterConfig{}, wlog)
	if err != nil {
		return nil, fmt.Errorf("failed to create task router: %w", err)
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlog)

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	q := &Queue{
		router:  router,
		pubsub:  pubsub,
		store:   NewStore(opts.ResultTTL),
		spool:   dir,
		svc:     svc,
		pending: make(map[string]*spool.File),
		retry: retrypolicy.Builder[any]().
			HandleIf(func(_ any, err error) bool { return model.Retryable(err) }).
			WithBackoff(backoff, 20*backoff).
			WithMaxRetries(opts.MaxRetries).
			Build(),
	}

	router.AddMiddleware(
		// CorrelationID will copy the correlation id from the incoming message's metadata to the produced messages
		middleware.CorrelationID,
		// failed tasks are recorded and acked, never redelivered
		q.recordFailures,
		// Recoverer handles panics from handlers.
		middleware.Recoverer,
	)
	for _, topic := range []string{TopicClassify, TopicCompare, TopicVisualize} {
		router.AddNoPublisherHandler(topic, topic, pubsub, q.handle)
	}
	return q, nil
}

// Run blocks until ctx is cancelled or the queue is closed.
func (q *Queue) Run(ctx context.Context) error {
	log.Info("running task router")
	return q.router.Run(ctx)
}

func (q *Queue) Running() chan struct{} {
	return q.router.Running()
}

// Close stops the router, waiting for running tasks. Tasks still queued are
// dropped by the pub/sub, so their uploads are released and their results
// marked failed.
func (q *Queue) Close() error {
	defer q.releasePending()
	if err := q.router.Close(); err != nil {
		return fmt.Errorf("failed to close task router: %w", err)
	}
	return q.pubsub.Close()
}

func (q *Queue) releasePending() {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[string]*spool.File)
	q.closed = true
	q.mu.Unlock()

	for id, file := range pending {
		file.Release()
		q.store.Update(id, func(r *Result) {
			r.Status = StatusFailure
			r.Error = ErrQueueClosed.Error()
			r.ErrorKind = string(model.KindResource)
		})
	}
	if len(pending) > 0 {
		log.Warnf("released %d queued tasks on shutdown", len(pending))
	}
}

// track stores the pending result of task id and holds its upload until a
// handler claims it.
func (q *Queue) track(id, kind string, file *spool.File) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.store.Put(Result{ID: id, Kind: kind, Status: StatusPending})
	q.pending[id] = file
	return true
}

func (q *Queue) claim(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (q *Queue) Store() *Store { return q.store }

func (q *Queue) Result(id string) (Result, bool) {
	return q.store.Get(id)
}

// Submit spools image and publishes a task of kind. It returns the task id
// to poll.
func (q *Queue) Submit(ctx context.Context, kind string, image []byte, req Request) (string, error) {
	switch kind {
	case TopicClassify, TopicVisualize:
	case TopicCompare:
		if req.TargetClass == nil {
			return "", fmt.Errorf("%w: compare requires target_class", model.ErrInvalidClass)
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	select {
	case <-q.router.Running():
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrNotRunning, ctx.Err())
	}

	file, err := q.spool.WriteBytes(image)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload{Request: req, ImagePath: file.Path})
	if err != nil {
		file.Release()
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	id := uuid.NewString()
	if !q.track(id, kind, file) {
		file.Release()
		return "", ErrQueueClosed
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(metadataTaskID, id)
	msg.Metadata.Set(metadataKind, kind)
	if err := q.pubsub.Publish(kind, msg); err != nil {
		q.claim(id)
		file.Release()
		q.store.Update(id, func(r *Result) {
			r.Status = StatusFailure
			r.Error = err.Error()
		})
		return "", fmt.Errorf("failed to publish task message: %w", err)
	}
	log.Debugf("task %s (%s) queued, %s spooled", id, kind, file.HumanSize())
	return id, nil
}

func (q *Queue) handle(msg *message.Message) error {
	id := msg.Metadata.Get(metadataTaskID)
	q.claim(id)
	if r, ok := q.store.Get(id); ok && r.Status.Done() {
		// redelivered after completion
		return nil
	}

	var p payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	file := &spool.File{Path: p.ImagePath}
	defer file.Release()

	data, err := file.ReadAll()
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrResource, err)
	}

	kind := msg.Metadata.Get(metadataKind)
	q.store.Update(id, func(r *Result) { r.Status = StatusRunning })

	attempts := 0
	out, err := failsafe.Get(func() (any, error) {
		attempts++
		return q.run(msg.Context(), kind, data, p.Request)
	}, q.retry)
	q.store.Update(id, func(r *Result) { r.Attempts = attempts })
	if err != nil {
		return err
	}

	q.store.Update(id, func(r *Result) {
		r.Status = StatusSuccess
		r.Data = out
	})
	return nil
}

func (q *Queue) run(ctx context.Context, kind string, data []byte, req Request) (any, error) {
	switch kind {
	case TopicClassify:
		return q.svc.Predict(ctx, data, req.TopK)
	case TopicCompare:
		if req.TargetClass == nil {
			return nil, fmt.Errorf("%w: compare requires target_class", model.ErrInvalidClass)
		}
		return q.svc.Compare(ctx, data, *req.TargetClass)
	case TopicVisualize:
		res, err := q.svc.Visualize(ctx, data, req.TargetClass)
		if err != nil {
			return nil, err
		}
		return &VisualizationData{
			Prediction: res.Prediction,
			Attention:  res.Attention,
			Overlay:    render.DataURL(res.Overlay),
			Degraded:   res.Degraded,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// recordFailures stores handler errors (including recovered panics) as the
// task's terminal result and acks the message.
func (q *Queue) recordFailures(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		msgs, err := h(msg)
		if err == nil {
			return msgs, nil
		}
		id := msg.Metadata.Get(metadataTaskID)
		log.Warnf("task %s failed: %v", id, err)
		q.store.Update(id, func(r *Result) {
			r.Status = StatusFailure
			r.Error = err.Error()
			r.ErrorKind = string(model.KindOf(err))
		})
		return nil, nil
	}
}
