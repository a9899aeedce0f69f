package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/ranjana-api/internal/glyph"
	"github.com/Brownie44l1/ranjana-api/internal/inference"
	"github.com/Brownie44l1/ranjana-api/internal/logger"
	"github.com/Brownie44l1/ranjana-api/internal/model"
	"github.com/Brownie44l1/ranjana-api/internal/render"
	"github.com/Brownie44l1/ranjana-api/internal/spool"
	"github.com/Brownie44l1/ranjana-api/internal/tasks"
)

var (
	log      = logger.GetLogger()
	validate = validator.New()

	ErrTaskNotFound  = errors.New("task not found")
	ErrTasksDisabled = errors.New("background tasks are disabled")
)

// Service is the inference API the handlers serve.
type Service interface {
	Predict(ctx context.Context, data []byte, topK int) (*inference.ClassificationResult, error)
	Compare(ctx context.Context, data []byte, class int) (*inference.ComparisonResult, error)
	CompareImages(ctx context.Context, a, b []byte) (*model.SimilarityResult, error)
	Visualize(ctx context.Context, data []byte, target *int) (*inference.VisualizationResult, error)
	Embedding(ctx context.Context, data []byte) (*model.Embedding, error)
	Normalize(ctx context.Context, data []byte) (*glyph.Glyph, error)
	Reload(ctx context.Context) error
	Version() string
}

type Queue interface {
	Submit(ctx context.Context, kind string, image []byte, req tasks.Request) (string, error)
	Result(id string) (tasks.Result, bool)
}

type Handler struct {
	svc       Service
	queue     Queue
	maxUpload int64
}

// NewHandler wires the HTTP handlers. queue may be nil to disable task
// endpoints.
func NewHandler(svc Service, queue Queue, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Handler{svc: svc, queue: queue, maxUpload: maxUpload}
}

type classifyParams struct {
	TopK int `validate:"gte=0,lte=36"`
}

type visualizeResponse struct {
	Prediction model.ClassPrediction `json:"prediction"`
	Attention  *model.AttentionMap   `json:"attention"`
	Overlay    string                `json:"overlay"`
	Degraded   bool                  `json:"degraded"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "healthy",
		"model_version": h.svc.Version(),
	})
}

func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	params := classifyParams{}
	if params.TopK, err = intParam(r, up, "top_k", inference.DefaultTopK); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := validate.Struct(params); err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.svc.Predict(r.Context(), up.image, params.TopK)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entry(r).WithFields(logrus.Fields{"class": result.Class, "confidence": result.Confidence}).Info("classified glyph")
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	class, err := classParam(r, up)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if class == nil {
		h.fail(w, r, fmt.Errorf("%w: target_class is required", model.ErrInvalidClass))
		return
	}

	result, err := h.svc.Compare(r.Context(), up.image, *class)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entry(r).WithFields(logrus.Fields{"class": *class, "score": result.SimilarityScore}).Info("compared glyph")
	writeJSON(w, http.StatusOK, result)
}

// CompareImages scores the "image" upload against the "reference" upload.
func (h *Handler) CompareImages(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(up.reference) == 0 {
		h.fail(w, r, fmt.Errorf("%w: reference image is required", model.ErrInvalidImage))
		return
	}
	result, err := h.svc.CompareImages(r.Context(), up.image, up.reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Visualize(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	class, err := classParam(r, up)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	result, err := h.svc.Visualize(r.Context(), up.image, class)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "png" {
		writePNG(w, result.Overlay)
		return
	}
	writeJSON(w, http.StatusOK, visualizeResponse{
		Prediction: result.Prediction,
		Attention:  result.Attention,
		Overlay:    render.DataURL(result.Overlay),
		Degraded:   result.Degraded,
	})
}

func (h *Handler) Embedding(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.svc.Embedding(r.Context(), up.image)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Normalize returns the normalized glyph as a PNG.
func (h *Handler) Normalize(w http.ResponseWriter, r *http.Request) {
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	g, err := h.svc.Normalize(r.Context(), up.image)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	raw, err := g.PNG()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("X-Glyph-Degraded", strconv.FormatBool(g.Degraded))
	writePNG(w, raw)
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.fail(w, r, ErrTasksDisabled)
		return
	}
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req := tasks.Request{}
	if req.TopK, err = intParam(r, up, "top_k", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.TargetClass, err = classParam(r, up); err != nil {
		h.fail(w, r, err)
		return
	}

	id, err := h.queue.Submit(r.Context(), chi.URLParam(r, "kind"), up.image, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (h *Handler) TaskResult(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.fail(w, r, ErrTasksDisabled)
		return
	}
	res, ok := h.queue.Result(chi.URLParam(r, "id"))
	if !ok {
		h.fail(w, r, ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Reload(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	entry(r).Info("model reload requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloading"})
}

type upload struct {
	image     []byte
	reference []byte
	fields    map[string]string
}

// readUpload accepts a multipart form with an "image" file (and optional
// "reference" file), or a JSON body whose "image" is a base64 data URL.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return readJSONUpload(r.Body)
	}

	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse form: %w", model.ErrInvalidImage, err)
	}
	up := &upload{fields: map[string]string{}}
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			up.fields[k] = v[0]
		}
	}
	var err error
	if up.image, err = formFile(r, "image"); err != nil {
		return nil, err
	}
	if up.image == nil {
		return nil, fmt.Errorf("%w: no image file provided, use 'image' as the form field name", model.ErrInvalidImage)
	}
	if up.reference, err = formFile(r, "reference"); err != nil {
		return nil, err
	}
	return up, nil
}

func formFile(r *http.Request, name string) ([]byte, error) {
	file, header, err := r.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidImage, err)
	}
	defer file.Close()
	log.Debugf("received file %s, %d bytes", header.Filename, header.Size)
	return io.ReadAll(file)
}

func readJSONUpload(body io.Reader) (*upload, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %w", model.ErrInvalidImage, err)
	}
	up := &upload{fields: map[string]string{}}
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) != nil {
			s = strings.TrimSpace(string(v))
		}
		switch k {
		case "image":
			up.image = []byte(s)
		case "reference":
			up.reference = []byte(s)
		default:
			up.fields[k] = s
		}
	}
	if len(up.image) == 0 {
		return nil, fmt.Errorf("%w: image is required", model.ErrInvalidImage)
	}
	return up, nil
}

// param reads name from the query string, then from the form or JSON body.
func param(r *http.Request, up *upload, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return up.fields[name]
}

func intParam(r *http.Request, up *upload, name string, def int) (int, error) {
	v := param(r, up, name)
	if v == "" || v == "null" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &paramError{Name: name, Value: v}
	}
	return n, nil
}

func classParam(r *http.Request, up *upload) (*int, error) {
	v := param(r, up, "target_class")
	if v == "" || v == "null" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%w: target_class %q is not an integer", model.ErrInvalidClass, v)
	}
	return &n, nil
}

type paramError struct {
	Name  string
	Value string
}

func (e *paramError) Error() string {
	return fmt.Sprintf("%s must be an integer, got %q", e.Name, e.Value)
}

func entry(r *http.Request) *logrus.Entry {
	fields := logrus.Fields{"request_id": middleware.GetReqID(r.Context())}
	if sub := Subject(r); sub != "" {
		fields["subject"] = sub
	}
	return log.WithFields(fields)
}

// Subject is the authenticated identity of the request, if any.
func Subject(r *http.Request) string {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil || claims == nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// fail maps err onto a status code and a {"error", "kind"} body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	e := entry(r).WithField("kind", kind)
	if status >= 500 {
		e.Errorf("request failed: %v", err)
	} else {
		e.Infof("request rejected: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

func classify(err error) (int, string) {
	var (
		validationErrs validator.ValidationErrors
		paramErr       *paramError
		maxBytesErr    *http.MaxBytesError
	)
	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, spool.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, string(model.KindInput)
	case errors.As(err, &validationErrs), errors.As(err, &paramErr), errors.Is(err, tasks.ErrUnknownKind):
		return http.StatusBadRequest, string(model.KindInput)
	case errors.Is(err, model.ErrReferenceNotFound), errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound, string(model.KindInput)
	case errors.Is(err, ErrTasksDisabled):
		return http.StatusNotImplemented, string(model.KindUnknown)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, string(model.KindResource)
	}

	kind := model.KindOf(err)
	switch kind {
	case model.KindInput:
		return http.StatusBadRequest, string(kind)
	case model.KindResource:
		return http.StatusServiceUnavailable, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode response: %v", err)
	}
}

func writePNG(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}
