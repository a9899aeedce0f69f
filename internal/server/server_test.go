package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/ranjana-api/internal/config"
	"github.com/Brownie44l1/ranjana-api/internal/glyph"
	"github.com/Brownie44l1/ranjana-api/internal/handlers"
	"github.com/Brownie44l1/ranjana-api/internal/inference"
	"github.com/Brownie44l1/ranjana-api/internal/model"
)

var errStub = errors.New("stub")

// stubService only answers Version and Reload.
type stubService struct{}

func (stubService) Predict(context.Context, []byte, int) (*inference.ClassificationResult, error) {
	return nil, errStub
}

func (stubService) Compare(context.Context, []byte, int) (*inference.ComparisonResult, error) {
	return nil, errStub
}

func (stubService) CompareImages(context.Context, []byte, []byte) (*model.SimilarityResult, error) {
	return nil, errStub
}

func (stubService) Visualize(context.Context, []byte, *int) (*inference.VisualizationResult, error) {
	return nil, errStub
}

func (stubService) Embedding(context.Context, []byte) (*model.Embedding, error) {
	return nil, errStub
}

func (stubService) Normalize(context.Context, []byte) (*glyph.Glyph, error) {
	return nil, errStub
}

func (stubService) Reload(context.Context) error { return nil }

func (stubService) Version() string { return "abc123" }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Port = 8080
	cfg.Server.CORSOrigins = []string{"*"}
	return cfg
}

func do(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthRoutes(t *testing.T) {
	r := SetupRouter(testConfig(), handlers.NewHandler(stubService{}, nil, 0))

	rec := do(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"model_version":"abc123"`)
	assert.Equal(t, config.VersionString, rec.Header().Get(VersionHeader))

	rec = do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	t.Run("any origin", func(t *testing.T) {
		r := SetupRouter(testConfig(), handlers.NewHandler(stubService{}, nil, 0))
		rec := do(t, r, http.MethodOptions, "/api/v1/classify", http.Header{"Origin": {"http://app.test"}})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("listed origins", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.CORSOrigins = []string{"http://app.test"}
		r := SetupRouter(cfg, handlers.NewHandler(stubService{}, nil, 0))

		rec := do(t, r, http.MethodOptions, "/api/v1/classify", http.Header{"Origin": {"http://app.test"}})
		assert.Equal(t, "http://app.test", rec.Header().Get("Access-Control-Allow-Origin"))

		rec = do(t, r, http.MethodOptions, "/api/v1/classify", http.Header{"Origin": {"http://evil.test"}})
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestAuthRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Required = true
	cfg.Auth.Secret = "test-secret"
	r := SetupRouter(cfg, handlers.NewHandler(stubService{}, nil, 0))

	rec := do(t, r, http.MethodPost, "/api/v1/admin/reload", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")

	token, err := GenerateJWT(cfg.Auth.Secret, "scribe")
	require.NoError(t, err)
	rec = do(t, r, http.MethodPost, "/api/v1/admin/reload", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	forged, err := GenerateJWT("other-secret", "scribe")
	require.NoError(t, err)
	rec = do(t, r, http.MethodPost, "/api/v1/admin/reload", http.Header{"Authorization": {"Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthOptional(t *testing.T) {
	r := SetupRouter(testConfig(), handlers.NewHandler(stubService{}, nil, 0))
	rec := do(t, r, http.MethodPost, "/api/v1/admin/reload", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "admin routes need a secret")

	rec = do(t, r, http.MethodPost, "/api/v1/classify", nil)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRequiresTokenWhenAuthOptional(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Secret = "test-secret"
	r := SetupRouter(cfg, handlers.NewHandler(stubService{}, nil, 0))

	rec := do(t, r, http.MethodPost, "/api/v1/admin/reload", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/classify", nil)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code, "inference stays public")

	token, err := GenerateJWT(cfg.Auth.Secret, "ops")
	require.NoError(t, err)
	rec = do(t, r, http.MethodPost, "/api/v1/admin/reload", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreate(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Host = "127.0.0.1"
	srv := Create(cfg, handlers.NewHandler(stubService{}, nil, 0))
	assert.Equal(t, cfg.Addr(), srv.Addr)
	assert.Equal(t, ReadHeaderTimeout, srv.ReadHeaderTimeout)
}
