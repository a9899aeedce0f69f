package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
model:
  dir: /srv/models
  eager: true
render:
  colormap: jet
tasks:
  backoff: 2s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, "/srv/models", cfg.Model.Dir)
	assert.True(t, cfg.Model.Eager)
	assert.Equal(t, "jet", cfg.Render.Colormap)
	assert.Equal(t, 2*time.Second, cfg.Tasks.Backoff)

	// untouched keys keep their defaults
	assert.Equal(t, "classifier.ckpt", cfg.Model.Classifier)
	assert.Equal(t, "references", cfg.References.Dir)
	assert.Equal(t, 0.5, cfg.Render.Alpha)
	assert.EqualValues(t, 10<<20, cfg.Server.MaxUploadBytes)
	assert.Equal(t, 8<<20, cfg.Server.MaxPixels)
	assert.Equal(t, time.Hour, cfg.Tasks.ResultTTL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("RANJANA_SERVER_PORT", "9100")
	t.Setenv("RANJANA_REFERENCES_CACHE_PATH", "/tmp/cache.db")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "/tmp/cache.db", cfg.References.CachePath)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"bad colormap", "render:\n  colormap: rainbow\n"},
		{"auth without secret", "auth:\n  required: true\n"},
		{"bad alpha", "render:\n  alpha: 1.5\n"},
		{"bad remote url", "remote:\n  url: not a url\n"},
		{"zero pixel cap", "server:\n  max_pixels: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestJSONSchema(t *testing.T) {
	schemaJSON, err := JSONSchema()
	require.NoError(t, err)

	schema := &jsonschema.Schema{}
	require.NoError(t, schema.UnmarshalJSON(schemaJSON))
	assert.Contains(t, string(schemaJSON), "max_upload_bytes")
}
