package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestGetLoggerIsSingleton(t *testing.T) {
	assert.Same(t, GetLogger(), GetLogger())
}

func TestSetLogLevel(t *testing.T) {
	defer SetLogLevel("info")

	assert.Equal(t, logrus.DebugLevel, SetLogLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
	assert.Equal(t, logrus.InfoLevel, SetLogLevel("loud"))
}

func TestLeveledLogrusFields(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.Out = &buf
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

	NewLeveledLogrus(l).Warn("retrying", "attempt", 2, 3, "dropped")
	out := buf.String()
	assert.Contains(t, out, "retrying")
	assert.Contains(t, out, "attempt=2")
	assert.NotContains(t, out, "dropped")
}
