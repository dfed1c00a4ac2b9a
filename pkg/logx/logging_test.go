package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceFileSinkTagsInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hub.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}, Instance: "node-a"})
	t.Cleanup(func() { _ = svc.Close() })

	log.With(String("comp", "engine")).Info("sweep finished", Int("sent", 3))
	log.Debug("filtered")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}, Instance: "node-b"})
	log.Debug("now visible")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, `"instance":"node-a"`)
	assert.Contains(t, out, `"comp":"engine"`)
	assert.Contains(t, out, `"sent":3`)
	assert.NotContains(t, out, "filtered")
	assert.Contains(t, out, `"instance":"node-b"`)
	assert.Contains(t, out, "now visible")
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing")

	var buf bytes.Buffer
	w := NewWriter(&buf, "warn")
	w.Info("skip")
	w.Warn("keep", Err(nil), Bool("ok", false))
	assert.NotContains(t, buf.String(), "skip")
	assert.Contains(t, buf.String(), `"ok":false`)
	assert.NotContains(t, buf.String(), `"err"`)
}
