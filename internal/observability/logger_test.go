// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/panelbot/internal/config"
)

// syncBuffer is a WriteSyncer over a bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Sync() error { return nil }

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestInitialize(t *testing.T) {
	t.Run("console logger with colors", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "panelbot",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)
		GetLogger().Info("session opened")

		s := out.String()
		assert.Contains(t, s, ansiColors["green"]+"INFO"+colorReset)
		assert.Contains(t, s, "panelbot.")
		assert.Contains(t, s, "session opened")
	})

	t.Run("json logger", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, out)
		GetLogger().Warn("quota low", zap.Int("remaining", 1))

		var entry map[string]any
		require.NoError(t, jsoniter.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "quota low", entry["msg"])
		assert.EqualValues(t, 1, entry["remaining"])
	})

	t.Run("writes rotated file", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		path := filepath.Join(t.TempDir(), "panelbot.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: path, MaxSize: 1}, zapcore.AddSync(&syncBuffer{}))
		GetLogger().Error("goes to the file")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "goes to the file")
	})

	t.Run("only first call wins", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, out)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, out)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		assert.Contains(t, out.String(), "First")
		assert.NotContains(t, out.String(), "Second")
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	assert.NotNil(t, GetLogger())
}

func TestMasked(t *testing.T) {
	f := Masked("password", "Kx9!mQ2z")
	assert.Equal(t, "***(8)", f.String)
	assert.Equal(t, "", Masked("password", "").String)
}
