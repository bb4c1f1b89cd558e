package logger

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-vary-cache/types"
)

func TestParseLogLevel(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(zapcore.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(zapcore.WarnLevel, parseLogLevel("warning"))
	assert.Equal(zapcore.ErrorLevel, parseLogLevel("error"))
	assert.Equal(zapcore.InfoLevel, parseLogLevel("nonsense"))
}

func TestNewDefaultLoggerToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "varycache.log")

	l, err := NewDefaultLogger(&types.LoggerConfig{
		Level: "debug",
		Config: map[string]interface{}{
			"format": "json",
			"output": "file",
			"file":   file,
		},
	})
	require.NoError(t, err)

	l.Info("hello", zap.String("k", "v"))
	_ = l.Sync()
	assert.FileExists(t, file)
}

func TestNewDefaultLoggerRequiresConfig(t *testing.T) {
	_, err := NewDefaultLogger(nil)
	assert.ErrorIs(t, err, types.ErrLoggerConfigInvalid)
}

func TestErrorWithErrStack(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapWrapper(zap.New(core))

	l.ErrorWithErrStack("cleanup failed", errors.Wrap(errors.New("boom"), "cleanup"), zap.String("id", "article-1"))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "article-1", fields["id"])
	assert.NotEmpty(t, fields["stack"])
}
