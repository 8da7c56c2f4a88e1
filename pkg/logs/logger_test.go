package logs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("bogus"))
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "aicache.log")
	logger, err := New(config.LogConfig{Level: "info", File: path, MaxSize: 1})
	require.NoError(t, err)

	logger.Info("cache ready", zap.String("backend", "sqlite"))
	logger.Debug("not written")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, `"msg":"cache ready"`), out)
	assert.True(t, strings.Contains(out, `"backend":"sqlite"`), out)
	assert.False(t, strings.Contains(out, "not written"))
}
