package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	err := Init(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	require.NoError(t, Init(Config{Level: "debug", Encoding: "json", OutputPath: path, Component: "test"}))
	defer Set(zap.NewNop())

	L().Info("hello", zap.String("k", "v"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestLDefaultsWhenUnset(t *testing.T) {
	Set(nil)
	assert.NotNil(t, L())
	assert.NotNil(t, Named("sub"))
	Set(zap.NewNop())
}
