package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Name("engine"), Path(dir), Level("debug"), Console(false))
	require.NoError(t, err)

	log.Info("node faulted", zap.Uint32("node", 7))
	_ = log.Sync()

	b, err := os.ReadFile(filepath.Join(dir, "engine.log"))
	require.NoError(t, err)
	line := string(b)
	assert.True(t, strings.Contains(line, `"msg":"node faulted"`), line)
	assert.True(t, strings.Contains(line, `"node":7`), line)
	assert.True(t, strings.Contains(line, `"logger":"engine"`), line)
}

func TestNew_LevelFilters(t *testing.T) {
	dir := t.TempDir()
	log, err := New(Name("quiet"), Path(dir), Level("warn"), Console(false))
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	b, err := os.ReadFile(filepath.Join(dir, "quiet.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "dropped")
	assert.Contains(t, string(b), "kept")
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Level("loud"))
	assert.Error(t, err)

	log, err := New(Console(false))
	require.NoError(t, err)
	assert.NotNil(t, log)
}
