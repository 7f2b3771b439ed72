package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesRotatedJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "service.log")
	logger, closeFn, err := New(types.LoggingConfig{Level: "info", Format: "console", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Task created", zap.String("task_id", "t-1"))
	require.NoError(t, closeFn())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Task created", entry["msg"])
	assert.Equal(t, "t-1", entry["task_id"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(types.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
