package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyradmin/internal/config"
	"github.com/ryandielhenn/zephyradmin/pkg/logstore"
)

func TestBuildTeesIntoStore(t *testing.T) {
	var buf bytes.Buffer
	store := logstore.NewStore(1<<20, 0)
	logger, err := build(config.LogConfig{Level: "info"}, &buf, store)
	require.NoError(t, err)

	logger.Named("metadata").Info("configuration committed", zap.Int64("revision", 7))
	logger.Debug("below level")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "configuration committed", rec["msg"])
	assert.Equal(t, "metadata", rec["logger"])

	got := store.Read(logstore.Query{})
	require.Len(t, got, 1)
	assert.Equal(t, "metadata", got[0].Logger)
	assert.Equal(t, "info", got[0].Level)
	assert.EqualValues(t, 7, got[0].Fields["revision"])
}

func TestBuildWithoutStore(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build(config.LogConfig{Level: "debug", Development: true}, &buf, nil)
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestBadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty"}, nil)
	assert.Error(t, err)
}
