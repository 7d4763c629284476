package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buffer bytes.Buffer
	logger := newWithWriter(&buffer, "debug", "json")

	logger.Debug("tick", slog.String("connection", "abc"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &record))
	require.Equal(t, "tick", record["msg"])
	require.Equal(t, "abc", record["connection"])
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, slog.LevelInfo, parseLevel("loud"))
	require.Equal(t, slog.LevelWarn, parseLevel("WARNING"))
}
