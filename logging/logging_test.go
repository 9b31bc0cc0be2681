package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "json", zerolog.InfoLevel)
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	logger.Info().Int("games", 3).Msg("done")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "done", entry["message"])
	require.EqualValues(t, 3, entry["games"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "console", zerolog.InfoLevel)
	require.NoError(t, err)
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")

	_, err = New(&buf, "xml", zerolog.InfoLevel)
	require.Error(t, err)
}

func TestSetupToFile(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "run.log")
	closer, err := Setup(Config{Level: "warn", Format: "json", File: path})
	require.NoError(t, err)
	log.Info().Msg("quiet")
	log.Warn().Msg("loud")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "quiet")
	require.Contains(t, string(raw), "loud")

	_, err = Setup(Config{Level: "chatty"})
	require.Error(t, err)
}
