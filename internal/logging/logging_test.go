package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	prev := log.Logger
	level := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(level)
	})
}

func TestSetup_JSON(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	closer, err := Setup(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info().Msg("hidden")
	log.Warn().Str("session", "s1").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"session":"s1"`)
	assert.Contains(t, out, `"level":"warn"`)
}

func TestSetup_File(t *testing.T) {
	restore(t)
	path := filepath.Join(t.TempDir(), "agent.log")
	var buf bytes.Buffer
	closer, err := Setup(Config{Format: "console", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)

	log.Info().Msg("to both")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to both"`)
	assert.Contains(t, buf.String(), "to both")
}

func TestSetup_Errors(t *testing.T) {
	restore(t)
	_, err := Setup(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = Setup(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l)
	l, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l)
}
