package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSetupJSON tests that the global logger writes JSON at the chosen level.
func TestSetupJSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, setup(&buf, "warn", false))

	log.Info().Msg("dropped")
	log.Warn().Str("sid", "CA1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "CA1", line["sid"])
}

// TestSetupRejectsUnknownLevel tests level validation.
func TestSetupRejectsUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, setup(&buf, "loud", false))
}
