package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSONWithGlobalFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.GlobalFields = map[string]string{"environment": "test"}

	require.NoError(t, Setup(cfg))
	logger := Component("observer")
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "observer", entry["component"])
	assert.Equal(t, "test", entry["environment"])
	assert.Equal(t, "hello", entry["message"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	logger := FromContext(context.Background())
	logger.Info().Msg("fallback")
	assert.Contains(t, buf.String(), "fallback")

	buf.Reset()
	ctx := WithContext(context.Background(), zerolog.New(&buf).With().Str("k", "v").Logger())
	logger = FromContext(ctx)
	logger.Info().Msg("attached")
	assert.Contains(t, buf.String(), `"k":"v"`)
}
