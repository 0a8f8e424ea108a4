package config

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	t.Run("sets configured level", func(t *testing.T) {
		InitLogger("debug", "json")
		assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	})

	t.Run("level is case insensitive", func(t *testing.T) {
		InitLogger("WARN", "json")
		assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		InitLogger("loud", "json")
		assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	})
}

func TestNewLoggerAttachesComponent(t *testing.T) {
	InitLogger("info", "json")

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	logger := NewLogger("database")
	logger.Info().Msg("pool ready")

	assert.Contains(t, buf.String(), `"component":"database"`)
	assert.Contains(t, buf.String(), "pool ready")
}
