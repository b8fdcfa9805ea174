package logging

import (
	"os"
	"path/filepath"
	"testing"

	"poolcache/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolcache.log")

	closer := Setup(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	})
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	log.Debug().Str("pair", "0x01/0x02").Msg("Fetched pools")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"message":"Fetched pools"`)
	require.Contains(t, string(data), `"pair":"0x01/0x02"`)
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetupFallsBackToInfo(t *testing.T) {
	closer := Setup(config.LoggingConfig{Level: "loud", Format: "console"})
	require.NoError(t, closer.Close())
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
