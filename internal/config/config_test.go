package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the .env lookup at an empty temp dir and clears every
// BOOKVORE_* variable for the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvFile, filepath.Join(dir, ".env"))
	for _, key := range []string{
		EnvListenAddr, EnvDataDir, EnvDownloadDir, EnvDatabasePath,
		EnvLogLevel, EnvLogFormat, EnvLogOutput, EnvMaxDownloadsPerHost,
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "127.0.0.1:8686", c.ListenAddr)
	assert.Equal(t, "./bookvore-data", c.DataDir)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "console", c.LogFormat)
	assert.Equal(t, 3, c.MaxDownloadsPerHost)
	assert.Empty(t, c.DownloadDir)
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, rest, err := Load([]string{"browse"})
	require.NoError(t, err)
	assert.Equal(t, []string{"browse"}, rest)
	assert.Equal(t, filepath.Join("bookvore-data", "downloads"), cfg.DownloadDir)
	assert.Equal(t, filepath.Join("bookvore-data", "bookvore.db"), cfg.DatabasePath)
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"BOOKVORE_LISTEN_ADDR=0.0.0.0:1111\n"+
			"BOOKVORE_DATA_DIR=/from/dotenv\n"+
			"BOOKVORE_LOG_LEVEL=warn\n"), 0o600))

	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvMaxDownloadsPerHost, "5")

	cfg, rest, err := Load([]string{"-listen", "127.0.0.1:2222", "serve", "-x"})
	require.NoError(t, err)

	assert.Equal(t, []string{"serve", "-x"}, rest)
	assert.Equal(t, "127.0.0.1:2222", cfg.ListenAddr, "flag beats .env")
	assert.Equal(t, "debug", cfg.LogLevel, "environment beats .env")
	assert.Equal(t, "/from/dotenv", cfg.DataDir, ".env beats default")
	assert.Equal(t, 5, cfg.MaxDownloadsPerHost)
	assert.Equal(t, filepath.Join("/from/dotenv", "downloads"), cfg.DownloadDir)
}

func TestLoad_ExplicitPathsKept(t *testing.T) {
	isolate(t)
	t.Setenv(EnvDownloadDir, "/books")

	cfg, _, err := Load([]string{"-db", "/state/b.db"})
	require.NoError(t, err)
	assert.Equal(t, "/books", cfg.DownloadDir)
	assert.Equal(t, "/state/b.db", cfg.DatabasePath)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("bad env int", func(t *testing.T) {
		isolate(t)
		t.Setenv(EnvMaxDownloadsPerHost, "many")
		_, _, err := Load(nil)
		require.Error(t, err)
	})

	t.Run("zero per host", func(t *testing.T) {
		isolate(t)
		_, _, err := Load([]string{"-max-per-host", "0"})
		require.Error(t, err)
	})

	t.Run("unknown flag", func(t *testing.T) {
		isolate(t)
		_, _, err := Load([]string{"-nope"})
		require.Error(t, err)
	})
}
