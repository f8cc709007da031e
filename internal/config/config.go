// Package config loads bookvore runtime settings.
//
// Sources are applied in order, later ones winning: built-in defaults, an
// optional .env file, BOOKVORE_* environment variables, then command-line
// flags given before the subcommand.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvFile                = "BOOKVORE_ENV_FILE"
	EnvListenAddr          = "BOOKVORE_LISTEN_ADDR"
	EnvDataDir             = "BOOKVORE_DATA_DIR"
	EnvDownloadDir         = "BOOKVORE_DOWNLOAD_DIR"
	EnvDatabasePath        = "BOOKVORE_DB_PATH"
	EnvLogLevel            = "BOOKVORE_LOG_LEVEL"
	EnvLogFormat           = "BOOKVORE_LOG_FORMAT"
	EnvLogOutput           = "BOOKVORE_LOG_OUTPUT"
	EnvMaxDownloadsPerHost = "BOOKVORE_MAX_DOWNLOADS_PER_HOST"
)

const defaultEnvFile = ".env"

// Config holds runtime settings.
type Config struct {
	ListenAddr          string
	DataDir             string
	DownloadDir         string // defaults to <DataDir>/downloads
	DatabasePath        string // defaults to <DataDir>/bookvore.db
	LogLevel            string
	LogFormat           string
	LogOutput           string
	MaxDownloadsPerHost int
}

// LoadDefaults populates c with defaults. Derived paths stay empty until
// finalize.
func (c *Config) LoadDefaults() {
	c.ListenAddr = "127.0.0.1:8686"
	c.DataDir = "./bookvore-data"
	c.LogLevel = "info"
	c.LogFormat = "console"
	c.LogOutput = "stderr"
	c.MaxDownloadsPerHost = 3
}

// Load builds the configuration from every source. args are the process
// arguments without the program name; the unparsed remainder (the
// subcommand and its flags) is returned.
func Load(args []string) (*Config, []string, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	envFile := os.Getenv(EnvFile)
	if envFile == "" {
		envFile = defaultEnvFile
	}
	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return nil, nil, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, nil, err
	}

	rest, err := cfg.parseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.finalize(); err != nil {
		return nil, nil, err
	}
	return cfg, rest, nil
}

// readEnvFile returns the variables of a .env file; a missing file is empty.
func readEnvFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvListenAddr:   &c.ListenAddr,
		EnvDataDir:      &c.DataDir,
		EnvDownloadDir:  &c.DownloadDir,
		EnvDatabasePath: &c.DatabasePath,
		EnvLogLevel:     &c.LogLevel,
		EnvLogFormat:    &c.LogFormat,
		EnvLogOutput:    &c.LogOutput,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(EnvMaxDownloadsPerHost); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxDownloadsPerHost, err)
		}
		c.MaxDownloadsPerHost = n
	}
	return nil
}

func (c *Config) parseFlags(args []string) ([]string, error) {
	fs := flag.NewFlagSet("bookvore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address for the HTTP API")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for the database and downloads")
	fs.StringVar(&c.DownloadDir, "download-dir", c.DownloadDir, "directory for downloaded files")
	fs.StringVar(&c.DatabasePath, "db", c.DatabasePath, "SQLite database path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
	fs.StringVar(&c.LogOutput, "log-output", c.LogOutput, "stdout, stderr or a file path")
	fs.IntVar(&c.MaxDownloadsPerHost, "max-per-host", c.MaxDownloadsPerHost, "parallel downloads per host")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

func (c *Config) finalize() error {
	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if c.MaxDownloadsPerHost < 1 {
		return fmt.Errorf("max downloads per host must be at least 1, got %d", c.MaxDownloadsPerHost)
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "bookvore.db")
	}
	return nil
}
