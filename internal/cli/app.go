// Package cli implements the bookvore command line.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/auth"
	"github.com/bryan-buckman/bookvore/internal/catalog"
	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/config"
	"github.com/bryan-buckman/bookvore/internal/database"
	"github.com/bryan-buckman/bookvore/internal/downloads"
	"github.com/bryan-buckman/bookvore/internal/logging"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

type command struct {
	usage string
	run   func(a *App, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"serve":    {"serve                          run the local HTTP API", (*App).serve},
	"login":    {"login [-host H] [-user U] [-apikey K]  sign in to a server", (*App).login},
	"logout":   {"logout                         forget the current session", (*App).logout},
	"apikey":   {"apikey KEY                     set the OPDS API key", (*App).apiKey},
	"whoami":   {"whoami                         show the current session", (*App).whoami},
	"browse":   {"browse [HREF]                  list the root feed or a sub-feed", (*App).browse},
	"download": {"download [-feed HREF] (-entry ID ... | -all)  download books from a feed", (*App).download},
}

// App holds the wired components for one command invocation.
type App struct {
	cfg      *config.Config
	db       *database.DB
	sessions *auth.Manager
	catalog  *catalog.Client
	engine   *downloads.Engine
	logger   *zap.Logger

	in  *bufio.Reader
	out io.Writer
}

// Run parses args (without the program name), executes the selected command
// and returns the process exit code.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, rest, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout)
			return ExitOK
		}
		fmt.Fprintf(stderr, "bookvore: %v\n", err)
		return ExitUsage
	}
	if len(rest) == 0 {
		printUsage(stderr)
		return ExitUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "bookvore: unknown command %q\n", rest[0])
		printUsage(stderr)
		return ExitUsage
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: cfg.LogOutput}); err != nil {
		fmt.Fprintf(stderr, "bookvore: init logger: %v\n", err)
		return ExitError
	}
	defer logging.Sync()

	app, err := open(ctx, cfg, stdin, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "bookvore: %v\n", err)
		return ExitError
	}
	defer app.Close()

	if err := cmd.run(app, ctx, rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		fmt.Fprintf(stderr, "bookvore %s: %v\n", rest[0], err)
		return ExitError
	}
	return ExitOK
}

func open(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer) (*App, error) {
	db, err := database.New(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger := logging.L()
	sessions := auth.NewManager(auth.NewAuthenticator(auth.WithLogger(logger)), db)
	if _, err := sessions.Restore(ctx); err != nil && !errors.Is(err, common.ErrNoSession) {
		logger.Warn("restore session", zap.Error(err))
	}

	return &App{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		catalog:  catalog.NewClient(catalog.WithLogger(logger)),
		engine: downloads.NewEngine(downloads.NewStore(), cfg.DownloadDir,
			downloads.WithMaxPerHost(cfg.MaxDownloadsPerHost),
			downloads.WithLogger(logger)),
		logger: logger,
		in:     bufio.NewReader(stdin),
		out:    stdout,
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.db.Close()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: bookvore [global flags] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "global flags: -listen -data-dir -download-dir -db -log-level -log-format -log-output -max-per-host")
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("bookvore "+name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}
