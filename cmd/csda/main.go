package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/ligustah/csda/internal/catalog"
	"github.com/ligustah/csda/internal/config"
	"github.com/ligustah/csda/internal/destination"
	csdahttp "github.com/ligustah/csda/internal/http"
	"github.com/ligustah/csda/internal/pipeline"
	"github.com/ligustah/csda/internal/stac"
)

// Exit codes
const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitInvalidArgs    = 2
	ExitAuthFailed     = 3
	ExitSearchFailed   = 4
	ExitDownloadFailed = 5
	ExitStorageError   = 6
	ExitInterrupted    = 130
)

// errInvalidSettings marks settings that failed to load or validate.
var errInvalidSettings = errors.New("invalid settings")

// usageError wraps flag parsing failures reported by the CLI library.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// app carries the process streams and test seams for one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// tokens replaces Cognito login when set.
	tokens csdahttp.TokenSource

	runID  string
	logger *slog.Logger
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[csda] Received interrupt, shutting down...")
		cancel()
	}()

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	code := a.run(ctx, os.Args)
	cancel()
	os.Exit(code)
}

func (a *app) run(ctx context.Context, args []string) int {
	a.runID = uuid.NewString()

	err := a.command().Run(ctx, args)
	if err == nil {
		return ExitSuccess
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		fmt.Fprintln(a.stderr, "[csda] Interrupted")
		return ExitInterrupted
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	return exitCode(err)
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	var (
		validation  *stac.ValidationError
		tmpl        *destination.TemplateError
		usage       *usageError
		searchErr   *pipeline.SearchError
		storageErr  *catalog.StorageError
		downloadErr *pipeline.DownloadError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &validation), errors.As(err, &tmpl), errors.As(err, &usage),
		errors.Is(err, errInvalidSettings):
		return ExitInvalidArgs
	case errors.Is(err, csdahttp.ErrUnauthorized):
		return ExitAuthFailed
	case errors.As(err, &searchErr):
		return ExitSearchFailed
	case errors.As(err, &storageErr):
		return ExitStorageError
	case errors.As(err, &downloadErr):
		return ExitDownloadFailed
	default:
		return ExitGeneralError
	}
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:  "csda",
		Usage: "Search the CSDA STAC catalog and download its files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "CSDA account name",
				Sources: cli.EnvVars("CSDA_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "CSDA account password",
				Sources: cli.EnvVars("CSDA_PASSWORD"),
			},
			&cli.StringFlag{
				Name:      "settings-file",
				Usage:     "settings file; .yaml/.yml files are read as YAML, anything else as dotenv",
				Value:     ".env",
				TakesFile: true,
				Sources:   cli.EnvVars("CSDA_SETTINGS_FILE"),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log debug messages",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := slog.LevelInfo
			if cmd.Bool("verbose") {
				level = slog.LevelDebug
			}
			handler := slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level})
			a.logger = slog.New(handler).With("run", a.runID)
			return ctx, nil
		},
		Commands: []*cli.Command{
			a.tokenCommand(),
			a.queryCommand(),
		},
		Writer:         a.stdout,
		ErrWriter:      a.stderr,
		OnUsageError:   onUsageError,
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

func onUsageError(_ context.Context, _ *cli.Command, err error, _ bool) error {
	return &usageError{err: err}
}

// loadSettings builds the run settings from the settings file, the
// environment and the root flags, in that order of precedence.
func loadSettings(cmd *cli.Command) (config.Settings, error) {
	path := cmd.String("settings-file")

	var settings config.Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		s, err := config.LoadFromFile(path)
		if err != nil {
			return config.Settings{}, fmt.Errorf("%w: %w", errInvalidSettings, err)
		}
		settings = s
	default:
		if err := config.LoadDotenv(path); err != nil {
			return config.Settings{}, fmt.Errorf("%w: %w", errInvalidSettings, err)
		}
		settings = config.Default()
	}
	if err := settings.LoadFromEnv(); err != nil {
		return config.Settings{}, fmt.Errorf("%w: %w", errInvalidSettings, err)
	}

	settings = settings.Merge(config.Settings{
		Username: cmd.String("username"),
		Password: cmd.String("password"),
	})
	if err := settings.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("%w: %w", errInvalidSettings, err)
	}
	return settings, nil
}
