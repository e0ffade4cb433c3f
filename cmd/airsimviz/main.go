// Command airsimviz replays recorded multi-agent drone trajectories against
// an AirSim simulator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/pranikc/airsim-mac/internal/config"
	"github.com/pranikc/airsim-mac/internal/logging"
	intOtel "github.com/pranikc/airsim-mac/internal/otel"
)

var (
	AppName        = "airsimviz"
	CurrentVersion = "0.1.0"

	// BuildDate can be set at build time via ldflags
	BuildDate = "unknown"
)

// global services, wired in Before
var (
	SlogManager *logging.SlogManager

	// Logger is the slog logger (convenience reference)
	Logger *slog.Logger

	OTelProvider *intOtel.Provider

	// ZLogger feeds components that take a zerolog.Logger (database, influx)
	ZLogger zerolog.Logger

	SessionStartTime = time.Now()

	sessionLogFile *os.File
)

func main() {
	app := &cli.App{
		Name:    AppName,
		Usage:   "replay recorded multi-agent drone trajectories against an AirSim simulator",
		Version: fmt.Sprintf("%s (built %s)", CurrentVersion, BuildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Value:   ".",
				Usage:   "directory containing airsimviz.cfg.json",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (debug, info, warn, error)",
			},
		},
		Before:          setupServices,
		After:           teardownServices,
		Action:          playAction,
		ArgsUsage:       "<episode.json>",
		Commands:        commands(),
		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupServices loads configuration and brings up logging and OTel before
// any subcommand runs.
func setupServices(c *cli.Context) error {
	if err := config.Load(c.String("config-dir")); err != nil {
		return err
	}

	level := config.GetString("logLevel")
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("error creating logs directory: %w", err)
	}
	var err error
	sessionLogFile, err = os.Create(logging.LogFilePath(logsDir, AppName, SessionStartTime))
	if err != nil {
		return fmt.Errorf("error creating session log file: %w", err)
	}

	otelCfg := config.GetOTelConfig()
	otelCfg.LogWriter = sessionLogFile
	OTelProvider, err = intOtel.New(otelCfg)
	if err != nil {
		return fmt.Errorf("error initializing OTel: %w", err)
	}

	var extra []slog.Handler
	if config.GetBool("graylog.enabled") {
		gh, err := logging.NewGraylogHandler(config.GetString("graylog.address"), level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "graylog disabled: %v\n", err)
		} else {
			extra = append(extra, gh)
		}
	}

	SlogManager = logging.NewSlogManager()
	SlogManager.ContextAttrs = func() []slog.Attr {
		return []slog.Attr{slog.String("session", SessionStartTime.Format("20060102_150405"))}
	}
	SlogManager.Setup(sessionLogFile, level, OTelProvider.LoggerProvider(), extra...)
	Logger = SlogManager.Logger()

	ZLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	Logger.Info("Starting up",
		"version", CurrentVersion,
		"configDir", c.String("config-dir"),
		"logFile", filepath.Base(sessionLogFile.Name()))
	return nil
}

func teardownServices(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if OTelProvider != nil {
		if err := OTelProvider.Flush(ctx); err != nil && Logger != nil {
			Logger.Error("OTel flush failed", "error", err)
		}
		if err := OTelProvider.Shutdown(ctx); err != nil && Logger != nil {
			Logger.Error("OTel shutdown failed", "error", err)
		}
	}
	if sessionLogFile != nil {
		_ = sessionLogFile.Close()
	}
	return nil
}
