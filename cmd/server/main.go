package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/Tyrowin/greetrelay/internal/server"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	Port       string
}

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	if err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	_ = godotenv.Load()

	f := &flags{}
	app := &cli.Command{
		Name:      "greetrelay",
		Usage:     "Relay greetings between STOMP over WebSocket clients",
		UsageText: "greetrelay [global options]",
		Description: `greetrelay accepts STOMP 1.2 sessions on /ws. Messages sent to /app/hello
are turned into an escaped greeting and broadcast to every subscriber of
/topic/greetings.

Configuration is read from the YAML file given by --config and then from
environment variables (a .env file in the working directory is loaded first).`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to YAML config file",
				Sources:     cli.EnvVars("GREETRELAY_CONFIG"),
				Value:       "config.yaml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("GREETRELAY_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("GREETRELAY_LOG_FILE"),
				Destination: &f.LogFile,
			},
			&cli.StringFlag{
				Name:        "port",
				Aliases:     []string{"p"},
				Usage:       "listen address, overrides the config file and SERVER_PORT",
				Destination: &f.Port,
			},
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			return ctx, setupLogger(f.LogLevel, f.LogFile)
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return run(ctx, f)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("greetrelay exited with error")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := server.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.Port != "" {
		cfg.Port = f.Port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log.Info().
		Str("version", build()).
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("starting greetrelay")

	hub := server.NewHub(*cfg, log.With().Str("component", "hub").Logger())
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	select {
	case err := <-serveErr:
		_ = hub.Shutdown(shutdownTimeout)
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// hub closes its sessions before the listener is shut down.
	hubErr := hub.Shutdown(shutdownTimeout)
	srvErr := server.ShutdownServer(httpServer, shutdownTimeout)
	return errors.Join(hubErr, srvErr)
}

func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		output = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, file)
	}

	log.Logger = log.Output(output).Level(parsedLevel)

	return nil
}
