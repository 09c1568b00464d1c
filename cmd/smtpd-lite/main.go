// Package main is the entry point for the smtpd-lite daemon.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/shineum/smtpd-lite/internal/config"
	"github.com/shineum/smtpd-lite/internal/handler/stdout"
	"github.com/shineum/smtpd-lite/internal/smtp"
	"github.com/shineum/smtpd-lite/internal/storage"
	smtptls "github.com/shineum/smtpd-lite/internal/tls"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "smtpd-lite"
	app.Usage = "minimal SMTP receiving daemon"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to YAML or TOML configuration file (optional)",
			EnvVar: "SMTPD_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "accept SMTP connections until interrupted",
			Action: serve,
		},
		{
			Name:        "sweep",
			Usage:       "remove temporary content files",
			Description: "smtpd-lite sweep [--all]",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "all",
					Usage: "remove every file, not only empty ones",
				},
			},
			Action: sweep,
		},
	}
	app.Action = serve

	if err := app.Run(os.Args); err != nil {
		slog.Error("smtpd-lite failed", "error", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := storage.New(cfg.Storage.TempDir)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	tlsMode := "disabled"
	if cfg.TLS.Enabled {
		tlsConfig, err = smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Host, cfg.SMTP.Domain)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" {
			tlsMode = "file"
		}
	}

	var auth smtp.Authenticator
	if cfg.AuthEnabled() {
		a, err := smtp.NewAuthenticator(cfg.Auth.Username, cfg.Auth.Password, cfg.Auth.Types)
		if err != nil {
			return fmt.Errorf("failed to setup AUTH: %w", err)
		}
		auth = a
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Host:           cfg.SMTP.Host,
		Domain:         cfg.SMTP.Domain,
		DefaultCharset: cfg.SMTP.DefaultCharset,
		TLSConfig:      tlsConfig,
		ForceTLS:       cfg.TLS.Force,
		Auth:           auth,
		ForceAuth:      cfg.Auth.Force,
		Store:          store,
		Handler:        stdout.New(),
	})

	slog.Info("starting smtpd-lite",
		"version", version,
		"listen", cfg.SMTP.Listen,
		"temp_dir", store.Dir(),
		"auth_enabled", auth != nil,
		"tls_mode", tlsMode,
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("smtpd-lite stopped")
	return nil
}

func sweep(c *cli.Context) error {
	cfg, closeLog, err := setup(c)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := storage.New(cfg.Storage.TempDir)
	if err != nil {
		return err
	}

	removed, err := store.Sweep(c.Bool("all"))
	for _, name := range removed {
		fmt.Println(name)
	}
	slog.Info("sweep finished", "dir", store.Dir(), "removed", len(removed))
	return err
}

// setup loads and validates the configuration and installs the logger.
func setup(c *cli.Context) (*config.Config, func(), error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	closeLog, err := setupLogger(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

// loadConfig loads configuration from the specified path (file + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. When file is set, output is written there as well.
func setupLogger(level, file string) (func(), error) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { f.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

// serveMetrics exposes Prometheus metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}
