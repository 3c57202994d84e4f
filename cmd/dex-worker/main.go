// Command dex-worker owns the browser for one export. It speaks the control
// protocol on stdin/stdout and logs to stderr.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"dex/internal/browser"
	"dex/internal/config"
	"dex/internal/protocol"
	_ "dex/internal/sites/generic"
	_ "dex/internal/sites/xueqiu"
	"dex/internal/surface"
	"dex/internal/worker"
)

var version = "dev"

var (
	verbose    bool
	profileDir string
	proxyURL   string
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dex-worker",
		Short: "Browser worker for dex exports",
		Long: `dex-worker is started by dex. It announces readiness on stdout, reads one
run command from stdin, drives the browser through login and collection, and
answers with a single result or error message. Diagnostics go to stderr.`,
		Version:       version,
		Args:          cobra.NoArgs,
		RunE:          serve,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.Flags().StringVar(&profileDir, "profile-dir", "", "Browser profile root; each connector gets a subdirectory (default from config)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "Proxy URL (e.g. http://127.0.0.1:7890), defaults to DEX_PROXY")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file (default dex.yaml)")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func initSlog(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	// stderr is relayed by the parent, so no colors
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    true,
	}))
	slog.SetDefault(logger)
	return logger
}

func serve(cmd *cobra.Command, _ []string) error {
	logger := initSlog(verbose)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if profileDir == "" {
		profileDir = cfg.ProfileDir
	}
	if proxyURL == "" {
		proxyURL = cfg.Proxy
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	launch := func(ctx context.Context, req protocol.RunRequest, onCapture func(surface.Capture)) (worker.Browser, error) {
		bcfg := browser.Config{
			ProxyURL: proxyURL,
			Headless: req.StartHeadless(),
		}
		if profileDir != "" {
			bcfg.ProfileDir = filepath.Join(profileDir, req.ConnectorPath)
		}
		s, err := browser.Launch(bcfg, browser.WithLogger(logger), browser.WithCaptureHook(onCapture))
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	return worker.Serve(ctx, worker.Options{
		In:     os.Stdin,
		Out:    os.Stdout,
		Launch: launch,
		Config: cfg.Lifecycle(),
		Logger: logger,
	})
}
