package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"dex/internal/config"
	"dex/internal/connector"
	"dex/internal/formatter"
	"dex/internal/orchestrator"
	"dex/internal/protocol"
	_ "dex/internal/sites/generic"
	_ "dex/internal/sites/xueqiu"
)

var version = "dev"

var (
	configPath   string
	verbose      bool
	headless     bool
	forceHeaded  bool
	targetURL    string
	outputFile   string
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "dex",
		Short:   "Export your own data from websites you are logged in to",
		Version: version,
		Long: `dex drives a real browser through a platform's login and collects your data
(watchlists, posts, page content) into a single JSON export. When a login is
needed the browser window is shown; once you are signed in, collection
continues in the background.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default dex.yaml in . or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug output from dex and the worker")

	runCmd := &cobra.Command{
		Use:   "run <connector>",
		Short: "Run an export",
		Example: `  # Export your Xueqiu watchlist and posts
  dex run xueqiu -o xueqiu.json

  # Export a public page as a Markdown report
  dex run generic --url https://go.dev/doc/effective_go -o effective_go.md

  # Keep the browser visible for the whole run
  dex run xueqiu --force-headed`,
		Args: cobra.ExactArgs(1),
		RunE: runExport,
	}
	runCmd.Flags().BoolVar(&headless, "headless", false, "Start the browser hidden; it is shown only if a login is needed")
	runCmd.Flags().BoolVar(&forceHeaded, "force-headed", false, "Keep the browser visible for the whole run")
	runCmd.Flags().StringVarP(&targetURL, "url", "u", "", "Page to open instead of the connector's start page")
	runCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default from config)")
	runCmd.Flags().StringVarP(&outputFormat, "format", "f", "", "Output format (json, markdown); inferred from the output extension when empty")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the available connectors",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range connector.Names() {
				c, _ := connector.Get(name)
				info := c.Info()
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s (v%s)\n", name, info.Platform, info.Version)
			}
		},
	}

	rootCmd.AddCommand(runCmd, listCmd)
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

func initSlog(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
	return logger
}

func runExport(cmd *cobra.Command, args []string) error {
	logger := initSlog(verbose)
	name := strings.ToLower(args[0])

	conn, ok := connector.Get(name)
	if !ok {
		return fmt.Errorf("unknown connector %q (available: %s)", name, strings.Join(connector.Names(), ", "))
	}
	if err := connector.CheckURL(conn, normalizeURL(targetURL)); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.File != "" {
		logger.Debug("config loaded", "file", cfg.File)
	}

	if outputFile == "" {
		outputFile = cfg.Output
	}
	if outputFormat == "" {
		outputFormat = formatter.InferFormat(outputFile)
	}
	if !slices.Contains(formatter.Formats, outputFormat) {
		return fmt.Errorf("invalid output format: %s", outputFormat)
	}

	workerPath, err := orchestrator.ResolveWorker(cfg.Worker)
	if err != nil {
		return err
	}

	req := protocol.RunRequest{
		RunID:         uuid.NewString(),
		ConnectorPath: name,
		URL:           normalizeURL(targetURL),
		Headless:      headless,
		ForceHeaded:   forceHeaded,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := orchestrator.Run(ctx, orchestrator.Options{
		Worker:  workerPath,
		Args:    workerArgs(cfg),
		Request: req,
		Handler: newConsole(os.Stderr, verbose),
		Logger:  logger.With("component", "orchestrator"),
	})
	if err != nil {
		return err
	}

	data, err := formatter.Format(env, outputFormat)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}

	color.New(color.FgGreen).Fprintf(os.Stderr, "✓ Export written to %s\n", outputFile)
	return nil
}

// workerArgs passes the settings the worker needs on its command line.
func workerArgs(cfg *config.Config) []string {
	var args []string
	if verbose {
		args = append(args, "--verbose")
	}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if cfg.ProfileDir != "" {
		args = append(args, "--profile-dir", cfg.ProfileDir)
	}
	if cfg.Proxy != "" {
		args = append(args, "--proxy", cfg.Proxy)
	}
	return args
}

// normalizeURL normalizes URL, adds https:// if no protocol prefix
func normalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return rawURL
	}
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "https://" + rawURL
	}
	return rawURL
}
