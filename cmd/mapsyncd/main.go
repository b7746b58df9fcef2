package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mapsyncd/mapsyncd/internal/config"
	"github.com/mapsyncd/mapsyncd/internal/github"
	"github.com/mapsyncd/mapsyncd/internal/sync"
	"github.com/mapsyncd/mapsyncd/internal/webhook"
)

// EnvPrefix is the prefix of environment variables overriding flags
const EnvPrefix = "MAPSYNCD"

const defaultConfigFile = "sources.json"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// v holds flag values and their environment overrides
	v = newViper()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mapsyncd",
	Short: "Mirror map images from GitHub repositories",
	Long: `mapsyncd mirrors map images from a list of GitHub repositories into a local
directory tree.

Every directory that directly contains a file ending in "map.png" is a map.
A map directory whose parent is also a map directory is stored as a variant of
that parent. Files are only downloaded when their blob SHA changed since the
last run.

It can run as a oneshot sync (via cron or a systemd timer) or as a long-running
webhook daemon that mirrors a repository when GitHub reports a push.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror all configured repositories once",
	Long: `Sync lists the tree of every configured repository, classifies the map
images it contains and downloads those whose recorded SHA differs from the
remote one.

Unavailable repositories and failed downloads are logged and skipped; the
next run retries them.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve mirrors all configured repositories once and then starts a long-running
HTTP server that listens for GitHub push events. A push to a configured
repository mirrors that repository again.

This mode requires the serve section of the config file to be enabled.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "mapsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("config", defaultConfigFile, "config file (YAML or JSON)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("output", "", "output directory (overrides paths.output_dir)")
	rootCmd.PersistentFlags().Int("concurrency", 0, "parallel downloads per repository (overrides sync.concurrency)")

	// Sync command flags
	syncCmd.Flags().Bool("dry-run", false, "show what would be downloaded without making changes")
	syncCmd.Flags().Bool("progress", false, "show a progress bar per repository on stderr")

	bindFlags(rootCmd.PersistentFlags().Lookup("config"),
		rootCmd.PersistentFlags().Lookup("log-level"),
		rootCmd.PersistentFlags().Lookup("log-format"),
		rootCmd.PersistentFlags().Lookup("output"),
		rootCmd.PersistentFlags().Lookup("concurrency"),
		syncCmd.Flags().Lookup("dry-run"),
		syncCmd.Flags().Lookup("progress"))

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func newViper() *viper.Viper {
	vp := viper.New()
	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()

	// the token keeps its conventional unprefixed name
	if err := vp.BindEnv("token", "GITHUB_TOKEN"); err != nil {
		slog.Error("Error binding GITHUB_TOKEN", "error", err)
	}
	return vp
}

func bindFlags(flags ...*pflag.Flag) {
	for _, f := range flags {
		if err := v.BindPFlag(f.Name, f); err != nil {
			slog.Error("Error binding flag", "flag", f.Name, "error", err)
		}
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	// Create sync engine
	engine := sync.NewEngine(cfg, client, logger, v.GetBool("dry-run"))
	engine.SetOutput(cmd.OutOrStdout())
	if v.GetBool("progress") {
		engine.SetProgressBar(cmd.ErrOrStderr())
	}

	// Run sync
	if _, err := engine.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Interrupted by user. Exiting now.")
			return nil
		}
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled (set serve.enabled in %s)", v.GetString("config"))
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	engine := sync.NewEngine(cfg, client, logger, false)
	engine.SetOutput(cmd.OutOrStdout())

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("webhook server failed", "error", err)
		return err
	}

	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format; stdout carries the progress lines
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if v.GetString("log-format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := v.GetString("config")
	if configPath == "" {
		configPath = defaultConfigFile
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	// Command line overrides
	if output := v.GetString("output"); output != "" {
		cfg.Paths.OutputDir = output
	}
	if concurrency := v.GetInt("concurrency"); concurrency != 0 {
		cfg.Sync.Concurrency = concurrency
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfigInvalid, err)
	}

	logger.Debug("configuration loaded",
		"sources", len(cfg.Sources),
		"output_dir", cfg.Paths.OutputDir,
		"api_url", cfg.HTTP.APIURL,
		"concurrency", cfg.Sync.Concurrency)

	return cfg, nil
}

// newClient builds the GitHub client from the HTTP settings and the token
func newClient(cfg *config.Config, logger *slog.Logger) (*github.RESTClient, error) {
	token, err := cfg.ResolveToken(v.GetString("token"))
	if err != nil {
		return nil, err
	}
	if token == "" {
		logger.Warn("GITHUB_TOKEN not set, using unauthenticated requests (lower rate limit, no blob fallback)")
	}

	return github.NewRESTClient(github.Settings{
		APIURL:     cfg.HTTP.APIURL,
		RawURL:     cfg.HTTP.RawURL,
		MediaURL:   cfg.HTTP.MediaURL,
		Token:      token,
		Timeout:    cfg.HTTP.Timeout,
		MaxRetries: cfg.Retries(),
	}, logger), nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
