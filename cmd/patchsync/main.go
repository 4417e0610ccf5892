package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/customlauncher/patchsync/internal/activation"
	"github.com/customlauncher/patchsync/internal/config"
	"github.com/customlauncher/patchsync/internal/control"
	"github.com/customlauncher/patchsync/internal/extract"
	"github.com/customlauncher/patchsync/internal/fetch"
	"github.com/customlauncher/patchsync/internal/gamesettings"
	"github.com/customlauncher/patchsync/internal/launcher"
	"github.com/customlauncher/patchsync/internal/manifest"
	"github.com/customlauncher/patchsync/internal/platform"
	"github.com/customlauncher/patchsync/internal/progressui"
	"github.com/customlauncher/patchsync/internal/sync"
	"github.com/customlauncher/patchsync/internal/syncerr"
)

const projectURL = "https://github.com/customlauncher/patchsync"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// sync / plan flags
	dryRun       bool
	platformFlag string
	uiMode       string

	// init flags
	initInstallDir string
	importFrom     string
	detectImport   bool

	// logOutput is where setupLogger writes
	logOutput io.Writer = os.Stdout
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(syncerr.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchsync",
	Short: "Keep a Toontown Rewritten installation up to date",
	Long: `patchsync brings a local game installation in line with the published
patch manifest. It downloads only the files that are missing or whose
content hash differs, decompresses them and installs each one atomically.

It can run as a oneshot sync (from a launcher or a systemd timer) or as a
long-running daemon that syncs on a schedule and on local trigger requests.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the installation in line with the patch manifest",
	Long: `Sync fetches the patch manifest, hashes the local files that apply to this
platform and downloads, decompresses and installs every file that is missing
or out of date. Files are installed one at a time in manifest order.`,
	RunE: runSync,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which files a sync would update",
	RunE:  runPlan,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon with its local control API",
	Long: `Serve performs an initial sync and then listens for control requests:

  POST /sync    queue a sync run (HMAC signed when serve.trigger_secret_file is set)
  GET  /status  current progress and the report of the last run

With serve.interval set it also syncs periodically. Systemd socket
activation is used when present.`,
	RunE: runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config, the install directory and first-run game settings",
	RunE:  runInit,
}

var selfCheckCmd = &cobra.Command{
	Use:   "self-check",
	Short: "Check whether a newer patchsync release is available",
	RunE:  runSelfCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringVar(&platformFlag, "platform", "", "override the detected platform (win32, win64, linux, darwin)")
	syncCmd.Flags().StringVar(&uiMode, "ui", "log", "progress output (log, tui)")

	planCmd.Flags().StringVar(&platformFlag, "platform", "", "override the detected platform (win32, win64, linux, darwin)")

	// Init command flags
	initCmd.Flags().StringVar(&initInstallDir, "install-dir", "", "game install directory (required when no config exists)")
	initCmd.Flags().StringVar(&importFrom, "import-from", "", "copy settings, resource packs and screenshots from this game install")
	initCmd.Flags().BoolVar(&detectImport, "detect-import", false, "look for the official launcher's install and import from it")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(selfCheckCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	var ui *progressui.Reporter
	switch uiMode {
	case "log":
	case "tui":
		// the terminal belongs to the progress display
		logOutput = io.Discard
	default:
		return fmt.Errorf("invalid --ui %q (must be log or tui)", uiMode)
	}

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyPlatformFlag(cfg); err != nil {
		return err
	}

	var reporter sync.Reporter = sync.NewLogReporter(logger)
	if uiMode == "tui" {
		ui = progressui.Start(os.Stdout, os.Stdin, cancel)
		reporter = ui
	}

	engine, err := buildEngine(ctx, cfg, reporter, logger, dryRun)
	if err != nil {
		if ui != nil {
			ui.Finish(&sync.Report{Status: sync.StatusFailed, Message: err.Error()})
			_ = ui.Wait()
		}
		return err
	}

	_, runErr := engine.Run(ctx)
	if ui != nil {
		if err := ui.Wait(); err != nil {
			logger.Warn("progress display failed", "error", err)
		}
	}
	return runErr
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyPlatformFlag(cfg); err != nil {
		return err
	}

	engine, err := buildEngine(ctx, cfg, nil, logger, true)
	if err != nil {
		return err
	}

	plan, err := engine.Plan(ctx)
	if err != nil {
		// the friendly message replaces cobra's "Error:" line
		cmd.PrintErrln(syncerr.Message(err))
		cmd.SilenceErrors = true
		return err
	}

	return writePlanTable(cmd.OutOrStdout(), plan)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tracker := control.NewTracker()
	reporter := sync.MultiReporter{sync.NewLogReporter(logger), tracker}

	engine, err := buildEngine(ctx, cfg, reporter, logger, false)
	if err != nil {
		return err
	}

	server, err := control.NewServer(cfg, engine, tracker, logger)
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}

	ln, err := activation.Listen(cfg.Serve.ListenAddr, logger)
	if err != nil {
		return err
	}

	return server.Start(ctx, ln)
}

func runInit(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	out := cmd.OutOrStdout()

	configPath, err := resolveConfigPath()
	if err != nil {
		return err
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if initInstallDir != "" && filepath.Clean(initInstallDir) != filepath.Clean(cfg.Paths.InstallDir) {
			return fmt.Errorf("config %s already sets paths.install_dir to %s", configPath, cfg.Paths.InstallDir)
		}
		logger.Info("using existing configuration", "path", configPath)
	} else {
		if initInstallDir == "" {
			return fmt.Errorf("--install-dir is required when %s does not exist", configPath)
		}
		installDir, err := filepath.Abs(os.ExpandEnv(initInstallDir))
		if err != nil {
			return fmt.Errorf("failed to resolve install dir: %w", err)
		}
		cfg = config.Default(installDir)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Wrote config %s\n", configPath)
	}

	host, err := platform.Resolve(cfg.Sync.Platform)
	if err != nil {
		return fmt.Errorf("failed to determine platform: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.InstallDir, 0755); err != nil {
		return syncerr.IO("init", cfg.Paths.InstallDir, err)
	}

	source := importFrom
	if source == "" && detectImport {
		source = gamesettings.DetectInstall(host)
		if source == "" {
			_, _ = fmt.Fprintln(out, "No existing game install found to import from.")
		}
	}
	if source != "" {
		if err := gamesettings.Import(source, cfg.Paths.InstallDir, logger); err != nil {
			return syncerr.IO("import", source, err)
		}
		_, _ = fmt.Fprintf(out, "Imported settings and files from %s\n", source)
	}

	written, err := gamesettings.WriteDefaults(cfg.Paths.InstallDir, host)
	if err != nil {
		return syncerr.IO("init", gamesettings.FileName, err)
	}
	if written {
		_, _ = fmt.Fprintf(out, "Wrote first-run game settings for %s\n", host)
	}

	_, _ = fmt.Fprintf(out, "Install directory ready: %s\nRun `patchsync sync` to download the game.\n", cfg.Paths.InstallDir)
	return nil
}

func runSelfCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	out := cmd.OutOrStdout()

	owner, repository := config.DefaultOwner, config.DefaultRepository
	if cfg, err := loadConfig(logger); err == nil {
		owner, repository = cfg.Launcher.Owner, cfg.Launcher.Repository
	} else {
		logger.Debug("no usable config, checking the default repository", "error", err)
	}

	ctx, stop := context.WithTimeout(ctx, 30*time.Second)
	defer stop()

	res, err := launcher.NewChecker(owner, repository, logger).Check(ctx, version)
	if errors.Is(err, launcher.ErrDevelopmentBuild) {
		_, _ = fmt.Fprintf(out, "Running a development build (%s); skipping release check.\n", version)
		return nil
	}
	if err != nil {
		return syncerr.Network("self-check", owner+"/"+repository, err)
	}

	if res.Outdated {
		_, _ = fmt.Fprintf(out, "A new version is available: %s (you have %s)\n", res.Latest, res.Current)
		_, _ = fmt.Fprintf(out, "Download it from %s\n", res.ReleaseURL)
		return nil
	}
	_, _ = fmt.Fprintf(out, "You are using the latest version: %s\n", res.Current)
	return nil
}

// buildEngine wires the sync engine for cfg
func buildEngine(ctx context.Context, cfg *config.Config, reporter sync.Reporter, logger *slog.Logger, dryRun bool) (*sync.Engine, error) {
	userAgent := cfg.Remote.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent()
	}
	httpClient := &http.Client{Timeout: cfg.Remote.Timeout}

	manifests := manifest.NewHTTPClient(cfg.Remote.ManifestURL, userAgent, httpClient, logger)

	opts := fetch.SourceOptions{
		UserAgent:  userAgent,
		HTTPClient: httpClient,
	}
	if cfg.UsesS3() {
		opts.S3 = fetch.S3Options{
			Region:       cfg.Remote.S3.Region,
			Endpoint:     cfg.Remote.S3.Endpoint,
			UsePathStyle: cfg.Remote.S3.UsePathStyle,
		}
	}
	source, err := fetch.NewSource(ctx, cfg.Remote.DownloadURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create download source: %w", err)
	}

	stager := fetch.NewStager(cfg.Paths.StagingDir, source, logger)
	logger.Debug("download source", "source", source, "s3", cfg.UsesS3(), "staging_dir", stager.Dir())
	if br, ok := reporter.(sync.ByteReporter); ok {
		stager.SetProgress(br.Bytes)
	}

	installer := extract.NewInstaller(cfg.VerifyEnabled(), logger, cfg.Sync.Executables...)

	return sync.NewEngine(cfg, manifests, stager, installer, reporter, logger, dryRun), nil
}

func applyPlatformFlag(cfg *config.Config) error {
	if platformFlag == "" {
		return nil
	}
	host, err := platform.Parse(platformFlag)
	if err != nil {
		return fmt.Errorf("invalid --platform: %w", err)
	}
	cfg.Sync.Platform = string(host)
	return nil
}

func defaultUserAgent() string {
	return fmt.Sprintf("patchsync/%s (+%s)", version, projectURL)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(logOutput, opts)
	} else {
		handler = slog.NewTextHandler(logOutput, opts)
	}

	return slog.New(handler)
}

func resolveConfigPath() (string, error) {
	if cfgFile != "" {
		return os.ExpandEnv(cfgFile), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "patchsync", "config.yaml"), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"install_dir", cfg.Paths.InstallDir,
		"staging_dir", cfg.Paths.StagingDir,
		"manifest", cfg.Remote.ManifestURL,
		"download", cfg.Remote.DownloadURL,
		"on_error", cfg.Sync.OnError,
		"concurrency", cfg.Sync.Concurrency)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
