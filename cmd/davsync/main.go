package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/davsync/davsync/internal/client/config"
	"github.com/davsync/davsync/internal/client/workspace"
	"github.com/davsync/davsync/internal/synclog"
	"github.com/davsync/davsync/internal/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix     = "DAVSYNC"
	envConfigPath = "DAVSYNC_CONFIG_PATH"
	envFile       = ".env"
)

var rootCmd = &cobra.Command{
	Use:           "davsync",
	Short:         "Two-way WebDAV sync for a notes folder",
	Version:       version.Detailed(),
	SilenceErrors: true,
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "davsync config file")
	flags.StringP("root", "r", "", "local folder to synchronize")
	flags.StringP("url", "u", "", "WebDAV base url")
	flags.String("user", "", "WebDAV username")
	flags.String("remote-root", config.DefaultRootPath, "remote folder under the base url")
	flags.StringP("datadir", "d", config.DefaultDataDir, "davsync data directory (metadata, logs, lock)")
	flags.String("log-level", "info", "console log level (debug, info, warn, error)")
}

func main() {
	// setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", red.Render("ERROR"), err)
		stop()
		os.Exit(1)
	}
}

// loadConfig merges, lowest first: defaults, the config file, DAVSYNC_* env
// vars (a .env in the working directory is loaded first) and explicit flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	path := resolveConfigPath(cmd)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	defaults := config.Default()
	v.SetDefault("enabled", defaults.Enabled)
	v.SetDefault("on_startup", defaults.OnStartup)
	v.SetDefault("on_shutdown", defaults.OnShutdown)
	v.SetDefault("timeout_ms", defaults.TimeoutMs)
	v.SetDefault("include_globs", defaults.IncludeGlobs)
	v.SetDefault("exclude_globs", defaults.ExcludeGlobs)
	v.SetDefault("root_path", defaults.RootPath)
	v.SetDefault("clock_skew_ms", defaults.ClockSkewMs)
	v.SetDefault("conflict_strategy", defaults.ConflictStrategy)
	v.SetDefault("remote_scan_skip_minutes", defaults.RemoteScanSkipMinutes)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("interval_seconds", defaults.IntervalSeconds)
	v.SetDefault("watch", defaults.Watch)
	v.SetDefault("request_timeout_ms", defaults.RequestTimeoutMs)

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	// only flags the user actually set override the file
	bindFlag(cmd, v, "local_root", "root")
	bindFlag(cmd, v, "base_url", "url")
	bindFlag(cmd, v, "username", "user")
	bindFlag(cmd, v, "root_path", "remote-root")
	bindFlag(cmd, v, "data_dir", "datadir")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cfg := &config.Config{
		Enabled:               v.GetBool("enabled"),
		OnStartup:             v.GetBool("on_startup"),
		OnShutdown:            v.GetBool("on_shutdown"),
		TimeoutMs:             v.GetInt("timeout_ms"),
		IncludeGlobs:          v.GetStringSlice("include_globs"),
		ExcludeGlobs:          v.GetStringSlice("exclude_globs"),
		BaseURL:               v.GetString("base_url"),
		Username:              v.GetString("username"),
		Password:              v.GetString("password"),
		RootPath:              v.GetString("root_path"),
		ClockSkewMs:           v.GetInt("clock_skew_ms"),
		ConflictStrategy:      v.GetString("conflict_strategy"),
		RemoteScanSkipMinutes: v.GetInt("remote_scan_skip_minutes"),
		LocalRoot:             v.GetString("local_root"),
		DataDir:               v.GetString("data_dir"),
		IntervalSeconds:       v.GetInt("interval_seconds"),
		Watch:                 v.GetBool("watch"),
		RequestTimeoutMs:      v.GetInt("request_timeout_ms"),
		Path:                  path,
	}
	return cfg.WithDefaults(), nil
}

func bindFlag(cmd *cobra.Command, v *viper.Viper, key, flag string) {
	if f := cmd.Flag(flag); f != nil && f.Changed {
		v.Set(key, f.Value.String())
	}
}

// setupRun loads and validates the config, locks the workspace and installs
// the logger. The returned cleanup releases both.
func setupRun(cmd *cobra.Command) (*config.Config, *workspace.Workspace, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	// config is good, usage output from here on is noise
	cmd.SilenceUsage = true

	level, err := synclog.ParseLevel(cmd.Flag("log-level").Value.String())
	if err != nil {
		return nil, nil, nil, err
	}

	ws, err := workspace.NewWorkspace(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := synclog.Setup(synclog.Options{
		FilePath:     ws.LogFilePath,
		ConsoleLevel: level,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if err := ws.Setup(); err != nil {
		logger.Close()
		if errors.Is(err, workspace.ErrWorkspaceLocked) {
			return nil, nil, nil, fmt.Errorf("%w: %s (is a daemon running?)", err, ws.LockPath())
		}
		return nil, nil, nil, err
	}

	slog.Info("davsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
	slog.Debug("config", "path", cfg.Path, "root", cfg.LocalRoot, "url", cfg.BaseURL, "remote", cfg.RootPath)

	cleanup := func() {
		if err := ws.Unlock(); err != nil {
			slog.Warn("workspace unlock", "error", err)
		}
		logger.Close()
	}
	return cfg, ws, cleanup, nil
}
