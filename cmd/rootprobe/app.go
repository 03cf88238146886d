package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/doughall/rootprobe/internal/assets"
	"github.com/doughall/rootprobe/internal/bootstrap"
	"github.com/doughall/rootprobe/internal/config"
	"github.com/doughall/rootprobe/internal/driver"
	"github.com/doughall/rootprobe/internal/history"
	"github.com/doughall/rootprobe/internal/logging"
	"github.com/doughall/rootprobe/internal/rootexec"
)

// shutdownTimeout bounds the graceful stop of every component.
const shutdownTimeout = 15 * time.Second

// app holds the components shared by the subcommands.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	manager   *rootexec.Manager
	handle    *driver.Handle
	history   *history.Store
	bootstrap *bootstrap.Bootstrapper
}

// loadConfig reads the --config file and applies --log-level.
func loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load configuration from %s: %w", path, err)
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, path, nil
}

// newApp wires the broker and bootstrap. format overrides cfg.LogFormat when set.
func newApp(cmd *cli.Command, format string) (*app, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = cfg.LogFormat
	}
	logger := logging.SetupLogger(cfg.LogLevel, format)

	a := &app{
		cfg:        cfg,
		configPath: path,
		logger:     logger,
		handle:     driver.NewHandle(),
	}

	a.manager = rootexec.NewManager(rootexec.Options{
		Factory: rootexec.NewSessionFactory(rootexec.FactoryConfig{
			Backend:      cfg.DefaultBackend,
			DefaultShell: cfg.DefaultShell,
			ShellInit:    cfg.ShellInit,
			HelperSocket: cfg.HelperSocket,
			StartTimeout: cfg.CommandTimeout() * 2,
		}, logging.WithComponent(logger, "session")),
		DefaultTimeout: cfg.CommandTimeout(),
		MaxAsync:       int64(cfg.MaxAsync),
		Logger:         logging.WithComponent(logger, "rootexec"),
	})

	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		a.close(context.Background())
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	historyPath := cfg.HistoryPath
	if historyPath == "" {
		historyPath = filepath.Join(cfg.StorageDir, "history.db")
	}
	store, err := history.Open(historyPath, cfg.HistoryLimit)
	if err != nil {
		// The bootstrap works without a history; the daemon keeps running.
		logger.Warn("attempt history disabled",
			slog.String("path", historyPath),
			slog.String("error", err.Error()),
		)
	} else {
		a.history = store
	}

	opts := bootstrap.Options{
		StorageDir:     cfg.StorageDir,
		Assets:         newAssetProvider(cfg, logger),
		Escalation:     cfg.EscalationCommand,
		Exec:           a.manager,
		Handle:         a.handle,
		ABIs:           abiResolver(cfg),
		CommandTimeout: cfg.CommandTimeout(),
		ProbeTimeout:   cfg.ProbeTimeout(),
		Logger:         logging.WithComponent(logger, "bootstrap"),
	}
	if a.history != nil {
		opts.History = a.history
	}
	a.bootstrap = bootstrap.New(opts)

	return a, nil
}

// close releases the manager and the history store.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("root executor shutdown", slog.String("error", err.Error()))
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("history close", slog.String("error", err.Error()))
		}
	}
}

// newAssetProvider downloads probes when asset_url is set and reads them from
// asset_dir otherwise.
func newAssetProvider(cfg *config.Config, logger *slog.Logger) assets.Provider {
	if cfg.AssetURL != "" {
		return assets.NewHTTPProvider(cfg.AssetURL, logging.WithComponent(logger, "assets"))
	}
	return assets.NewDirProvider(cfg.AssetDir)
}

// abiResolver pins the ABI when the configuration overrides detection.
func abiResolver(cfg *config.Config) bootstrap.ABIResolver {
	if cfg.ABI != "" {
		return bootstrap.StaticABIs(cfg.ABI)
	}
	return bootstrap.HostABIs
}
