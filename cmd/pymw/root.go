package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dMaggot/pymw/internal/backend"
	"github.com/dMaggot/pymw/internal/backend/cluster"
	"github.com/dMaggot/pymw/internal/backend/local"
	"github.com/dMaggot/pymw/internal/config"
	"github.com/dMaggot/pymw/internal/master"
	"github.com/dMaggot/pymw/internal/store"
)

// Version is the current release.
const Version = "0.1.0"

const verifyTimeout = 10 * time.Second

var (
	cfgFile       string
	debug         bool
	backendName   string
	workers       int
	launcher      string
	codecName     string
	workDir       string
	inputDelivery string
	ranks         []string
)

var rootCmd = &cobra.Command{
	Use:   "pymw",
	Short: "Master-worker task distribution",
	Long: `pymw distributes independent tasks (an executable plus an input value)
over a fixed pool of workers, either local processes or remote rank agents.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML configuration file")
	pf.BoolVar(&debug, "debug", false, "enable debug logging")
	pf.StringVar(&backendName, "backend", "", "execution backend (local, cluster)")
	pf.IntVarP(&workers, "workers", "n", 0, "number of workers")
	pf.StringVar(&launcher, "launcher", "", "interpreter used to run task executables")
	pf.StringVar(&codecName, "codec", "", "payload codec (json, gob)")
	pf.StringVar(&workDir, "work-dir", "", "directory for per-task scratch files")
	pf.StringVar(&inputDelivery, "input-delivery", "", "how inputs reach workers (stdin, file)")
	pf.StringSliceVar(&ranks, "ranks", nil, "rank agent addresses for the cluster backend")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig merges defaults, PYMW_* variables, the config file and flags,
// in increasing precedence.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if cfgFile != "" {
		if cfg, err = config.LoadFile(cfgFile, cfg); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = backendName
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("launcher") {
		cfg.Launcher = launcher
	}
	if flags.Changed("codec") {
		cfg.Codec = codecName
	}
	if flags.Changed("work-dir") {
		cfg.WorkDir = workDir
	}
	if flags.Changed("input-delivery") {
		cfg.InputDelivery = inputDelivery
	}
	if flags.Changed("ranks") {
		cfg.Ranks = ranks
	}
	if debug {
		cfg.LogLevel = slog.LevelDebug
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is the wired master with the resources it owns.
type app struct {
	registry *backend.Registry
	store    store.Store
	master   *master.Master
}

func (a *app) Close() {
	a.master.Cleanup()
	a.master.Wait()
	a.registry.CleanupAll()
	if err := a.store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "close store:", err)
	}
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	bcfg, err := cfg.BackendConfig()
	if err != nil {
		return nil, err
	}

	reg := backend.NewRegistry()
	reg.Register(local.Name, local.Factory)
	reg.Register(cluster.Name, cluster.Factory)

	b, err := reg.Open(cfg.Backend, bcfg, logger)
	if err != nil {
		return nil, err
	}

	if cb, ok := b.(*cluster.Backend); ok {
		ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
		err := cb.Verify(ctx)
		cancel()
		if err != nil {
			reg.CleanupAll()
			return nil, fmt.Errorf("verify ranks: %w", err)
		}
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		reg.CleanupAll()
		return nil, fmt.Errorf("open database: %w", err)
	}

	m, err := master.New(b, logger, master.WithStore(db))
	if err != nil {
		reg.CleanupAll()
		db.Close()
		return nil, err
	}

	return &app{registry: reg, store: db, master: m}, nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	return config.NewLogger(w, cfg.LogLevel)
}
