// Package config loads pymw configuration from PYMW_* environment variables
// and an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dMaggot/pymw/internal/backend"
	"github.com/dMaggot/pymw/internal/codec"
	"github.com/dMaggot/pymw/internal/taskio"
)

// Backend names.
const (
	BackendLocal   = "local"
	BackendCluster = "cluster"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = ":memory:"
	defaultBackend        = BackendLocal
	defaultRankListenAddr = ":7070"

	envListenAddr     = "PYMW_LISTEN_ADDR"
	envDBPath         = "PYMW_DB_PATH"
	envLogLevel       = "PYMW_LOG_LEVEL"
	envBackend        = "PYMW_BACKEND"
	envWorkers        = "PYMW_WORKERS"
	envLauncher       = "PYMW_LAUNCHER"
	envCodec          = taskio.CodecEnv
	envWorkDir        = "PYMW_WORK_DIR"
	envInputDelivery  = "PYMW_INPUT_DELIVERY"
	envRanks          = "PYMW_RANKS"
	envRankListenAddr = "PYMW_RANK_LISTEN_ADDR"
)

// Config holds application configuration.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	Backend        string
	Workers        int
	Launcher       string
	Codec          string
	WorkDir        string
	InputDelivery  string
	Ranks          []string
	RankListenAddr string
}

func defaults() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		Backend:        defaultBackend,
		Workers:        runtime.NumCPU(),
		Codec:          codec.Default,
		InputDelivery:  backend.InputStdin,
		RankListenAddr: defaultRankListenAddr,
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := defaults()

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envWorkers, err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv(envLauncher); v != "" {
		cfg.Launcher = v
	}
	if v := os.Getenv(envCodec); v != "" {
		cfg.Codec = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envInputDelivery); v != "" {
		cfg.InputDelivery = v
	}
	if v := os.Getenv(envRanks); v != "" {
		cfg.Ranks = splitList(v)
	}
	if v := os.Getenv(envRankListenAddr); v != "" {
		cfg.RankListenAddr = v
	}

	return cfg, nil
}

// fileConfig is the YAML form of Config. Absent keys leave the loaded value
// unchanged.
type fileConfig struct {
	ListenAddr     *string  `yaml:"listen_addr"`
	DBPath         *string  `yaml:"db_path"`
	LogLevel       *string  `yaml:"log_level"`
	Backend        *string  `yaml:"backend"`
	Workers        *int     `yaml:"workers"`
	Launcher       *string  `yaml:"launcher"`
	Codec          *string  `yaml:"codec"`
	WorkDir        *string  `yaml:"work_dir"`
	InputDelivery  *string  `yaml:"input_delivery"`
	Ranks          []string `yaml:"ranks"`
	RankListenAddr *string  `yaml:"rank_listen_addr"`
}

// LoadFile overlays the YAML file at path onto cfg. Unknown keys are an error.
func LoadFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.DBPath, fc.DBPath)
	if fc.LogLevel != nil {
		cfg.LogLevel = parseLogLevel(*fc.LogLevel)
	}
	setString(&cfg.Backend, fc.Backend)
	if fc.Workers != nil {
		cfg.Workers = *fc.Workers
	}
	setString(&cfg.Launcher, fc.Launcher)
	setString(&cfg.Codec, fc.Codec)
	setString(&cfg.WorkDir, fc.WorkDir)
	setString(&cfg.InputDelivery, fc.InputDelivery)
	if fc.Ranks != nil {
		cfg.Ranks = fc.Ranks
	}
	setString(&cfg.RankListenAddr, fc.RankListenAddr)

	return cfg, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the master configuration is usable.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendLocal:
	case BackendCluster:
		if len(c.Ranks) == 0 {
			errs = append(errs, errors.New("cluster backend requires at least one rank address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q: must be %q or %q", c.Backend, BackendLocal, BackendCluster))
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if err := c.backendConfig(nil).Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BackendConfig returns the execution backend configuration.
func (c Config) BackendConfig() (backend.Config, error) {
	cd, err := codec.ByName(c.Codec)
	if err != nil {
		return backend.Config{}, err
	}
	return c.backendConfig(cd), nil
}

func (c Config) backendConfig(cd codec.Codec) backend.Config {
	return backend.Config{
		WorkerCount:   c.Workers,
		LauncherPath:  c.Launcher,
		RankAddrs:     c.Ranks,
		Codec:         cd,
		WorkDir:       c.WorkDir,
		InputDelivery: c.InputDelivery,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
