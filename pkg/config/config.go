// Package config parses the daemon's on-disk configuration and command-line
// overrides into a Config, and builds the CoreContext (SPEC_FULL.md §6/§9,
// Design Notes "explicit CoreContext over singletons") whose logger and
// config values cmd/rrfbridged passes into every other package's
// constructor instead of any package-level global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anthropics/rrf-spi-bridge/pkg/logging"
)

// Config is the daemon's full configuration: the on-disk file plus flag
// overrides land here before anything else is constructed.
type Config struct {
	SocketPath string        `yaml:"socketPath"`
	SPIBus     string        `yaml:"spiBus"`
	ReadyPin   string        `yaml:"readyPin"`
	BusSpeedHz int           `yaml:"busSpeedHz"`
	LogLevel   string        `yaml:"logLevel"`
	NoSPI      bool          `yaml:"-"`
	StartupMax time.Duration `yaml:"startupTimeout"`
	MaxRetries int           `yaml:"maxRetries"`
	MaxStalls  int           `yaml:"maxStalls"`

	// MetricsAddr is the listen address for the pkg/diag Prometheus
	// collector's /metrics endpoint. Empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`

	// StartErrorPath is where a one-line failure description is written if
	// the daemon cannot start (spec.md §6 "StartError").
	StartErrorPath string `yaml:"startErrorPath"`
}

// Default returns the daemon's built-in defaults. Load applies the config
// file on top of them and cmd/rrfbridged then applies flags, in that order,
// each layer replacing only the fields it sets.
func Default() Config {
	return Config{
		SocketPath:     "/run/rrfbridged.sock",
		SPIBus:         "/dev/spidev0.0",
		ReadyPin:       "/dev/gpiochip0:25",
		BusSpeedHz:     8_000_000,
		LogLevel:       "info",
		StartupMax:     10 * time.Second,
		MaxRetries:     5,
		MaxStalls:      3,
		MetricsAddr:    ":9100",
		StartErrorPath: "/run/rrfbridged.starterror",
	}
}

// Load reads a YAML config file at path, applied on top of Default(). An
// empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteStartError persists a one-line failure description for external
// supervisors to read after a failed startup (spec.md §6).
func WriteStartError(cfg Config, reason string) error {
	if cfg.StartErrorPath == "" {
		return nil
	}
	return os.WriteFile(cfg.StartErrorPath, []byte(reason+"\n"), 0o644)
}

// CoreContext is the explicit bundle of shared dependencies constructed
// once at startup, replacing any package-level global (Design Notes §9).
// cmd/rrfbridged passes its Log and Config values into
// transfer.Init/processor.New/ipc.New, which take those values rather than
// the CoreContext itself.
type CoreContext struct {
	Config Config
	Log    *logging.Logger
}

// NewCoreContext builds the logger from cfg.LogLevel and bundles it with
// cfg into a CoreContext.
func NewCoreContext(cfg Config, module string, useSyslog bool) (*CoreContext, error) {
	log, err := logging.Setup(module, logging.ParseLevel(cfg.LogLevel), useSyslog)
	if err != nil {
		return nil, err
	}
	return &CoreContext{Config: cfg, Log: log}, nil
}
