// Package logging sets up the daemon's structured logger. Every component
// constructor takes a *logging.Logger explicitly (Design Notes §9: no
// package-level global logger) built once here at startup.
package logging

import (
	"log/syslog"
	"os"

	"github.com/op/go-logging"
)

// Logger is an alias for op/go-logging's Logger, so callers elsewhere in
// this module can depend on pkg/logging alone instead of reaching past it
// for the type.
type Logger = logging.Logger

// Setup builds a logger for the named module at the given level, optionally
// also writing to the system log. It mirrors the shape of a daemon that
// builds one leveled logger per process and threads it through every
// constructor rather than reaching for a global.
func Setup(module string, level logging.Level, useSyslog bool) (*logging.Logger, error) {
	backends := make([]logging.Backend, 0, 2)

	stderrBackend := logging.NewLogBackend(os.Stderr, "", 0)
	stderrFormatter := logging.NewBackendFormatter(stderrBackend, logging.MustStringFormatter(
		`%{time:2006-01-02T15:04:05.000Z07:00} %{level:.4s} %{shortfunc} ▶ %{message}`,
	))
	backends = append(backends, stderrFormatter)

	if useSyslog {
		sysBackend, err := logging.NewSyslogBackendPriority(module, syslog.LOG_DAEMON)
		if err != nil {
			return nil, err
		}
		backends = append(backends, sysBackend)
	}

	leveled := make([]logging.Backend, len(backends))
	for i, b := range backends {
		lb := logging.AddModuleLevel(b)
		lb.SetLevel(level, "")
		leveled[i] = lb
	}

	logging.SetBackend(leveled...)
	return logging.MustGetLogger(module), nil
}

// ParseLevel maps the daemon's --log-level flag value onto a logging.Level,
// defaulting to INFO for anything unrecognized.
func ParseLevel(name string) logging.Level {
	switch name {
	case "debug":
		return logging.DEBUG
	case "info":
		return logging.INFO
	case "warning", "warn":
		return logging.WARNING
	case "error":
		return logging.ERROR
	case "critical":
		return logging.CRITICAL
	default:
		return logging.INFO
	}
}
