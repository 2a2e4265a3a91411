// Command rrfbridged is the SBC-side daemon: it owns the SPI transport to
// RepRap Firmware, runs the Processor loop, and serves the loopback IPC
// socket. Flag parsing and bus setup follow periph's own spi-io example
// (periph.io/x/periph/cmd/spi-io/main.go: flag.String bus name, host.Init,
// spireg.Open, bus.DevParams) rather than the teacher's subcommand-dispatch
// CLI shell, since this binary is a single long-running daemon, not a
// multi-verb tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/anthropics/rrf-spi-bridge/pkg/config"
	"github.com/anthropics/rrf-spi-bridge/pkg/diag"
	"github.com/anthropics/rrf-spi-bridge/pkg/gpioline"
	"github.com/anthropics/rrf-spi-bridge/pkg/ipc"
	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
	"github.com/anthropics/rrf-spi-bridge/pkg/processor"
	"github.com/anthropics/rrf-spi-bridge/pkg/transfer"
)

// Exit codes (spec.md §6).
const (
	exitOK               = 0
	exitConfigError      = 1
	exitTransportFatal   = 2
	exitFirmwareIncompat = 3
)

func main() {
	socketPath := flag.String("socket-path", "", "path to the loopback IPC socket (overrides config)")
	configPath := flag.String("config", "", "path to the YAML config file")
	noSPI := flag.Bool("no-spi", false, "use an in-memory loopback transport instead of real hardware")
	logLevel := flag.String("log-level", "", "debug|info|warning|error|critical (overrides config)")
	spiBus := flag.String("spi-bus", "", "periph SPI bus name, e.g. SPI0.0 (overrides config)")
	readyPin := flag.String("ready-pin", "", "gpiochip path and line offset as chip:line, e.g. /dev/gpiochip0:25 (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rrfbridged:", err)
		os.Exit(exitConfigError)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *spiBus != "" {
		cfg.SPIBus = *spiBus
	}
	if *readyPin != "" {
		cfg.ReadyPin = *readyPin
	}
	cfg.NoSPI = *noSPI

	core, err := config.NewCoreContext(cfg, "rrfbridged", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rrfbridged:", err)
		os.Exit(exitConfigError)
	}

	if err := run(core); err != nil {
		_ = config.WriteStartError(core.Config, err.Error())
		core.Log.Errorf("fatal: %v", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if strings.Contains(err.Error(), "protocol version") {
		return exitFirmwareIncompat
	}
	return exitTransportFatal
}

func run(core *config.CoreContext) error {
	conn, pin, err := openTransport(core)
	if err != nil {
		return err
	}

	tcfg := transfer.DefaultConfig(packet.ProtocolVersion)
	tcfg.MaxRetries = core.Config.MaxRetries
	tcfg.MaxStalls = core.Config.MaxStalls
	dt := transfer.Init(conn, pin, tcfg, core.Log)

	om := ipc.NewObjectModel()
	msgSink := &logMessageSink{log: core.Log}

	pcfg := processor.DefaultConfig()
	pcfg.StartupTimeout = core.Config.StartupMax
	proc := processor.New(dt, core.Log, om, msgSink, pcfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := proc.Start(ctx); err != nil {
		return err
	}

	srv := ipc.New(core.Log, proc, om)
	go func() {
		if err := srv.Serve(core.Config.SocketPath); err != nil {
			core.Log.Errorf("ipc server stopped: %v", err)
		}
	}()
	defer srv.Close()

	collector := diag.NewCollector(proc, packet.AllChannels, func() diag.TransportStats {
		return diag.TransportStats{
			ResponseHeaderState: dt.ResponseHeaderState,
			ResponseCodeState:   dt.ResponseCodeState,
			PeerResetCount:      dt.PeerResetCount,
			CRCFailureCount:     dt.CRCFailureCount,
		}
	})
	if core.Config.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: core.Config.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				core.Log.Errorf("metrics server stopped: %v", err)
			}
		}()
		defer metricsSrv.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			core.Log.Infof("shutting down on signal")
			return nil
		default:
		}

		outcome, err := proc.RunCycle(ctx)
		if err != nil {
			return err
		}
		if outcome == transfer.OutcomeFatal {
			return fmt.Errorf("transport fatal")
		}
	}
}

// openTransport opens the real SPI bus and GPIO ready line, or the
// --no-spi loopback pair for local testing/development.
func openTransport(core *config.CoreContext) (transfer.Conn, transfer.ReadyPin, error) {
	if core.Config.NoSPI {
		return transfer.NewFakeConn(), transfer.FakeReadyPin{}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}
	bus, err := spireg.Open(core.Config.SPIBus)
	if err != nil {
		return nil, nil, fmt.Errorf("opening spi bus %s: %w", core.Config.SPIBus, err)
	}
	if err := bus.DevParams(int64(core.Config.BusSpeedHz), spi.Mode0, 8); err != nil {
		return nil, nil, fmt.Errorf("configuring spi bus: %w", err)
	}

	chipPath, lineOffset, err := parseReadyPin(core.Config.ReadyPin)
	if err != nil {
		return nil, nil, err
	}
	pin, err := gpioline.Open(chipPath, lineOffset)
	if err != nil {
		return nil, nil, err
	}

	return bus, pin, nil
}

func parseReadyPin(spec string) (string, uint32, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("ready-pin must be chip:line, got %q", spec)
	}
	line, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("ready-pin line offset: %w", err)
	}
	return parts[0], uint32(line), nil
}

// logMessageSink forwards firmware console messages to the daemon log,
// the minimal processor.MessageSink implementation for this binary.
type logMessageSink struct {
	log *logging.Logger
}

func (s *logMessageSink) Message(content string, flags uint16) {
	if s.log != nil {
		s.log.Infof("firmware message (flags=%d): %s", flags, content)
	}
}
