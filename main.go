// deadlockssh is an SSH connection tarpit. It accepts TCP connections on
// an SSH port, suspends each one through an escalating per-source delay,
// trickles a protocol banner byte by byte, and records what the peer sends
// before the connection dies.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deadlockssh/deadlockssh/pkg/config"
	"github.com/deadlockssh/deadlockssh/pkg/delay"
	"github.com/deadlockssh/deadlockssh/pkg/eventlog"
	"github.com/deadlockssh/deadlockssh/pkg/geoip"
	"github.com/deadlockssh/deadlockssh/pkg/ledger"
	"github.com/deadlockssh/deadlockssh/pkg/stats"
	"github.com/deadlockssh/deadlockssh/pkg/tarpit"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML configuration file")
	port := flag.Int("port", 0, "Listen port (overrides the configuration file)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "deadlockssh: %v\n", err)
			os.Exit(1)
		}
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "deadlockssh: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	startTime := time.Now()

	var resolver *geoip.Resolver
	if cfg.GeoIP.DatabasePath != "" {
		var err error
		resolver, err = geoip.Open(cfg.GeoIP.DatabasePath)
		if err != nil {
			// Enrichment is optional, the tarpit runs without it.
			logger.WithError(err).Warn("GeoIP enrichment disabled")
		} else {
			defer resolver.Close()
		}
	}

	offenses, err := ledger.New(cfg.Ledger, resolver, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create offense ledger")
	}
	offenses.Start()

	sink := eventlog.New(cfg.Logging)
	defer sink.Close()

	handler := tarpit.NewHandler(cfg, offenses, delay.FromConfig(cfg.Tarpit), sink, logger)
	srv := tarpit.NewServer(cfg.Server, handler, sink, logger)
	if err := srv.Listen(); err != nil {
		logger.WithError(err).Fatal("Failed to bind listener")
	}
	srv.Start()
	logger.WithFields(log.Fields{
		"addr":    srv.Addr().String(),
		"backend": cfg.Ledger.Backend.Type,
		"banner":  cfg.Tarpit.Banner,
	}).Info("DeadlockSSH listening")

	var presenter *stats.Presenter
	if cfg.Stats.Enabled {
		presenter = stats.New(cfg.Stats, offenses, srv, logger)
		if err := presenter.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start stats server")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutting down")

	if err := srv.Shutdown(cfg.Server.ShutdownGrace); err != nil {
		logger.WithError(err).Error("Shutdown did not complete cleanly")
	}
	if presenter != nil {
		if err := presenter.Stop(); err != nil {
			logger.WithError(err).Error("Stats server shutdown failed")
		}
	}

	logFinalStats(logger, offenses, startTime)

	if err := offenses.Stop(); err != nil {
		logger.WithError(err).Error("Ledger shutdown failed")
	}
	logger.Info("Shutdown complete")
}

// setupLogger configures the application logger from the logging section.
// When a log file is set the event sink owns it, so the application log
// stays on stderr to keep the file pure JSON session records.
func setupLogger(cfg config.LoggingConfig) *log.Logger {
	logger := log.New()

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(os.Stderr)
	return logger
}

// logFinalStats reports the run summary before the ledger closes
func logFinalStats(logger *log.Logger, offenses *ledger.Ledger, startTime time.Time) {
	backendStats, err := offenses.Stats()
	if err != nil {
		logger.WithError(err).Warn("Could not read final ledger statistics")
		return
	}

	logger.WithFields(log.Fields{
		"total_connections":  backendStats.TotalConnections,
		"distinct_addresses": backendStats.TrackedAddrs,
		"uptime":             time.Since(startTime).Round(time.Second).String(),
	}).Info("Final statistics")

	for i, rec := range offenses.TopOffenders(5) {
		logger.WithFields(log.Fields{
			"rank":  i + 1,
			"addr":  rec.Addr,
			"count": rec.Count,
		}).Info("Top offender")
	}
}
