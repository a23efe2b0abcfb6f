// Package ledger tracks per-source-address offense state for the tarpit.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/deadlockssh/deadlockssh/pkg/config"
	"github.com/deadlockssh/deadlockssh/pkg/geoip"
)

// OffenseRecord is the per-address offense state. Count is the number of
// connections recorded since the entry was created and never decreases
// while the entry lives.
type OffenseRecord struct {
	Addr     string    `json:"address"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
	Country  string    `json:"country,omitempty"`
}

// Backend is the storage interface for offense state
type Backend interface {
	// Record atomically increments the count for addr, creating the entry
	// with count 1 if absent, and returns the post-increment record.
	Record(addr string, now time.Time) (OffenseRecord, error)

	// Snapshot returns a point-in-time copy of all records, ordered by
	// address.
	Snapshot() ([]OffenseRecord, error)

	// Evict drops entries not seen since the given time and returns how
	// many were removed.
	Evict(olderThan time.Time) (int, error)

	// Stats returns backend statistics.
	Stats() (BackendStats, error)

	// Close releases backend resources.
	Close() error
}

// BackendStats represents backend statistics
type BackendStats struct {
	TrackedAddrs     int    `json:"tracked_addresses"`
	TotalConnections int64  `json:"total_connections"`
	BackendType      string `json:"backend_type"`
}

var (
	trackedAddrs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deadlockssh_ledger_tracked_addresses",
		Help: "Number of source addresses currently tracked in the offense ledger",
	})

	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deadlockssh_ledger_evictions_total",
		Help: "Total number of offense records dropped by the retention sweep",
	})
)

// Ledger fronts a Backend with GeoIP enrichment, a periodic retention
// sweep, and metrics upkeep. It is constructed once at startup and handed
// to the dispatcher and the stats presenter.
type Ledger struct {
	backend       Backend
	resolver      *geoip.Resolver
	retention     time.Duration
	sweepInterval time.Duration
	logger        *log.Logger
	tomb          tomb.Tomb
}

// New creates a ledger with the configured backend
func New(cfg config.LedgerConfig, resolver *geoip.Resolver, logger *log.Logger) (*Ledger, error) {
	backend, err := createBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger backend: %w", err)
	}
	return &Ledger{
		backend:       backend,
		resolver:      resolver,
		retention:     cfg.Retention,
		sweepInterval: cfg.SweepInterval,
		logger:        logger,
	}, nil
}

func createBackend(cfg config.LedgerConfig) (Backend, error) {
	switch cfg.Backend.Type {
	case "memory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackend(cfg.Backend.Redis, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend.Type)
	}
}

// Start starts the ledger background tasks
func (l *Ledger) Start() {
	l.tomb.Go(l.sweepTask)
	l.tomb.Go(l.metricsTask)
}

// Stop stops the background tasks and closes the backend
func (l *Ledger) Stop() error {
	l.tomb.Kill(nil)
	if err := l.tomb.Wait(); err != nil {
		return err
	}
	return l.backend.Close()
}

// Record registers a connection from addr and returns the post-increment
// offense record, enriched with the source country when GeoIP is enabled.
func (l *Ledger) Record(addr string) (OffenseRecord, error) {
	rec, err := l.backend.Record(addr, time.Now())
	if err != nil {
		return OffenseRecord{}, err
	}
	rec.Country = l.resolver.Country(addr)
	return rec, nil
}

// Snapshot returns an internally consistent copy of the ledger, ordered by
// address. Errors are absorbed here: the presenter only ever sees data.
func (l *Ledger) Snapshot() []OffenseRecord {
	records, err := l.backend.Snapshot()
	if err != nil {
		l.logger.WithError(err).Warn("Ledger snapshot failed")
		return nil
	}
	return records
}

// TopOffenders returns the n addresses with the highest connection counts
func (l *Ledger) TopOffenders(n int) []OffenseRecord {
	records := l.Snapshot()
	sort.Slice(records, func(i, j int) bool {
		if records[i].Count != records[j].Count {
			return records[i].Count > records[j].Count
		}
		return records[i].Addr < records[j].Addr
	})
	if n > 0 && len(records) > n {
		records = records[:n]
	}
	return records
}

// Stats returns backend statistics
func (l *Ledger) Stats() (BackendStats, error) {
	return l.backend.Stats()
}

func sortRecords(records []OffenseRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Addr < records[j].Addr
	})
}

// Background task dropping entries unseen for the retention period. A zero
// retention disables eviction and the ledger grows until process exit.
func (l *Ledger) sweepTask() error {
	if l.retention <= 0 {
		<-l.tomb.Dying()
		return nil
	}

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted, err := l.backend.Evict(time.Now().Add(-l.retention))
			if err != nil {
				l.logger.WithError(err).Warn("Ledger sweep failed")
				continue
			}
			if evicted > 0 {
				evictedTotal.Add(float64(evicted))
				l.logger.WithField("evicted", evicted).Debug("Ledger sweep dropped stale entries")
			}
		case <-l.tomb.Dying():
			return nil
		}
	}
}

// metricsInterval paces the tracked-address gauge refresh. It is a scrape
// freshness bound, not an operator policy like the sweep interval, so it is
// not configurable.
const metricsInterval = 30 * time.Second

// Background task for metrics updates
func (l *Ledger) metricsTask() error {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if stats, err := l.backend.Stats(); err == nil {
				trackedAddrs.Set(float64(stats.TrackedAddrs))
			}
		case <-l.tomb.Dying():
			return nil
		}
	}
}
