// Package stats serves a read-only HTTP view over offense ledger
// snapshots. It never mutates tarpit state.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/carbocation/interpose"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/deadlockssh/deadlockssh/pkg/config"
	"github.com/deadlockssh/deadlockssh/pkg/ledger"
	"github.com/deadlockssh/deadlockssh/pkg/tarpit"
)

// Engine is the slice of the tarpit the presenter is allowed to see
type Engine interface {
	ActiveSessions() int64
	State() tarpit.State
}

// Presenter exposes ledger snapshots and engine counters over HTTP
type Presenter struct {
	cfg       config.StatsConfig
	ledger    *ledger.Ledger
	engine    Engine
	logger    *log.Logger
	handler   http.Handler
	server    *http.Server
	ln        net.Listener
	startTime time.Time
	tomb      tomb.Tomb
}

// Overview is the JSON document served at /stats
type Overview struct {
	StartTime         time.Time              `json:"start_time"`
	UptimeSeconds     float64                `json:"uptime_seconds"`
	State             string                 `json:"state"`
	TotalConnections  int64                  `json:"total_connections"`
	DistinctAddresses int                    `json:"distinct_addresses"`
	ActiveConnections int64                  `json:"active_connections"`
	BackendType       string                 `json:"backend_type"`
	TopOffenders      []ledger.OffenseRecord `json:"top_offenders"`
}

// New creates the stats presenter
func New(cfg config.StatsConfig, l *ledger.Ledger, engine Engine, logger *log.Logger) *Presenter {
	p := &Presenter{
		cfg:       cfg,
		ledger:    l,
		engine:    engine,
		logger:    logger,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/stats", p.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/stats/top", p.handleTop).Methods(http.MethodGet)
	router.HandleFunc("/healthz", p.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	middle := interpose.New()
	middle.Use(p.recoveryMiddleware)
	middle.Use(p.loggingMiddleware)
	middle.UseHandler(router)
	p.handler = middle

	return p
}

// Handler returns the HTTP handler, primarily for tests
func (p *Presenter) Handler() http.Handler {
	return p.handler
}

// Start binds the stats address and begins serving
func (p *Presenter) Start() error {
	ln, err := net.Listen("tcp", p.cfg.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind stats address %s: %w", p.cfg.Bind, err)
	}
	p.ln = ln
	p.server = &http.Server{Handler: p.handler}

	p.logger.WithField("addr", ln.Addr().String()).Info("Stats server listening")
	p.tomb.Go(p.run)
	return nil
}

// Addr returns the bound stats listener address
func (p *Presenter) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Stop shuts the stats server down
func (p *Presenter) Stop() error {
	p.tomb.Kill(nil)
	return p.tomb.Wait()
}

func (p *Presenter) run() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.Serve(p.ln)
	}()

	select {
	case <-p.tomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.server.Shutdown(ctx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// HTTP handlers

func (p *Presenter) handleStats(w http.ResponseWriter, r *http.Request) {
	backendStats, err := p.ledger.Stats()
	if err != nil {
		p.logger.WithError(err).Error("Failed to read ledger stats")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	overview := Overview{
		StartTime:         p.startTime,
		UptimeSeconds:     time.Since(p.startTime).Seconds(),
		State:             p.engine.State().String(),
		TotalConnections:  backendStats.TotalConnections,
		DistinctAddresses: backendStats.TrackedAddrs,
		ActiveConnections: p.engine.ActiveSessions(),
		BackendType:       backendStats.BackendType,
		TopOffenders:      p.ledger.TopOffenders(p.cfg.TopOffenders),
	}

	writeJSON(w, http.StatusOK, overview, p.logger)
}

func (p *Presenter) handleTop(w http.ResponseWriter, r *http.Request) {
	n := p.cfg.TopOffenders
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, p.ledger.TopOffenders(n), p.logger)
}

func (p *Presenter) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status": "ok",
		"state":  p.engine.State().String(),
	}
	writeJSON(w, http.StatusOK, status, p.logger)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any, logger *log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("Failed to encode stats response")
	}
}

// Middleware

func (p *Presenter) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		p.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Debug("Stats request")
	})
}

func (p *Presenter) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				p.logger.WithField("panic", rec).Error("Stats handler panicked")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
