package stats_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/deadlockssh/deadlockssh/pkg/config"
	"github.com/deadlockssh/deadlockssh/pkg/ledger"
	"github.com/deadlockssh/deadlockssh/pkg/stats"
	"github.com/deadlockssh/deadlockssh/pkg/tarpit"
)

// fakeEngine stands in for the tarpit server
type fakeEngine struct {
	active int64
	state  tarpit.State
}

func (f *fakeEngine) ActiveSessions() int64 { return f.active }
func (f *fakeEngine) State() tarpit.State   { return f.state }

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPresenter(t *testing.T) (*stats.Presenter, *ledger.Ledger, *fakeEngine) {
	t.Helper()
	l, err := ledger.New(config.DefaultConfig().Ledger, nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := &fakeEngine{active: 3, state: tarpit.StateRunning}
	cfg := config.StatsConfig{Enabled: true, Bind: ":0", TopOffenders: 5}
	return stats.New(cfg, l, engine, quietLogger()), l, engine
}

// TestStatsOverview tests the /stats document against known ledger state
func TestStatsOverview(t *testing.T) {
	p, l, _ := newTestPresenter(t)

	for i := 0; i < 4; i++ {
		if _, err := l.Record("203.0.113.1"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.Record("203.0.113.2"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}

	var overview stats.Overview
	if err := json.Unmarshal(rec.Body.Bytes(), &overview); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}

	if overview.TotalConnections != 5 {
		t.Errorf("expected 5 total connections, got %d", overview.TotalConnections)
	}
	if overview.DistinctAddresses != 2 {
		t.Errorf("expected 2 distinct addresses, got %d", overview.DistinctAddresses)
	}
	if overview.ActiveConnections != 3 {
		t.Errorf("expected 3 active connections, got %d", overview.ActiveConnections)
	}
	if overview.State != "running" {
		t.Errorf("expected running state, got %q", overview.State)
	}
	if len(overview.TopOffenders) != 2 {
		t.Fatalf("expected 2 top offenders, got %d", len(overview.TopOffenders))
	}
	if overview.TopOffenders[0].Addr != "203.0.113.1" || overview.TopOffenders[0].Count != 4 {
		t.Errorf("unexpected top offender %+v", overview.TopOffenders[0])
	}
}

// TestStatsTop tests the /stats/top endpoint with an explicit n
func TestStatsTop(t *testing.T) {
	p, l, _ := newTestPresenter(t)

	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for i, addr := range addrs {
		for j := 0; j <= i; j++ {
			if _, err := l.Record(addr); err != nil {
				t.Fatal(err)
			}
		}
	}

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/top?n=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var top []ledger.OffenseRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &top); err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 offenders, got %d", len(top))
	}
	if top[0].Addr != "10.0.0.3" || top[0].Count != 3 {
		t.Errorf("unexpected leader %+v", top[0])
	}
}

// TestStatsTopInvalidN tests rejection of a malformed n parameter
func TestStatsTopInvalidN(t *testing.T) {
	p, _, _ := newTestPresenter(t)

	for _, raw := range []string{"x", "0", "-3"} {
		rec := httptest.NewRecorder()
		p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/top?n="+raw, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("n=%s: expected 400, got %d", raw, rec.Code)
		}
	}
}

// TestStatsHealthz tests the health endpoint
func TestStatsHealthz(t *testing.T) {
	p, _, engine := newTestPresenter(t)
	engine.state = tarpit.StateDraining

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["state"] != "draining" {
		t.Errorf("expected draining state, got %q", status["state"])
	}
}

// TestStatsMethodNotAllowed tests that only GET is served
func TestStatsMethodNotAllowed(t *testing.T) {
	p, _, _ := newTestPresenter(t)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", rec.Code)
	}
}

// TestStatsMetricsEndpoint tests that the Prometheus endpoint responds
func TestStatsMetricsEndpoint(t *testing.T) {
	p, _, _ := newTestPresenter(t)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", rec.Code)
	}
}

// TestStatsStartStop tests serving over a real socket and shutting down
func TestStatsStartStop(t *testing.T) {
	p, _, _ := newTestPresenter(t)

	if err := p.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	resp, err := http.Get("http://" + p.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if err := p.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}
}
