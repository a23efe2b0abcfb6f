package tarpit

import (
	"context"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deadlockssh/deadlockssh/pkg/config"
)

type nopSink struct{}

func (nopSink) Emit(Session) {}

// TestShutdownReleasesHandlerContext tests that a graceful shutdown with no
// stragglers still cancels the shared handler context instead of leaking it
// until process exit
func TestShutdownReleasesHandlerContext(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)

	cfg := config.DefaultConfig().Server
	cfg.Port = 0
	srv := NewServer(cfg, &Handler{logger: logger}, nopSink{}, logger)

	if err := srv.Listen(); err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	srv.Start()

	if err := srv.Shutdown(time.Second); err != nil {
		t.Errorf("shutdown returned error: %v", err)
	}

	select {
	case <-srv.handlerCtx.Done():
	default:
		t.Fatal("handler context still live after graceful shutdown")
	}
	if err := srv.handlerCtx.Err(); err != context.Canceled {
		t.Errorf("expected canceled handler context, got %v", err)
	}
}
