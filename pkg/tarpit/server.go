package tarpit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/deadlockssh/deadlockssh/pkg/config"
)

// State is the dispatcher lifecycle state
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server owns the listening socket: it accepts connections, enforces the
// global concurrency cap, hands each admitted socket to a Handler, and
// drives graceful shutdown.
type Server struct {
	cfg     config.ServerConfig
	handler *Handler
	sink    Sink
	logger  *log.Logger

	ln     net.Listener
	state  int32
	active int64

	tomb           tomb.Tomb
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	wg             sync.WaitGroup

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

// NewServer creates the listener/dispatcher
func NewServer(cfg config.ServerConfig, handler *Handler, sink Sink, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:            cfg,
		handler:        handler,
		sink:           sink,
		logger:         logger,
		state:          int32(StateStarting),
		handlerCtx:     ctx,
		cancelHandlers: cancel,
		conns:          make(map[*trackedConn]struct{}),
	}
}

// Listen binds the configured port. A bind failure is an operator error:
// the caller must treat it as fatal, not retry.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind port %d: %w", s.cfg.Port, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start starts the accept loop. Listen must have succeeded first.
func (s *Server) Start() {
	atomic.StoreInt32(&s.state, int32(StateRunning))
	s.logger.WithField("addr", s.ln.Addr().String()).Info("Tarpit listening")
	s.tomb.Go(s.acceptLoop)
}

// State returns the current lifecycle state
func (s *Server) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// ActiveSessions returns the number of currently admitted handlers
func (s *Server) ActiveSessions() int64 {
	return atomic.LoadInt64(&s.active)
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return nil
			default:
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.dispatch(conn)
	}
}

// dispatch admits the connection or rejects it at the concurrency cap.
// Rejections close the socket immediately, emit a rejection event, and do
// not touch the offense ledger: no banner interaction ever happened.
func (s *Server) dispatch(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	addr := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		addr = host
	}

	if atomic.LoadInt64(&s.active) >= int64(s.cfg.MaxConnections) {
		now := time.Now()
		_ = conn.Close()
		sessionsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		s.sink.Emit(Session{
			Addr:       addr,
			RemoteAddr: remote,
			StartedAt:  now,
			EndedAt:    now,
			Outcome:    OutcomeRejected,
		})
		s.logger.WithFields(log.Fields{
			"addr":   addr,
			"active": s.cfg.MaxConnections,
		}).Debug("Connection rejected at capacity")
		return
	}

	if s.cfg.TCPKeepAlive {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
		}
	}

	tc := &trackedConn{Conn: conn}
	s.mu.Lock()
	s.conns[tc] = struct{}{}
	s.mu.Unlock()

	atomic.AddInt64(&s.active, 1)
	activeSessions.Inc()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, tc)
			s.mu.Unlock()
			atomic.AddInt64(&s.active, -1)
			activeSessions.Dec()
			s.wg.Done()
		}()
		s.handler.Handle(s.handlerCtx, tc)
	}()
}

// Shutdown drains the server: it stops accepting, gives in-flight handlers
// the grace period to finish, then severs whatever is left. It returns
// once every handler has reached a terminal state.
func (s *Server) Shutdown(grace time.Duration) error {
	if !atomic.CompareAndSwapInt32(&s.state, int32(StateRunning), int32(StateDraining)) {
		return nil
	}
	defer s.cancelHandlers()
	s.logger.WithField("grace", grace).Info("Draining tarpit")

	s.tomb.Kill(nil)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	forced := 0
	if grace > 0 {
		select {
		case <-done:
		case <-time.After(grace):
			forced = s.forceClose()
			<-done
		}
	} else {
		forced = s.forceClose()
		<-done
	}

	err := s.tomb.Wait()
	atomic.StoreInt32(&s.state, int32(StateStopped))

	s.logger.WithField("forced", forced).Info("Tarpit stopped")
	return err
}

// forceClose cancels every handler context and closes the remaining
// sockets. Handlers observe the cancellation at their next suspension
// point and classify the session as forced.
func (s *Server) forceClose() int {
	s.cancelHandlers()
	s.mu.Lock()
	n := len(s.conns)
	for tc := range s.conns {
		_ = tc.Close()
	}
	s.mu.Unlock()
	return n
}

// trackedConn guarantees the socket is closed exactly once even when both
// the handler and the force-close path race to close it.
type trackedConn struct {
	net.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *trackedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}
