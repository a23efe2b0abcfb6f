package tarpit

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deadlockssh/deadlockssh/pkg/config"
	"github.com/deadlockssh/deadlockssh/pkg/delay"
	"github.com/deadlockssh/deadlockssh/pkg/ledger"
)

// Handler owns one accepted socket from handoff to close: it records the
// offense, waits out the assigned delay, trickles the banner, captures
// whatever the peer sends, and emits exactly one session event.
type Handler struct {
	banner      []byte
	bannerDelay time.Duration
	idleTimeout time.Duration
	maxInput    int64
	ledger      *ledger.Ledger
	policy      delay.Policy
	sink        Sink
	logger      *log.Logger
}

// NewHandler creates the per-connection handler logic
func NewHandler(cfg *config.Config, l *ledger.Ledger, policy delay.Policy, sink Sink, logger *log.Logger) *Handler {
	return &Handler{
		banner:      append([]byte(cfg.Tarpit.Banner), '\r', '\n'),
		bannerDelay: cfg.Tarpit.BannerDelay,
		idleTimeout: cfg.Server.ConnectionTimeout,
		maxInput:    int64(cfg.Server.MaxInputLength),
		ledger:      l,
		policy:      policy,
		sink:        sink,
		logger:      logger,
	}
}

// Handle runs one session to completion. I/O errors are session outcomes
// here, never propagated: a misbehaving peer is the expected case. The
// context is cancelled only when the dispatcher force-closes stragglers at
// the shutdown grace deadline.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	addr := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		addr = host
	}

	sess := Session{
		Addr:       addr,
		RemoteAddr: remote,
		StartedAt:  time.Now(),
	}

	rec, err := h.ledger.Record(addr)
	if err != nil {
		// Degrade to first-offender treatment rather than dropping the
		// session.
		h.logger.WithError(err).WithField("addr", addr).Warn("Offense ledger record failed")
		rec.Count = 1
	}
	sess.Count = rec.Count
	sess.Country = rec.Country
	sess.Delay = h.policy.Compute(rec.Count)
	delaySeconds.Observe(sess.Delay.Seconds())

	h.logger.WithFields(log.Fields{
		"addr":    addr,
		"attempt": rec.Count,
		"delay":   sess.Delay,
	}).Info("Connection accepted")

	sess.Outcome = h.run(ctx, conn, &sess)
	sess.EndedAt = time.Now()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.logger.WithError(err).WithField("addr", addr).Debug("Close failed")
	}

	sessionsTotal.WithLabelValues(string(sess.Outcome)).Inc()
	bannerBytesTotal.Add(float64(sess.BytesSent))
	capturedBytesTotal.Add(float64(sess.BytesReceived))
	h.sink.Emit(sess)
}

// run drives the limbo, banner and capture phases and classifies the end
// of the session.
func (h *Handler) run(ctx context.Context, conn net.Conn, sess *Session) Outcome {
	// Limbo: the peer gets nothing until the assigned delay has passed.
	if !sleepCtx(ctx, sess.Delay) {
		return OutcomeForced
	}

	// Banner trickle, one byte per pause.
	for _, b := range h.banner {
		if _, err := conn.Write([]byte{b}); err != nil {
			if ctx.Err() != nil {
				return OutcomeForced
			}
			return OutcomeReset
		}
		sess.BytesSent++
		if !sleepCtx(ctx, h.bannerDelay) {
			return OutcomeForced
		}
	}

	return h.capture(ctx, conn, sess)
}

// capture reads whatever the peer sends after the banner, keeping at most
// maxInput bytes for the event record. It ends when the peer closes, stays
// silent for the idle period, or hits the input ceiling.
func (h *Handler) capture(ctx context.Context, conn net.Conn, sess *Session) Outcome {
	buf := make([]byte, 512)
	var captured []byte

	for {
		// The peer may close between the last banner byte and this point;
		// arming the deadline then fails on the dead socket and must not be
		// mistaken for a mid-exchange reset.
		if err := conn.SetReadDeadline(time.Now().Add(h.idleTimeout)); err != nil {
			switch {
			case ctx.Err() != nil:
				return OutcomeForced
			case errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
				return OutcomeCompleted
			default:
				return OutcomeReset
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			sess.BytesReceived += int64(n)
			if room := h.maxInput - int64(len(captured)); room > 0 {
				take := int64(n)
				if take > room {
					take = room
				}
				captured = append(captured, buf[:take]...)
			}
			sess.Input = summarizeInput(captured, sess.BytesReceived > h.maxInput)
			if sess.BytesReceived >= h.maxInput {
				return OutcomeCompleted
			}
		}

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return OutcomeForced
			case errors.Is(err, io.EOF):
				return OutcomeCompleted
			case isTimeout(err):
				return OutcomeTimeout
			default:
				return OutcomeReset
			}
		}
	}
}

// summarizeInput renders captured bytes safely for the event record; raw
// attacker input is never logged verbatim.
func summarizeInput(captured []byte, truncated bool) string {
	s := strconv.Quote(string(captured))
	if truncated {
		s += "...[truncated]"
	}
	return s
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sleepCtx waits for d, returning false if the context is cancelled first.
// Every suspension point in a session goes through here so draining never
// waits on a sleeping handler longer than the grace period.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
