// Package tarpit implements the connection tarpit engine: it accepts raw
// TCP connections, stalls them with escalating delays, trickles a fake SSH
// banner, and records everything the peer sends.
package tarpit

import (
	"time"
)

// Outcome classifies how a session ended
type Outcome string

const (
	// OutcomeCompleted - the peer closed after the full exchange, or hit
	// the input ceiling
	OutcomeCompleted Outcome = "completed"

	// OutcomeReset - the peer vanished mid-banner or mid-read
	OutcomeReset Outcome = "reset"

	// OutcomeTimeout - the peer went silent for the idle period
	OutcomeTimeout Outcome = "timeout"

	// OutcomeRejected - closed immediately at the concurrency cap
	OutcomeRejected Outcome = "rejected"

	// OutcomeForced - severed at the shutdown grace deadline
	OutcomeForced Outcome = "forced"
)

// Session is the terminal state of one accepted connection and the payload
// of the event emitted when it ends.
type Session struct {
	Addr          string        `json:"address"`
	RemoteAddr    string        `json:"remote_addr"`
	Count         int64         `json:"connection_count"`
	Delay         time.Duration `json:"delay"`
	Country       string        `json:"country,omitempty"`
	BytesSent     int64         `json:"bytes_sent"`
	BytesReceived int64         `json:"bytes_received"`
	Input         string        `json:"input,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Outcome       Outcome       `json:"outcome"`
}

// Duration returns how long the session was held open
func (s *Session) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// Sink receives exactly one event per session, including rejected ones
type Sink interface {
	Emit(Session)
}
