// Package delay computes the escalating wait applied to repeat offenders.
package delay

import (
	"time"

	"github.com/deadlockssh/deadlockssh/pkg/config"
)

// Policy maps an offense count to an artificial delay. It is pure state:
// two policies with the same fields always produce the same delays.
type Policy struct {
	Initial   time.Duration
	Increment time.Duration
	Max       time.Duration
}

// FromConfig builds a policy from the tarpit configuration
func FromConfig(cfg config.TarpitConfig) Policy {
	return Policy{
		Initial:   cfg.InitialDelay,
		Increment: cfg.DelayIncrement,
		Max:       cfg.MaxDelay,
	}
}

// Compute returns the delay for the given post-increment offense count.
// The first connection from an address waits exactly Initial; each repeat
// adds Increment, saturating at Max without overflowing.
func (p Policy) Compute(count int64) time.Duration {
	if count < 1 {
		count = 1
	}
	if p.Initial >= p.Max {
		return p.Max
	}
	if p.Increment > 0 {
		// Saturate before the multiplication can wrap.
		steps := int64((p.Max - p.Initial) / p.Increment)
		if count-1 > steps {
			return p.Max
		}
	}
	d := p.Initial + time.Duration(count-1)*p.Increment
	if d > p.Max {
		return p.Max
	}
	return d
}
