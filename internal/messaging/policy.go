package messaging

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Policy holds the delivery timing rules of a channel.
type Policy struct {
	// Timeouts is how long a message may sit PENDING before a sweep retries it.
	Timeouts map[models.Priority]time.Duration
	// Backoff is the delay before retry attempt i+1. Its length is the retry bound.
	Backoff []time.Duration
	// Retention is the age after which messages are archived.
	Retention time.Duration
}

// DefaultPolicy returns the standard delivery policy.
func DefaultPolicy() Policy {
	return Policy{
		Timeouts: map[models.Priority]time.Duration{
			models.PriorityCritical:   time.Minute,
			models.PriorityHigh:       5 * time.Minute,
			models.PriorityNormal:     15 * time.Minute,
			models.PriorityLow:        time.Hour,
			models.PriorityBackground: 24 * time.Hour,
		},
		Backoff:   []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		Retention: 30 * 24 * time.Hour,
	}
}

// MaxRetries is the number of retries before a message fails.
func (p Policy) MaxRetries() int {
	return len(p.Backoff)
}

// Timeout returns the pending timeout for a priority.
// Unknown priorities get the NORMAL timeout.
func (p Policy) Timeout(pr models.Priority) time.Duration {
	if d, ok := p.Timeouts[pr]; ok {
		return d
	}
	return p.Timeouts[models.PriorityNormal]
}

// Validate checks the policy for consistency.
func (p Policy) Validate() error {
	for _, pr := range models.Priorities {
		if p.Timeouts[pr] <= 0 {
			return fmt.Errorf("timeout for %s must be positive", pr)
		}
	}
	if len(p.Backoff) == 0 {
		return fmt.Errorf("backoff must have at least one entry")
	}
	for i, d := range p.Backoff {
		if d < 0 {
			return fmt.Errorf("backoff[%d] must not be negative", i)
		}
	}
	if p.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	return nil
}

// stale reports whether a pending message has outlived its timeout.
func (p Policy) stale(m *models.Message, now time.Time) bool {
	if m.Status != models.MessagePending {
		return false
	}
	return now.After(m.NextAttemptAt.Add(p.Timeout(m.Priority)))
}
