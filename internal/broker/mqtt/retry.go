package mqtt

import (
	"math"
	"time"
)

// NetworkQuality is derived from the number of consecutive disconnects.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
	QualityVeryPoor  NetworkQuality = "very_poor"
)

const (
	maxBackoffDelay = 120 * time.Second
	longRetryDelay  = 300 * time.Second
	backoffFactor   = 1.2
	// attempts that use the base delay before growth starts
	flatAttempts = 3
)

// QualityFor maps a disconnect streak to its tier.
func QualityFor(consecutive int) NetworkQuality {
	switch {
	case consecutive <= 0:
		return QualityExcellent
	case consecutive <= 3:
		return QualityGood
	case consecutive <= 10:
		return QualityFair
	case consecutive <= 20:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}

// Cooldown is the minimum time between two network-class disconnects for
// the second one to schedule a reconnect.
func (q NetworkQuality) Cooldown() time.Duration {
	switch q {
	case QualityPoor:
		return 120 * time.Second
	case QualityVeryPoor:
		return 300 * time.Second
	default:
		return 60 * time.Second
	}
}

// RetryPolicy computes reconnect delays.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt n (1-based). Attempts past
// MaxAttempts keep retrying at a fixed long interval.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return longRetryDelay
	}
	if attempt <= flatAttempts {
		return p.BaseDelay
	}

	d := float64(p.BaseDelay) * math.Pow(backoffFactor, float64(attempt-flatAttempts))
	if d > float64(maxBackoffDelay) {
		return maxBackoffDelay
	}
	return time.Duration(d)
}

// RetryState tracks reconnect attempts and the disconnect streak. It is
// guarded by the connection manager's mutex.
type RetryState struct {
	Attempts               int
	ConsecutiveDisconnects int
	LastDisconnect         time.Time
	LastFailure            time.Time
}

// RecordDisconnect counts a disconnect at now and returns the time elapsed
// since the previous one. The first disconnect reports an unbounded gap.
func (s *RetryState) RecordDisconnect(now time.Time) time.Duration {
	since := time.Duration(math.MaxInt64)
	if !s.LastDisconnect.IsZero() {
		since = now.Sub(s.LastDisconnect)
	}
	s.LastDisconnect = now
	s.ConsecutiveDisconnects++
	return since
}

// Quality returns the current network quality tier.
func (s *RetryState) Quality() NetworkQuality {
	return QualityFor(s.ConsecutiveDisconnects)
}

// Reset clears the counters after a successful connect. LastDisconnect is
// kept so a flapping link still sees the cooldown.
func (s *RetryState) Reset() {
	s.Attempts = 0
	s.ConsecutiveDisconnects = 0
	s.LastFailure = time.Time{}
}
