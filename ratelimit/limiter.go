// Package ratelimit enforces the per-client cooldown, per-client daily cap and
// global daily cap of the public chat demo. Counters reset at midnight UTC.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultPerIPDaily  = 5
	DefaultGlobalDaily = 50
	DefaultCooldown    = 15 * time.Second

	dayLayout = "2006-01-02"
)

// Reason explains why a request was denied.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonCooldown    Reason = "cooldown"
	ReasonIPDaily     Reason = "ip_daily"
	ReasonGlobalDaily Reason = "global_daily"
)

// Limits configures a Limiter.
type Limits struct {
	PerIPDaily  int
	GlobalDaily int
	Cooldown    time.Duration
}

// DefaultLimits returns the limits of the public demo.
func DefaultLimits() Limits {
	return Limits{
		PerIPDaily:  DefaultPerIPDaily,
		GlobalDaily: DefaultGlobalDaily,
		Cooldown:    DefaultCooldown,
	}
}

// Decision is the outcome of a Check. RetryAfter is in seconds and is only set
// when the request is denied.
type Decision struct {
	Allowed    bool
	RetryAfter int
	Reason     Reason
}

// Snapshot is a read-only view of the limiter counters for the current day.
type Snapshot struct {
	Day         string
	GlobalCount int
	IPCount     int
}

// Limiter tracks request counts for the current UTC day.
type Limiter struct {
	mu            sync.Mutex
	limits        Limits
	day           string
	globalCount   int
	ipCounts      map[string]int
	ipLastRequest map[string]time.Time
	timeFunc      func() time.Time // for testing
}

// NewLimiter creates a Limiter with the given limits.
func NewLimiter(limits Limits) *Limiter {
	return &Limiter{
		limits:        limits,
		ipCounts:      make(map[string]int),
		ipLastRequest: make(map[string]time.Time),
		timeFunc:      time.Now,
	}
}

// resetIfNewDay clears all counters when the UTC day changed. Must be called with mu held.
func (l *Limiter) resetIfNewDay(now time.Time) {
	today := now.UTC().Format(dayLayout)
	if l.day == today {
		return
	}
	l.day = today
	l.globalCount = 0
	l.ipCounts = make(map[string]int)
	l.ipLastRequest = make(map[string]time.Time)
}

// Check decides whether a request from ip is admitted and, if so, counts it.
// Denied requests never change the counters.
func (l *Limiter) Check(ip string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeFunc()
	l.resetIfNewDay(now)

	if last, ok := l.ipLastRequest[ip]; ok {
		elapsed := now.Sub(last)
		if elapsed < l.limits.Cooldown {
			retry := int(math.Ceil((l.limits.Cooldown - elapsed).Seconds()))
			return Decision{RetryAfter: max(1, retry), Reason: ReasonCooldown}
		}
	}

	if l.ipCounts[ip] >= l.limits.PerIPDaily {
		return Decision{RetryAfter: secondsUntilTomorrow(now), Reason: ReasonIPDaily}
	}
	if l.globalCount >= l.limits.GlobalDaily {
		return Decision{RetryAfter: secondsUntilTomorrow(now), Reason: ReasonGlobalDaily}
	}

	l.ipCounts[ip]++
	l.globalCount++
	l.ipLastRequest[ip] = now
	return Decision{Allowed: true}
}

// Snapshot returns the counters for ip and the global count of the current day.
func (l *Limiter) Snapshot(ip string) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDay(l.timeFunc())
	return Snapshot{
		Day:         l.day,
		GlobalCount: l.globalCount,
		IPCount:     l.ipCounts[ip],
	}
}

// secondsUntilTomorrow returns the whole seconds left until the next midnight UTC, at least 1.
func secondsUntilTomorrow(now time.Time) int {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return max(1, int(midnight.Sub(now).Seconds()))
}
