package ratelimit

import (
	"context"
	"time"
)

// WindowLimits names the limit configured for each of the three windows the
// Proxy consults per request. A zero limit means that window is not enforced.
type WindowLimits struct {
	PerMinute int64
	PerHour   int64
	PerDay    int64
}

// Gate composes the per-minute/hour/day checks the Proxy runs against a
// bucket scope (an upstream, or an upstream+credential pair). First-deny
// wins: the first window that denies stops evaluation of the rest.
type Gate struct {
	limiter Limiter
}

// NewGate wraps a Limiter as a three-window Gate.
func NewGate(limiter Limiter) *Gate {
	return &Gate{limiter: limiter}
}

// Check runs the minute/hour/day checks in order against keys derived from
// scopeKey (e.g. "upstream:demo" or "upstream:demo:key:k1"). It returns the
// first denial encountered, or the last (accepting) result if none deny.
func (g *Gate) Check(ctx context.Context, scopeKeyPrefix string, limits WindowLimits) (Result, error) {
	type window struct {
		name  string
		limit int64
		dur   time.Duration
	}
	windows := []window{
		{"minute", limits.PerMinute, time.Minute},
		{"hour", limits.PerHour, time.Hour},
		{"day", limits.PerDay, 24 * time.Hour},
	}

	var last Result
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		res, err := g.limiter.Check(ctx, scopeKeyPrefix+":"+w.name, w.limit, w.dur)
		if err != nil {
			return Result{}, err
		}
		if !res.Allowed {
			return res, nil
		}
		last = res
	}
	if last.ResetAt.IsZero() {
		last.Allowed = true
	}
	return last, nil
}
