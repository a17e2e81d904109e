// Package reconciler implements the Reconciler component: four periodic
// background tasks (quota reset, auto-enable sweep, log pruning, credential
// pool gauge refresh) running on independent tickers. No task opens a store
// transaction: quota reset and log pruning are one statement each, and the
// auto-enable sweep updates each due credential with its own statement.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineme/aiproxy/internal/metrics"
	"github.com/shineme/aiproxy/internal/storage"
)

// Store is the subset of storage.Store the Reconciler depends on.
type Store interface {
	ResetDueQuotas(ctx context.Context, now time.Time) (int64, error)
	ListCredentialsDueForAutoEnable(ctx context.Context, now time.Time) ([]storage.Credential, error)
	AutoEnableCredential(ctx context.Context, id string) error
	PruneLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountCredentialsByUpstreamStatus(ctx context.Context) ([]storage.CredentialCount, error)
}

// Reconciler runs the gateway's periodic maintenance tasks.
type Reconciler struct {
	store         Store
	retention     time.Duration
	quotaInterval time.Duration
	sweepInterval time.Duration
	pruneInterval time.Duration
	gaugeInterval time.Duration

	leaderLock *leaderLock
}

// Option configures a Reconciler at construction time.
type Option func(*Reconciler)

// WithIntervals overrides the default task periods (24h/10m/24h); tests use
// this to exercise a task without waiting for its real-world period.
func WithIntervals(quota, sweep, prune time.Duration) Option {
	return func(r *Reconciler) {
		r.quotaInterval = quota
		r.sweepInterval = sweep
		r.pruneInterval = prune
	}
}

// WithGaugeInterval overrides the default credential pool gauge refresh
// period (1m).
func WithGaugeInterval(interval time.Duration) Option {
	return func(r *Reconciler) {
		r.gaugeInterval = interval
	}
}

// WithLeaderLock enables Redis-backed single-leader coordination, so a
// multi-instance deployment only runs each task from one process at a time.
func WithLeaderLock(client *redis.Client, keyPrefix string) Option {
	return func(r *Reconciler) {
		r.leaderLock = newLeaderLock(client, keyPrefix)
	}
}

// New creates a Reconciler backed by store. retention bounds log pruning
// (rows older than retention are deleted).
func New(store Store, retention time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:         store,
		retention:     retention,
		quotaInterval: 24 * time.Hour,
		sweepInterval: 10 * time.Minute,
		pruneInterval: 24 * time.Hour,
		gaugeInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks, ticking each task on its own timer until ctx is cancelled.
// Each tick runs at most one instance of its task. All four tasks run one at
// a time on Run's goroutine, so a slow task delays the others' next runs.
func (r *Reconciler) Run(ctx context.Context) {
	quotaTicker := time.NewTicker(r.quotaInterval)
	sweepTicker := time.NewTicker(r.sweepInterval)
	pruneTicker := time.NewTicker(r.pruneInterval)
	gaugeTicker := time.NewTicker(r.gaugeInterval)
	defer quotaTicker.Stop()
	defer sweepTicker.Stop()
	defer pruneTicker.Stop()
	defer gaugeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quotaTicker.C:
			r.runTask(ctx, "quota_reset", r.resetQuotas)
		case <-sweepTicker.C:
			r.runTask(ctx, "auto_enable", r.autoEnableSweep)
		case <-pruneTicker.C:
			r.runTask(ctx, "log_prune", r.pruneLogs)
		case <-gaugeTicker.C:
			r.runTask(ctx, "gauge_refresh", r.refreshGauges)
		}
	}
}

func (r *Reconciler) runTask(ctx context.Context, name string, task func(ctx context.Context) (int64, error)) {
	if r.leaderLock != nil {
		acquired, release, err := r.leaderLock.Acquire(ctx, name)
		if err != nil {
			slog.Error("reconciler: leader lock check failed, skipping task", "task", name, "error", err)
			return
		}
		if !acquired {
			return
		}
		defer release(ctx)
	}

	count, err := task(ctx)
	if err != nil {
		slog.Error("reconciler: task failed", "task", name, "error", err)
		metrics.ReconcilerRunsTotal.WithLabelValues(name, "error").Inc()
		return
	}
	slog.Info("reconciler: task completed", "task", name, "count", count)
	metrics.ReconcilerRunsTotal.WithLabelValues(name, "ok").Inc()
}

// resetQuotas implements the daily quota reset: every quota-enabled
// credential whose reset deadline has passed gets quota.used=0 and its
// reset deadline advanced by 24h.
func (r *Reconciler) resetQuotas(ctx context.Context) (int64, error) {
	return r.store.ResetDueQuotas(ctx, time.Now())
}

// autoEnableSweep implements the 10-minute auto-enable sweep: disabled
// credentials whose auto_enable_at has passed return to active with
// quota.used reset to 0. Idempotent: a credential with no pending
// auto_enable_at is simply absent from the due list on the next sweep.
func (r *Reconciler) autoEnableSweep(ctx context.Context) (int64, error) {
	due, err := r.store.ListCredentialsDueForAutoEnable(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	var enabled int64
	for _, c := range due {
		if err := r.store.AutoEnableCredential(ctx, c.ID); err != nil {
			slog.Error("reconciler: auto-enable failed", "credential_id", c.ID, "error", err)
			continue
		}
		enabled++
	}
	return enabled, nil
}

// pruneLogs implements the log-pruning task: RequestLog rows older than the
// configured retention window are deleted. It runs every pruneInterval (24h
// by default) counted from Run's start, not at a fixed time of day; the
// quota reset is scheduled the same way.
func (r *Reconciler) pruneLogs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.retention)
	return r.store.PruneLogsOlderThan(ctx, cutoff)
}

// refreshGauges implements the minute-by-minute credential pool size
// refresh: the gauge is reset and repopulated from a fresh count so a
// status/upstream combination that drops to zero stops being reported
// rather than lingering at its last nonzero value.
func (r *Reconciler) refreshGauges(ctx context.Context) (int64, error) {
	counts, err := r.store.CountCredentialsByUpstreamStatus(ctx)
	if err != nil {
		return 0, err
	}
	metrics.CredentialPoolSize.Reset()
	for _, c := range counts {
		metrics.CredentialPoolSize.WithLabelValues(c.Upstream, string(c.Status)).Set(float64(c.Count))
	}
	return int64(len(counts)), nil
}
