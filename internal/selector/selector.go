// Package selector implements the KeySelector: choosing one eligible
// credential from an upstream's pool under a pluggable strategy, and
// recording post-selection usage side effects.
package selector

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shineme/aiproxy/internal/storage"
)

// Strategy names a pluggable credential-choice algorithm.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	Weighted   Strategy = "weighted"
)

// ErrNoEligibleCredential is returned when an upstream's pool has no
// credential currently eligible for selection.
var ErrNoEligibleCredential = fmt.Errorf("selector: no eligible credential")

// Store is the subset of storage.Store the selector depends on.
type Store interface {
	ListEligibleCredentials(ctx context.Context, upstreamID string) ([]storage.Credential, error)
	IncrementCredentialUsage(ctx context.Context, id string) (storage.IncrementResult, error)
	UpdateCredentialStatus(ctx context.Context, id string, status storage.CredentialStatus, autoEnableAt *time.Time) error
}

// Selector chooses credentials from an upstream's eligible pool.
type Selector struct {
	store Store

	mu      sync.Mutex
	cursors map[string]int // upstream_id -> next round-robin index
}

// New creates a Selector backed by store.
func New(store Store) *Selector {
	return &Selector{store: store, cursors: make(map[string]int)}
}

// Select implements `select(upstream_id, strategy) -> Credential | null`.
// Cursor advancement runs under one mutex shared by all upstreams, so two
// concurrent selects cannot skip or double-use the same cursor position. The
// eligible set is read from the store before that mutex is taken.
func (s *Selector) Select(ctx context.Context, upstreamID string, strategy Strategy) (*storage.Credential, error) {
	eligible, err := s.store.ListEligibleCredentials(ctx, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("selector: listing eligible credentials: %w", err)
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleCredential
	}

	switch strategy {
	case Random:
		return s.selectRandom(eligible)
	case Weighted:
		return s.selectWeighted(eligible)
	default:
		return s.selectRoundRobin(upstreamID, eligible)
	}
}

// selectRoundRobin advances a per-upstream cursor modulo the eligible set
// size; ties are broken by credential ID ascending (the list is already
// ordered that way by the store) so selection is deterministic when the
// pool is stable.
func (s *Selector) selectRoundRobin(upstreamID string, eligible []storage.Credential) (*storage.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.cursors[upstreamID] % len(eligible)
	s.cursors[upstreamID] = idx + 1
	c := eligible[idx]
	return &c, nil
}

func (s *Selector) selectRandom(eligible []storage.Credential) (*storage.Credential, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(eligible))))
	if err != nil {
		return nil, fmt.Errorf("selector: generating random index: %w", err)
	}
	c := eligible[n.Int64()]
	return &c, nil
}

// selectWeighted picks uniformly over a weight distribution where weight is
// max(1, quota.total-quota.used) when quota is enabled, or a fixed constant
// otherwise, matching the original weighting rule.
func (s *Selector) selectWeighted(eligible []storage.Credential) (*storage.Credential, error) {
	const unboundedWeight = 100

	weights := make([]int64, len(eligible))
	var total int64
	for i, c := range eligible {
		w := int64(unboundedWeight)
		if c.Quota.Enabled {
			w = c.Quota.Total - c.Quota.Used
			if w < 1 {
				w = 1
			}
		}
		weights[i] = w
		total += w
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return nil, fmt.Errorf("selector: generating weighted pick: %w", err)
	}
	pick := n.Int64()
	for i, w := range weights {
		if pick < w {
			c := eligible[i]
			return &c, nil
		}
		pick -= w
	}
	c := eligible[len(eligible)-1]
	return &c, nil
}

// IncrementUsage applies the post-selection side effect: if the credential's
// quota is enabled, increments quota.used and stamps last_used_at. If that
// increment crosses the total and auto_disable_on_failure is set, the
// credential is transitioned to disabled with auto_enable_at scheduled.
func (s *Selector) IncrementUsage(ctx context.Context, credentialID string) error {
	result, err := s.store.IncrementCredentialUsage(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("selector: incrementing usage: %w", err)
	}
	if result.AutoDisableNeeded {
		autoEnableAt := time.Now().Add(result.AutoEnableDelay)
		var at *time.Time
		if result.AutoEnableDelay > 0 {
			at = &autoEnableAt
		}
		if err := s.store.UpdateCredentialStatus(ctx, credentialID, storage.CredentialDisabled, at); err != nil {
			return fmt.Errorf("selector: auto-disabling exhausted credential: %w", err)
		}
	}
	return nil
}
