// Package keypool manages the process-wide pool of interchangeable
// gateway credentials. Each credential carries health and usage state;
// the pool hands out the current secret and rotates to the next healthy
// one when a credential's quota is exhausted.
package keypool

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNoCredentials is returned when a pool is constructed with an
	// empty key list.
	ErrNoCredentials = errors.New("keypool: no credentials supplied")

	// ErrNoHealthyCredential is returned by Current when the active
	// credential has been marked failed and no rotation has happened yet.
	ErrNoHealthyCredential = errors.New("keypool: current credential is unhealthy")
)

// record tracks one credential. Owned exclusively by the pool; only the
// raw secret ever leaves it.
type record struct {
	index      int
	secret     string
	healthy    bool
	usageCount int
	errorCount int
}

// Pool holds an ordered list of credentials with per-credential health
// tracking. All mutation goes through a single mutex so that rotation,
// failure marking and success recording stay consistent under
// concurrent turns.
type Pool struct {
	mu        sync.Mutex
	records   []*record
	current   int
	lastEvent *RotationEvent
	logger    *zap.Logger
}

// New builds a pool from an explicit ordered key list. The list is
// immutable after construction except for health and usage state.
func New(keys []string, logger *zap.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	records := make([]*record, len(keys))
	for i, k := range keys {
		records[i] = &record{index: i, secret: k, healthy: true}
	}
	return &Pool{records: records, logger: logger}, nil
}

// Current returns the active secret. It fails if the active credential
// has been marked failed; callers are expected to have rotated first.
func (p *Pool) Current() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.records[p.current]
	if !rec.healthy {
		return "", ErrNoHealthyCredential
	}
	return rec.secret, nil
}

// CurrentIndex returns the ordinal of the active credential.
func (p *Pool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Rotate advances the active credential circularly, skipping failed
// records, visiting each other record at most once. It returns true and
// moves the current index on finding a healthy record. A pool of size 1
// has no distinct record to rotate to and always returns false. When
// the full cycle finds nothing and no credential is healthy, an
// AllKeysExhausted event is recorded.
func (p *Pool) Rotate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.records)
	failedIndex := p.current
	for step := 1; step < n; step++ {
		idx := (p.current + step) % n
		if p.records[idx].healthy {
			p.current = idx
			p.lastEvent = &RotationEvent{
				Kind:             KeyRotated,
				FailedIndex:      failedIndex,
				NewIndex:         idx,
				RemainingHealthy: p.healthyCountLocked(),
				TotalKeys:        n,
				Message:          fmt.Sprintf("rotated credential %d -> %d", failedIndex, idx),
			}
			p.logger.Info("credential rotated",
				zap.Int("from", failedIndex),
				zap.Int("to", idx),
				zap.Int("healthy", p.healthyCountLocked()))
			return true
		}
	}

	if p.healthyCountLocked() == 0 {
		p.lastEvent = &RotationEvent{
			Kind:             AllKeysExhausted,
			FailedIndex:      failedIndex,
			RemainingHealthy: 0,
			TotalKeys:        n,
			Message:          "all gateway credentials exhausted",
		}
		p.logger.Error("all credentials exhausted", zap.Int("total", n))
	}
	return false
}

// MarkCurrentFailed marks the active credential unhealthy and bumps its
// error counter. Marking an already-failed record again only increments
// the counter; the healthy count never double-decrements.
func (p *Pool) MarkCurrentFailed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.records[p.current]
	rec.errorCount++
	rec.healthy = false

	p.lastEvent = &RotationEvent{
		Kind:             KeyFailed,
		FailedIndex:      rec.index,
		RemainingHealthy: p.healthyCountLocked(),
		TotalKeys:        len(p.records),
		Message:          fmt.Sprintf("credential %d failed (errors=%d)", rec.index, rec.errorCount),
	}
	p.logger.Warn("credential marked failed",
		zap.Int("index", rec.index),
		zap.Int("errors", rec.errorCount),
		zap.Int("healthy", p.healthyCountLocked()))
}

// RecordSuccess bumps the usage counter for the active credential.
func (p *Pool) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[p.current].usageCount++
}

// HealthyCount returns the number of credentials still marked healthy.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthyCountLocked()
}

// TotalCount returns the pool size.
func (p *Pool) TotalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// ResetFailed restores every failed credential to healthy and returns
// how many were restored. Manual recovery only; the pool never
// un-fails a credential on its own.
func (p *Pool) ResetFailed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	restored := 0
	for _, rec := range p.records {
		if !rec.healthy {
			rec.healthy = true
			restored++
		}
	}
	if restored > 0 {
		p.logger.Info("failed credentials reset", zap.Int("restored", restored))
	}
	return restored
}

// TakeLastEvent returns and clears the most recent rotation event.
// Consume-once: a second call without an intervening event yields nil.
func (p *Pool) TakeLastEvent() *RotationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := p.lastEvent
	p.lastEvent = nil
	return ev
}

// StatusReport renders a diagnostic summary. Not contractual; the
// format may change.
func (p *Pool) StatusReport() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "credentials: %d total, %d healthy, current=%d\n",
		len(p.records), p.healthyCountLocked(), p.current)
	for _, rec := range p.records {
		state := "healthy"
		if !rec.healthy {
			state = "failed"
		}
		marker := " "
		if rec.index == p.current {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s key[%d]: %s uses=%d errors=%d\n",
			marker, rec.index, state, rec.usageCount, rec.errorCount)
	}
	return b.String()
}

func (p *Pool) healthyCountLocked() int {
	n := 0
	for _, rec := range p.records {
		if rec.healthy {
			n++
		}
	}
	return n
}
