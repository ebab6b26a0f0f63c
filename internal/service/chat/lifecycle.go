package chat

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultSweepInterval is how often idle sessions are swept when no
	// interval is configured.
	DefaultSweepInterval = time.Minute
	// DefaultIdleTTL is the inactivity threshold before a session is
	// eligible for eviction.
	DefaultIdleTTL = 30 * time.Minute
)

// Lifecycle creates nothing itself; sessions appear lazily on first contact.
// It owns the other half of the session state machine: explicit resets and
// the periodic idle-eviction sweep. Eviction is advisory memory hygiene;
// a fresh client id always yields a fresh session either way.
type Lifecycle struct {
	store    *Store
	interval time.Duration
	ttl      time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLifecycle wires a lifecycle manager to a store. Non-positive interval
// or ttl fall back to the defaults.
func NewLifecycle(store *Store, interval, ttl time.Duration) *Lifecycle {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Lifecycle{store: store, interval: interval, ttl: ttl}
}

// Reset removes one session; absent ids are a no-op.
func (l *Lifecycle) Reset(ctx context.Context, id string) {
	l.store.Reset(ctx, id)
}

// ResetAll removes every session and reports how many were dropped.
func (l *Lifecycle) ResetAll(ctx context.Context) int {
	return l.store.ResetAll(ctx)
}

// Start begins the periodic eviction sweep. Calling Start on a running
// lifecycle is a no-op.
func (l *Lifecycle) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go l.run(sweepCtx)
}

// Stop halts the sweep and waits for the goroutine to exit.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	done := l.done
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
}

func (l *Lifecycle) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.store.EvictIdle(ctx, l.ttl); removed > 0 {
				log.Printf("[lifecycle] evicted %d idle sessions, %d remain", removed, l.store.Count())
			}
		}
	}
}
