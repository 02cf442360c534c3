// Package faultgate tracks whether the backing datastore is reachable.
//
// The gate is a process-wide breaker shared by every persistence-touching
// component: any connectivity failure opens it, the next successful store
// operation closes it. While open, dependent subsystems refuse new
// persistence-touching work and poll IsDown before each attempt.
package faultgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"http-retry-engine/internal/telemetry"
)

// DefaultRetryInterval is the suggested wait between probes while the gate
// is open.
const DefaultRetryInterval = 5 * time.Second

// Gate is safe for concurrent use. Concurrent Start calls collapse to the
// first; Stop is unconditional.
type Gate struct {
	mu     sync.Mutex
	down   bool
	since  time.Time
	reason string

	interval       time.Duration
	isConnectivity func(error) bool
	log            *zap.Logger
}

// New builds a gate. classify decides which errors count as connectivity
// failures; everything else passes through Do untouched.
func New(interval time.Duration, classify func(error) bool, log *zap.Logger) *Gate {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if classify == nil {
		classify = func(error) bool { return false }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{interval: interval, isConnectivity: classify, log: log}
}

// IsDown is a non-blocking read of the current state.
func (g *Gate) IsDown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.down
}

// Status returns the state plus when and why the gate opened.
func (g *Gate) Status() (down bool, since time.Time, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.down, g.since, g.reason
}

// RetryInterval is the wait dependent tasks should sleep before re-checking.
func (g *Gate) RetryInterval() time.Duration {
	return g.interval
}

// Start opens the gate. First writer wins: if already open, the original
// start time and reason are kept.
func (g *Gate) Start(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return
	}
	g.down = true
	g.since = time.Now()
	g.reason = reason
	telemetry.GateOpen.Set(1)
	g.log.Warn("fault gate opened", zap.String("reason", reason))
}

// Stop closes the gate unconditionally and clears the recorded state.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		g.log.Info("fault gate closed", zap.Duration("down_for", time.Since(g.since)))
	}
	g.down = false
	g.since = time.Time{}
	g.reason = ""
	telemetry.GateOpen.Set(0)
}

// Do wraps one persistence operation. On a connectivity failure it opens the
// gate, sleeps the retry interval, and retries the same operation until it
// succeeds or ctx is cancelled. Any other failure propagates immediately
// without opening the gate. Success closes the gate and returns.
func (g *Gate) Do(ctx context.Context, name string, op func(context.Context) error) error {
	for {
		err := op(ctx)
		if err == nil {
			g.Stop()
			return nil
		}
		if !g.isConnectivity(err) {
			return err
		}
		g.Start(fmt.Sprintf("%s: %v", name, err))
		g.log.Warn("datastore unreachable, retrying",
			zap.String("op", name),
			zap.Duration("retry_in", g.interval),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.interval):
		}
	}
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, g *Gate, name string, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
