// Package sweeper purges old finished retry records on a calendar cadence.
package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"http-retry-engine/internal/faultgate"
	"http-retry-engine/internal/telemetry"
)

// Store is the slice of persistence the sweeper touches.
type Store interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

const batchPause = 100 * time.Millisecond

// Sweeper deletes terminal records older than the retention window in fixed
// batches, yielding between batches so it never monopolizes the store.
type Sweeper struct {
	store     Store
	gate      *faultgate.Gate
	retention time.Duration
	batchSize int
	log       *zap.Logger
	cron      *cron.Cron
}

func New(st Store, gate *faultgate.Gate, retention time.Duration, batchSize int, log *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: st, gate: gate, retention: retention, batchSize: batchSize, log: log}
}

// Start schedules RunOnce on the given cron spec (e.g. "0 0 1 * *" for
// midnight on the first of each month).
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("cleanup sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule. A sweep already in progress finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunOnce purges batch by batch until no terminal record older than the
// retention window remains. Every batch runs under the fault gate, so a
// datastore outage suspends the sweep instead of failing it.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.retention)
	total := 0
	for {
		n, err := faultgate.Call(ctx, s.gate, "purge finished retries", func(ctx context.Context) (int, error) {
			return s.store.PurgeFinishedBefore(ctx, cutoff, s.batchSize)
		})
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		total += n
		telemetry.PurgedRecords.Add(float64(n))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(batchPause):
		}
	}
	if total > 0 {
		s.log.Info("cleanup sweep done", zap.Int("purged", total), zap.Time("cutoff", cutoff))
	}
	return nil
}
