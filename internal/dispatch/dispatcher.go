// Package dispatch owns the in-memory table of outstanding retry tasks: one
// goroutine per record, each independently retrying its HTTP call until
// success, exhaustion, or cancellation, ordered by declared predecessors.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"http-retry-engine/internal/faultgate"
	"http-retry-engine/internal/models"
	"http-retry-engine/internal/store"
	"http-retry-engine/internal/telemetry"
)

// ErrStoreUnavailable is returned for new submissions while the fault gate
// is open.
var ErrStoreUnavailable = errors.New("datastore unavailable")

// Store is the persistence contract the dispatcher needs. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	CreateRetry(ctx context.Context, p store.CreateRetryParams) (models.RetryRecord, error)
	GetRetry(ctx context.Context, id int64) (models.RetryRecord, error)
	ListByStatus(ctx context.Context, status string) ([]models.RetryRecord, error)
	IncrementAttempts(ctx context.Context, id int64) (int, error)
	MarkCompleted(ctx context.Context, id int64, response []byte) error
	MarkDeleted(ctx context.Context, id int64) error
}

// Transport issues one blocking-with-timeout HTTP exchange.
type Transport interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (int, []byte, error)
}

// SubmitRequest describes one delivery to retry.
type SubmitRequest struct {
	Method        string
	URL           string
	Payload       json.RawMessage
	Headers       map[string]string
	Timeout       time.Duration
	RetryLimit    int
	RetryInterval time.Duration
	Reference     json.RawMessage
	PredIDs       []int64
}

func (r SubmitRequest) validate() error {
	if err := models.ValidateMethod(r.Method); err != nil {
		return err
	}
	if err := models.ValidateURL(r.URL); err != nil {
		return err
	}
	// Durations are persisted with millisecond granularity; anything finer
	// would round down to zero and reload as "no timeout".
	if r.Timeout < time.Millisecond {
		return fmt.Errorf("timeout must be at least 1ms, got %s", r.Timeout)
	}
	if r.RetryLimit < 0 {
		return fmt.Errorf("retry limit must not be negative, got %d", r.RetryLimit)
	}
	if r.RetryInterval < time.Millisecond {
		return fmt.Errorf("retry interval must be at least 1ms, got %s", r.RetryInterval)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.New("payload is not valid json")
	}
	if len(r.Reference) > 0 && !json.Valid(r.Reference) {
		return errors.New("reference is not valid json")
	}
	return nil
}

// Dispatcher maps record ids to completion signals and runs one delivery
// task per record. Signals are kept for the process lifetime so dependents
// of already-finished records resolve immediately instead of re-waiting.
type Dispatcher struct {
	// opMu serializes Submit against Recover so recovery can never observe a
	// record that is persisted but whose task is not yet registered and
	// spawned; without it the two would start duplicate tasks for one id.
	opMu sync.Mutex

	mu      sync.Mutex
	signals map[int64]*Signal

	baseCtx   context.Context
	store     Store
	gate      *faultgate.Gate
	transport Transport
	log       *zap.Logger
}

// New builds a dispatcher. baseCtx bounds the lifetime of every delivery
// task; cancelling it stops all of them (recovery is the restart path).
func New(baseCtx context.Context, st Store, gate *faultgate.Gate, tr Transport, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		signals:   make(map[int64]*Signal),
		baseCtx:   baseCtx,
		store:     st,
		gate:      gate,
		transport: tr,
		log:       log,
	}
}

// signal returns the completion signal for id, creating one on first
// reference. Ids that never correspond to a submitted record therefore get a
// signal that never resolves; callers must guarantee valid predecessor ids.
func (d *Dispatcher) signal(id int64) *Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	sig, ok := d.signals[id]
	if !ok {
		sig = newSignal()
		d.signals[id] = sig
	}
	return sig
}

// Submit persists a new retry record and starts its delivery task. It
// returns right after persistence without waiting for delivery. Logic
// failures (bad descriptor) surface to the caller; while the gate is open
// submissions are rejected with ErrStoreUnavailable.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (models.RetryRecord, error) {
	if err := req.validate(); err != nil {
		return models.RetryRecord{}, err
	}
	if d.gate.IsDown() {
		return models.RetryRecord{}, ErrStoreUnavailable
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	rec, err := faultgate.Call(ctx, d.gate, "create retry record", func(ctx context.Context) (models.RetryRecord, error) {
		return d.store.CreateRetry(ctx, store.CreateRetryParams{
			Method:        req.Method,
			URL:           req.URL,
			Payload:       req.Payload,
			Headers:       req.Headers,
			Reference:     req.Reference,
			Timeout:       req.Timeout,
			RetryLimit:    req.RetryLimit,
			RetryInterval: req.RetryInterval,
			PredIDs:       req.PredIDs,
		})
	})
	if err != nil {
		return models.RetryRecord{}, err
	}

	telemetry.Submissions.Inc()
	go d.run(rec, d.signal(rec.ID))
	return rec, nil
}

// Cancel resolves the record's completion signal, unblocking any dependents,
// and marks the record deleted. Safe whether or not the task still runs: on
// its next wake-up the task observes the resolved signal and stops without
// further attempts. Idempotent.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) error {
	d.signal(id).Resolve()
	return d.gate.Do(ctx, "delete retry record", func(ctx context.Context) error {
		return d.store.MarkDeleted(ctx, id)
	})
}

// Recover re-hydrates the task table from the store: it resolves every
// leftover signal (stopping any tasks from a previous in-process run), resets
// the registry, and starts one fresh task per record still processing,
// ordered by id. After it returns every non-terminal record has exactly one
// live task pursuing it. It holds the lifecycle lock for its full duration,
// so a submission in flight finishes registering before the store is listed.
func (d *Dispatcher) Recover(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	for _, sig := range d.signals {
		sig.Resolve()
	}
	d.signals = make(map[int64]*Signal)
	d.mu.Unlock()

	recs, err := faultgate.Call(ctx, d.gate, "list processing retries", func(ctx context.Context) ([]models.RetryRecord, error) {
		return d.store.ListByStatus(ctx, models.StatusProcessing)
	})
	if err != nil {
		return err
	}

	for _, rec := range recs {
		go d.run(rec, d.signal(rec.ID))
	}
	d.log.Info("recovered retry tasks", zap.Int("count", len(recs)))
	return nil
}

// Read is a guarded pass-through query; no task state changes.
func (d *Dispatcher) Read(ctx context.Context, id int64) (models.RetryRecord, error) {
	return faultgate.Call(ctx, d.gate, "read retry record", func(ctx context.Context) (models.RetryRecord, error) {
		return d.store.GetRetry(ctx, id)
	})
}

// ReadIncomplete lists every record still in processing state.
func (d *Dispatcher) ReadIncomplete(ctx context.Context) ([]models.RetryRecord, error) {
	return faultgate.Call(ctx, d.gate, "list processing retries", func(ctx context.Context) ([]models.RetryRecord, error) {
		return d.store.ListByStatus(ctx, models.StatusProcessing)
	})
}

// awaitPredecessors blocks until every predecessor signal resolves. A
// predecessor that finished in an earlier process shows up terminal in the
// store instead of in the registry, so an unresolved signal is cross-checked
// there once before waiting.
func (d *Dispatcher) awaitPredecessors(ctx context.Context, rec models.RetryRecord, own *Signal) bool {
	for _, predID := range rec.PredIDs {
		sig := d.signal(predID)
		if !sig.Resolved() {
			pred, err := faultgate.Call(ctx, d.gate, "read predecessor", func(ctx context.Context) (models.RetryRecord, error) {
				return d.store.GetRetry(ctx, predID)
			})
			if err == nil && pred.Terminal() {
				sig.Resolve()
			}
		}
		select {
		case <-sig.Done():
		case <-own.Done():
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// run is the delivery task for one record. Attempts are strictly sequential;
// the attempt counter is the sole gate on the retry-limit check
// (attempts > retry_limit permits retry_limit+1 attempts total). On
// exhaustion the task stops silently and the record stays in processing
// state for manual inspection.
func (d *Dispatcher) run(rec models.RetryRecord, sig *Signal) {
	ctx := d.baseCtx
	telemetry.InFlightTasks.Inc()
	defer telemetry.InFlightTasks.Dec()

	if !d.awaitPredecessors(ctx, rec, sig) {
		return
	}

	for {
		select {
		case <-sig.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		if d.gate.IsDown() {
			d.log.Warn("datastore down, delivery suspended", zap.Int64("id", rec.ID))
			select {
			case <-ctx.Done():
				return
			case <-sig.Done():
				return
			case <-time.After(d.gate.RetryInterval()):
			}
			continue
		}

		start := time.Now()
		status, body, err := d.transport.Do(ctx, rec.Method, rec.URL, rec.Headers, rec.Payload, rec.Timeout)
		elapsed := time.Since(start)
		telemetry.DeliveryAttempts.Inc()

		if err == nil && status >= 200 && status < 300 {
			if gerr := d.gate.Do(ctx, "complete retry record", func(ctx context.Context) error {
				return d.store.MarkCompleted(ctx, rec.ID, body)
			}); gerr != nil {
				d.log.Error("persist completion failed", zap.Int64("id", rec.ID), zap.Error(gerr))
				return
			}
			sig.Resolve()
			telemetry.DeliverySuccess.Inc()
			d.log.Info("delivered",
				zap.Int64("id", rec.ID),
				zap.String("method", rec.Method),
				zap.String("url", rec.URL),
				zap.ByteString("payload", rec.Payload),
				zap.Int64("elapsed_ms", elapsed.Milliseconds()),
				zap.Int("status", status))
			return
		}

		attempts, gerr := faultgate.Call(ctx, d.gate, "increment attempts", func(ctx context.Context) (int, error) {
			return d.store.IncrementAttempts(ctx, rec.ID)
		})
		if gerr != nil {
			d.log.Error("persist attempt failed", zap.Int64("id", rec.ID), zap.Error(gerr))
			return
		}

		fields := []zap.Field{
			zap.Int64("id", rec.ID),
			zap.String("method", rec.Method),
			zap.String("url", rec.URL),
			zap.ByteString("payload", rec.Payload),
			zap.Int64("elapsed_ms", elapsed.Milliseconds()),
			zap.Int("attempts", attempts),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		} else {
			fields = append(fields, zap.Int("status", status), zap.ByteString("response", body))
		}
		d.log.Error("delivery attempt failed", fields...)

		if attempts > rec.RetryLimit {
			telemetry.DeliveryExhausted.Inc()
			d.log.Warn("retry budget exhausted, leaving record for manual review",
				zap.Int64("id", rec.ID),
				zap.Int("attempts", attempts),
				zap.Int("retry_limit", rec.RetryLimit))
			return
		}

		select {
		case <-sig.Done():
			return
		case <-ctx.Done():
			return
		case <-time.After(rec.RetryInterval):
		}
	}
}
