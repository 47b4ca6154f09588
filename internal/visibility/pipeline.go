// Package visibility drains the durable outbox of VisibilityEvents into the
// Indexer/Corpus, fanning out committed versions with bounded retry and
// exponential backoff. Grounded on cuemby-warren's pkg/events Broker
// (buffered channel + goroutine fan-out), adapted from an in-memory
// pub/sub broadcaster into a durable-queue drain loop.
package visibility

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/repod/internal/errs"
	"github.com/kittclouds/repod/internal/observability"
	"github.com/kittclouds/repod/internal/store"
)

// MaxAttempts bounds retries before an event is parked for operator
// intervention (spec.md 4.D: "permanent failures surface as a counter +
// event and the item is parked").
const MaxAttempts = 8

// BaseBackoff is the first retry delay; subsequent retries double it up to
// MaxBackoff.
const BaseBackoff = 200 * time.Millisecond

// MaxBackoff caps the exponential backoff delay.
const MaxBackoff = 30 * time.Second

// Indexer is the subset of the corpus the pipeline drains events into
// (internal/corpus.Corpus implements this).
type Indexer interface {
	CommitVersion(ctx context.Context, version *store.Version, collections []string) error
}

// Store is the subset of the entity store the pipeline drains from.
type Store interface {
	DequeuePending(limit int) ([]*store.VisibilityEvent, error)
	MarkCommitted(id int64) error
	MarkFailed(id int64, cause error) error
	GetVersion(id string) (*store.Version, error)
	CountPending() (int, error)
}

// Worker drains the outbox. One or more Workers may run concurrently. The
// dedup key (version_id, op) on the outbox table means a duplicate publish
// produces no additional event; DequeuePending does not claim events, so
// concurrent workers can both commit the same event, which leaves the same
// corpus state because the indexer replaces a version's passages.
type Worker struct {
	store   Store
	indexer Indexer
	obs     *observability.Registry
	log     zerolog.Logger

	pollInterval time.Duration
	batchSize    int

	parked chan *store.VisibilityEvent

	backoffMu    sync.Mutex
	backoffUntil map[int64]time.Time // event id -> earliest time it's eligible for retry
}

// NewWorker constructs a Worker. obs may be nil in tests.
func NewWorker(s Store, indexer Indexer, obs *observability.Registry, log zerolog.Logger) *Worker {
	return &Worker{
		store:        s,
		indexer:      indexer,
		obs:          obs,
		log:          log.With().Str("component", "visibility").Logger(),
		pollInterval: 100 * time.Millisecond,
		batchSize:    32,
		parked:       make(chan *store.VisibilityEvent, 64),
		backoffUntil: make(map[int64]time.Time),
	}
}

// Parked exposes events that exhausted MaxAttempts, for an operator to drain.
func (w *Worker) Parked() <-chan *store.VisibilityEvent { return w.parked }

// Run drains the outbox until ctx is cancelled. Events for a given note are
// processed in enqueue order because DequeuePending orders by outbox id.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	events, err := w.store.DequeuePending(w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("dequeue pending visibility events failed")
		return
	}
	for _, ev := range events {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if ev.Attempts >= MaxAttempts {
			// Parked: left for operator intervention, never retried here.
			continue
		}
		if !w.eligible(ev.ID) {
			// Still backing off from a prior failure; don't let it stall the
			// rest of the batch — it's picked up again on a later poll tick.
			continue
		}
		w.process(ctx, ev)
	}
}

// eligible reports whether ev is past its backoff window (or has none).
func (w *Worker) eligible(id int64) bool {
	w.backoffMu.Lock()
	defer w.backoffMu.Unlock()
	until, ok := w.backoffUntil[id]
	if !ok {
		return true
	}
	return !time.Now().Before(until)
}

func (w *Worker) clearBackoff(id int64) {
	w.backoffMu.Lock()
	delete(w.backoffUntil, id)
	w.backoffMu.Unlock()
}

func (w *Worker) setBackoff(id int64, delay time.Duration) {
	w.backoffMu.Lock()
	w.backoffUntil[id] = time.Now().Add(delay)
	w.backoffMu.Unlock()
}

func (w *Worker) process(ctx context.Context, ev *store.VisibilityEvent) {
	start := time.Now()

	version, err := w.store.GetVersion(ev.VersionID)
	if err != nil {
		w.fail(ev, err)
		return
	}

	if err := w.indexer.CommitVersion(ctx, version, ev.Collections); err != nil {
		w.fail(ev, err)
		return
	}

	if err := w.store.MarkCommitted(ev.ID); err != nil {
		w.log.Error().Err(err).Int64("event_id", ev.ID).Msg("mark committed failed")
		return
	}
	w.clearBackoff(ev.ID)

	if w.obs != nil {
		w.obs.ObserveLatency("visibility.latency_ms", time.Since(start))
		w.obs.IncCounter("visibility.committed_total")
	}
}

func (w *Worker) fail(ev *store.VisibilityEvent, cause error) {
	if err := w.store.MarkFailed(ev.ID, cause); err != nil {
		w.log.Error().Err(err).Msg("mark failed write itself failed")
	}
	if w.obs != nil {
		w.obs.IncCounter("visibility.retry_total")
	}
	if ev.Attempts+1 >= MaxAttempts {
		w.log.Error().Err(cause).Str("version_id", ev.VersionID).Str("op", ev.Op).Msg("visibility event parked after exhausting retries")
		if w.obs != nil {
			w.obs.IncCounter("visibility.parked_total")
		}
		w.clearBackoff(ev.ID)
		select {
		case w.parked <- ev:
		default:
		}
		return
	}
	// Bounded exponential backoff before this event is eligible again; other
	// events in the same batch are unaffected (drainOnce skips this id by
	// checking backoffUntil, it never blocks on it). An error that
	// errs.Retriable classes as permanent is logged as a warning and is
	// still retried under the same backoff and MaxAttempts bound.
	if !errs.Retriable(cause) {
		w.log.Warn().Err(cause).Str("version_id", ev.VersionID).Msg("non-retriable error committing visibility event")
	}
	w.setBackoff(ev.ID, backoffDelay(ev.Attempts))
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(BaseBackoff) * math.Pow(2, float64(attempt)))
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}

// EstimatedSearchableIn computes the Publish/Rollback Coordinator's
// estimated_searchable_in, derived from current outbox depth and a drain
// rate, per SPEC_FULL.md's resolution of that open question — rather than
// the fixed constant the source recorded.
func EstimatedSearchableIn(s Store, drainRatePerSecond float64) (time.Duration, error) {
	depth, err := s.CountPending()
	if err != nil {
		return 0, err
	}
	if drainRatePerSecond <= 0 {
		drainRatePerSecond = 10
	}
	estimate := time.Duration(float64(depth)/drainRatePerSecond*float64(time.Second))
	if estimate < time.Second {
		estimate = time.Second
	}
	if estimate > 5*time.Second {
		estimate = 5 * time.Second
	}
	return estimate, nil
}
