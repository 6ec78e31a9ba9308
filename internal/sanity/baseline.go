package sanity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	baselineWindow    = 7 * 24 * time.Hour // audit history considered per recompute
	baselineMinSample = 50                 // violations needed before the fleet mix is trusted
)

// Baseline is the fleet-wide violation-kind distribution the anomaly pass
// compares sessions against. A nil baseline falls back to a uniform mix.
type Baseline struct {
	Mix        map[string]float64 `json:"mix"`
	SampleSize int                `json:"sampleSize"`
	ComputedAt time.Time          `json:"computedAt"`
}

// Distance returns the L1 distance between the baseline mix and the given
// session mix. Safe on a nil receiver.
func (b *Baseline) Distance(mix map[string]float64) float64 {
	ref := defaultMix
	if b != nil && len(b.Mix) > 0 {
		ref = b.Mix
	}
	var dist float64
	for k, v := range ref {
		dist += abs(v - mix[k])
	}
	for k, v := range mix {
		if _, ok := ref[k]; !ok {
			dist += v
		}
	}
	return dist
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// defaultMix weights every violation family equally until a computed
// baseline replaces it.
var defaultMix = map[string]float64{
	KindBucketRapidPaste:       1.0 / 6,
	KindBucketExternalCopy:     1.0 / 6,
	KindBucketForbiddenCommand: 1.0 / 6,
	KindBucketIdleThenBurst:    1.0 / 6,
	KindBucketAIOveruse:        1.0 / 6,
	KindBucketPatternMatch:     1.0 / 6,
}

// Canonical mix buckets. Lexical rule violations collapse into one bucket.
const (
	KindBucketRapidPaste       = "rapid-paste"
	KindBucketExternalCopy     = "external-copy"
	KindBucketForbiddenCommand = "forbidden-command"
	KindBucketIdleThenBurst    = "idle-then-burst"
	KindBucketAIOveruse        = "ai-overuse"
	KindBucketPatternMatch     = "pattern-match"
)

// BaselineStore persists the computed baseline across restarts.
type BaselineStore interface {
	SaveBaseline(ctx context.Context, b *Baseline) error
	GetBaseline(ctx context.Context) (*Baseline, error)
}

// KindCountSource reports how many violations of each kind were recorded
// since a point in time. The audit store provides this.
type KindCountSource interface {
	ViolationKindCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

// MemoryBaselineStore is an in-memory BaselineStore for tests and
// single-node deployments.
type MemoryBaselineStore struct {
	mu       sync.RWMutex
	baseline *Baseline
}

var _ BaselineStore = (*MemoryBaselineStore)(nil)

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{}
}

func (s *MemoryBaselineStore) SaveBaseline(_ context.Context, b *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = copyBaseline(b)
	return nil
}

func (s *MemoryBaselineStore) GetBaseline(_ context.Context) (*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyBaseline(s.baseline), nil
}

func copyBaseline(b *Baseline) *Baseline {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Mix = make(map[string]float64, len(b.Mix))
	for k, v := range b.Mix {
		cp.Mix[k] = v
	}
	return &cp
}

// BaselineWorker recomputes the fleet baseline from recent audit history on
// an hourly cycle and swaps it into the aggregator.
type BaselineWorker struct {
	source     KindCountSource
	store      BaselineStore
	aggregator *Aggregator
	logger     *slog.Logger
	interval   time.Duration
	stop       chan struct{}
	running    atomic.Bool
}

// NewBaselineWorker creates the hourly baseline recompute worker. The store
// is optional; without one the baseline only lives in memory.
func NewBaselineWorker(source KindCountSource, store BaselineStore, agg *Aggregator, logger *slog.Logger) *BaselineWorker {
	return &BaselineWorker{
		source:     source,
		store:      store,
		aggregator: agg,
		logger:     logger,
		interval:   time.Hour,
		stop:       make(chan struct{}, 1),
	}
}

// WithInterval overrides the recompute cadence.
func (w *BaselineWorker) WithInterval(d time.Duration) *BaselineWorker {
	if d > 0 {
		w.interval = d
	}
	return w
}

// Running reports whether the worker loop is active.
func (w *BaselineWorker) Running() bool {
	return w.running.Load()
}

// Start runs the worker loop. It restores a persisted baseline first, then
// recomputes immediately and on every tick. Blocks until Stop or ctx is done.
func (w *BaselineWorker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.restore(ctx)
	w.safeRecompute(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRecompute(ctx)
		}
	}
}

// Stop signals the worker loop to exit. Non-blocking.
func (w *BaselineWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

// restore loads the persisted baseline so assessments after a restart are
// not judged against the uniform default while the first recompute runs.
func (w *BaselineWorker) restore(ctx context.Context) {
	if w.store == nil {
		return
	}
	b, err := w.store.GetBaseline(ctx)
	if err != nil {
		w.logger.Warn("baseline restore failed", "error", err)
		return
	}
	if b != nil {
		w.aggregator.SetBaseline(b)
		w.logger.Info("baseline restored", "sampleSize", b.SampleSize, "computedAt", b.ComputedAt)
	}
}

func (w *BaselineWorker) safeRecompute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in baseline worker", "panic", r)
		}
	}()
	w.recompute(ctx)
}

func (w *BaselineWorker) recompute(ctx context.Context) {
	counts, err := w.source.ViolationKindCounts(ctx, time.Now().Add(-baselineWindow))
	if err != nil {
		w.logger.Warn("baseline recompute failed", "error", err)
		return
	}

	total := 0
	buckets := make(map[string]int)
	for kind, n := range counts {
		buckets[kindBucket(kind)] += n
		total += n
	}
	if total < baselineMinSample {
		w.logger.Debug("not enough audit history for a baseline", "violations", total, "needed", baselineMinSample)
		return
	}

	mix := make(map[string]float64, len(buckets))
	for k, n := range buckets {
		mix[k] = float64(n) / float64(total)
	}
	baseline := &Baseline{Mix: mix, SampleSize: total, ComputedAt: time.Now()}

	if w.store != nil {
		if err := w.store.SaveBaseline(ctx, baseline); err != nil {
			w.logger.Warn("baseline save failed", "error", err)
		}
	}
	w.aggregator.SetBaseline(baseline)
	w.logger.Info("violation baseline refreshed", "sampleSize", total, "kinds", len(mix))
}
