// Package engine wires the four analyzers into the event pipeline and owns
// the per-user analysis records. Events are routed to a fixed worker pool by
// userId hash: one user's events are always processed in order on the same
// worker, while different users proceed concurrently. The engine is strictly
// downstream of the ledger and never blocks it — a full queue drops the
// event and counts the drop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lendlens/lendlens/internal/analysis"
	"github.com/lendlens/lendlens/internal/config"
	"github.com/lendlens/lendlens/internal/event"
	"github.com/lendlens/lendlens/internal/features"
	"github.com/lendlens/lendlens/internal/filter"
	"github.com/lendlens/lendlens/internal/metrics"
	"github.com/lendlens/lendlens/internal/relgraph"
	"github.com/lendlens/lendlens/internal/retry"
	"github.com/lendlens/lendlens/internal/syncutil"
	"github.com/lendlens/lendlens/internal/temporal"
)

// Notifier receives fire-and-forget alerts. Implementations must not block
// the caller.
type Notifier interface {
	NotifyHighRisk(a *analysis.ReputationAnalysis)
	NotifyRing(r *analysis.CollusionRing)
}

// Publisher receives realtime updates for connected dashboard clients.
// Implementations must not block the caller.
type Publisher interface {
	PublishAnalysis(a *analysis.ReputationAnalysis)
	PublishRing(r *analysis.CollusionRing)
}

// persistAttempts bounds the store write retry; persistence is eventually
// consistent with the in-memory record, never a reason to stall a worker.
const (
	persistAttempts  = 4
	persistBaseDelay = 100 * time.Millisecond
	persistTimeout   = 10 * time.Second
	hydrateTimeout   = 2 * time.Second
)

// Engine runs the analysis pipeline. Create with New, start with Start,
// feed through Submit (it implements event.Sink).
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	store  analysis.Store

	tracker   *filter.Tracker
	extractor *features.Extractor
	scorer    *features.Scorer
	graph     *relgraph.Graph
	detector  *temporal.Detector

	notifier  Notifier
	publisher Publisher
	now       func() time.Time

	// analyses is the authoritative working set; the store trails it
	// asynchronously. Guarded by locks per user for mutation and amu for
	// map access.
	amu      sync.RWMutex
	analyses map[string]*analysis.ReputationAnalysis
	locks    syncutil.ShardedMutex

	queues    []chan event.TransactionEvent
	qmu       sync.RWMutex
	stopped   bool
	workers   sync.WaitGroup
	persists  sync.WaitGroup
	processed atomic.Uint64
	ringCount atomic.Int64
}

// Option configures the engine.
type Option func(*Engine)

// WithNotifier attaches an alert notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPublisher attaches a realtime publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given store.
func New(cfg *config.Config, logger *slog.Logger, store analysis.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		store:  store,
		tracker: filter.NewTracker(filter.Config{
			ProcessNoise:      cfg.ProcessNoise,
			MeasurementNoise:  cfg.MeasurementNoise,
			ResidualThreshold: cfg.ResidualThreshold,
		}),
		extractor: features.NewExtractor(features.Config{
			WindowSize:      cfg.WindowSize,
			WindowDays:      cfg.WindowDays,
			MinTransactions: cfg.MinTransactions,
		}),
		scorer: features.NewScorer(cfg.BehavioralThreshold),
		graph: relgraph.NewGraph(relgraph.Config{
			DecayHalfLife:   cfg.DecayHalfLife,
			CycleMaxDepth:   cfg.CycleMaxDepth,
			MinInteractions: cfg.MinInteractions,
			PairMultiple:    cfg.PairMultiple,
			HubPercentile:   cfg.HubPercentile,
		}),
		detector: temporal.NewDetector(temporal.Config{
			Sigma:       cfg.TemporalSigma,
			SpikeFactor: cfg.SpikeFactor,
		}),
		now:      time.Now,
		analyses: make(map[string]*analysis.ReputationAnalysis),
	}
	for _, opt := range opts {
		opt(e)
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	e.queues = make([]chan event.TransactionEvent, workers)
	for i := range e.queues {
		e.queues[i] = make(chan event.TransactionEvent, cfg.QueueSize)
	}
	return e
}

// Start launches the worker pool and the background timers. It returns
// immediately; ctx cancellation or Stop shuts the pipeline down.
func (e *Engine) Start(ctx context.Context) {
	for i, q := range e.queues {
		e.workers.Add(1)
		go e.worker(ctx, i, q)
	}
	go e.refreshLoop(ctx)
	go e.decayLoop(ctx)
	e.logger.Info("engine started", "workers", len(e.queues), "queue_size", e.cfg.QueueSize)
}

// Submit routes an event to its user's worker queue. It never blocks: false
// means the queue was full (or the engine is stopping) and the event was
// dropped. Implements event.Sink.
func (e *Engine) Submit(ev event.TransactionEvent) bool {
	e.qmu.RLock()
	defer e.qmu.RUnlock()
	if e.stopped {
		return false
	}
	q := e.queues[syncutil.Shard(ev.UserID, len(e.queues))]
	select {
	case q <- ev:
		return true
	default:
		return false
	}
}

// Stop stops accepting events and waits for in-flight per-user updates and
// pending persists to complete.
func (e *Engine) Stop() {
	e.qmu.Lock()
	if e.stopped {
		e.qmu.Unlock()
		return
	}
	e.stopped = true
	for _, q := range e.queues {
		close(q)
	}
	e.qmu.Unlock()

	e.workers.Wait()
	e.persists.Wait()
	e.logger.Info("engine stopped", "processed", e.processed.Load())
}

func (e *Engine) worker(ctx context.Context, id int, q <-chan event.TransactionEvent) {
	defer e.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			e.safeProcess(ctx, ev)
		}
	}
}

func (e *Engine) safeProcess(ctx context.Context, ev event.TransactionEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic processing event", "user", ev.UserID, "seq", ev.Sequence, "panic", fmt.Sprint(r))
		}
	}()
	e.process(ctx, ev)
}

// process runs one event through all four analyzers and aggregates the
// result into the user's record. The per-user lock keeps updates to one
// user's state from interleaving.
func (e *Engine) process(ctx context.Context, ev event.TransactionEvent) {
	unlock := e.locks.Lock(ev.UserID)

	rec := e.record(ctx, ev.UserID, ev.Timestamp)
	rec.CurrentReputation += ev.ReputationDelta
	rec.TransactionCount++
	rec.AppendHistory(
		analysis.ReputationPoint{Sequence: ev.Sequence, Reputation: rec.CurrentReputation, At: ev.Timestamp},
		analysis.TransactionRecord{
			Sequence:        ev.Sequence,
			CounterpartyID:  ev.CounterpartyID,
			Kind:            string(ev.Kind),
			MonetaryAmount:  ev.MonetaryAmount,
			ReputationDelta: ev.ReputationDelta,
			At:              ev.Timestamp,
		},
	)

	sub := SubScores{Network: rec.NetworkRisk}

	// State tracker.
	fres := e.tracker.Observe(ev.UserID, rec.CurrentReputation, ev.Timestamp)
	sub.Kalman = fres.Score
	if fres.Jump {
		e.raise(rec, analysis.FlagReputationJump)
	}

	// Behavioral scorer.
	e.extractor.Record(ev.UserID, features.Sample{
		Amount:          ev.MonetaryAmount,
		ReputationDelta: ev.ReputationDelta,
		Counterparty:    ev.CounterpartyID,
		At:              ev.Timestamp,
	})
	if vec, ok := e.extractor.Vector(ev.UserID, ev.Timestamp); ok {
		if score, anomalous, ready := e.scorer.Score(vec); ready {
			sub.Behavioral = score
			if anomalous {
				e.raise(rec, analysis.FlagBehavioral)
			}
		} else {
			sub.Partial = true
			metrics.AnalyzerDegradedTotal.WithLabelValues("behavioral").Inc()
		}
	} else {
		// Below the minimum transaction count: insufficient data, neutral.
		sub.Partial = true
		metrics.AnalyzerDegradedTotal.WithLabelValues("behavioral").Inc()
	}

	// Temporal detector.
	e.detector.Record(ev.UserID, ev.Timestamp)
	tres := e.detector.Evaluate(ev.UserID, ev.Timestamp)
	if tres.OK {
		sub.Temporal = tres.Score
		if tres.Anomaly || tres.Spike {
			e.raise(rec, analysis.FlagTemporal)
		}
	} else {
		sub.Partial = true
		metrics.AnalyzerDegradedTotal.WithLabelValues("temporal").Inc()
	}

	// Relationship graph. Money flows borrower→lender: on a lend the user
	// is the lender, otherwise the borrower.
	borrower, lender := ev.UserID, ev.CounterpartyID
	if ev.Kind == event.KindLend {
		borrower, lender = ev.CounterpartyID, ev.UserID
	}
	e.graph.Observe(borrower, lender, ev.Timestamp)
	rings := e.graph.Detect(ev.UserID)
	for _, ring := range rings {
		if ring.Score > sub.Network {
			sub.Network = ring.Score
		}
	}
	if len(rings) > 0 {
		e.raise(rec, analysis.FlagCollusion)
	}

	// Aggregate under the same lock so the record is a consistent snapshot.
	rec.KalmanScore = clamp01(sub.Kalman)
	rec.BehavioralScore = clamp01(sub.Behavioral)
	rec.NetworkRisk = clamp01(sub.Network)
	rec.TemporalAnomaly = clamp01(sub.Temporal)
	rec.Partial = sub.Partial
	rec.RiskScore = Composite(sub)
	rec.Confidence = Confidence(rec.TransactionCount, len(rec.Flags), ev.Timestamp.Sub(rec.FirstObserved))
	prevTier := rec.Tier
	rec.Tier = analysis.TierFor(rec.RiskScore)
	rec.LastUpdated = ev.Timestamp

	snapshot := copyRecord(rec)
	unlock()

	e.processed.Add(1)
	metrics.TrackedUsers.Set(float64(e.tracker.Len()))

	e.persistAsync(ctx, snapshot)
	e.confirmRings(ctx, rings, ev.Timestamp)
	e.flagRingMembers(ctx, rings, ev.UserID, ev.Timestamp)

	if e.publisher != nil {
		e.publisher.PublishAnalysis(snapshot)
	}
	if e.notifier != nil && snapshot.Tier == analysis.TierHigh && prevTier != analysis.TierHigh {
		e.notifier.NotifyHighRisk(snapshot)
	}
}

// record returns the live record for userID. On first sight it recovers the
// stored record if one exists, so a restarted engine extends histories instead
// of overwriting them; only a genuinely unknown user starts fresh. Caller
// holds the user's lock.
func (e *Engine) record(ctx context.Context, userID string, at time.Time) *analysis.ReputationAnalysis {
	e.amu.RLock()
	rec := e.analyses[userID]
	e.amu.RUnlock()
	if rec != nil {
		return rec
	}

	rec = e.hydrate(ctx, userID)
	if rec == nil {
		rec = &analysis.ReputationAnalysis{
			UserID:        userID,
			Tier:          analysis.TierLow,
			FirstObserved: at,
			LastUpdated:   at,
		}
	}
	e.amu.Lock()
	e.analyses[userID] = rec
	e.amu.Unlock()
	return rec
}

// hydrate reads a user's persisted analysis back into the working set. A
// store failure degrades to a fresh record rather than stalling the pipeline.
func (e *Engine) hydrate(ctx context.Context, userID string) *analysis.ReputationAnalysis {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hydrateTimeout)
	defer cancel()

	stored, err := e.store.GetAnalysis(hctx, userID)
	if err != nil {
		if !errors.Is(err, analysis.ErrNotFound) {
			e.logger.Warn("failed to recover stored analysis, starting fresh", "user", userID, "error", err)
		}
		return nil
	}
	return stored
}

func (e *Engine) raise(rec *analysis.ReputationAnalysis, f analysis.Flag) {
	if !rec.HasFlag(f) {
		metrics.FlagsRaisedTotal.WithLabelValues(string(f)).Inc()
	}
	rec.AddFlag(f)
}

// confirmRings writes detections through to the store and fans out alerts
// for newly created rings.
func (e *Engine) confirmRings(ctx context.Context, rings []relgraph.Ring, at time.Time) {
	for _, ring := range rings {
		stored, created, err := e.store.ConfirmRing(ctx, string(ring.Pattern), ring.Members, ring.Score, at)
		if err != nil {
			e.logger.Error("failed to confirm ring", "pattern", ring.Pattern, "error", err)
			continue
		}
		if !created {
			continue
		}
		e.ringCount.Add(1)
		metrics.CollusionRings.Set(float64(e.ringCount.Load()))
		e.logger.Warn("collusion ring detected",
			"ring", stored.ID, "pattern", stored.Pattern, "members", stored.Members, "score", stored.RiskScore)
		if e.publisher != nil {
			e.publisher.PublishRing(stored)
		}
		if e.notifier != nil {
			e.notifier.NotifyRing(stored)
		}
	}
}

// flagRingMembers raises collusion_detected on the other members of each
// detected ring. Each member's lock is taken on its own, never nested, so
// two workers flagging overlapping rings cannot deadlock.
func (e *Engine) flagRingMembers(ctx context.Context, rings []relgraph.Ring, exclude string, at time.Time) {
	seen := map[string]struct{}{exclude: {}}
	for _, ring := range rings {
		for _, member := range ring.Members {
			if _, done := seen[member]; done {
				continue
			}
			seen[member] = struct{}{}

			unlock := e.locks.Lock(member)
			rec := e.record(ctx, member, at)
			if rec.HasFlag(analysis.FlagCollusion) && rec.NetworkRisk >= ring.Score {
				unlock()
				continue
			}
			e.raise(rec, analysis.FlagCollusion)
			if ring.Score > rec.NetworkRisk {
				rec.NetworkRisk = ring.Score
			}
			rec.RiskScore = Composite(SubScores{
				Kalman:     rec.KalmanScore,
				Behavioral: rec.BehavioralScore,
				Network:    rec.NetworkRisk,
				Temporal:   rec.TemporalAnomaly,
			})
			rec.Confidence = Confidence(rec.TransactionCount, len(rec.Flags), at.Sub(rec.FirstObserved))
			rec.Tier = analysis.TierFor(rec.RiskScore)
			rec.LastUpdated = at
			snapshot := copyRecord(rec)
			unlock()

			e.persistAsync(ctx, snapshot)
		}
	}
}

// persistAsync writes the snapshot to the store off the worker goroutine,
// with bounded backoff. A final failure is logged and counted; the next
// event for the user will write a fresher record anyway.
func (e *Engine) persistAsync(ctx context.Context, snapshot *analysis.ReputationAnalysis) {
	e.persists.Add(1)
	go func() {
		defer e.persists.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()

		attempt := 0
		err := retry.Do(wctx, persistAttempts, persistBaseDelay, func() error {
			attempt++
			if attempt > 1 {
				metrics.StoreWriteRetriesTotal.Inc()
			}
			return e.store.UpsertAnalysis(wctx, snapshot)
		})
		if err != nil {
			metrics.StoreWriteFailuresTotal.Inc()
			e.logger.Error("failed to persist analysis", "user", snapshot.UserID, "error", err)
		}
	}()
}

// refreshLoop recomputes the behavioral population statistics on a schedule.
func (e *Engine) refreshLoop(ctx context.Context) {
	interval := e.cfg.PopulationRefresh
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safeDoWork(func() {
				now := e.now()
				pop := e.scorer.Refresh(e.extractor.AllVectors(now), now)
				e.logger.Debug("population refreshed", "users", pop.Count)
			})
		}
	}
}

// decayLoop applies edge-weight decay on a schedule.
func (e *Engine) decayLoop(ctx context.Context) {
	interval := e.cfg.DecayInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safeDoWork(func() {
				n := e.graph.Decay(e.now(), interval)
				if n > 0 {
					e.logger.Debug("edge decay applied", "edges", n)
				}
			})
		}
	}
}

func (e *Engine) safeDoWork(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in engine background job", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// RefreshPopulation recomputes population statistics immediately. Used at
// startup and by tests; the scheduled loop calls the same path.
func (e *Engine) RefreshPopulation() features.Population {
	return e.scorer.Refresh(e.extractor.AllVectors(e.now()), e.now())
}

// Stats is the engine's operational snapshot for the stats surface.
type Stats struct {
	Processed       uint64              `json:"processed"`
	TrackedUsers    int                 `json:"trackedUsers"`
	GraphNodes      int                 `json:"graphNodes"`
	GraphEdges      int                 `json:"graphEdges"`
	MedianEdgeWt    float64             `json:"medianEdgeWeight"`
	Population      features.Population `json:"population"`
	PopulationReady bool                `json:"populationReady"`
	QueueDepth      int                 `json:"queueDepth"`
}

// Snapshot returns current engine stats.
func (e *Engine) Snapshot() Stats {
	pop, ready := e.scorer.Population()
	depth := 0
	e.qmu.RLock()
	for _, q := range e.queues {
		depth += len(q)
	}
	e.qmu.RUnlock()
	return Stats{
		Processed:       e.processed.Load(),
		TrackedUsers:    e.tracker.Len(),
		GraphNodes:      e.graph.Nodes(),
		GraphEdges:      e.graph.Edges(),
		MedianEdgeWt:    e.graph.MedianEdgeWeight(),
		Population:      pop,
		PopulationReady: ready,
		QueueDepth:      depth,
	}
}

func copyRecord(a *analysis.ReputationAnalysis) *analysis.ReputationAnalysis {
	cp := *a
	cp.Flags = append([]analysis.Flag(nil), a.Flags...)
	cp.ReputationHistory = append([]analysis.ReputationPoint(nil), a.ReputationHistory...)
	cp.TransactionHistory = append([]analysis.TransactionRecord(nil), a.TransactionHistory...)
	return &cp
}
