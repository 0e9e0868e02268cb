package votesettled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"votesettle/observability"
	"votesettle/observability/logging"
	"votesettle/services/votesettled/store"
	"votesettle/services/votesettled/wallet"
)

// Persistence is the durable aggregate store consumed by the engine.
type Persistence interface {
	SettleBatch(ctx context.Context, in store.SettlementInput) (bool, error)
	RevertSettlement(ctx context.Context, paymentRef string) (int64, error)
	ReadAggregate(ctx context.Context, speciesID string) (int64, error)
	SettlementsForRequest(ctx context.Context, requestID string) ([]store.Settlement, error)
}

// Policy bounds request size and confirmation timing.
type Policy struct {
	MaxWeight      int
	FallbackChunk  int
	PollInterval   time.Duration
	PollAttempts   int
	ConfirmTimeout time.Duration
	UnitPrice      *uint256.Int
	// Payee is the contract receiving vote payments.
	Payee string
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxWeight:      DefaultMaxWeight,
		FallbackChunk:  DefaultFallbackChunk,
		PollInterval:   DefaultPollInterval,
		PollAttempts:   DefaultPollAttempts,
		ConfirmTimeout: DefaultConfirmTimeout,
		UnitPrice:      uint256.NewInt(1_000_000_000_000_000),
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxWeight <= 0 {
		p.MaxWeight = def.MaxWeight
	}
	if p.FallbackChunk <= 0 {
		p.FallbackChunk = def.FallbackChunk
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.PollAttempts <= 0 {
		p.PollAttempts = def.PollAttempts
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = def.ConfirmTimeout
	}
	if p.UnitPrice == nil {
		p.UnitPrice = def.UnitPrice
	}
	return p
}

// VoteInput is a request to cast TotalWeight votes for a species.
type VoteInput struct {
	// RequestID is optional; one is generated when empty.
	RequestID   string
	SessionID   string
	SpeciesID   string
	Voter       string
	TotalWeight int
}

// Result summarises a completed request.
type Result struct {
	RequestID       string `json:"request_id"`
	SpeciesID       string `json:"species_id"`
	TotalWeight     int    `json:"total_weight"`
	ConfirmedWeight int64  `json:"confirmed_weight"`
	Batches         int    `json:"batches"`
	Ambiguous       int    `json:"ambiguous"`
}

type committedBatch struct {
	ref    string
	weight int64
}

// run is the state of one request between planning and its terminal event.
type run struct {
	id        string
	input     VoteInput
	plan      VoteRequest
	base      int64
	family    string
	queue     []Batch
	committed []committedBatch
	confirmed int64
	ambiguous int
	start     time.Time
}

// Engine plans, submits, confirms and settles vote requests.
type Engine struct {
	provider wallet.Provider
	store    Persistence
	detector *wallet.Detector
	overlay  *Overlay
	journal  *Journal
	events   *Hub
	metrics  *observability.VoteSettleMetrics
	policy   Policy
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	poller   *Poller

	mu       sync.Mutex
	paused   bool
	inFlight int
	done     int
	failed   int
	wg       sync.WaitGroup
}

// EngineOption customises the engine instance.
type EngineOption func(*Engine)

// WithProvider supplies the signing/payment provider.
func WithProvider(p wallet.Provider) EngineOption {
	return func(e *Engine) { e.provider = p }
}

// WithStore supplies the aggregate persistence layer.
func WithStore(s Persistence) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithDetector overrides the capability detector.
func WithDetector(d *wallet.Detector) EngineOption {
	return func(e *Engine) { e.detector = d }
}

// WithJournal enables crash-recovery journaling.
func WithJournal(j *Journal) EngineOption {
	return func(e *Engine) { e.journal = j }
}

// WithEvents supplies the hub receiving progress events.
func WithEvents(h *Hub) EngineOption {
	return func(e *Engine) { e.events = h }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.VoteSettleMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithPolicy overrides the request policy.
func WithPolicy(p Policy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewEngine constructs an engine. Provider and store are required before use.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		detector: wallet.NewDetector(),
		metrics:  observability.VoteSettle(),
		policy:   DefaultPolicy(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("votesettle/engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy = e.policy.withDefaults()
	if e.detector == nil {
		e.detector = wallet.NewDetector()
	}
	e.overlay = NewOverlay(e.now)
	e.poller = NewPoller(e.provider, e.policy.PollInterval, e.policy.PollAttempts, e.policy.ConfirmTimeout, e.logger)
	return e
}

// Overlay exposes the optimistic display state.
func (e *Engine) Overlay() *Overlay { return e.overlay }

// Vote runs a request to completion and returns its result. Failures after the
// first submission are reported as *BatchError.
func (e *Engine) Vote(ctx context.Context, in VoteInput) (Result, error) {
	r, err := e.prepare(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return e.execute(ctx, r)
}

// Start validates and registers a request, then runs it in the background. The
// request id is returned immediately; progress is published to the event hub.
func (e *Engine) Start(ctx context.Context, in VoteInput) (string, error) {
	r, err := e.prepare(ctx, in)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.execute(context.WithoutCancel(ctx), r)
	}()
	return r.id, nil
}

// Wait blocks until every background request has finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) prepare(ctx context.Context, in VoteInput) (*run, error) {
	start := e.now()
	r, err := e.register(ctx, in, start)
	if err != nil {
		e.metrics.ObserveRequest(Reason(err), e.now().Sub(start))
		return nil, err
	}
	return r, nil
}

func (e *Engine) register(ctx context.Context, in VoteInput, start time.Time) (*run, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.SpeciesID = strings.TrimSpace(in.SpeciesID)
	in.Voter = strings.TrimSpace(in.Voter)
	if in.SpeciesID == "" {
		return nil, fmt.Errorf("votesettle: species required")
	}
	if in.SessionID == "" {
		in.SessionID = in.Voter
	}
	if in.SessionID == "" {
		return nil, fmt.Errorf("votesettle: session required")
	}
	if e.provider == nil {
		return nil, fmt.Errorf("votesettle: provider not configured")
	}
	if e.store == nil {
		return nil, fmt.Errorf("votesettle: store not configured")
	}
	if !common.IsHexAddress(e.policy.Payee) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPayee, e.policy.Payee)
	}
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return nil, ErrEnginePaused
	}
	plan, err := PlanVotes(in.TotalWeight, e.policy.MaxWeight, e.policy.UnitPrice)
	if err != nil {
		return nil, err
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	base, err := e.store.ReadAggregate(ctx, in.SpeciesID)
	if err != nil {
		return nil, fmt.Errorf("votesettle: read aggregate: %w", err)
	}
	if err := e.overlay.Begin(in.SessionID, in.SpeciesID, in.RequestID, base, int64(plan.TotalWeight)); err != nil {
		return nil, err
	}
	err = e.journal.Begin(JournalEntry{
		RequestID:   in.RequestID,
		SessionID:   in.SessionID,
		SpeciesID:   in.SpeciesID,
		Voter:       in.Voter,
		TotalWeight: plan.TotalWeight,
	})
	if err != nil {
		e.overlay.RollBack(in.SessionID, in.SpeciesID, base)
		return nil, err
	}
	info := e.provider.Info()
	r := &run{
		id:     in.RequestID,
		input:  in,
		plan:   plan,
		base:   base,
		family: e.detector.Family(info),
		queue:  Partition(plan.Units, e.detector.Ceiling(info)),
		start:  start,
	}
	e.trackInFlight(1)
	e.publish(r, Event{Kind: EventStarted, TotalBatches: len(r.queue), Status: BatchPending.String()})
	return r, nil
}

func (e *Engine) execute(ctx context.Context, r *run) (Result, error) {
	defer e.trackInFlight(-1)
	ctx, span := e.tracer.Start(ctx, "votesettle.vote",
		trace.WithAttributes(
			attribute.String("request.id", r.id),
			attribute.String("species.id", r.input.SpeciesID),
			attribute.Int("vote.weight", r.plan.TotalWeight),
			attribute.String("provider.family", r.family),
		))
	defer span.End()

	logger := e.logger.With(
		slog.String("request_id", r.id),
		slog.String("species", r.input.SpeciesID),
		slog.String("provider", r.family),
		logging.MaskAddress("voter", r.input.Voter),
	)
	logger.Info("vote request started",
		slog.Int("weight", r.plan.TotalWeight),
		slog.Int("units", len(r.plan.Units)),
		slog.Int("batches", len(r.queue)))

	if err := e.runBatches(ctx, r, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, r, err, logger)
	}
	span.SetStatus(codes.Ok, "settled")
	return e.complete(ctx, r, logger), nil
}

func (e *Engine) runBatches(ctx context.Context, r *run, logger *slog.Logger) error {
	for i := 0; i < len(r.queue); i++ {
		if err := ctx.Err(); err != nil {
			return &BatchError{Index: i + 1, Total: len(r.queue), Err: err}
		}
		e.publish(r, Event{Kind: EventProgress, BatchIndex: i + 1, TotalBatches: len(r.queue), Status: BatchPending.String()})
		batch := &r.queue[i]
		err := e.processBatch(ctx, r, i, batch, logger)
		if errors.Is(err, ErrBatchTooLarge) && !batch.Resplit {
			parts, splitErr := Resplit(*batch, e.policy.FallbackChunk)
			if splitErr != nil {
				return &BatchError{Index: i + 1, Total: len(r.queue), Err: splitErr}
			}
			r.queue = slices.Replace(r.queue, i, i+1, parts...)
			e.metrics.RecordResplit(r.family)
			logger.Warn("batch rejected as too large, resplitting",
				slog.Int("batch_index", i+1),
				slog.Int("parts", len(parts)))
			e.publish(r, Event{Kind: EventResplit, BatchIndex: i + 1, TotalBatches: len(r.queue), Status: BatchTooLarge.String()})
			i--
			continue
		}
		if err != nil {
			batch.Status = BatchFailed
			return &BatchError{Index: i + 1, Total: len(r.queue), Err: err}
		}
		e.publish(r, Event{Kind: EventProgress, BatchIndex: i + 1, TotalBatches: len(r.queue), Status: batch.Status.String()})
	}
	return nil
}

func (e *Engine) processBatch(ctx context.Context, r *run, index int, batch *Batch, logger *slog.Logger) error {
	ctx, span := e.tracer.Start(ctx, "votesettle.batch",
		trace.WithAttributes(
			attribute.Int("batch.index", index+1),
			attribute.Int("batch.units", len(batch.Units)),
			attribute.Bool("batch.resplit", batch.Resplit),
		))
	defer span.End()
	err := e.submitAndSettle(ctx, r, index, batch, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordBatch(r.family, string(batch.Handle.Kind), Reason(err))
		return err
	}
	span.SetStatus(codes.Ok, batch.Status.String())
	e.metrics.RecordBatch(r.family, string(batch.Handle.Kind), batch.Status.String())
	return nil
}

func (e *Engine) submitAndSettle(ctx context.Context, r *run, index int, batch *Batch, logger *slog.Logger) error {
	calls := make([]wallet.PaymentCall, 0, len(batch.Units))
	for _, unit := range batch.Units {
		call, err := wallet.EncodeVoteCall(e.policy.Payee, r.input.SpeciesID, unit.Rating, r.plan.UnitPrice)
		if err != nil {
			return err
		}
		calls = append(calls, call)
	}
	raw, err := e.provider.SubmitBatch(ctx, calls)
	if err != nil {
		err = wallet.ClassifyError(err)
		if errors.Is(err, ErrBatchTooLarge) {
			batch.Status = BatchTooLarge
		}
		return err
	}
	handle, err := wallet.NormalizeSubmission(raw)
	if err != nil {
		return err
	}
	batch.Handle = handle

	conf, err := e.poller.Await(ctx, handle)
	if err != nil {
		return fmt.Errorf("%w: handle %s: %w", ErrPaymentUnresolved, handle.Value, err)
	}
	if conf.Ambiguous {
		r.ambiguous++
		e.metrics.RecordAmbiguous(r.family, conf.Cause)
		logger.Warn("batch confirmed optimistically",
			slog.Int("batch_index", index+1),
			slog.String("handle_kind", string(handle.Kind)),
			slog.String("reason", conf.Cause),
			slog.Any("error", ErrAmbiguousConfirmation))
	}
	if conf.Status == wallet.StatusFailed {
		batch.Status = BatchFailed
		return fmt.Errorf("%w: handle %s", ErrPaymentFailed, handle.Value)
	}
	batch.Status = BatchConfirmed

	// The payment has moved; settle even if the caller has gone away.
	inserted, err := e.store.SettleBatch(context.WithoutCancel(ctx), store.SettlementInput{
		PaymentRef: handle.Value,
		RequestID:  r.id,
		SpeciesID:  r.input.SpeciesID,
		Voter:      r.input.Voter,
		HandleKind: string(handle.Kind),
		Ratings:    Ratings(batch.Units),
	})
	if err != nil {
		e.metrics.RecordSettlementFailure(r.family)
		logger.Error("payment confirmed but settlement failed",
			slog.Int("batch_index", index+1),
			slog.String("handle_kind", string(handle.Kind)),
			slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrSettlementPersistence, err)
	}
	if !inserted {
		logger.Warn("payment reference already settled",
			slog.Int("batch_index", index+1),
			slog.String("handle_kind", string(handle.Kind)))
		return nil
	}
	batch.Recorded = true
	weight := batch.Weight()
	r.committed = append(r.committed, committedBatch{ref: handle.Value, weight: weight})
	r.confirmed += weight
	e.metrics.AddSettledWeight(r.family, weight)
	if err := e.journal.Commit(r.id, handle.Value); err != nil {
		logger.Error("journal commit failed", slog.Any("error", err))
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, r *run, logger *slog.Logger) Result {
	ctx = context.WithoutCancel(ctx)
	fresh, err := e.store.ReadAggregate(ctx, r.input.SpeciesID)
	if err != nil {
		logger.Error("refresh aggregate failed", slog.Any("error", err))
		fresh = r.base + r.confirmed
	}
	e.overlay.Settle(r.input.SessionID, r.input.SpeciesID, fresh)
	if err := e.journal.Finish(r.id, JournalCompleted, ""); err != nil {
		logger.Error("journal finish failed", slog.Any("error", err))
	}
	e.mu.Lock()
	e.done++
	e.mu.Unlock()

	result := Result{
		RequestID:       r.id,
		SpeciesID:       r.input.SpeciesID,
		TotalWeight:     r.plan.TotalWeight,
		ConfirmedWeight: r.confirmed,
		Batches:         len(r.queue),
		Ambiguous:       r.ambiguous,
	}
	e.publish(r, Event{
		Kind:                 EventCompleted,
		TotalBatches:         len(r.queue),
		Status:               "settled",
		Success:              true,
		TotalConfirmedWeight: r.confirmed,
	})
	e.metrics.ObserveRequest("", e.now().Sub(r.start))
	logger.Info("vote request settled",
		slog.Int64("confirmed_weight", r.confirmed),
		slog.Int("batches", len(r.queue)),
		slog.Int("ambiguous", r.ambiguous))
	return result
}

// Pause halts acceptance of new requests. In-flight requests run to completion.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.metrics.SetPause(true)
}

// Resume re-enables request acceptance.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.metrics.SetPause(false)
}

// Status summarises engine state for administrative endpoints.
type Status struct {
	Paused    bool `json:"paused"`
	InFlight  int  `json:"in_flight"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
}

// Status reports the current engine status snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{Paused: e.paused, InFlight: e.inFlight, Completed: e.done, Failed: e.failed}
}

// Aggregate reads the persisted aggregate and returns the session's display view.
func (e *Engine) Aggregate(ctx context.Context, sessionID, speciesID string) (OverlayView, error) {
	if e.store == nil {
		return OverlayView{}, fmt.Errorf("votesettle: store not configured")
	}
	fresh, err := e.store.ReadAggregate(ctx, strings.TrimSpace(speciesID))
	if err != nil {
		return OverlayView{}, err
	}
	return e.overlay.Refresh(sessionID, speciesID, fresh), nil
}

func (e *Engine) trackInFlight(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight += delta
	e.metrics.SetInFlight(e.inFlight)
}

func (e *Engine) publish(r *run, ev Event) {
	if e.events == nil {
		return
	}
	ev.RequestID = r.id
	ev.SpeciesID = r.input.SpeciesID
	ev.Time = e.now()
	e.events.Publish(ev)
}
