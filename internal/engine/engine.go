package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taod/internal/approval"
	"github.com/fyrsmithlabs/taod/internal/logging"
)

// Approver is the slice of the approval gate the engine consults mid-loop.
type Approver interface {
	RequestApproval(ctx context.Context, action approval.ProposedAction, opts ...approval.RequestOption) (bool, error)
}

// Config configures loop bounds and state retention.
type Config struct {
	// IterationCap bounds TAO cycles per execution.
	IterationCap int `koanf:"iteration_cap"`

	// MaxConcurrent bounds in-flight executions; 0 means unlimited. This is
	// deliberately independent of IterationCap.
	MaxConcurrent int `koanf:"max_concurrent"`

	// StateRetention is how long completed execution states stay queryable.
	StateRetention time.Duration `koanf:"state_retention"`

	// AutoApproveAll bypasses the approval gate entirely, independent of
	// rule-level auto-approval.
	AutoApproveAll bool `koanf:"auto_approve_all"`
}

const (
	// DefaultIterationCap bounds TAO cycles when not configured.
	DefaultIterationCap = 5

	// DefaultStateRetention keeps completed states queryable after the loop.
	DefaultStateRetention = 60 * time.Second
)

// Engine runs strategies through repeated Think-Act-Observe cycles.
type Engine struct {
	mu        sync.RWMutex
	factories map[string]Factory
	states    map[string]*executionEntry

	gate    Approver
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	cfg     Config
}

// executionEntry is one live table slot. cancelled flags intent; the loop
// observes it at the next iteration boundary.
type executionEntry struct {
	state     *ExecutionState
	cancelled bool
}

// New creates an engine. gate may be nil when approval is handled elsewhere;
// analyses requiring approval are then treated as auto-approved.
func New(cfg Config, gate Approver, logger *zap.Logger) *Engine {
	if cfg.IterationCap <= 0 {
		cfg.IterationCap = DefaultIterationCap
	}
	if cfg.StateRetention <= 0 {
		cfg.StateRetention = DefaultStateRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		factories: make(map[string]Factory),
		states:    make(map[string]*executionEntry),
		gate:      gate,
		logger:    logger,
		metrics:   NewMetrics(),
		tracer:    otel.Tracer("taod/engine"),
		cfg:       cfg,
	}
}

// RegisterStrategy stores a factory under a name. Overwriting an existing
// name is allowed; the last writer wins.
func (e *Engine) RegisterStrategy(name string, factory Factory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.factories[name]; exists {
		e.logger.Warn("overwriting registered strategy", zap.String("strategy", name))
	}
	e.factories[name] = factory
}

// CreateStrategy looks up the factory and invokes it. Returns nil when the
// name is unregistered; callers must check.
func (e *Engine) CreateStrategy(name string, req Request) Strategy {
	e.mu.RLock()
	factory, ok := e.factories[name]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return factory(req)
}

// ExecuteOption customizes one Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	name     string
	progress ProgressFunc
}

// WithStrategyName labels the execution state for status queries.
func WithStrategyName(name string) ExecuteOption {
	return func(o *executeOptions) { o.name = name }
}

// WithProgress attaches a progress sink.
func WithProgress(fn ProgressFunc) ExecuteOption {
	return func(o *executeOptions) { o.progress = fn }
}

// Execute drives the strategy through TAO cycles until observations stop
// requiring iteration, the iteration cap is reached, approval is denied, or
// cancellation is observed at an iteration boundary.
//
// Phase errors from Think, Act, Observe, and Refine propagate unmodified; the
// engine does not retry and does not synthesize a partial result. Denial and
// cap exhaustion are normal terminal results with Success=false.
func (e *Engine) Execute(ctx context.Context, strategy Strategy, opts ...ExecuteOption) (*ExecutionResult, error) {
	o := executeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	entry, err := e.admit(o.name)
	if err != nil {
		return nil, err
	}
	id := entry.state.ID

	ctx, span := e.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("execution.id", id),
			attribute.String("execution.strategy", o.name),
		))
	defer span.End()

	ctx = logging.WithExecutionID(ctx, id)
	log := e.logger.With(logging.ContextFields(ctx)...)

	// Progress notifications are best-effort: rate limited, panics swallowed.
	limiter := rate.NewLimiter(rate.Limit(20), 20)
	notify := func(status Status, message string) {
		if o.progress == nil || !limiter.Allow() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Warn("progress sink panicked",
					zap.Any("panic", r))
			}
		}()
		o.progress(id, status, message)
	}

	e.metrics.ActiveExecutions.Inc()
	log.Info("execution started",
		zap.String("strategy", o.name),
		zap.Int("iteration_cap", e.cfg.IterationCap))

	defer func() {
		e.mu.Lock()
		entry.state.CompletedAt = time.Now()
		final := entry.state.Status
		iterations := entry.state.Iterations
		e.mu.Unlock()

		e.metrics.ActiveExecutions.Dec()
		e.metrics.ExecutionsTotal.WithLabelValues(string(final)).Inc()
		e.metrics.IterationsPerExecution.Observe(float64(iterations))

		// Completed states keep answering status queries for the retention
		// window before leaving the live table.
		time.AfterFunc(e.cfg.StateRetention, func() {
			e.mu.Lock()
			delete(e.states, id)
			e.mu.Unlock()
		})
	}()

	result := &ExecutionResult{}

	for i := 1; i <= e.cfg.IterationCap; i++ {
		// Cancellation is cooperative: checked here only, never mid-phase. An
		// iteration already past this check runs its phases to completion.
		if err := e.cancellationError(ctx, entry); err != nil {
			e.fail(entry, err.Error())
			span.RecordError(err)
			return nil, err
		}

		e.mu.Lock()
		entry.state.Iterations = i
		e.mu.Unlock()
		result.Iterations = i

		e.setStatus(entry, StatusThinking)
		notify(StatusThinking, "Thinking...")
		analysis, err := e.runThink(ctx, strategy)
		if err != nil {
			e.fail(entry, err.Error())
			span.RecordError(err)
			return nil, err
		}
		result.Analysis = analysis

		if analysis.RequiresApproval && !e.cfg.AutoApproveAll && e.gate != nil {
			approved, err := e.requestApproval(ctx, analysis)
			if err != nil {
				e.fail(entry, err.Error())
				span.RecordError(err)
				return nil, err
			}
			if !approved {
				// Denial bypasses Act and Observe entirely.
				e.fail(entry, "approval denied")
				result.Success = false
				result.Observations = &Observations{
					Success:           false,
					RequiresIteration: false,
					Feedback:          "Action denied by user",
				}
				log.Info("execution denied by approval gate",
					zap.Int("iteration", i))
				return result, nil
			}
		}

		e.setStatus(entry, StatusActing)
		notify(StatusActing, "Acting...")
		actions, err := e.runAct(ctx, strategy, analysis)
		if err != nil {
			e.fail(entry, err.Error())
			span.RecordError(err)
			return nil, err
		}
		result.Actions = append(result.Actions, actions...)

		e.setStatus(entry, StatusObserving)
		notify(StatusObserving, "Observing...")
		obs, err := e.runObserve(ctx, strategy, actions)
		if err != nil {
			e.fail(entry, err.Error())
			span.RecordError(err)
			return nil, err
		}
		result.Observations = obs

		if !obs.RequiresIteration {
			e.complete(entry)
			result.Success = obs.Success
			log.Info("execution completed",
				zap.Bool("success", obs.Success),
				zap.Int("iterations", i))
			return result, nil
		}

		next, err := strategy.Refine(ctx, obs)
		if err != nil {
			e.fail(entry, err.Error())
			span.RecordError(err)
			return nil, err
		}
		if next != nil {
			strategy = next
		}
		log.Debug("refining for next iteration",
			zap.Int("iteration", i),
			zap.String("feedback", obs.Feedback))
	}

	// Cap reached without a terminal observation: a normal result, not an error.
	e.complete(entry)
	result.Success = false
	result.Iterations = e.cfg.IterationCap
	result.Observations = &Observations{
		Success:           false,
		RequiresIteration: false,
		Feedback:          fmt.Sprintf("Max iterations (%d) reached", e.cfg.IterationCap),
	}
	log.Warn("iteration cap reached",
		zap.Int("cap", e.cfg.IterationCap))
	return result, nil
}

// runThink executes the Think phase inside a span with timing.
func (e *Engine) runThink(ctx context.Context, s Strategy) (*Analysis, error) {
	ctx, span := e.tracer.Start(ctx, "engine.think")
	defer span.End()
	start := time.Now()
	analysis, err := s.Think(ctx)
	e.metrics.PhaseDuration.WithLabelValues(string(StatusThinking)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("analysis.steps", len(analysis.Steps)),
		attribute.Bool("analysis.requires_approval", analysis.RequiresApproval),
		attribute.Float64("analysis.confidence", analysis.Confidence),
	)
	return analysis, nil
}

// runAct executes the Act phase inside a span with timing.
func (e *Engine) runAct(ctx context.Context, s Strategy, analysis *Analysis) ([]ActionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.act")
	defer span.End()
	start := time.Now()
	actions, err := s.Act(ctx, analysis)
	e.metrics.PhaseDuration.WithLabelValues(string(StatusActing)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("actions.count", len(actions)))
	return actions, nil
}

// runObserve executes the Observe phase inside a span with timing.
func (e *Engine) runObserve(ctx context.Context, s Strategy, actions []ActionResult) (*Observations, error) {
	ctx, span := e.tracer.Start(ctx, "engine.observe")
	defer span.End()
	start := time.Now()
	obs, err := s.Observe(ctx, actions)
	e.metrics.PhaseDuration.WithLabelValues(string(StatusObserving)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("observations.success", obs.Success),
		attribute.Bool("observations.requires_iteration", obs.RequiresIteration),
	)
	return obs, nil
}

// requestApproval consults the gate with an action derived from the analysis.
func (e *Engine) requestApproval(ctx context.Context, analysis *Analysis) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.approval")
	defer span.End()
	approved, err := e.gate.RequestApproval(ctx, approval.ProposedAction{
		Type:        "workflow_execution",
		Description: analysis.Plan,
		Impact:      approval.ImpactMedium,
		Reversible:  false,
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("approval.approved", approved))
	return approved, nil
}

// cancellationError reports cancellation observed at the iteration boundary.
func (e *Engine) cancellationError(ctx context.Context, entry *executionEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrExecutionCancelled, err)
	}
	e.mu.RLock()
	cancelled := entry.cancelled
	e.mu.RUnlock()
	if cancelled {
		return ErrExecutionCancelled
	}
	return nil
}

// setStatus advances the state machine. Terminal statuses are sticky: once an
// execution completed or failed no further transition is applied.
func (e *Engine) setStatus(entry *executionEntry, status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.state.Status.Terminal() {
		return
	}
	entry.state.Status = status
}

func (e *Engine) complete(entry *executionEntry) {
	e.setStatus(entry, StatusCompleted)
}

func (e *Engine) fail(entry *executionEntry, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry.state.Status.Terminal() {
		return
	}
	entry.state.Status = StatusFailed
	entry.state.Error = reason
}

// admit registers a fresh execution state, enforcing the concurrency limit.
func (e *Engine) admit(name string) (*executionEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.MaxConcurrent > 0 {
		active := 0
		for _, en := range e.states {
			if !en.state.Status.Terminal() {
				active++
			}
		}
		if active >= e.cfg.MaxConcurrent {
			return nil, ErrTooManyExecutions
		}
	}

	entry := &executionEntry{
		state: &ExecutionState{
			ID:        uuid.New().String(),
			Strategy:  name,
			Status:    StatusPending,
			StartedAt: time.Now(),
		},
	}
	e.states[entry.state.ID] = entry
	return entry, nil
}

// ListActive returns execution states that have not reached a terminal status.
func (e *Engine) ListActive() []ExecutionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ExecutionState, 0, len(e.states))
	for _, entry := range e.states {
		if !entry.state.Status.Terminal() {
			out = append(out, *entry.state)
		}
	}
	return out
}

// GetState returns an execution state by id. Completed states remain
// queryable for the retention window.
func (e *Engine) GetState(id string) (*ExecutionState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.states[id]
	if !ok {
		return nil, false
	}
	state := *entry.state
	return &state, true
}

// Cancel flags a live execution for cancellation and marks its state failed.
// The loop detects the flag at its next iteration boundary; phases already in
// flight run to completion. Returns false when the id is unknown.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.states[id]
	if !ok {
		return false
	}
	if entry.state.Status.Terminal() {
		return false
	}
	entry.cancelled = true
	entry.state.Status = StatusFailed
	entry.state.Error = ErrExecutionCancelled.Error()
	e.logger.Info("execution cancellation requested", zap.String("execution_id", id))
	return true
}
