package engine

import (
	"context"
	"errors"
	"time"
)

// Request is the opaque caller-supplied input handed to a strategy factory.
// Immutable once created.
type Request struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PlannedStep is one step of an analysis plan.
type PlannedStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Analysis is the output of a strategy's Think phase, produced fresh each
// iteration.
type Analysis struct {
	Plan             string        `json:"plan"`
	Steps            []PlannedStep `json:"steps"`
	RequiresApproval bool          `json:"requires_approval"`
	Confidence       float64       `json:"confidence"`
}

// ActionResult captures the outcome of one acted step.
type ActionResult struct {
	StepID   string        `json:"step_id"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Observations is the outcome of a strategy's Observe phase.
type Observations struct {
	Success           bool     `json:"success"`
	RequiresIteration bool     `json:"requires_iteration"`
	Feedback          string   `json:"feedback"`
	Suggestions       []string `json:"suggestions,omitempty"`
}

// Strategy is the contract the engine drives. Refine returns the strategy for
// the next iteration; returning a new value keeps iterations independent and
// inspectable, though returning the receiver is allowed.
type Strategy interface {
	Think(ctx context.Context) (*Analysis, error)
	Act(ctx context.Context, analysis *Analysis) ([]ActionResult, error)
	Observe(ctx context.Context, results []ActionResult) (*Observations, error)
	Refine(ctx context.Context, obs *Observations) (Strategy, error)
}

// Factory builds a strategy instance for a request.
type Factory func(req Request) Strategy

// Status is the lifecycle state of an execution. During the loop it cycles
// through the phase states; completed and failed are terminal and sticky.
type Status string

const (
	StatusPending   Status = "pending"
	StatusThinking  Status = "thinking"
	StatusActing    Status = "acting"
	StatusObserving Status = "observing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExecutionState is the live record of one Execute call. It is owned by the
// engine and retained briefly after completion so late status queries still
// succeed.
type ExecutionState struct {
	ID          string    `json:"id"`
	Strategy    string    `json:"strategy"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Iterations  int       `json:"iterations"`
	Error       string    `json:"error,omitempty"`
}

// ExecutionResult is the terminal outcome of Execute. Denial and iteration
// cap exhaustion are normal results with Success=false, not errors.
type ExecutionResult struct {
	Success      bool           `json:"success"`
	Analysis     *Analysis      `json:"analysis,omitempty"`
	Actions      []ActionResult `json:"actions,omitempty"`
	Observations *Observations  `json:"observations,omitempty"`
	Iterations   int            `json:"iterations"`
}

// ProgressFunc receives phase progress notifications. The engine never blocks
// on it and panics inside it do not abort execution.
type ProgressFunc func(executionID string, status Status, message string)

// Errors distinguishable by callers of Execute.
var (
	// ErrExecutionCancelled is returned when cancellation was observed at an
	// iteration boundary, either via context or Cancel(id).
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrTooManyExecutions is returned when the configured concurrency limit
	// would be exceeded.
	ErrTooManyExecutions = errors.New("too many concurrent executions")
)
