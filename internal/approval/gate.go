package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrGateDisposed is returned by RequestApproval after Dispose.
var ErrGateDisposed = errors.New("approval gate disposed")

const (
	// DefaultTimeout bounds an approval request when no explicit timeout is given.
	DefaultTimeout = 30 * time.Second

	// DefaultRetention is how long settled requests remain queryable.
	DefaultRetention = 60 * time.Second
)

// Config configures gate timeouts and retention.
type Config struct {
	// DefaultTimeout is used when RequestApproval is called without WithTimeout.
	DefaultTimeout time.Duration `koanf:"default_timeout"`

	// RequestRetention is how long settled requests stay in the history table.
	RequestRetention time.Duration `koanf:"request_retention"`
}

// Gate evaluates governance rules against proposed actions and manages the
// lifecycle of interactive approval requests.
//
// A request settles exactly once: whichever of explicit resolution, timeout,
// cancellation, or disposal happens first wins. Later attempts on the same id
// are no-ops.
type Gate struct {
	mu      sync.Mutex
	rules   []Rule
	pending map[string]*pendingRequest
	history map[string]*Request

	presenter Presenter
	audit     AuditRecorder
	logger    *zap.Logger
	metrics   *Metrics
	cfg       Config

	disposed bool
}

// pendingRequest pairs a request with its single-resolution future.
type pendingRequest struct {
	req   *Request
	done  chan bool
	timer *time.Timer
}

// NewGate creates a gate. presenter and audit may be nil: without a presenter
// interactive requests simply wait for Resolve or timeout; without an audit
// recorder decisions are only logged.
func NewGate(cfg Config, presenter Presenter, audit AuditRecorder, logger *zap.Logger) *Gate {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.RequestRetention <= 0 {
		cfg.RequestRetention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		pending:   make(map[string]*pendingRequest),
		history:   make(map[string]*Request),
		presenter: presenter,
		audit:     audit,
		logger:    logger,
		metrics:   NewMetrics(),
		cfg:       cfg,
	}
}

// AddRule registers a governance rule. Rules are kept sorted by descending
// priority so evaluation is first-match-wins.
func (g *Gate) AddRule(rule Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, rule)
	sortRules(g.rules)
}

// RemoveRule deletes a rule by id, returning false if the id is unknown.
func (g *Gate) RemoveRule(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.rules {
		if r.ID == id {
			g.rules = append(g.rules[:i], g.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a copy of the rule set sorted by descending priority.
func (g *Gate) Rules() []Rule {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// ReplaceRules swaps the entire rule set. Used by the configuration watcher
// when the governance rules file changes.
func (g *Gate) ReplaceRules(rules []Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = make([]Rule, len(rules))
	copy(g.rules, rules)
	sortRules(g.rules)
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// RequestOption customizes a single approval request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the gate's default timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// RequestApproval evaluates governance rules against the action and, when no
// rule short-circuits, creates a time-bounded approval request and waits for
// its settlement.
//
// The first matching rule by priority decides: AutoApprove resolves true with
// no request created and no prompt shown; a rule that neither auto-approves
// nor requires approval denies immediately; RequiresApproval falls through to
// the interactive path. With no matching rule the action is interactive.
func (g *Gate) RequestApproval(ctx context.Context, action ProposedAction, opts ...RequestOption) (bool, error) {
	o := requestOptions{timeout: g.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return false, ErrGateDisposed
	}
	if rule, ok := matchRule(g.rules, action); ok {
		if rule.AutoApprove {
			g.mu.Unlock()
			g.logger.Info("action auto-approved by rule",
				zap.String("rule_id", rule.ID),
				zap.String("action_type", action.Type))
			g.recordDecision(DecisionEvent{Action: action, Outcome: OutcomeAutoApproved, Timestamp: time.Now()})
			return true, nil
		}
		if !rule.RequiresApproval {
			g.mu.Unlock()
			g.logger.Info("action auto-denied by rule",
				zap.String("rule_id", rule.ID),
				zap.String("action_type", action.Type))
			g.recordDecision(DecisionEvent{Action: action, Outcome: OutcomeAutoDenied, Timestamp: time.Now()})
			return false, nil
		}
		// RequiresApproval: fall through to the interactive path.
	}

	req := &Request{
		ID:        uuid.New().String(),
		Action:    action,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	pr := &pendingRequest{
		req:  req,
		done: make(chan bool, 1),
	}
	g.pending[req.ID] = pr
	g.history[req.ID] = req
	pr.timer = time.AfterFunc(o.timeout, func() {
		g.settle(req.ID, false, StatusExpired, "approval timeout", OutcomeExpired)
	})
	g.metrics.PendingRequests.Inc()
	g.mu.Unlock()

	g.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("action_type", action.Type),
		zap.String("impact", string(action.Impact)),
		zap.Duration("timeout", o.timeout))

	if g.presenter != nil {
		go g.present(ctx, *req)
	}

	select {
	case approved := <-pr.done:
		return approved, nil
	case <-ctx.Done():
		g.settle(req.ID, false, StatusDenied, "caller cancelled", OutcomeCancelled)
		return false, ctx.Err()
	}
}

// present drives the presentation channel until it yields a settling decision
// or gives up. ViewDetails re-presents without settling; the original timer
// keeps running, so a slow reviewer can still time out.
func (g *Gate) present(ctx context.Context, req Request) {
	for {
		decision, err := g.presenter.Present(ctx, req)
		if err != nil {
			g.logger.Warn("presentation channel failed",
				zap.String("request_id", req.ID),
				zap.Error(err))
			return
		}
		switch decision {
		case DecisionApprove:
			g.Resolve(req.ID, true, "")
			return
		case DecisionDeny:
			g.Resolve(req.ID, false, "")
			return
		case DecisionViewDetails:
			g.logger.Debug("approver requested details, re-presenting",
				zap.String("request_id", req.ID))
			continue
		default:
			// Dismissed: leave the request to Resolve or the timer.
			return
		}
	}
}

// Resolve delivers an external decision for a pending request. Returns false
// when the id is unknown or the request already settled.
func (g *Gate) Resolve(id string, approved bool, comment string) bool {
	status := StatusDenied
	outcome := OutcomeDenied
	if approved {
		status = StatusApproved
		outcome = OutcomeApproved
	}
	return g.settle(id, approved, status, comment, outcome)
}

// Cancel explicitly cancels a pending request, settling it as denied.
func (g *Gate) Cancel(id string) bool {
	return g.settle(id, false, StatusDenied, "cancelled", OutcomeCancelled)
}

// settle performs the single resolution of a request. All settlement paths
// (explicit decision, timeout, cancel, dispose) funnel through here; the
// pending entry is removed on first settlement, making later calls no-ops.
func (g *Gate) settle(id string, approved bool, status Status, comment string, outcome Outcome) bool {
	g.mu.Lock()
	pr, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, id)
	pr.timer.Stop()
	pr.req.Status = status
	pr.req.Comment = comment
	pr.req.ResolvedAt = time.Now()
	retention := g.cfg.RequestRetention
	g.mu.Unlock()

	pr.done <- approved
	g.metrics.PendingRequests.Dec()
	g.metrics.RequestsTotal.WithLabelValues(string(outcome)).Inc()
	g.metrics.ResolutionDuration.Observe(pr.req.ResolvedAt.Sub(pr.req.CreatedAt).Seconds())

	g.logger.Info("approval settled",
		zap.String("request_id", id),
		zap.String("status", string(status)),
		zap.String("outcome", string(outcome)))

	g.recordDecision(DecisionEvent{
		RequestID: id,
		Action:    pr.req.Action,
		Outcome:   outcome,
		Comment:   comment,
		Timestamp: pr.req.ResolvedAt,
	})

	time.AfterFunc(retention, func() {
		g.mu.Lock()
		delete(g.history, id)
		g.mu.Unlock()
	})
	return true
}

// recordDecision reports a decision to the audit recorder. Failures are
// logged, never propagated.
func (g *Gate) recordDecision(event DecisionEvent) {
	if event.Outcome == OutcomeAutoApproved || event.Outcome == OutcomeAutoDenied {
		g.metrics.RequestsTotal.WithLabelValues(string(event.Outcome)).Inc()
	}
	if g.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.audit.RecordDecision(ctx, event); err != nil {
		g.logger.Warn("audit recording failed",
			zap.String("request_id", event.RequestID),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err))
	}
}

// Pending returns the currently unsettled requests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, pr := range g.pending {
		out = append(out, *pr.req)
	}
	sortRequests(out)
	return out
}

// All returns pending and recently settled requests.
func (g *Gate) All() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.history))
	for _, req := range g.history {
		out = append(out, *req)
	}
	sortRequests(out)
	return out
}

// Get returns one request by id, pending or recently settled.
func (g *Gate) Get(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.history[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}

// Dispose denies every pending request and clears gate state. Used at process
// shutdown; subsequent RequestApproval calls fail with ErrGateDisposed.
func (g *Gate) Dispose() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.settle(id, false, StatusDenied, "gate disposed", OutcomeDisposed)
	}

	g.mu.Lock()
	g.rules = nil
	g.history = make(map[string]*Request)
	g.mu.Unlock()

	g.logger.Info("approval gate disposed", zap.Int("denied_pending", len(ids)))
}

// matchRule returns the highest-priority rule matching the action.
func matchRule(rules []Rule, action ProposedAction) (Rule, bool) {
	for _, r := range rules {
		if r.Match != nil && r.Match(action) {
			return r, true
		}
	}
	return Rule{}, false
}
