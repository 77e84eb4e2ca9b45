package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taod/internal/approval"
)

// MockStrategy is a mock implementation of Strategy
type MockStrategy struct {
	mock.Mock
}

func (m *MockStrategy) Think(ctx context.Context) (*Analysis, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Analysis), args.Error(1)
}

func (m *MockStrategy) Act(ctx context.Context, analysis *Analysis) ([]ActionResult, error) {
	args := m.Called(ctx, analysis)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ActionResult), args.Error(1)
}

func (m *MockStrategy) Observe(ctx context.Context, results []ActionResult) (*Observations, error) {
	args := m.Called(ctx, results)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Observations), args.Error(1)
}

func (m *MockStrategy) Refine(ctx context.Context, obs *Observations) (Strategy, error) {
	args := m.Called(ctx, obs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Strategy), args.Error(1)
}

// MockApprover is a mock implementation of Approver
type MockApprover struct {
	mock.Mock
}

func (m *MockApprover) RequestApproval(ctx context.Context, action approval.ProposedAction, opts ...approval.RequestOption) (bool, error) {
	args := m.Called(ctx, action)
	return args.Bool(0), args.Error(1)
}

// scriptedStrategy runs a fixed sequence of observations, one per iteration.
type scriptedStrategy struct {
	mu           sync.Mutex
	iteration    int
	analysis     Analysis
	observations []Observations
}

func (s *scriptedStrategy) Think(context.Context) (*Analysis, error) {
	a := s.analysis
	return &a, nil
}

func (s *scriptedStrategy) Act(context.Context, *Analysis) ([]ActionResult, error) {
	return []ActionResult{{StepID: "step-1", Success: true, Output: "done"}}, nil
}

func (s *scriptedStrategy) Observe(context.Context, []ActionResult) (*Observations, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.iteration
	if idx >= len(s.observations) {
		idx = len(s.observations) - 1
	}
	s.iteration++
	obs := s.observations[idx]
	return &obs, nil
}

func (s *scriptedStrategy) Refine(context.Context, *Observations) (Strategy, error) {
	return s, nil
}

func TestNew_Defaults(t *testing.T) {
	eng := New(Config{}, nil, nil)

	require.NotNil(t, eng)
	assert.Equal(t, DefaultIterationCap, eng.cfg.IterationCap)
	assert.Equal(t, DefaultStateRetention, eng.cfg.StateRetention)
}

func TestEngine_RegisterAndCreateStrategy(t *testing.T) {
	eng := New(Config{}, nil, nil)
	want := &scriptedStrategy{}
	eng.RegisterStrategy("scripted", func(Request) Strategy { return want })

	got := eng.CreateStrategy("scripted", Request{ID: "r1"})
	assert.Same(t, Strategy(want), got)

	assert.Nil(t, eng.CreateStrategy("unregistered", Request{}))
}

func TestEngine_Execute_SingleIterationSuccess(t *testing.T) {
	eng := New(Config{IterationCap: 5}, nil, nil)
	strategy := &scriptedStrategy{
		analysis: Analysis{Plan: "do the thing", Confidence: 0.9},
		observations: []Observations{
			{Success: true, RequiresIteration: false, Feedback: "all good"},
		},
	}

	result, err := eng.Execute(context.Background(), strategy)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "do the thing", result.Analysis.Plan)
	assert.Len(t, result.Actions, 1)
	assert.Equal(t, "all good", result.Observations.Feedback)
}

func TestEngine_Execute_IteratesUntilObservationSettles(t *testing.T) {
	eng := New(Config{IterationCap: 5}, nil, nil)
	strategy := &scriptedStrategy{
		observations: []Observations{
			{Success: false, RequiresIteration: true, Feedback: "not yet"},
			{Success: false, RequiresIteration: true, Feedback: "closer"},
			{Success: true, RequiresIteration: false, Feedback: "done"},
		},
	}

	result, err := eng.Execute(context.Background(), strategy)

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Iterations)
	assert.Len(t, result.Actions, 3)
}

func TestEngine_Execute_IterationCapReached(t *testing.T) {
	eng := New(Config{IterationCap: 3}, nil, nil)
	strategy := &scriptedStrategy{
		observations: []Observations{
			{Success: false, RequiresIteration: true, Feedback: "keep going"},
		},
	}

	result, err := eng.Execute(context.Background(), strategy)

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Iterations)
	assert.Contains(t, result.Observations.Feedback, "Max iterations (3)")
	assert.False(t, result.Observations.RequiresIteration)
}

func TestEngine_Execute_ThinkErrorPropagatesUnmodified(t *testing.T) {
	eng := New(Config{}, nil, nil)
	wantErr := errors.New("model unavailable")
	strategy := &MockStrategy{}
	strategy.On("Think", mock.Anything).Return(nil, wantErr)

	result, err := eng.Execute(context.Background(), strategy)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, wantErr)
}

func TestEngine_Execute_ActErrorPropagatesUnmodified(t *testing.T) {
	eng := New(Config{}, nil, nil)
	wantErr := errors.New("tool crashed")
	strategy := &MockStrategy{}
	strategy.On("Think", mock.Anything).Return(&Analysis{Plan: "p"}, nil)
	strategy.On("Act", mock.Anything, mock.Anything).Return(nil, wantErr)

	result, err := eng.Execute(context.Background(), strategy)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, wantErr)
	strategy.AssertNotCalled(t, "Observe", mock.Anything, mock.Anything)
}

func TestEngine_Execute_ObserveErrorPropagatesUnmodified(t *testing.T) {
	eng := New(Config{}, nil, nil)
	wantErr := errors.New("sensor failure")
	strategy := &MockStrategy{}
	strategy.On("Think", mock.Anything).Return(&Analysis{Plan: "p"}, nil)
	strategy.On("Act", mock.Anything, mock.Anything).Return([]ActionResult{}, nil)
	strategy.On("Observe", mock.Anything, mock.Anything).Return(nil, wantErr)

	result, err := eng.Execute(context.Background(), strategy)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, wantErr)
}

func TestEngine_Execute_RefineErrorPropagatesUnmodified(t *testing.T) {
	eng := New(Config{IterationCap: 3}, nil, nil)
	wantErr := errors.New("refinement impossible")
	strategy := &MockStrategy{}
	strategy.On("Think", mock.Anything).Return(&Analysis{Plan: "p"}, nil)
	strategy.On("Act", mock.Anything, mock.Anything).Return([]ActionResult{}, nil)
	strategy.On("Observe", mock.Anything, mock.Anything).Return(&Observations{RequiresIteration: true}, nil)
	strategy.On("Refine", mock.Anything, mock.Anything).Return(nil, wantErr)

	result, err := eng.Execute(context.Background(), strategy)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, wantErr)
}

func TestEngine_Execute_ApprovalDeniedBypassesAct(t *testing.T) {
	gate := &MockApprover{}
	gate.On("RequestApproval", mock.Anything, mock.Anything).Return(false, nil)
	eng := New(Config{}, gate, nil)

	strategy := &MockStrategy{}
	strategy.On("Think", mock.Anything).Return(&Analysis{Plan: "risky plan", RequiresApproval: true}, nil)

	result, err := eng.Execute(context.Background(), strategy)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "Action denied by user", result.Observations.Feedback)
	strategy.AssertNotCalled(t, "Act", mock.Anything, mock.Anything)
	strategy.AssertNotCalled(t, "Observe", mock.Anything, mock.Anything)
}

func TestEngine_Execute_ApprovalGranted(t *testing.T) {
	gate := &MockApprover{}
	gate.On("RequestApproval", mock.Anything, mock.MatchedBy(func(a approval.ProposedAction) bool {
		return a.Type == "workflow_execution" && a.Description == "risky plan"
	})).Return(true, nil)
	eng := New(Config{}, gate, nil)

	strategy := &scriptedStrategy{
		analysis: Analysis{Plan: "risky plan", RequiresApproval: true},
		observations: []Observations{
			{Success: true, RequiresIteration: false},
		},
	}

	result, err := eng.Execute(context.Background(), strategy)

	require.NoError(t, err)
	assert.True(t, result.Success)
	gate.AssertExpectations(t)
}

func TestEngine_Execute_ApprovalErrorPropagates(t *testing.T) {
	gate := &MockApprover{}
	wantErr := errors.New("gate unavailable")
	gate.On("RequestApproval", mock.Anything, mock.Anything).Return(false, wantErr)
	eng := New(Config{}, gate, nil)

	strategy := &MockStrategy{}
	strategy.On("Think", mock.Anything).Return(&Analysis{RequiresApproval: true}, nil)

	result, err := eng.Execute(context.Background(), strategy)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, wantErr)
}

func TestEngine_Execute_AutoApproveAllSkipsGate(t *testing.T) {
	gate := &MockApprover{}
	eng := New(Config{AutoApproveAll: true}, gate, nil)

	strategy := &scriptedStrategy{
		analysis: Analysis{Plan: "p", RequiresApproval: true},
		observations: []Observations{
			{Success: true, RequiresIteration: false},
		},
	}

	result, err := eng.Execute(context.Background(), strategy)

	require.NoError(t, err)
	assert.True(t, result.Success)
	gate.AssertNotCalled(t, "RequestApproval", mock.Anything, mock.Anything)
}

func TestEngine_Execute_CancelledContextBeforeFirstIteration(t *testing.T) {
	eng := New(Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	strategy := &MockStrategy{}

	result, err := eng.Execute(ctx, strategy)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrExecutionCancelled)
	strategy.AssertNotCalled(t, "Think", mock.Anything)
}

func TestEngine_Execute_CancelObservedAtIterationBoundary(t *testing.T) {
	eng := New(Config{IterationCap: 5}, nil, nil)

	thinkStarted := make(chan string, 1)
	release := make(chan struct{})
	strategy := &boundaryStrategy{eng: eng, thinkStarted: thinkStarted, release: release}

	errCh := make(chan error, 1)
	go func() {
		_, err := eng.Execute(context.Background(), strategy)
		errCh <- err
	}()

	// Cancel mid-phase; the current iteration must still run to completion.
	id := <-thinkStarted
	require.True(t, eng.Cancel(id))
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrExecutionCancelled)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Cancel")
	}
	assert.Equal(t, 1, strategy.observeCalls, "in-flight iteration should finish its phases")
}

// boundaryStrategy signals when Think starts and always requires iteration, so
// cancellation lands at the next boundary check.
type boundaryStrategy struct {
	eng          *Engine
	thinkStarted chan string
	release      chan struct{}
	signalled    bool
	observeCalls int
}

func (s *boundaryStrategy) Think(context.Context) (*Analysis, error) {
	if !s.signalled {
		s.signalled = true
		active := s.eng.ListActive()
		s.thinkStarted <- active[0].ID
		<-s.release
	}
	return &Analysis{Plan: "loop"}, nil
}

func (s *boundaryStrategy) Act(context.Context, *Analysis) ([]ActionResult, error) {
	return nil, nil
}

func (s *boundaryStrategy) Observe(context.Context, []ActionResult) (*Observations, error) {
	s.observeCalls++
	return &Observations{RequiresIteration: true}, nil
}

func (s *boundaryStrategy) Refine(context.Context, *Observations) (Strategy, error) {
	return s, nil
}

func TestEngine_Cancel_UnknownOrTerminal(t *testing.T) {
	eng := New(Config{}, nil, nil)
	assert.False(t, eng.Cancel("missing"))

	strategy := &scriptedStrategy{
		observations: []Observations{{Success: true}},
	}
	_, err := eng.Execute(context.Background(), strategy)
	require.NoError(t, err)

	// The completed state is still in the table during retention; Cancel must
	// refuse to touch it.
	for _, id := range stateIDs(eng) {
		assert.False(t, eng.Cancel(id))
	}
}

func TestEngine_Execute_MaxConcurrentEnforced(t *testing.T) {
	eng := New(Config{MaxConcurrent: 1, IterationCap: 5}, nil, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &blockingStrategy{started: started, release: release}

	go func() {
		_, _ = eng.Execute(context.Background(), blocking)
	}()
	<-started

	_, err := eng.Execute(context.Background(), &scriptedStrategy{
		observations: []Observations{{Success: true}},
	})
	assert.ErrorIs(t, err, ErrTooManyExecutions)

	close(release)
}

// blockingStrategy holds Think open until released.
type blockingStrategy struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStrategy) Think(context.Context) (*Analysis, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return &Analysis{}, nil
}

func (s *blockingStrategy) Act(context.Context, *Analysis) ([]ActionResult, error) {
	return nil, nil
}

func (s *blockingStrategy) Observe(context.Context, []ActionResult) (*Observations, error) {
	return &Observations{Success: true}, nil
}

func (s *blockingStrategy) Refine(context.Context, *Observations) (Strategy, error) {
	return s, nil
}

func TestEngine_GetState_RetainedAfterCompletion(t *testing.T) {
	eng := New(Config{StateRetention: time.Minute}, nil, nil)
	strategy := &scriptedStrategy{
		observations: []Observations{{Success: true}},
	}

	_, err := eng.Execute(context.Background(), strategy)
	require.NoError(t, err)

	ids := stateIDs(eng)
	require.Len(t, ids, 1)

	state, ok := eng.GetState(ids[0])
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.False(t, state.CompletedAt.IsZero())
	assert.Equal(t, 1, state.Iterations)

	// Completed states are excluded from the active listing.
	assert.Empty(t, eng.ListActive())
}

func TestEngine_GetState_Unknown(t *testing.T) {
	eng := New(Config{}, nil, nil)
	_, ok := eng.GetState("missing")
	assert.False(t, ok)
}

func TestEngine_Execute_ProgressNotifications(t *testing.T) {
	eng := New(Config{}, nil, nil)
	strategy := &scriptedStrategy{
		observations: []Observations{{Success: true}},
	}

	var mu sync.Mutex
	var statuses []Status
	result, err := eng.Execute(context.Background(), strategy,
		WithStrategyName("scripted"),
		WithProgress(func(id string, status Status, message string) {
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		}))

	require.NoError(t, err)
	assert.True(t, result.Success)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusThinking, StatusActing, StatusObserving}, statuses)
}

func TestEngine_Execute_PanickingProgressSinkDoesNotAbort(t *testing.T) {
	eng := New(Config{}, nil, nil)
	strategy := &scriptedStrategy{
		observations: []Observations{{Success: true}},
	}

	result, err := eng.Execute(context.Background(), strategy,
		WithProgress(func(string, Status, string) {
			panic("sink exploded")
		}))

	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusThinking.Terminal())
	assert.False(t, StatusActing.Terminal())
	assert.False(t, StatusObserving.Terminal())
}

func stateIDs(e *Engine) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	return ids
}
