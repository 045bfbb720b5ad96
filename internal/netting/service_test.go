package netting

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lsmnet/internal/domain"
	pkgerrors "lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

// Mocks

type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Detect(ctx context.Context, seed string, currency domain.Currency) (*domain.ObligationGraph, map[string]domain.ParticipantLimit, error) {
	args := m.Called(ctx, seed, currency)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*domain.ObligationGraph), args.Get(1).(map[string]domain.ParticipantLimit), args.Error(2)
}

type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Plan(graph *domain.ObligationGraph, limits map[string]domain.ParticipantLimit) (*domain.NettingPlan, error) {
	args := m.Called(graph, limits)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.NettingPlan), args.Error(1)
}

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, plan *domain.NettingPlan) (*domain.ExecutionResult, error) {
	args := m.Called(ctx, plan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExecutionResult), args.Error(1)
}

type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) Observe(plan *domain.NettingPlan) {
	m.Called(plan)
}

func pipeline() (*Service, *MockDetector, *MockPlanner, *MockExecutor, *MockObserver) {
	detector := new(MockDetector)
	planner := new(MockPlanner)
	executor := new(MockExecutor)
	observer := new(MockObserver)
	service := NewService(detector, planner, executor, observer, logger.NewNop())
	return service, detector, planner, executor, observer
}

// Tests

func TestRunNettingParksPlanAndObserves(t *testing.T) {
	service, detector, planner, _, observer := pipeline()

	graph := &domain.ObligationGraph{Currency: domain.SGD, Participants: []string{"bank1", "bank2"}}
	limits := map[string]domain.ParticipantLimit{}
	plan := &domain.NettingPlan{ID: uuid.New(), Currency: domain.SGD, Verdict: domain.VerdictSettled}

	detector.On("Detect", mock.Anything, "bank1", domain.SGD).Return(graph, limits, nil)
	planner.On("Plan", graph, limits).Return(plan, nil)
	observer.On("Observe", plan).Return()

	got, err := service.RunNetting(context.Background(), "bank1", domain.SGD)
	require.NoError(t, err)
	assert.Equal(t, plan, got)

	parked, err := service.Plan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan, parked)

	observer.AssertExpectations(t)
}

func TestRunNettingDetectErrorPropagates(t *testing.T) {
	service, detector, planner, _, observer := pipeline()

	detector.On("Detect", mock.Anything, "bank1", domain.SGD).
		Return(nil, nil, pkgerrors.ErrNoObligationsFound)

	_, err := service.RunNetting(context.Background(), "bank1", domain.SGD)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNoObligationsFound))
	planner.AssertNotCalled(t, "Plan", mock.Anything, mock.Anything)
	observer.AssertNotCalled(t, "Observe", mock.Anything)
}

func TestRunNettingPlanErrorPropagates(t *testing.T) {
	service, detector, planner, _, observer := pipeline()

	graph := &domain.ObligationGraph{Currency: domain.SGD}
	limits := map[string]domain.ParticipantLimit{}
	detector.On("Detect", mock.Anything, "bank1", domain.SGD).Return(graph, limits, nil)
	planner.On("Plan", graph, limits).Return(nil, errors.New("bad graph"))

	_, err := service.RunNetting(context.Background(), "bank1", domain.SGD)
	assert.Error(t, err)
	observer.AssertNotCalled(t, "Observe", mock.Anything)
}

func TestExecuteNettingConsumesParkedPlan(t *testing.T) {
	service, detector, planner, executor, observer := pipeline()

	graph := &domain.ObligationGraph{Currency: domain.SGD}
	limits := map[string]domain.ParticipantLimit{}
	plan := &domain.NettingPlan{ID: uuid.New(), Currency: domain.SGD}
	result := &domain.ExecutionResult{PlanID: plan.ID, Payments: 2}

	detector.On("Detect", mock.Anything, "bank1", domain.SGD).Return(graph, limits, nil)
	planner.On("Plan", graph, limits).Return(plan, nil)
	observer.On("Observe", plan).Return()
	executor.On("Execute", mock.Anything, plan).Return(result, nil)

	_, err := service.RunNetting(context.Background(), "bank1", domain.SGD)
	require.NoError(t, err)

	got, err := service.ExecuteNetting(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, result, got)

	// The plan is gone once executed; a second attempt must be refused.
	_, err = service.ExecuteNetting(context.Background(), plan.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrPlanNotFound))
	executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestExecuteNettingRemovesPlanEvenWhenCommitRefused(t *testing.T) {
	service, detector, planner, executor, observer := pipeline()

	graph := &domain.ObligationGraph{Currency: domain.SGD}
	limits := map[string]domain.ParticipantLimit{}
	plan := &domain.NettingPlan{ID: uuid.New(), Currency: domain.SGD}

	detector.On("Detect", mock.Anything, "bank1", domain.SGD).Return(graph, limits, nil)
	planner.On("Plan", graph, limits).Return(plan, nil)
	observer.On("Observe", plan).Return()
	executor.On("Execute", mock.Anything, plan).Return(nil, pkgerrors.ErrSettlementAborted)

	_, err := service.RunNetting(context.Background(), "bank1", domain.SGD)
	require.NoError(t, err)

	_, err = service.ExecuteNetting(context.Background(), plan.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrSettlementAborted))

	// A refused plan is stale; it must not be retryable.
	_, err = service.Plan(plan.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrPlanNotFound))
}

func TestExecuteNettingUnknownPlan(t *testing.T) {
	service, _, _, executor, _ := pipeline()

	_, err := service.ExecuteNetting(context.Background(), uuid.New())
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrPlanNotFound))
	executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}
