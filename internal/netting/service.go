// Package netting composes detection, planning and execution into the
// run/execute pipeline exposed to callers.
package netting

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"lsmnet/internal/domain"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

type Detector interface {
	Detect(ctx context.Context, seed string, currency domain.Currency) (*domain.ObligationGraph, map[string]domain.ParticipantLimit, error)
}

type Planner interface {
	Plan(graph *domain.ObligationGraph, limits map[string]domain.ParticipantLimit) (*domain.NettingPlan, error)
}

type Executor interface {
	Execute(ctx context.Context, plan *domain.NettingPlan) (*domain.ExecutionResult, error)
}

// Observer consumes planner verdicts off the critical path.
type Observer interface {
	Observe(plan *domain.NettingPlan)
}

type Service struct {
	detector Detector
	planner  Planner
	executor Executor
	observer Observer
	logger   logger.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*domain.NettingPlan
}

func NewService(detector Detector, planner Planner, executor Executor, observer Observer, log logger.Logger) *Service {
	return &Service{
		detector: detector,
		planner:  planner,
		executor: executor,
		observer: observer,
		logger:   log,
		pending:  make(map[uuid.UUID]*domain.NettingPlan),
	}
}

// RunNetting performs detect -> plan for the component reachable from the
// seed participant. The plan is parked for inspection; nothing durable
// changes until ExecuteNetting is called with it. The deadlock observer
// receives every plan, fire-and-forget.
func (s *Service) RunNetting(ctx context.Context, seed string, currency domain.Currency) (*domain.NettingPlan, error) {
	graph, limits, err := s.detector.Detect(ctx, seed, currency)
	if err != nil {
		return nil, err
	}

	plan, err := s.planner.Plan(graph, limits)
	if err != nil {
		return nil, err
	}

	if s.observer != nil {
		s.observer.Observe(plan)
	}

	s.mu.Lock()
	s.pending[plan.ID] = plan
	s.mu.Unlock()

	return plan, nil
}

// Plan returns a parked plan by ID.
func (s *Service) Plan(id uuid.UUID) (*domain.NettingPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.pending[id]
	if !ok {
		return nil, errors.ErrPlanNotFound
	}
	return plan, nil
}

// ExecuteNetting commits a parked plan. The plan is removed from the
// pending set whatever the outcome: a refused commit means the world
// moved since detection, so the plan is stale either way and the caller
// must run detection again.
func (s *Service) ExecuteNetting(ctx context.Context, planID uuid.UUID) (*domain.ExecutionResult, error) {
	s.mu.Lock()
	plan, ok := s.pending[planID]
	if ok {
		delete(s.pending, planID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, errors.ErrPlanNotFound
	}

	return s.executor.Execute(ctx, plan)
}

// ExecutePlan commits a caller-supplied plan directly, without the parked
// registry. Used by embedded callers that hold the plan themselves.
func (s *Service) ExecutePlan(ctx context.Context, plan *domain.NettingPlan) (*domain.ExecutionResult, error) {
	return s.executor.Execute(ctx, plan)
}
