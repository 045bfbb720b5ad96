// Package execute applies a netting plan as one atomic settlement.
package execute

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lsmnet/internal/domain"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

// Transfer is a single balance movement within a commit.
type Transfer struct {
	Participant string
	Amount      decimal.Decimal
}

// CommitRequest is the all-or-nothing state change an executed plan
// amounts to: debit the payers, credit the payees, delete the consumed
// obligations and insert the residuals.
type CommitRequest struct {
	Currency  domain.Currency
	Debits    []Transfer
	Credits   []Transfer
	Consumed  []domain.Obligation
	Residuals []domain.Obligation
}

// Committer is the external atomic multi-party commit capability. Commit
// applies the whole request or none of it; a refusal because state moved
// since detection comes back as errors.ErrCommitConflict, with nothing
// changed. The implementation holds an exclusive claim over every touched
// participant and obligation for the duration of the commit.
type Committer interface {
	Commit(ctx context.Context, req *CommitRequest) error
}

type Service struct {
	committer Committer
	logger    logger.Logger
}

func NewService(committer Committer, log logger.Logger) *Service {
	return &Service{committer: committer, logger: log}
}

// Execute validates the plan defensively and commits it atomically.
//
// Validation failures return errors.ErrInvalidPlan: they indicate a
// planner bug, never expected in correct operation, and the run is not
// retried. A commit refusal returns errors.ErrSettlementAborted with the
// obligation graph left exactly as before; the caller must re-detect
// before planning again. Re-submitting an already-applied plan is refused
// the same way, because its consumed obligations no longer exist.
func (s *Service) Execute(ctx context.Context, plan *domain.NettingPlan) (*domain.ExecutionResult, error) {
	if err := validate(plan); err != nil {
		s.logger.Error("Plan rejected before commit", map[string]interface{}{
			"plan_id": planID(plan),
			"error":   err.Error(),
		})
		return nil, err
	}

	req := buildCommitRequest(plan)
	if err := s.committer.Commit(ctx, req); err != nil {
		if errors.Is(err, errors.ErrCommitConflict) {
			s.logger.Warn("Settlement commit refused", map[string]interface{}{
				"plan_id": plan.ID,
				"error":   err.Error(),
			})
			return nil, errors.Wrap(errors.ErrSettlementAborted, "execute")
		}
		return nil, errors.Wrap(err, "execute: commit failed")
	}

	result := &domain.ExecutionResult{
		PlanID:      plan.ID,
		Payments:    len(plan.Payments),
		Consumed:    len(plan.Consumed),
		Residuals:   len(plan.Residuals),
		CompletedAt: time.Now().UTC(),
	}

	s.logger.Info("Settlement executed", map[string]interface{}{
		"plan_id":   plan.ID,
		"payments":  result.Payments,
		"consumed":  result.Consumed,
		"residuals": result.Residuals,
		"verdict":   plan.Verdict,
	})

	return result, nil
}

func validate(plan *domain.NettingPlan) error {
	if plan == nil || len(plan.Consumed) == 0 {
		return errors.Wrap(errors.ErrInvalidPlan, "no consumed obligations")
	}

	paid := make(map[string]decimal.Decimal)
	for _, p := range plan.Payments {
		if !p.Amount.IsPositive() {
			return errors.Wrap(errors.ErrInvalidPlan, "non-positive payment "+p.Payer+"->"+p.Payee)
		}
		paid[p.Payer] = paid[p.Payer].Add(p.Amount)
	}
	for payer, total := range paid {
		limit, ok := plan.Limits[payer]
		if !ok || total.GreaterThan(limit) {
			return errors.Wrap(errors.ErrInvalidPlan, "payments by "+payer+" exceed limit snapshot")
		}
	}

	for _, ob := range plan.Residuals {
		if !ob.Amount.IsPositive() {
			return errors.Wrap(errors.ErrInvalidPlan, "non-positive residual "+ob.Debtor+"->"+ob.Creditor)
		}
	}

	// Net positions must already balance; a mismatch here means the plan
	// was tampered with or the planner is broken.
	before := domain.NetPositions(plan.Consumed)
	after := domain.NetPositions(plan.Residuals)
	for _, p := range plan.Payments {
		after[p.Payer] = after[p.Payer].Add(p.Amount)
		after[p.Payee] = after[p.Payee].Sub(p.Amount)
	}
	for participant, pos := range before {
		if !after[participant].Equal(pos) {
			return errors.Wrap(errors.ErrInvalidPlan, "net position of "+participant+" not preserved")
		}
	}

	return nil
}

func buildCommitRequest(plan *domain.NettingPlan) *CommitRequest {
	req := &CommitRequest{
		Currency: plan.Currency,
		Consumed: plan.Consumed,
	}

	for _, p := range plan.Payments {
		req.Debits = append(req.Debits, Transfer{Participant: p.Payer, Amount: p.Amount})
		req.Credits = append(req.Credits, Transfer{Participant: p.Payee, Amount: p.Amount})
	}

	for _, ob := range plan.Residuals {
		if ob.ID == uuid.Nil {
			ob.ID = uuid.New()
		}
		if ob.CreatedAt.IsZero() {
			ob.CreatedAt = time.Now().UTC()
		}
		req.Residuals = append(req.Residuals, ob)
	}

	return req
}

func planID(plan *domain.NettingPlan) interface{} {
	if plan == nil {
		return nil
	}
	return plan.ID
}
