// Package limit resolves participants' usable settlement capacity.
package limit

import (
	"context"

	"github.com/shopspring/decimal"

	"lsmnet/internal/domain"
	"lsmnet/pkg/errors"
)

// AccountRepository is the external balance query.
type AccountRepository interface {
	FindByParticipant(ctx context.Context, participant string, currency domain.Currency) (*domain.Account, error)
}

type Service struct {
	accounts AccountRepository
}

func NewService(accounts AccountRepository) *Service {
	return &Service{accounts: accounts}
}

// Resolve snapshots a participant's available capacity: cash balance plus
// the unused approved pledge. The result is never negative; an overdrawn
// balance clamps to zero rather than poisoning the planner with negative
// limits.
func (s *Service) Resolve(ctx context.Context, participant string, currency domain.Currency) (domain.ParticipantLimit, error) {
	account, err := s.accounts.FindByParticipant(ctx, participant, currency)
	if err != nil {
		return domain.ParticipantLimit{}, errors.Wrap(err, "limit: account lookup failed")
	}

	available := account.Balance.Add(account.Pledged)
	if available.IsNegative() {
		available = decimal.Zero
	}

	return domain.ParticipantLimit{
		Participant: participant,
		Available:   available,
	}, nil
}
