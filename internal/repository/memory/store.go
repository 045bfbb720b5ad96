// Package memory provides an in-process store with the same contracts as
// the postgres repositories: snapshot obligation listings, account lookups
// and an all-or-nothing commit. It backs the simulator and the executor
// tests, where commit failures need to be injectable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lsmnet/internal/domain"
	"lsmnet/internal/execute"
	"lsmnet/pkg/errors"
)

type accountKey struct {
	participant string
	currency    domain.Currency
}

type Store struct {
	mu          sync.Mutex
	obligations map[uuid.UUID]domain.Obligation
	accounts    map[accountKey]domain.Account
	seq         int64

	// FailCommitAfterDebits injects a commit failure once that many
	// debits have been applied to the staged state. Negative disables.
	FailCommitAfterDebits int
}

func NewStore() *Store {
	return &Store{
		obligations:           make(map[uuid.UUID]domain.Obligation),
		accounts:              make(map[accountKey]domain.Account),
		FailCommitAfterDebits: -1,
	}
}

// OpenAccount creates a participant account with an opening balance.
func (s *Store) OpenAccount(participant string, currency domain.Currency, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountKey{participant, currency}] = domain.Account{
		Participant: participant,
		Currency:    currency,
		Balance:     balance,
		Pledged:     decimal.Zero,
		UpdatedAt:   time.Now().UTC(),
	}
}

// ApprovePledge records central-bank approved collateral, raising the
// participant's usable limit without moving cash.
func (s *Store) ApprovePledge(participant string, currency domain.Currency, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountKey{participant, currency}
	account, ok := s.accounts[key]
	if !ok {
		account = domain.Account{Participant: participant, Currency: currency}
	}
	account.Pledged = account.Pledged.Add(amount)
	account.UpdatedAt = time.Now().UTC()
	s.accounts[key] = account
}

// AddObligation issues a new obligation with the next sequence number.
func (s *Store) AddObligation(debtor, creditor string, amount decimal.Decimal, currency domain.Currency) domain.Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ob := domain.Obligation{
		ID:        uuid.New(),
		Debtor:    debtor,
		Creditor:  creditor,
		Amount:    amount,
		Currency:  currency,
		Sequence:  s.seq,
		CreatedAt: time.Now().UTC(),
	}
	s.obligations[ob.ID] = ob
	return ob
}

// RemoveObligation deletes an obligation out-of-band, simulating a
// concurrent modification between detection and execution.
func (s *Store) RemoveObligation(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.obligations, id)
}

func (s *Store) ListByParticipant(ctx context.Context, participant string, currency domain.Currency) ([]domain.Obligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Obligation
	for _, ob := range s.obligations {
		if ob.Currency != currency {
			continue
		}
		if ob.Debtor == participant || ob.Creditor == participant {
			out = append(out, ob)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) FindByParticipant(ctx context.Context, participant string, currency domain.Currency) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountKey{participant, currency}]
	if !ok {
		return nil, errors.ErrParticipantNotFound
	}
	return &account, nil
}

// Commit applies the request all-or-nothing. Mutations are staged on a
// copy of the account set and only swapped in on success, so an injected
// failure mid-way leaves nothing observable.
func (s *Store) Commit(ctx context.Context, req *execute.CommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ob := range req.Consumed {
		if _, ok := s.obligations[ob.ID]; !ok {
			return errors.Wrap(errors.ErrCommitConflict, "obligation "+ob.ID.String()+" no longer exists")
		}
	}

	staged := make(map[accountKey]domain.Account, len(s.accounts))
	for k, v := range s.accounts {
		staged[k] = v
	}

	now := time.Now().UTC()
	for i, debit := range req.Debits {
		if s.FailCommitAfterDebits >= 0 && i >= s.FailCommitAfterDebits {
			return errors.Wrap(errors.ErrCommitConflict, "injected commit failure")
		}
		key := accountKey{debit.Participant, req.Currency}
		account, ok := staged[key]
		if !ok {
			return errors.Wrap(errors.ErrCommitConflict, "unknown account "+debit.Participant)
		}
		if account.Balance.Add(account.Pledged).LessThan(debit.Amount) {
			return errors.Wrap(errors.ErrCommitConflict, "insufficient liquidity for "+debit.Participant)
		}
		account.Balance = account.Balance.Sub(debit.Amount)
		account.UpdatedAt = now
		staged[key] = account
	}

	for _, credit := range req.Credits {
		key := accountKey{credit.Participant, req.Currency}
		account, ok := staged[key]
		if !ok {
			return errors.Wrap(errors.ErrCommitConflict, "unknown account "+credit.Participant)
		}
		account.Balance = account.Balance.Add(credit.Amount)
		account.UpdatedAt = now
		staged[key] = account
	}

	s.accounts = staged
	for _, ob := range req.Consumed {
		delete(s.obligations, ob.ID)
	}
	for _, ob := range req.Residuals {
		if ob.ID == uuid.Nil {
			ob.ID = uuid.New()
		}
		if ob.Sequence > s.seq {
			s.seq = ob.Sequence
		}
		s.obligations[ob.ID] = ob
	}

	return nil
}

// Balance returns the current cash balance for display and assertions.
func (s *Store) Balance(participant string, currency domain.Currency) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[accountKey{participant, currency}].Balance
}

// Obligations returns every outstanding obligation sorted by sequence.
func (s *Store) Obligations() []domain.Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Obligation, 0, len(s.obligations))
	for _, ob := range s.obligations {
		out = append(out, ob)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
