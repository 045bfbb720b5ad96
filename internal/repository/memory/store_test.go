package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmnet/internal/domain"
	"lsmnet/internal/execute"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

func seededStore() *Store {
	store := NewStore()
	store.OpenAccount("bank1", domain.SGD, decimal.NewFromInt(100))
	store.OpenAccount("bank2", domain.SGD, decimal.NewFromInt(200))
	store.ApprovePledge("bank1", domain.SGD, decimal.NewFromInt(50))
	return store
}

func TestListByParticipantFiltersAndSorts(t *testing.T) {
	store := seededStore()
	store.AddObligation("bank2", "bank1", decimal.NewFromInt(30), domain.SGD)
	store.AddObligation("bank1", "bank2", decimal.NewFromInt(10), domain.SGD)
	store.AddObligation("bank1", "bank2", decimal.NewFromInt(99), domain.USD)
	store.AddObligation("bank2", "bank3", decimal.NewFromInt(5), domain.SGD)

	obs, err := store.ListByParticipant(context.Background(), "bank1", domain.SGD)
	require.NoError(t, err)
	require.Len(t, obs, 2, "other currencies and uninvolved obligations are excluded")
	assert.Equal(t, int64(1), obs[0].Sequence)
	assert.Equal(t, int64(2), obs[1].Sequence)
}

func TestFindByParticipant(t *testing.T) {
	store := seededStore()

	account, err := store.FindByParticipant(context.Background(), "bank1", domain.SGD)
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(100)))
	assert.True(t, account.Pledged.Equal(decimal.NewFromInt(50)))

	_, err = store.FindByParticipant(context.Background(), "bank1", domain.USD)
	assert.True(t, errors.Is(err, errors.ErrParticipantNotFound))
}

func TestCommitAppliesAllOrNothing(t *testing.T) {
	store := seededStore()
	ob := store.AddObligation("bank1", "bank2", decimal.NewFromInt(100), domain.SGD)

	err := store.Commit(context.Background(), &execute.CommitRequest{
		Currency: domain.SGD,
		Debits:   []execute.Transfer{{Participant: "bank1", Amount: decimal.NewFromInt(40)}},
		Credits:  []execute.Transfer{{Participant: "bank2", Amount: decimal.NewFromInt(40)}},
		Consumed: []domain.Obligation{ob},
		Residuals: []domain.Obligation{
			{Debtor: "bank1", Creditor: "bank2", Amount: decimal.NewFromInt(60), Currency: domain.SGD, Sequence: 2},
		},
	})
	require.NoError(t, err)

	assert.True(t, store.Balance("bank1", domain.SGD).Equal(decimal.NewFromInt(60)))
	assert.True(t, store.Balance("bank2", domain.SGD).Equal(decimal.NewFromInt(240)))

	outstanding := store.Obligations()
	require.Len(t, outstanding, 1)
	assert.NotEqual(t, uuid.Nil, outstanding[0].ID, "residuals are assigned fresh IDs")
	assert.True(t, outstanding[0].Amount.Equal(decimal.NewFromInt(60)))
}

func TestCommitConflictWhenObligationRemoved(t *testing.T) {
	store := seededStore()
	ob := store.AddObligation("bank1", "bank2", decimal.NewFromInt(100), domain.SGD)
	store.RemoveObligation(ob.ID)

	err := store.Commit(context.Background(), &execute.CommitRequest{
		Currency: domain.SGD,
		Debits:   []execute.Transfer{{Participant: "bank1", Amount: decimal.NewFromInt(40)}},
		Credits:  []execute.Transfer{{Participant: "bank2", Amount: decimal.NewFromInt(40)}},
		Consumed: []domain.Obligation{ob},
	})
	assert.True(t, errors.Is(err, errors.ErrCommitConflict))
	assert.True(t, store.Balance("bank1", domain.SGD).Equal(decimal.NewFromInt(100)))
}

func TestInjectedFailureLeavesStateUntouched(t *testing.T) {
	store := seededStore()
	ob1 := store.AddObligation("bank1", "bank2", decimal.NewFromInt(40), domain.SGD)
	ob2 := store.AddObligation("bank2", "bank3", decimal.NewFromInt(30), domain.SGD)
	store.OpenAccount("bank3", domain.SGD, decimal.Zero)

	// Fail after the first of two debits: nothing may stick.
	store.FailCommitAfterDebits = 1
	err := store.Commit(context.Background(), &execute.CommitRequest{
		Currency: domain.SGD,
		Debits: []execute.Transfer{
			{Participant: "bank1", Amount: decimal.NewFromInt(40)},
			{Participant: "bank2", Amount: decimal.NewFromInt(30)},
		},
		Credits: []execute.Transfer{
			{Participant: "bank2", Amount: decimal.NewFromInt(40)},
			{Participant: "bank3", Amount: decimal.NewFromInt(30)},
		},
		Consumed: []domain.Obligation{ob1, ob2},
	})
	assert.True(t, errors.Is(err, errors.ErrCommitConflict))

	assert.True(t, store.Balance("bank1", domain.SGD).Equal(decimal.NewFromInt(100)))
	assert.True(t, store.Balance("bank2", domain.SGD).Equal(decimal.NewFromInt(200)))
	assert.Len(t, store.Obligations(), 2, "consumed obligations survive a failed commit")
}

func TestExecuteThroughStoreRefusesReplay(t *testing.T) {
	store := seededStore()
	ob := store.AddObligation("bank1", "bank2", decimal.NewFromInt(100), domain.SGD)

	service := execute.NewService(store, logger.NewNop())
	nettingPlan := &domain.NettingPlan{
		ID:       uuid.New(),
		Currency: domain.SGD,
		Payments: []domain.Payment{
			{Payer: "bank1", Payee: "bank2", Amount: decimal.NewFromInt(40)},
		},
		Residuals: []domain.Obligation{
			{Debtor: "bank1", Creditor: "bank2", Amount: decimal.NewFromInt(60), Currency: domain.SGD, Sequence: 2},
		},
		Consumed: []domain.Obligation{ob},
		Limits: map[string]decimal.Decimal{
			"bank1": decimal.NewFromInt(150),
			"bank2": decimal.NewFromInt(200),
		},
		Verdict: domain.VerdictPartiallySettled,
	}

	result, err := service.Execute(context.Background(), nettingPlan)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Consumed)

	// The consumed obligation is gone, so replaying the same plan must be
	// refused rather than double-settled.
	_, err = service.Execute(context.Background(), nettingPlan)
	assert.True(t, errors.Is(err, errors.ErrSettlementAborted))
	assert.True(t, store.Balance("bank1", domain.SGD).Equal(decimal.NewFromInt(60)))
}
