package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lsmnet/internal/domain"
	pkgerrors "lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

// Mocks

type MockObligationStore struct {
	mock.Mock
}

func (m *MockObligationStore) ListByParticipant(ctx context.Context, participant string, currency domain.Currency) ([]domain.Obligation, error) {
	args := m.Called(ctx, participant, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Obligation), args.Error(1)
}

type MockLimitResolver struct {
	mock.Mock
}

func (m *MockLimitResolver) Resolve(ctx context.Context, participant string, currency domain.Currency) (domain.ParticipantLimit, error) {
	args := m.Called(ctx, participant, currency)
	return args.Get(0).(domain.ParticipantLimit), args.Error(1)
}

func obligation(seq int64, debtor, creditor string, amount int64) domain.Obligation {
	return domain.Obligation{
		ID:        uuid.New(),
		Debtor:    debtor,
		Creditor:  creditor,
		Amount:    decimal.NewFromInt(amount),
		Currency:  domain.SGD,
		Sequence:  seq,
		CreatedAt: time.Unix(seq, 0).UTC(),
	}
}

func limitFor(p string, available int64) domain.ParticipantLimit {
	return domain.ParticipantLimit{Participant: p, Available: decimal.NewFromInt(available)}
}

// Tests

func TestDetectConnectedComponent(t *testing.T) {
	store := new(MockObligationStore)
	limits := new(MockLimitResolver)
	service := NewService(store, limits, logger.NewNop())

	ob1 := obligation(1, "bank1", "bank2", 100)
	ob2 := obligation(2, "bank2", "bank3", 50)
	// bank4/bank5 form a separate component and must not be pulled in.

	store.On("ListByParticipant", mock.Anything, "bank1", domain.SGD).Return([]domain.Obligation{ob1}, nil)
	store.On("ListByParticipant", mock.Anything, "bank2", domain.SGD).Return([]domain.Obligation{ob1, ob2}, nil)
	store.On("ListByParticipant", mock.Anything, "bank3", domain.SGD).Return([]domain.Obligation{ob2}, nil)

	limits.On("Resolve", mock.Anything, "bank1", domain.SGD).Return(limitFor("bank1", 500), nil)
	limits.On("Resolve", mock.Anything, "bank2", domain.SGD).Return(limitFor("bank2", 300), nil)
	limits.On("Resolve", mock.Anything, "bank3", domain.SGD).Return(limitFor("bank3", 200), nil)

	graph, limitMap, err := service.Detect(context.Background(), "bank1", domain.SGD)
	require.NoError(t, err)

	assert.Equal(t, []string{"bank1", "bank2", "bank3"}, graph.Participants)
	require.Len(t, graph.Edges, 2, "shared obligations are deduplicated")
	assert.Equal(t, int64(1), graph.Edges[0].Sequence)
	assert.Equal(t, int64(2), graph.Edges[1].Sequence)

	require.Len(t, limitMap, 3)
	assert.True(t, limitMap["bank2"].Available.Equal(decimal.NewFromInt(300)))

	store.AssertExpectations(t)
	limits.AssertExpectations(t)
}

func TestDetectNoObligationsFound(t *testing.T) {
	store := new(MockObligationStore)
	limits := new(MockLimitResolver)
	service := NewService(store, limits, logger.NewNop())

	store.On("ListByParticipant", mock.Anything, "bank1", domain.SGD).Return([]domain.Obligation{}, nil)

	graph, limitMap, err := service.Detect(context.Background(), "bank1", domain.SGD)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNoObligationsFound))
	assert.Nil(t, graph)
	assert.Nil(t, limitMap)
}

func TestDetectLimitUnavailableAbortsWithNoPartialGraph(t *testing.T) {
	store := new(MockObligationStore)
	limits := new(MockLimitResolver)
	service := NewService(store, limits, logger.NewNop())

	ob1 := obligation(1, "bank1", "bank2", 100)
	store.On("ListByParticipant", mock.Anything, "bank1", domain.SGD).Return([]domain.Obligation{ob1}, nil)
	store.On("ListByParticipant", mock.Anything, "bank2", domain.SGD).Return([]domain.Obligation{ob1}, nil)

	limits.On("Resolve", mock.Anything, "bank1", domain.SGD).Return(limitFor("bank1", 500), nil)
	limits.On("Resolve", mock.Anything, "bank2", domain.SGD).Return(domain.ParticipantLimit{}, errors.New("balance source down"))

	graph, limitMap, err := service.Detect(context.Background(), "bank1", domain.SGD)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrLimitUnavailable))
	assert.Nil(t, graph)
	assert.Nil(t, limitMap)
}

func TestDetectStoreErrorPropagates(t *testing.T) {
	store := new(MockObligationStore)
	limits := new(MockLimitResolver)
	service := NewService(store, limits, logger.NewNop())

	store.On("ListByParticipant", mock.Anything, "bank1", domain.SGD).Return(nil, errors.New("store offline"))

	_, _, err := service.Detect(context.Background(), "bank1", domain.SGD)
	assert.Error(t, err)
	assert.False(t, pkgerrors.Is(err, pkgerrors.ErrNoObligationsFound))
}
