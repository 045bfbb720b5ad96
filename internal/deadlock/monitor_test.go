package deadlock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmnet/internal/domain"
	"lsmnet/pkg/logger"
)

type captureNotifier struct {
	records chan *domain.DeadlockRecord
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{records: make(chan *domain.DeadlockRecord, 8)}
}

func (n *captureNotifier) Notify(ctx context.Context, record *domain.DeadlockRecord) error {
	n.records <- record
	return nil
}

func residual(seq int64, debtor, creditor string, amount int64) domain.Obligation {
	return domain.Obligation{
		Debtor:   debtor,
		Creditor: creditor,
		Amount:   decimal.NewFromInt(amount),
		Currency: domain.SGD,
		Sequence: seq,
	}
}

func TestMonitorNotifiesOnDeadlock(t *testing.T) {
	notifier := newCaptureNotifier()
	monitor := NewMonitor(notifier, 8, time.Second, logger.NewNop())

	monitor.Observe(&domain.NettingPlan{
		ID:       uuid.New(),
		Currency: domain.SGD,
		Verdict:  domain.VerdictDeadlocked,
		Residuals: []domain.Obligation{
			residual(1, "bank1", "bank2", 100),
			residual(2, "bank2", "bank3", 100),
			residual(3, "bank3", "bank1", 100),
		},
	})
	monitor.Close()

	select {
	case record := <-notifier.records:
		assert.Equal(t, []string{"bank1", "bank2", "bank3"}, record.Participants)
		assert.Len(t, record.Cycle, 3)
		assert.Equal(t, domain.SGD, record.Currency)
		assert.False(t, record.DetectedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected a deadlock notification")
	}
}

func TestMonitorIgnoresSettledPlans(t *testing.T) {
	notifier := newCaptureNotifier()
	monitor := NewMonitor(notifier, 8, time.Second, logger.NewNop())

	monitor.Observe(&domain.NettingPlan{
		ID:       uuid.New(),
		Currency: domain.SGD,
		Verdict:  domain.VerdictSettled,
	})
	monitor.Observe(&domain.NettingPlan{
		ID:       uuid.New(),
		Currency: domain.SGD,
		Verdict:  domain.VerdictPartiallySettled,
		Residuals: []domain.Obligation{
			residual(4, "bank1", "bank2", 50),
		},
	})
	monitor.Close()

	select {
	case record := <-notifier.records:
		t.Fatalf("unexpected notification for %v", record.Participants)
	default:
	}
}

func TestMonitorNotifiesOnTrappedCycleInPartialSettlement(t *testing.T) {
	notifier := newCaptureNotifier()
	monitor := NewMonitor(notifier, 8, time.Second, logger.NewNop())

	// A partial settlement whose residuals still contain a cycle is a
	// deadlock in the making and must be reported too.
	monitor.Observe(&domain.NettingPlan{
		ID:       uuid.New(),
		Currency: domain.SGD,
		Verdict:  domain.VerdictPartiallySettled,
		Residuals: []domain.Obligation{
			residual(5, "bank1", "bank2", 100),
			residual(6, "bank2", "bank1", 80),
			residual(7, "bank3", "bank1", 40),
		},
	})
	monitor.Close()

	select {
	case record := <-notifier.records:
		assert.Equal(t, []string{"bank1", "bank2"}, record.Participants)
	case <-time.After(time.Second):
		t.Fatal("expected a deadlock notification")
	}
}

func TestMonitorObserveAfterCloseIsSafe(t *testing.T) {
	notifier := newCaptureNotifier()
	monitor := NewMonitor(notifier, 8, time.Second, logger.NewNop())
	monitor.Close()

	require.NotPanics(t, func() {
		monitor.Observe(&domain.NettingPlan{
			ID:      uuid.New(),
			Verdict: domain.VerdictDeadlocked,
		})
	})
}
