// Package deadlock observes planner verdicts and raises gridlock
// notifications. The monitor is purely observational: it never blocks or
// retries the netting pipeline, and it keeps no durable state.
package deadlock

import (
	"context"
	"sort"
	"sync"
	"time"

	"lsmnet/internal/domain"
	"lsmnet/internal/plan"
	"lsmnet/pkg/logger"
)

// Notifier delivers a deadlock record to the named participants,
// best-effort. Failures are advisory only.
type Notifier interface {
	Notify(ctx context.Context, record *domain.DeadlockRecord) error
}

type Monitor struct {
	notifier      Notifier
	logger        logger.Logger
	notifyTimeout time.Duration

	verdicts chan *domain.NettingPlan
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewMonitor(notifier Notifier, queueSize int, notifyTimeout time.Duration, log logger.Logger) *Monitor {
	if queueSize <= 0 {
		queueSize = 64
	}
	m := &Monitor{
		notifier:      notifier,
		logger:        log,
		notifyTimeout: notifyTimeout,
		verdicts:      make(chan *domain.NettingPlan, queueSize),
		done:          make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Observe hands a plan to the monitor. It never blocks: when the queue is
// full the verdict is dropped, since notifications are best-effort anyway.
func (m *Monitor) Observe(p *domain.NettingPlan) {
	if p == nil {
		return
	}
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.verdicts <- p:
	default:
		m.logger.Warn("Deadlock verdict dropped, queue full", map[string]interface{}{
			"plan_id": p.ID,
		})
	}
}

// Close stops the worker after draining queued verdicts.
func (m *Monitor) Close() {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for {
		select {
		case p := <-m.verdicts:
			m.inspect(p)
		case <-m.done:
			for {
				select {
				case p := <-m.verdicts:
					m.inspect(p)
				default:
					return
				}
			}
		}
	}
}

// inspect raises a notification when residual obligations still form a
// cycle. That covers the Deadlocked verdict and any partial settlement
// that trapped a cycle.
func (m *Monitor) inspect(p *domain.NettingPlan) {
	if p.Verdict == domain.VerdictSettled {
		return
	}
	cycle := plan.FindCycle(p.Residuals)
	if cycle == nil {
		return
	}

	record := &domain.DeadlockRecord{
		Participants: cycleParticipants(cycle),
		Cycle:        cycle,
		Currency:     p.Currency,
		DetectedAt:   time.Now().UTC(),
	}

	m.logger.Warn("Liquidity deadlock detected", map[string]interface{}{
		"plan_id":      p.ID,
		"currency":     p.Currency,
		"participants": record.Participants,
		"cycle_edges":  len(cycle),
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, record); err != nil {
		// Advisory only: log and move on, no retry.
		m.logger.Error("Deadlock notification failed", map[string]interface{}{
			"plan_id": p.ID,
			"error":   err.Error(),
		})
	}
}

func cycleParticipants(cycle []domain.Obligation) []string {
	set := make(map[string]bool)
	for _, ob := range cycle {
		set[ob.Debtor] = true
		set[ob.Creditor] = true
	}
	participants := make([]string, 0, len(set))
	for p := range set {
		participants = append(participants, p)
	}
	sort.Strings(participants)
	return participants
}
