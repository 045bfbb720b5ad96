// Package detect builds the connected obligation component for a netting run.
package detect

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"lsmnet/internal/domain"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

// ObligationStore is the external obligation query. Listings must reflect
// a consistent point-in-time snapshot for the duration of one detection
// pass.
type ObligationStore interface {
	ListByParticipant(ctx context.Context, participant string, currency domain.Currency) ([]domain.Obligation, error)
}

// LimitResolver snapshots a participant's usable settlement capacity.
type LimitResolver interface {
	Resolve(ctx context.Context, participant string, currency domain.Currency) (domain.ParticipantLimit, error)
}

type Service struct {
	store  ObligationStore
	limits LimitResolver
	logger logger.Logger
}

func NewService(store ObligationStore, limits LimitResolver, log logger.Logger) *Service {
	return &Service{store: store, limits: limits, logger: log}
}

// Detect walks the owes/owed-by relation breadth-first from the seed and
// returns exactly one connected component together with a limit snapshot
// for every participant in it. Obligations in other components are left
// for a later run.
//
// The node and edge sets are independent of traversal order: participants
// come back sorted and edges in sequence order.
//
// Returns errors.ErrNoObligationsFound when the seed has nothing
// outstanding in the currency, and errors.ErrLimitUnavailable (with no
// partial graph) when any limit in the component cannot be resolved.
func (s *Service) Detect(ctx context.Context, seed string, currency domain.Currency) (*domain.ObligationGraph, map[string]domain.ParticipantLimit, error) {
	visited := map[string]bool{seed: true}
	queue := []string{seed}
	seen := make(map[uuid.UUID]bool)
	var edges []domain.Obligation

	for len(queue) > 0 {
		participant := queue[0]
		queue = queue[1:]

		obligations, err := s.store.ListByParticipant(ctx, participant, currency)
		if err != nil {
			return nil, nil, errors.Wrap(err, "detect: obligation query failed")
		}
		if participant == seed && len(obligations) == 0 {
			return nil, nil, errors.ErrNoObligationsFound
		}

		for _, ob := range obligations {
			if !seen[ob.ID] {
				seen[ob.ID] = true
				edges = append(edges, ob)
			}
			for _, counterparty := range []string{ob.Debtor, ob.Creditor} {
				if !visited[counterparty] {
					visited[counterparty] = true
					queue = append(queue, counterparty)
				}
			}
		}
	}

	participants := make([]string, 0, len(visited))
	for p := range visited {
		participants = append(participants, p)
	}
	sort.Strings(participants)
	sort.Slice(edges, func(i, j int) bool { return edges[i].Sequence < edges[j].Sequence })

	limits := make(map[string]domain.ParticipantLimit, len(participants))
	for _, p := range participants {
		limit, err := s.limits.Resolve(ctx, p, currency)
		if err != nil {
			s.logger.Error("Limit snapshot failed", map[string]interface{}{
				"participant": p,
				"currency":    currency,
				"error":       err.Error(),
			})
			return nil, nil, errors.Wrap(errors.ErrLimitUnavailable, "detect: "+p)
		}
		limits[p] = limit
	}

	graph := &domain.ObligationGraph{
		Currency:     currency,
		Participants: participants,
		Edges:        edges,
	}

	s.logger.Info("Obligation component detected", map[string]interface{}{
		"seed":         seed,
		"currency":     currency,
		"participants": len(participants),
		"obligations":  len(edges),
	})

	return graph, limits, nil
}
