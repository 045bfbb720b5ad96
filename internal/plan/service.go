// Package plan computes netting plans over an obligation graph snapshot.
//
// Planning is pure: it never touches a store, takes no locks, and for a
// fixed graph and limit snapshot always produces the same plan.
package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lsmnet/internal/domain"
	"lsmnet/pkg/logger"
)

type Service struct {
	logger logger.Logger
}

func NewService(log logger.Logger) *Service {
	return &Service{logger: log}
}

// edge is a mutable working copy of an obligation. The arena of edges is
// indexed by position; adjacency lists hold indexes, never pointers, so
// cycle walks stay simple and allocation-free.
type edge struct {
	ob     domain.Obligation
	amount decimal.Decimal
	live   bool
}

type workGraph struct {
	edges []edge           // sorted by obligation sequence
	out   map[string][]int // debtor -> edge indexes, in sequence order
}

// Plan reduces the graph to a set of net payments and residual obligations.
//
// Passes, in order:
//  1. cycle cancellation: balanced cycles are cancelled oldest-first until
//     none remain that are eligible;
//  2. bilateral netting of any opposite-direction pairs the first pass
//     left behind;
//  3. payment scheduling over the acyclic remainder in topological order,
//     pure creditors first, capped by each payer's limit snapshot;
//  4. verdict classification.
//
// Every obligation in the graph is consumed by the resulting plan; unpaid
// remainders come back as residual obligations with fresh sequence numbers.
func (s *Service) Plan(graph *domain.ObligationGraph, limits map[string]domain.ParticipantLimit) (*domain.NettingPlan, error) {
	if graph == nil || len(graph.Edges) == 0 {
		return nil, fmt.Errorf("plan: empty obligation graph")
	}
	for _, ob := range graph.Edges {
		if !ob.Amount.IsPositive() {
			return nil, fmt.Errorf("plan: obligation %s has non-positive amount %s", ob.ID, ob.Amount)
		}
		if _, ok := limits[ob.Debtor]; !ok {
			return nil, fmt.Errorf("plan: no limit snapshot for debtor %s", ob.Debtor)
		}
		if _, ok := limits[ob.Creditor]; !ok {
			return nil, fmt.Errorf("plan: no limit snapshot for creditor %s", ob.Creditor)
		}
	}

	g := buildWorkGraph(graph)

	cancelled := s.cancelCycles(g, limits)
	s.netBilateral(g, limits)
	payments, residuals := s.schedule(g, limits)

	maxSeq := int64(0)
	for _, ob := range graph.Edges {
		if ob.Sequence > maxSeq {
			maxSeq = ob.Sequence
		}
	}
	for i := range residuals {
		maxSeq++
		residuals[i].Sequence = maxSeq
	}

	verdict := domain.VerdictSettled
	if len(residuals) > 0 {
		if FindCycle(residuals) != nil {
			verdict = domain.VerdictDeadlocked
		} else {
			verdict = domain.VerdictPartiallySettled
		}
	}

	plan := &domain.NettingPlan{
		ID:        uuid.New(),
		Currency:  graph.Currency,
		Payments:  payments,
		Residuals: residuals,
		Consumed:  append([]domain.Obligation(nil), graph.Edges...),
		Limits:    limitSnapshot(limits),
		Verdict:   verdict,
		CreatedAt: time.Now().UTC(),
	}

	if err := checkNetPositions(plan); err != nil {
		return nil, err
	}

	s.logger.Info("Netting plan computed", map[string]interface{}{
		"currency":  graph.Currency,
		"consumed":  len(plan.Consumed),
		"payments":  len(plan.Payments),
		"residuals": len(plan.Residuals),
		"cancelled": cancelled,
		"verdict":   plan.Verdict,
	})

	return plan, nil
}

func buildWorkGraph(graph *domain.ObligationGraph) *workGraph {
	g := &workGraph{
		edges: make([]edge, 0, len(graph.Edges)),
		out:   make(map[string][]int),
	}
	sorted := append([]domain.Obligation(nil), graph.Edges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })
	for _, ob := range sorted {
		g.edges = append(g.edges, edge{ob: ob, amount: ob.Amount, live: true})
	}
	for i := range g.edges {
		d := g.edges[i].ob.Debtor
		g.out[d] = append(g.out[d], i)
	}
	return g
}

// cancelCycles repeatedly finds a directed cycle and subtracts the minimum
// edge amount from every edge in it. The candidate cycle is always the one
// through the lowest-sequence live obligation, which makes plans
// reproducible.
//
// A cycle is only cancelled when every participant on it still has usable
// liquidity: a participant whose limit is exhausted cannot take part in a
// settlement round, so cycles through it stay in place. Those are exactly
// the cycles that later surface as a deadlock.
func (s *Service) cancelCycles(g *workGraph, limits map[string]domain.ParticipantLimit) int {
	cancelled := 0
	for {
		progress := false
		for i := range g.edges {
			if !g.edges[i].live {
				continue
			}
			cycle := g.cycleThrough(i)
			if cycle == nil {
				continue
			}
			if !cycleEligible(g, cycle, limits) {
				continue
			}
			min := g.edges[cycle[0]].amount
			for _, idx := range cycle[1:] {
				if g.edges[idx].amount.LessThan(min) {
					min = g.edges[idx].amount
				}
			}
			for _, idx := range cycle {
				g.edges[idx].amount = g.edges[idx].amount.Sub(min)
				if g.edges[idx].amount.IsZero() {
					g.edges[idx].live = false
				}
			}
			cancelled++
			progress = true
			break // restart the sweep from the oldest live edge
		}
		if !progress {
			return cancelled
		}
	}
}

func cycleEligible(g *workGraph, cycle []int, limits map[string]domain.ParticipantLimit) bool {
	for _, idx := range cycle {
		if !limits[g.edges[idx].ob.Debtor].Available.IsPositive() {
			return false
		}
	}
	return true
}

// cycleThrough returns the indexes of live edges forming a directed cycle
// that starts with the given edge, or nil if none exists. Neighbors are
// explored in sequence order, keeping the walk deterministic.
func (g *workGraph) cycleThrough(start int) []int {
	target := g.edges[start].ob.Debtor
	from := g.edges[start].ob.Creditor
	if from == target {
		return nil
	}

	visited := map[string]bool{from: true}
	var path []int
	var dfs func(node string) bool
	dfs = func(node string) bool {
		for _, idx := range g.out[node] {
			if !g.edges[idx].live || idx == start {
				continue
			}
			to := g.edges[idx].ob.Creditor
			if to == target {
				path = append(path, idx)
				return true
			}
			if visited[to] {
				continue
			}
			visited[to] = true
			path = append(path, idx)
			if dfs(to) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}

	if !dfs(from) {
		return nil
	}
	return append([]int{start}, path...)
}

// netBilateral collapses opposite-direction obligations between the same
// pair into a single net direction. Two-edge cycles are normally consumed
// by cancelCycles already; this pass picks up whatever that pass left
// incomplete, under the same liquidity eligibility rule.
func (s *Service) netBilateral(g *workGraph, limits map[string]domain.ParticipantLimit) {
	for i := range g.edges {
		if !g.edges[i].live {
			continue
		}
		if !limits[g.edges[i].ob.Debtor].Available.IsPositive() {
			continue
		}
		for j := i + 1; j < len(g.edges); j++ {
			if !g.edges[j].live {
				continue
			}
			if g.edges[j].ob.Debtor != g.edges[i].ob.Creditor || g.edges[j].ob.Creditor != g.edges[i].ob.Debtor {
				continue
			}
			if !limits[g.edges[j].ob.Debtor].Available.IsPositive() {
				continue
			}
			min := g.edges[i].amount
			if g.edges[j].amount.LessThan(min) {
				min = g.edges[j].amount
			}
			g.edges[i].amount = g.edges[i].amount.Sub(min)
			g.edges[j].amount = g.edges[j].amount.Sub(min)
			if g.edges[j].amount.IsZero() {
				g.edges[j].live = false
			}
			if g.edges[i].amount.IsZero() {
				g.edges[i].live = false
				break
			}
		}
	}
}

// schedule walks the acyclic remainder in topological order and emits a
// payment per edge, capped by the payer's remaining limit. Shortfalls and
// edges trapped on uncancellable cycles come back as residuals. Payments
// to the same payer/payee pair are merged.
func (s *Service) schedule(g *workGraph, limits map[string]domain.ParticipantLimit) ([]domain.Payment, []domain.Obligation) {
	cyclic := make(map[int]bool)
	for i := range g.edges {
		if g.edges[i].live && g.cycleThrough(i) != nil {
			cyclic[i] = true
		}
	}

	order := g.topoOrder(cyclic)

	remaining := make(map[string]decimal.Decimal, len(limits))
	for p, l := range limits {
		remaining[p] = l.Available
	}

	var scheduled []int
	for _, node := range order {
		for _, idx := range g.out[node] {
			if g.edges[idx].live && !cyclic[idx] {
				scheduled = append(scheduled, idx)
			}
		}
	}

	var payments []domain.Payment
	paymentIdx := make(map[string]int)
	var residuals []domain.Obligation

	addResidual := func(ob domain.Obligation, amount decimal.Decimal) {
		residuals = append(residuals, domain.Obligation{
			Debtor:   ob.Debtor,
			Creditor: ob.Creditor,
			Amount:   amount,
			Currency: ob.Currency,
		})
	}

	for _, idx := range scheduled {
		e := &g.edges[idx]
		avail := remaining[e.ob.Debtor]
		pay := e.amount
		if avail.LessThan(pay) {
			pay = avail
		}
		if pay.IsPositive() {
			remaining[e.ob.Debtor] = avail.Sub(pay)
			key := e.ob.Debtor + "\x00" + e.ob.Creditor
			if pi, ok := paymentIdx[key]; ok {
				payments[pi].Amount = payments[pi].Amount.Add(pay)
			} else {
				paymentIdx[key] = len(payments)
				payments = append(payments, domain.Payment{
					Payer:  e.ob.Debtor,
					Payee:  e.ob.Creditor,
					Amount: pay,
				})
			}
		}
		if shortfall := e.amount.Sub(pay); shortfall.IsPositive() {
			addResidual(e.ob, shortfall)
		}
	}

	// Edges stuck on a cycle are carried over whole, in sequence order.
	for i := range g.edges {
		if g.edges[i].live && cyclic[i] {
			addResidual(g.edges[i].ob, g.edges[i].amount)
		}
	}

	return payments, residuals
}

// topoOrder returns the participants of the acyclic edge subset ordered so
// that pure creditors come first. Ties break lexicographically, keeping
// the schedule deterministic.
func (g *workGraph) topoOrder(cyclic map[int]bool) []string {
	nodes := make(map[string]bool)
	// indegree counts debts a participant still has to pay; edges are
	// considered creditor -> debtor so that sources are pure creditors.
	indegree := make(map[string]int)
	for i := range g.edges {
		if !g.edges[i].live || cyclic[i] {
			continue
		}
		nodes[g.edges[i].ob.Debtor] = true
		nodes[g.edges[i].ob.Creditor] = true
		indegree[g.edges[i].ob.Debtor]++
	}

	ready := make([]string, 0, len(nodes))
	for n := range nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	removed := make(map[int]bool)
	var order []string
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		var unlocked []string
		for i := range g.edges {
			if !g.edges[i].live || cyclic[i] || removed[i] {
				continue
			}
			if g.edges[i].ob.Creditor != node {
				continue
			}
			removed[i] = true
			debtor := g.edges[i].ob.Debtor
			indegree[debtor]--
			if indegree[debtor] == 0 {
				unlocked = append(unlocked, debtor)
			}
		}
		if len(unlocked) > 0 {
			sort.Strings(unlocked)
			ready = mergeSorted(ready, unlocked)
		}
	}
	return order
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// FindCycle returns the obligations of a directed cycle within the given
// set, preferring the cycle through the oldest obligation, or nil if the
// set is acyclic. Used for the deadlock verdict and by the deadlock
// monitor.
func FindCycle(obligations []domain.Obligation) []domain.Obligation {
	if len(obligations) == 0 {
		return nil
	}
	graph := &domain.ObligationGraph{Edges: obligations}
	g := buildWorkGraph(graph)
	for i := range g.edges {
		if cycle := g.cycleThrough(i); cycle != nil {
			obs := make([]domain.Obligation, 0, len(cycle))
			for _, idx := range cycle {
				obs = append(obs, g.edges[idx].ob)
			}
			return obs
		}
	}
	return nil
}

func limitSnapshot(limits map[string]domain.ParticipantLimit) map[string]decimal.Decimal {
	snap := make(map[string]decimal.Decimal, len(limits))
	for p, l := range limits {
		snap[p] = l.Available
	}
	return snap
}

// checkNetPositions verifies that payments plus residuals preserve every
// participant's net position from the consumed obligations. Netting may
// only shrink gross flow, never move net value between participants.
func checkNetPositions(plan *domain.NettingPlan) error {
	before := domain.NetPositions(plan.Consumed)

	after := domain.NetPositions(plan.Residuals)
	for _, p := range plan.Payments {
		after[p.Payer] = after[p.Payer].Add(p.Amount)
		after[p.Payee] = after[p.Payee].Sub(p.Amount)
	}

	for participant, pos := range before {
		if !after[participant].Equal(pos) {
			return fmt.Errorf("plan: net position of %s changed from %s to %s",
				participant, pos, after[participant])
		}
	}
	return nil
}
