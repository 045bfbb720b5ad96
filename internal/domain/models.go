// Package domain defines the core types of the obligation-netting engine.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code.
type Currency string

const (
	SGD Currency = "SGD"
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// Obligation is a directed debt edge from Debtor to Creditor. Amounts are
// exact decimals in minor units and always positive. An obligation is
// immutable once created; a successful settlement run consumes it and may
// replace it with residual obligations.
//
// Sequence is a monotonically increasing counter establishing creation
// order. The planner uses it for its oldest-first cycle tie-break and
// assigns fresh sequence numbers to residuals.
type Obligation struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Debtor    string          `db:"debtor" json:"debtor"`
	Creditor  string          `db:"creditor" json:"creditor"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Currency  Currency        `db:"currency" json:"currency"`
	Sequence  int64           `db:"sequence" json:"sequence"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// ParticipantLimit is a point-in-time snapshot of a participant's usable
// settlement capacity: cash balance plus unused approved pledge. It is
// never persisted as part of a graph.
type ParticipantLimit struct {
	Participant string          `json:"participant"`
	Available   decimal.Decimal `json:"available"`
}

// ObligationGraph is one connected component of the obligation relation,
// built fresh per netting run and discarded after planning. Participants
// are sorted lexicographically and Edges by sequence, so a fixed store
// state always yields the same graph regardless of traversal order.
type ObligationGraph struct {
	Currency     Currency     `json:"currency"`
	Participants []string     `json:"participants"`
	Edges        []Obligation `json:"edges"`
}

// Payment is a scheduled net cash movement from Payer to Payee.
type Payment struct {
	Payer  string          `json:"payer"`
	Payee  string          `json:"payee"`
	Amount decimal.Decimal `json:"amount"`
}

// Verdict classifies the outcome of a planning pass.
type Verdict string

const (
	// VerdictSettled: every obligation in the component is fully
	// discharged by the plan; no residuals remain.
	VerdictSettled Verdict = "SETTLED"

	// VerdictPartiallySettled: residual obligations remain but they do
	// not form a cycle; the component made forward progress.
	VerdictPartiallySettled Verdict = "PARTIALLY_SETTLED"

	// VerdictDeadlocked: residual obligations still contain a directed
	// cycle that could not be cancelled under current limits. Operator
	// intervention (e.g. a pledge) is needed.
	VerdictDeadlocked Verdict = "DEADLOCKED"
)

// NettingPlan is the planner's output: the payments to make, the residual
// obligations that supersede the consumed ones, and the verdict. Limits
// carries the liquidity snapshot the plan was computed against so the
// executor can re-check it defensively.
//
// Payments, Residuals and Consumed are in deterministic order: planning
// the same graph and limits twice yields identical plans.
type NettingPlan struct {
	ID        uuid.UUID                  `json:"id"`
	Currency  Currency                   `json:"currency"`
	Payments  []Payment                  `json:"payments"`
	Residuals []Obligation               `json:"residuals"`
	Consumed  []Obligation               `json:"consumed"`
	Limits    map[string]decimal.Decimal `json:"limits"`
	Verdict   Verdict                    `json:"verdict"`
	CreatedAt time.Time                  `json:"created_at"`
}

// NetPositions returns, per participant, total payable minus total
// receivable across a set of obligations. Netting must leave every
// participant's net position unchanged; only gross flow shrinks.
func NetPositions(obligations []Obligation) map[string]decimal.Decimal {
	positions := make(map[string]decimal.Decimal)
	for _, ob := range obligations {
		positions[ob.Debtor] = positions[ob.Debtor].Add(ob.Amount)
		positions[ob.Creditor] = positions[ob.Creditor].Sub(ob.Amount)
	}
	return positions
}

// DeadlockRecord describes an unresolvable cycle for operator attention.
// It is ephemeral: it exists only for the duration of the notification and
// is never written to the ledger.
type DeadlockRecord struct {
	Participants []string     `json:"participants"`
	Cycle        []Obligation `json:"cycle"`
	Currency     Currency     `json:"currency"`
	DetectedAt   time.Time    `json:"detected_at"`
}

// ExecutionResult summarizes a committed settlement run.
type ExecutionResult struct {
	PlanID      uuid.UUID `json:"plan_id"`
	Payments    int       `json:"payments"`
	Consumed    int       `json:"consumed"`
	Residuals   int       `json:"residuals"`
	CompletedAt time.Time `json:"completed_at"`
}

// Account is a participant's cash position in one currency. Available
// liquidity for netting is Balance plus Pledged (the unused portion of a
// central-bank approved pledge).
type Account struct {
	Participant string          `db:"participant" json:"participant"`
	Currency    Currency        `db:"currency" json:"currency"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`
	Pledged     decimal.Decimal `db:"pledged" json:"pledged"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}
