// Simulates a five-bank liquidity gridlock and runs the full
// detect -> plan -> execute pipeline over an in-memory store.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lsmnet/internal/deadlock"
	"lsmnet/internal/detect"
	"lsmnet/internal/domain"
	"lsmnet/internal/execute"
	"lsmnet/internal/limit"
	"lsmnet/internal/netting"
	"lsmnet/internal/plan"
	"lsmnet/internal/repository/memory"
	"lsmnet/pkg/logger"
)

var banks = []string{"bank1", "bank2", "bank3", "bank4", "bank5"}

func main() {
	fmt.Println("=========================================================")
	fmt.Println("LSM MULTILATERAL NETTING SIMULATION")
	fmt.Println("=========================================================")
	fmt.Println("Scenario: 5 banks, 8 obligations, limits from pledges")
	fmt.Println("---------------------------------------------------------")

	log := logger.New("lsm-simulate")
	store := memory.NewStore()
	ctx := context.Background()

	// Starting liquidity pledged by the central bank.
	pledges := map[string]int64{
		"bank1": 640,
		"bank2": 560,
		"bank3": 650,
		"bank4": 660,
		"bank5": 550,
	}
	for _, bank := range banks {
		store.OpenAccount(bank, domain.SGD, decimal.Zero)
		store.ApprovePledge(bank, domain.SGD, decimal.NewFromInt(pledges[bank]))
	}

	fmt.Println("Starting limits:")
	for _, bank := range banks {
		fmt.Printf("  %s: %d\n", bank, pledges[bank])
	}
	fmt.Println()

	// The obligation web, including a bank1/bank2/bank3 gridlock.
	type debt struct {
		debtor, creditor string
		amount           int64
	}
	debts := []debt{
		{"bank3", "bank1", 745},
		{"bank4", "bank2", 989},
		{"bank1", "bank2", 658},
		{"bank3", "bank2", 903},
		{"bank2", "bank3", 701},
		{"bank1", "bank3", 827},
		{"bank2", "bank5", 566},
		{"bank1", "bank5", 931},
	}
	fmt.Println("Obligations:")
	for _, d := range debts {
		store.AddObligation(d.debtor, d.creditor, decimal.NewFromInt(d.amount), domain.SGD)
		fmt.Printf("  %s -> %s: %d\n", d.debtor, d.creditor, d.amount)
	}
	fmt.Println()

	// Pipeline wiring, all in-memory.
	limitResolver := limit.NewService(store)
	detector := detect.NewService(store, limitResolver, log)
	planner := plan.NewService(log)
	executor := execute.NewService(store, log)
	monitor := deadlock.NewMonitor(&printNotifier{}, 16, time.Second, log)
	defer monitor.Close()
	pipeline := netting.NewService(detector, planner, executor, monitor, log)

	fmt.Println("---------------------------------------------------------")
	fmt.Println("Detect + Plan")
	fmt.Println("---------------------------------------------------------")
	nettingPlan, err := pipeline.RunNetting(ctx, "bank1", domain.SGD)
	if err != nil {
		fmt.Printf("Netting run failed: %v\n", err)
		return
	}

	fmt.Printf("Verdict: %s\n", nettingPlan.Verdict)
	fmt.Println("Payments to make:")
	for _, p := range nettingPlan.Payments {
		fmt.Printf("  %s -> %s: %s\n", p.Payer, p.Payee, p.Amount)
	}
	fmt.Println("Resultant obligations:")
	for _, ob := range nettingPlan.Residuals {
		fmt.Printf("  %s -> %s: %s (seq %d)\n", ob.Debtor, ob.Creditor, ob.Amount, ob.Sequence)
	}
	fmt.Println()

	fmt.Println("---------------------------------------------------------")
	fmt.Println("Execute")
	fmt.Println("---------------------------------------------------------")
	result, err := pipeline.ExecuteNetting(ctx, nettingPlan.ID)
	if err != nil {
		fmt.Printf("Execution failed: %v\n", err)
		return
	}
	fmt.Printf("Settled %d obligations with %d payments, %d residuals\n",
		result.Consumed, result.Payments, result.Residuals)
	fmt.Println()

	fmt.Println("Cash balances after settlement:")
	for _, bank := range banks {
		fmt.Printf("  %s: %s\n", bank, store.Balance(bank, domain.SGD))
	}
	fmt.Println("Outstanding obligations after settlement:")
	for _, ob := range store.Obligations() {
		fmt.Printf("  %s -> %s: %s (seq %d)\n", ob.Debtor, ob.Creditor, ob.Amount, ob.Sequence)
	}
}

// printNotifier surfaces deadlock records on stdout instead of redis.
type printNotifier struct{}

func (n *printNotifier) Notify(ctx context.Context, record *domain.DeadlockRecord) error {
	fmt.Printf("DEADLOCK among %v: %d obligations stuck\n",
		record.Participants, len(record.Cycle))
	return nil
}
