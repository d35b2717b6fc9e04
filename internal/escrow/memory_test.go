package escrow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	xerrors "Sentinel-Orchestrator/internal/errors"
)

func TestMemoryLedgerIdempotentCredit(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	applied, err := ledger.Credit(ctx, "agent-1", "req-1", 10)
	if err != nil || !applied {
		t.Fatalf("first credit: applied=%v err=%v", applied, err)
	}
	applied, err = ledger.Credit(ctx, "agent-1", "req-1", 10)
	if err != nil || applied {
		t.Fatalf("second credit must be a no-op: applied=%v err=%v", applied, err)
	}
	balance, err := ledger.Balance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("balance = %v, want 10", balance)
	}
	if entries := ledger.Entries("agent-1"); len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
}

func TestMemoryLedgerTrimsIdentifiers(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	if applied, err := ledger.Credit(ctx, " agent-1", "req-1 ", 5); err != nil || !applied {
		t.Fatalf("first credit: applied=%v err=%v", applied, err)
	}
	if applied, err := ledger.Credit(ctx, "agent-1", "req-1", 5); err != nil || applied {
		t.Fatalf("padded ids must name the same credit: applied=%v err=%v", applied, err)
	}
	balance, err := ledger.Balance(ctx, "agent-1 ")
	if err != nil || balance != 5 {
		t.Fatalf("balance = %v (%v), want 5", balance, err)
	}
	entries := ledger.Entries("agent-1")
	if len(entries) != 1 || entries[0].AgentID != "agent-1" || entries[0].RequestID != "req-1" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestMemoryLedgerRejectsInvalidAmounts(t *testing.T) {
	ledger := NewMemoryLedger()
	for _, amount := range []float64{-1, math.NaN(), math.Inf(1)} {
		if _, err := ledger.Credit(context.Background(), "a", "r", amount); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("amount %v: expected invalid argument, got %v", amount, err)
		}
	}
	if _, err := ledger.Credit(context.Background(), "", "r", 1); err == nil {
		t.Fatalf("expected error for empty agent id")
	}
	if applied, err := ledger.Credit(context.Background(), "a", "zero", 0); err != nil || !applied {
		t.Fatalf("zero amount must be accepted: %v %v", applied, err)
	}
}

func TestMemoryLedgerConcurrentCredits(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		req := fmt.Sprintf("req-%d", i)
		go func() {
			defer wg.Done()
			_, _ = ledger.Credit(ctx, "agent", req, 1)
		}()
		go func() {
			defer wg.Done()
			_, _ = ledger.Credit(ctx, "agent", req, 1)
		}()
	}
	wg.Wait()

	balance, _ := ledger.Balance(ctx, "agent")
	if balance != 50 {
		t.Fatalf("balance = %v, want 50", balance)
	}
}

func TestMemoryLedgerUnknownAccount(t *testing.T) {
	balance, err := NewMemoryLedger().Balance(context.Background(), "nobody")
	if err != nil || balance != 0 {
		t.Fatalf("unexpected balance %v %v", balance, err)
	}
}
