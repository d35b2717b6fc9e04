package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type account struct {
	mu      sync.Mutex
	entries map[string]Entry
	balance float64
}

// MemoryLedger 是进程内账本，每个账户独立加锁。
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*account
	now      func() time.Time
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*account), now: time.Now}
}

func (l *MemoryLedger) account(agentID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[agentID]
	if !ok {
		acc = &account{entries: make(map[string]Entry)}
		l.accounts[agentID] = acc
	}
	return acc
}

// Credit 实现 Ledger。
func (l *MemoryLedger) Credit(ctx context.Context, agentID, requestID string, amount float64) (bool, error) {
	if err := ValidateCredit(agentID, requestID, amount); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	agentID, requestID = strings.TrimSpace(agentID), strings.TrimSpace(requestID)
	acc := l.account(agentID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if _, exists := acc.entries[requestID]; exists {
		return false, nil
	}
	acc.entries[requestID] = Entry{AgentID: agentID, RequestID: requestID, Amount: amount, CreatedAt: l.now().UTC()}
	acc.balance += amount
	return true, nil
}

// Balance 实现 Ledger。未知账户余额为 0。
func (l *MemoryLedger) Balance(_ context.Context, agentID string) (float64, error) {
	agentID = strings.TrimSpace(agentID)
	l.mu.Lock()
	acc, ok := l.accounts[agentID]
	l.mu.Unlock()
	if !ok {
		return 0, nil
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

// Entries 返回账户的入账记录，按时间排序。
func (l *MemoryLedger) Entries(agentID string) []Entry {
	agentID = strings.TrimSpace(agentID)
	l.mu.Lock()
	acc, ok := l.accounts[agentID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	acc.mu.Lock()
	out := make([]Entry, 0, len(acc.entries))
	for _, e := range acc.entries {
		out = append(out, e)
	}
	acc.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close 实现 Ledger。
func (l *MemoryLedger) Close() error { return nil }
