package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"Sentinel-Orchestrator/internal/chain"
	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/knowledge"
	"Sentinel-Orchestrator/internal/specialist"
)

// 钱包年龄对应的风险值。
const (
	SanctionedRisk  = 1.0
	NewWalletRisk   = 0.5
	YoungWalletRisk = 0.3
	MatureRisk      = 0.1
	UnknownAgeRisk  = 0.3
)

// walletKeys 为被检查钱包在请求上下文中的候选字段，均缺失时使用 subject。
var walletKeys = []string{"creator_wallet", "wallet", "address"}

// Compliance 检查钱包是否在制裁名单中，并根据钱包年龄给出风险。
type Compliance struct {
	sanctions knowledge.Provider
	ages      chain.WalletAgeReader
	timeout   time.Duration
	now       func() time.Time
}

// ComplianceOption 定义可选配置。
type ComplianceOption func(*Compliance)

// WithWalletAges 指定链上钱包年龄来源。
func WithWalletAges(ages chain.WalletAgeReader) ComplianceOption {
	return func(c *Compliance) { c.ages = ages }
}

// WithComplianceTimeout 设置内部超时。
func WithComplianceTimeout(timeout time.Duration) ComplianceOption {
	return func(c *Compliance) { c.timeout = timeout }
}

// WithComplianceClock 替换时间来源。
func WithComplianceClock(now func() time.Time) ComplianceOption {
	return func(c *Compliance) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCompliance 构造合规角色，sanctions 可以为空。
func NewCompliance(sanctions knowledge.Provider, opts ...ComplianceOption) *Compliance {
	c := &Compliance{sanctions: sanctions, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name 实现 specialist.Specialist。
func (c *Compliance) Name() string { return RoleCompliance }

// Scan 实现 specialist.Specialist。
func (c *Compliance) Scan(ctx context.Context, subject string, scanCtx map[string]any) specialist.Result {
	return specialist.Guard(ctx, RoleCompliance, c.timeout, func(ctx context.Context) specialist.Result {
		wallet := subject
		for _, key := range walletKeys {
			if v := envelope.String(scanCtx, key); v != "" {
				wallet = v
				break
			}
		}

		if c.sanctions != nil {
			if entry, ok := c.sanctions.Lookup(wallet); ok {
				return specialist.Result{
					Risk:     SanctionedRisk,
					Evidence: []string{fmt.Sprintf("wallet %s is listed on %s", wallet, entry.List)},
					Metadata: map[string]any{
						"wallet":           wallet,
						"sanctions_match":  true,
						"list_name":        entry.List,
						"match_confidence": entry.Confidence,
					},
					Success: true,
				}
			}
		}

		days, known := c.walletAgeDays(ctx, wallet, scanCtx)
		risk, indicator := ageRisk(days, known)
		metadata := map[string]any{
			"wallet":          wallet,
			"sanctions_match": false,
			"indicator":       indicator,
		}
		evidence := []string{"no sanctions match"}
		if known {
			metadata["wallet_age_days"] = days
			evidence = append(evidence, fmt.Sprintf("wallet age %d days (%s)", days, indicator))
		} else {
			evidence = append(evidence, "wallet age unknown")
		}
		return specialist.Result{Risk: risk, Evidence: evidence, Metadata: metadata, Success: true}
	})
}

func (c *Compliance) walletAgeDays(ctx context.Context, wallet string, scanCtx map[string]any) (int, bool) {
	if v, ok := envelope.Number(scanCtx["wallet_age_days"]); ok && v >= 0 && !math.IsNaN(v) {
		return int(v), true
	}
	if c.ages == nil {
		return 0, false
	}
	first, err := c.ages.FirstSeen(ctx, wallet)
	if err != nil {
		return 0, false
	}
	age := c.now().Sub(first)
	if age < 0 {
		age = 0
	}
	return int(age / (24 * time.Hour)), true
}

func ageRisk(days int, known bool) (float64, string) {
	switch {
	case !known:
		return UnknownAgeRisk, "wallet_age_unknown"
	case days < 7:
		return NewWalletRisk, "new_wallet"
	case days < 30:
		return YoungWalletRisk, "young_wallet"
	default:
		return MatureRisk, "established_wallet"
	}
}
