package specialist

import (
	"context"
	"fmt"
	"time"

	"Sentinel-Orchestrator/internal/chain"
)

const (
	// PropagationDelay 是最新区块时间落后于当前时间的告警阈值。
	PropagationDelay = 120 * time.Second
	// SeverePropagationDelay 超过该值视为可能分叉。
	SeverePropagationDelay = 300 * time.Second

	delayRisk       = 0.2
	severeDelayRisk = 0.3
	heightGapRisk   = 0.4
)

// BlockScanner 检查最新区块的传播延迟以及与父区块的高度连续性。
type BlockScanner struct {
	blocks  chain.BlockReader
	timeout time.Duration
	now     func() time.Time
}

// BlockOption 定义可选配置。
type BlockOption func(*BlockScanner)

// WithBlockTimeout 设置内部超时。
func WithBlockTimeout(timeout time.Duration) BlockOption {
	return func(b *BlockScanner) { b.timeout = timeout }
}

// WithBlockClock 替换当前时间来源。
func WithBlockClock(now func() time.Time) BlockOption {
	return func(b *BlockScanner) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBlockScanner 构造区块扫描 specialist。
func NewBlockScanner(blocks chain.BlockReader, opts ...BlockOption) *BlockScanner {
	b := &BlockScanner{blocks: blocks, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name 实现 Specialist。
func (b *BlockScanner) Name() string { return "block_scanner" }

// Scan 实现 Specialist。subject 不参与判断，结果只反映链本身的健康度。
func (b *BlockScanner) Scan(ctx context.Context, _ string, _ map[string]any) Result {
	return Guard(ctx, b.Name(), b.timeout, func(ctx context.Context) Result {
		if b.blocks == nil {
			return Failed(b.Name(), FailureRisk, fmt.Errorf("no block data provider configured"))
		}
		latest, err := b.blocks.LatestBlock(ctx)
		if err != nil {
			return Failed(b.Name(), FailureRisk, fmt.Errorf("block scan: %w", err))
		}

		var (
			risk     float64
			evidence []string
		)
		metadata := map[string]any{
			"latest_height": latest.Height,
			"latest_hash":   latest.Hash,
		}
		if latest.Slot > 0 {
			metadata["slot"] = latest.Slot
		}
		if latest.Producer != "" {
			metadata["producer"] = latest.Producer
		}

		if !latest.Time.IsZero() {
			delay := b.now().Sub(latest.Time)
			if delay < 0 {
				delay = -delay
			}
			delay = delay.Truncate(time.Second)
			metadata["delay_seconds"] = int64(delay / time.Second)
			if delay > PropagationDelay {
				risk += delayRisk
				evidence = append(evidence, fmt.Sprintf("block propagation delay detected: %ds behind", int64(delay/time.Second)))
			}
			if delay > SeverePropagationDelay {
				risk += severeDelayRisk
				evidence = append(evidence, "severe block propagation issue: possible fork")
			}
		}

		if latest.PreviousHash != "" {
			parent, err := b.blocks.BlockByHash(ctx, latest.PreviousHash)
			if err != nil {
				evidence = append(evidence, fmt.Sprintf("previous block unavailable: %v", err))
			} else {
				gap := latest.Height - parent.Height
				metadata["height_gap"] = gap
				if gap != 1 {
					risk += heightGapRisk
					evidence = append(evidence, fmt.Sprintf("chain continuity issue: height gap of %d", gap))
				}
			}
		}

		if risk < 0.1 {
			evidence = append(evidence, "no block-level anomalies detected")
		}
		return Result{Risk: risk, Evidence: evidence, Metadata: metadata, Success: true}
	})
}
