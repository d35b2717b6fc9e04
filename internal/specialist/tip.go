package specialist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"Sentinel-Orchestrator/internal/chain"
	"Sentinel-Orchestrator/internal/envelope"
)

const (
	// ForkThreshold 是判定少数分叉的最大允许高度差，等于该值仍视为正常。
	ForkThreshold int64 = 5

	forkRisk    = 0.9
	healthyRisk = 0.1
)

// TipDivergence 比较参考链高度与调用方观测到的高度，识别少数分叉。
type TipDivergence struct {
	tips      chain.TipReader
	threshold int64
	timeout   time.Duration
}

// TipOption 定义可选配置。
type TipOption func(*TipDivergence)

// WithTipTimeout 设置内部超时。
func WithTipTimeout(timeout time.Duration) TipOption {
	return func(t *TipDivergence) { t.timeout = timeout }
}

// NewTipDivergence 构造分叉检测 specialist。
func NewTipDivergence(tips chain.TipReader, opts ...TipOption) *TipDivergence {
	t := &TipDivergence{tips: tips, threshold: ForkThreshold, timeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Name 实现 Specialist。
func (t *TipDivergence) Name() string { return "tip_divergence" }

// Scan 实现 Specialist。观测高度取自 context.observed_height，缺省时尝试把 subject 解析为高度。
func (t *TipDivergence) Scan(ctx context.Context, subject string, scanCtx map[string]any) Result {
	return Guard(ctx, t.Name(), t.timeout, func(ctx context.Context) Result {
		observed, ok := observedHeight(subject, scanCtx)
		if !ok {
			return Result{
				Risk:     NeutralRisk,
				Evidence: []string{"observed chain height missing from request"},
				Success:  false,
				Error:    "observed_height is required",
			}
		}
		if t.tips == nil {
			return Result{
				Risk:     NeutralRisk,
				Evidence: []string{"reference chain height unavailable"},
				Success:  false,
				Error:    "no chain data provider configured",
			}
		}
		reference, err := t.tips.TipHeight(ctx)
		if err != nil {
			return Result{
				Risk:     NeutralRisk,
				Evidence: []string{"reference chain height unavailable"},
				Success:  false,
				Error:    fmt.Sprintf("fetch reference height: %v", err),
			}
		}

		delta := reference - observed
		if delta < 0 {
			delta = -delta
		}
		isFork := delta > t.threshold
		risk, status := healthyRisk, "SAFE_CHAIN"
		evidence := []string{fmt.Sprintf("chain tip delta %d blocks (threshold %d)", delta, t.threshold)}
		if isFork {
			risk, status = forkRisk, "MINORITY_FORK_DETECTED"
			evidence = append(evidence, fmt.Sprintf("observed height %d diverges from reference %d: minority fork", observed, reference))
		}
		return Result{
			Risk:     risk,
			Evidence: evidence,
			Metadata: map[string]any{
				"reference_height": reference,
				"observed_height":  observed,
				"delta":            delta,
				"threshold":        t.threshold,
				"is_fork":          isFork,
				"status":           status,
			},
			Success: true,
		}
	})
}

func observedHeight(subject string, scanCtx map[string]any) (int64, bool) {
	for _, key := range []string{"observed_height", "user_tip"} {
		if raw, ok := scanCtx[key]; ok {
			if v, ok := envelope.Number(raw); ok && v >= 0 {
				return int64(v), true
			}
		}
	}
	if v, ok := envelope.Number(strings.TrimPrefix(strings.TrimSpace(subject), "tip:")); ok && v >= 0 {
		return int64(v), true
	}
	return 0, false
}
