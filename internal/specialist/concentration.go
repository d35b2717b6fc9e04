package specialist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"Sentinel-Orchestrator/internal/chain"
)

// 抽样规模、头部数量与集中比例阈值固定，不随部署配置变化。
const (
	ConcentrationSampleSize = 50
	ConcentrationTopK       = 10
	ConcentrationThreshold  = 0.3

	centralizedRisk      = 0.8
	decentralizedRisk    = 0.2
)

// Concentration 评估资源是否集中在少数实体手中。
type Concentration struct {
	sampler    chain.StakeSampler
	sampleSize int
	topK       int
	threshold  float64
	timeout    time.Duration
}

// ConcentrationOption 定义可选配置。
type ConcentrationOption func(*Concentration)

// WithConcentrationTimeout 设置内部超时。
func WithConcentrationTimeout(timeout time.Duration) ConcentrationOption {
	return func(c *Concentration) { c.timeout = timeout }
}

// NewConcentration 构造集中度 specialist。
func NewConcentration(sampler chain.StakeSampler, opts ...ConcentrationOption) *Concentration {
	c := &Concentration{
		sampler:    sampler,
		sampleSize: ConcentrationSampleSize,
		topK:       ConcentrationTopK,
		threshold:  ConcentrationThreshold,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name 实现 Specialist。
func (c *Concentration) Name() string { return "stake_concentration" }

// Scan 实现 Specialist。
func (c *Concentration) Scan(ctx context.Context, subject string, _ map[string]any) Result {
	return Guard(ctx, c.Name(), c.timeout, func(ctx context.Context) Result {
		if c.sampler == nil {
			return Failed(c.Name(), FailureRisk, fmt.Errorf("no stake data provider configured"))
		}
		holdings, err := c.sampler.SampleStake(ctx, subject, c.sampleSize)
		if err != nil {
			return Failed(c.Name(), FailureRisk, fmt.Errorf("sample stake: %w", err))
		}
		amounts := make([]float64, 0, len(holdings))
		for _, h := range holdings {
			amounts = append(amounts, h.Amount)
		}
		if len(amounts) > c.sampleSize {
			amounts = amounts[:c.sampleSize]
		}

		ratio := ConcentrationRatio(amounts, c.topK)
		centralized := ratio > c.threshold
		risk := decentralizedRisk
		evidence := []string{fmt.Sprintf("top %d of %d sampled entities control %.1f%% of the sampled total",
			min(c.topK, len(amounts)), len(amounts), ratio*100)}
		if centralized {
			risk = centralizedRisk
			evidence = append(evidence, fmt.Sprintf("concentration above %.0f%% threshold", c.threshold*100))
		}
		return Result{
			Risk:     risk,
			Evidence: evidence,
			Metadata: map[string]any{
				"ratio":       ratio,
				"sampled":     len(amounts),
				"top_k":       c.topK,
				"threshold":   c.threshold,
				"centralized": centralized,
			},
			Success: true,
		}
	})
}

// ConcentrationRatio 返回最大 topK 个数值之和占总和的比例，总和为 0 时返回 0。负值按 0 计。
func ConcentrationRatio(amounts []float64, topK int) float64 {
	sorted := make([]float64, 0, len(amounts))
	var total float64
	for _, a := range amounts {
		if a < 0 {
			a = 0
		}
		sorted = append(sorted, a)
		total += a
	}
	if total == 0 {
		return 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	if topK > len(sorted) {
		topK = len(sorted)
	}
	var top float64
	for _, a := range sorted[:topK] {
		top += a
	}
	return top / total
}
