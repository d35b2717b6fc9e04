package fusion

import (
	"fmt"
	"time"

	"Sentinel-Orchestrator/internal/specialist"
)

// AllFailedEvidence 是无任何可用结果时的证据文本。
const AllFailedEvidence = "all specialists failed/timed out"

// Verdict 是一次请求的最终判定。
type Verdict struct {
	Risk              float64        `json:"risk"`
	FinalScore        int            `json:"final_score"`
	Classification    Classification `json:"classification"`
	ContributingCount int            `json:"contributing_count"`
	Evidence          []string       `json:"evidence"`
	Timestamp         time.Time      `json:"timestamp"`
	Policy            string         `json:"policy"`
	Profile           string         `json:"profile"`
}

// Engine 组合一个合并策略与一组阈值。
type Engine struct {
	policy  Policy
	profile Profile
	now     func() time.Time
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 构造融合引擎，policy 为空时使用平均策略。
func NewEngine(policy Policy, profile Profile, opts ...Option) *Engine {
	if policy == nil {
		policy = MeanPolicy{}
	}
	e := &Engine{policy: policy, profile: profile, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Profile 返回当前阈值配置。
func (e *Engine) Profile() Profile { return e.profile }

// Fuse 合并结果。success=false 的结果不参与计算；全部缺席时返回中性判定。
func (e *Engine) Fuse(results []specialist.Result) Verdict {
	contributing := make([]specialist.Result, 0, len(results))
	evidence := make([]string, 0, len(results))
	for _, r := range results {
		if !r.Success {
			continue
		}
		r = r.Normalize()
		contributing = append(contributing, r)
		for _, item := range r.Evidence {
			evidence = append(evidence, fmt.Sprintf("[%s] %s", r.Specialist, item))
		}
	}

	risk := specialist.NeutralRisk
	if len(contributing) == 0 {
		evidence = []string{AllFailedEvidence}
	} else {
		risk = specialist.ClampRisk(e.policy.Combine(contributing))
	}
	score := Score(risk)
	return Verdict{
		Risk:              risk,
		FinalScore:        score,
		Classification:    e.profile.Classify(score),
		ContributingCount: len(contributing),
		Evidence:          evidence,
		Timestamp:         e.now().UTC(),
		Policy:            e.policy.Name(),
		Profile:           e.profile.Name,
	}
}
