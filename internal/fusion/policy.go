package fusion

import (
	"fmt"
	"math"
	"sort"
	"strings"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/specialist"
)

// weightTolerance 是权重之和允许的浮点误差。
const weightTolerance = 1e-6

// Policy 把成功返回的结果合并为一个风险值。调用方保证 results 非空。
type Policy interface {
	Name() string
	Combine(results []specialist.Result) float64
}

// MeanPolicy 取所有结果风险的算术平均。
type MeanPolicy struct{}

// Name 实现 Policy。
func (MeanPolicy) Name() string { return "mean" }

// Combine 实现 Policy。
func (MeanPolicy) Combine(results []specialist.Result) float64 {
	if len(results) == 0 {
		return specialist.NeutralRisk
	}
	var sum float64
	for _, r := range results {
		sum += r.Risk
	}
	return sum / float64(len(results))
}

// DefaultPipelineWeights 返回跨智能体流水线的默认角色权重。
func DefaultPipelineWeights() map[string]float64 {
	return map[string]float64{
		"sentinel":   0.40,
		"oracle":     0.25,
		"compliance": 0.20,
		"zk_prover":  0.15,
	}
}

// WeightedPolicy 按角色权重加权，缺席角色的权重按比例分配给在场角色。
type WeightedPolicy struct {
	weights map[string]float64
}

// NewWeightedPolicy 校验权重并构造策略。权重之和必须为 1。
func NewWeightedPolicy(weights map[string]float64) (*WeightedPolicy, error) {
	if len(weights) == 0 {
		return nil, xerrors.New(xerrors.CodeFusionConfig, "权重配置为空")
	}
	copied := make(map[string]float64, len(weights))
	var sum float64
	for role, w := range weights {
		role = strings.TrimSpace(role)
		if role == "" {
			return nil, xerrors.New(xerrors.CodeFusionConfig, "权重角色名为空")
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, xerrors.New(xerrors.CodeFusionConfig, fmt.Sprintf("角色 %s 的权重无效: %v", role, w),
				xerrors.WithMetadata("role", role))
		}
		copied[role] = w
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, xerrors.New(xerrors.CodeFusionConfig, fmt.Sprintf("权重之和必须为 1.0，当前为 %.4f", sum),
			xerrors.WithMetadata("sum", fmt.Sprintf("%.6f", sum)))
	}
	return &WeightedPolicy{weights: copied}, nil
}

// Name 实现 Policy。
func (p *WeightedPolicy) Name() string { return "weighted" }

// Roles 返回已配置的角色，按名称排序。
func (p *WeightedPolicy) Roles() []string {
	roles := make([]string, 0, len(p.weights))
	for role := range p.weights {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// NormalizedWeights 返回在场角色重新归一化后的权重，未配置的角色被忽略。
func (p *WeightedPolicy) NormalizedWeights(present []string) map[string]float64 {
	out := make(map[string]float64, len(present))
	var total float64
	for _, role := range present {
		if w, ok := p.weights[role]; ok {
			if _, dup := out[role]; !dup {
				out[role] = w
				total += w
			}
		}
	}
	if total == 0 {
		return map[string]float64{}
	}
	for role, w := range out {
		out[role] = w / total
	}
	return out
}

// Combine 实现 Policy。没有任何已配置角色在场时退化为平均值。
func (p *WeightedPolicy) Combine(results []specialist.Result) float64 {
	present := make([]string, 0, len(results))
	for _, r := range results {
		present = append(present, r.Specialist)
	}
	weights := p.NormalizedWeights(present)
	if len(weights) == 0 {
		return MeanPolicy{}.Combine(results)
	}
	var (
		risk float64
		seen = make(map[string]struct{}, len(results))
	)
	for _, r := range results {
		w, ok := weights[r.Specialist]
		if !ok {
			continue
		}
		if _, dup := seen[r.Specialist]; dup {
			continue
		}
		seen[r.Specialist] = struct{}{}
		risk += w * r.Risk
	}
	return risk
}
