// Package pipeline 实现跨智能体的串行评估流程：各角色独立给出风险，
// 再按角色权重融合为一个结论。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/fusion"
	"Sentinel-Orchestrator/internal/observability/metrics"
	"Sentinel-Orchestrator/internal/specialist"
	"Sentinel-Orchestrator/pkg/logger"
)

// 流水线角色名称，与融合权重的键一致。
const (
	RoleSentinel   = "sentinel"
	RoleOracle     = "oracle"
	RoleCompliance = "compliance"
	RoleZKProver   = "zk_prover"
)

// DefaultTimeout 是整条流水线的默认时限。
const DefaultTimeout = 20 * time.Second

// Report 是一次流水线评估的结果。
type Report struct {
	RequestID string              `json:"request_id,omitempty"`
	Subject   string              `json:"subject"`
	Verdict   fusion.Verdict      `json:"verdict"`
	Results   []specialist.Result `json:"results"`
	Absent    []string            `json:"absent"`
	Failed    []string            `json:"failed"`
}

// Pipeline 并发执行各角色并以加权策略融合。
type Pipeline struct {
	engine       *fusion.Engine
	profile      fusion.Profile
	roles        []string
	contributors []specialist.Specialist
	timeout      time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Pipeline)

// WithTimeout 设置整条流水线的时限。
func WithTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithMetrics 记录角色结果与结论分布。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProfile 替换流水线使用的分类阈值。
func WithProfile(profile fusion.Profile) Option {
	return func(p *Pipeline) { p.profile = profile }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 构造流水线。每个参与者的 Name 必须是权重中配置的角色，且不能重复；
// 未部署的角色在评估时视为缺席，其权重按比例分配给其他角色。
func New(policy *fusion.WeightedPolicy, contributors []specialist.Specialist, opts ...Option) (*Pipeline, error) {
	if policy == nil {
		return nil, xerrors.New(xerrors.CodeFusionConfig, "流水线缺少加权策略")
	}
	roles := policy.Roles()
	known := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		known[role] = struct{}{}
	}
	seen := make(map[string]struct{}, len(contributors))
	for _, c := range contributors {
		if c == nil {
			continue
		}
		name := c.Name()
		if _, ok := known[name]; !ok {
			return nil, xerrors.New(xerrors.CodeFusionConfig, fmt.Sprintf("角色 %s 未配置权重", name))
		}
		if _, dup := seen[name]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("重复的流水线角色: %s", name))
		}
		seen[name] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "流水线至少需要一个角色")
	}

	p := &Pipeline{
		profile: fusion.PipelineProfile,
		roles:   roles,
		timeout: DefaultTimeout,
		logger:  logger.Named("pipeline"),
	}
	for _, c := range contributors {
		if c != nil {
			p.contributors = append(p.contributors, c)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.engine = fusion.NewEngine(policy, p.profile)
	return p, nil
}

// Roles 返回已部署的角色名称。
func (p *Pipeline) Roles() []string {
	names := make([]string, 0, len(p.contributors))
	for _, c := range p.contributors {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

// Run 并发执行所有角色并融合结果。subject 为空时返回参数错误。
func (p *Pipeline) Run(ctx context.Context, requestID, subject string, scanCtx map[string]any) (Report, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Report{}, xerrors.New(xerrors.CodeInvalidArgument, "流水线请求缺少 subject")
	}
	ctx = logger.WithRequest(ctx, requestID, "")
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make([]specialist.Result, len(p.contributors))
	g, gctx := errgroup.WithContext(runCtx)
	for i, c := range p.contributors {
		g.Go(func() error {
			results[i] = specialist.Invoke(gctx, c, subject, cloneContext(scanCtx))
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		RequestID: requestID,
		Subject:   subject,
		Results:   results,
		Absent:    []string{},
		Failed:    []string{},
	}
	deployed := make(map[string]struct{}, len(results))
	for _, r := range results {
		deployed[r.Specialist] = struct{}{}
		outcome := metrics.OutcomeSuccess
		if !r.Success {
			outcome = metrics.OutcomeFailed
			report.Failed = append(report.Failed, r.Specialist)
		}
		p.metrics.ObserveSpecialist(r.Specialist, outcome)
	}
	for _, role := range p.roles {
		if _, ok := deployed[role]; !ok {
			report.Absent = append(report.Absent, role)
			p.metrics.ObserveSpecialist(role, metrics.OutcomeAbsent)
		}
	}

	report.Verdict = p.engine.Fuse(results)
	p.metrics.ObserveVerdict(report.Verdict.Profile, string(report.Verdict.Classification))
	logger.FromContext(ctx, p.logger).Info("流水线评估完成",
		slog.String("subject", subject),
		slog.Int("score", report.Verdict.FinalScore),
		slog.String("classification", string(report.Verdict.Classification)),
		slog.Any("absent", report.Absent),
		slog.Any("failed", report.Failed),
	)
	return report, nil
}

func cloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
