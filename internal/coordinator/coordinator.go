// Package coordinator 认证验证请求，并发调度 specialist，融合结果并返回签名响应。
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"Sentinel-Orchestrator/internal/envelope"
	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/escrow"
	"Sentinel-Orchestrator/internal/fusion"
	"Sentinel-Orchestrator/internal/observability/alerting"
	"Sentinel-Orchestrator/internal/observability/metrics"
	"Sentinel-Orchestrator/internal/specialist"
	"Sentinel-Orchestrator/pkg/logger"
)

const (
	// DefaultFanoutTimeout 是等待全部 specialist 的外层期限。
	DefaultFanoutTimeout = 8 * time.Second
	// DefaultEscrowTimeout 限制单次后台入账的耗时。
	DefaultEscrowTimeout = 2 * time.Second
)

// Verifier 是协调器对外暴露的能力，流水线与任务处理器依赖该接口。
type Verifier interface {
	Coordinate(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error)
}

// Coordinator 只有一个实现：并发扇出、部分结果收集、融合。
type Coordinator struct {
	codec         *envelope.Codec
	engine        *fusion.Engine
	specialists   []specialist.Specialist
	ledger        escrow.Ledger
	alerts        alerting.Dispatcher
	metrics       *metrics.Metrics
	fanoutTimeout time.Duration
	escrowTimeout time.Duration
	logger        *slog.Logger

	credits sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithLedger 启用托管入账。
func WithLedger(ledger escrow.Ledger) Option {
	return func(c *Coordinator) { c.ledger = ledger }
}

// WithAlerts 设置告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerts = alerts }
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithFanoutTimeout 覆盖外层扇出期限。
func WithFanoutTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.fanoutTimeout = timeout
		}
	}
}

// WithEscrowTimeout 覆盖入账超时。
func WithEscrowTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.escrowTimeout = timeout
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New 构造协调器。specialist 名称必须唯一。
func New(codec *envelope.Codec, engine *fusion.Engine, specialists []specialist.Specialist, opts ...Option) (*Coordinator, error) {
	if codec == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "协调器缺少签名编解码器")
	}
	if engine == nil {
		engine = fusion.NewEngine(fusion.MeanPolicy{}, fusion.SpecialistProfile)
	}
	seen := make(map[string]struct{}, len(specialists))
	list := make([]specialist.Specialist, 0, len(specialists))
	for _, s := range specialists {
		if s == nil {
			continue
		}
		name := s.Name()
		if _, dup := seen[name]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("重复的 specialist: %s", name))
		}
		seen[name] = struct{}{}
		list = append(list, s)
	}
	if len(list) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "至少需要一个 specialist")
	}
	c := &Coordinator{
		codec:         codec,
		engine:        engine,
		specialists:   list,
		fanoutTimeout: DefaultFanoutTimeout,
		escrowTimeout: DefaultEscrowTimeout,
		logger:        logger.Named("coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Specialists 返回已注册的 specialist 名称。
func (c *Coordinator) Specialists() []string {
	names := make([]string, 0, len(c.specialists))
	for _, s := range c.specialists {
		names = append(names, s.Name())
	}
	return names
}

// AgentID 返回协调器身份。
func (c *Coordinator) AgentID() string { return c.codec.AgentID() }

// Coordinate 处理一个 REQUEST 信封。所有业务失败都以签名 ERROR 信封返回；
// 只有响应本身无法签名时才返回 error。
func (c *Coordinator) Coordinate(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	verified, err := c.codec.Authenticate(req)
	if err != nil {
		c.metrics.ObserveAuthFailure()
		c.alert(ctx, alerting.FromError(err, "拒绝未通过认证的验证请求"))
		return c.fail(req.FromID, err)
	}
	if req.Type != envelope.TypeRequest {
		return c.fail(req.FromID, xerrors.New(xerrors.CodeInvalidEnvelope, fmt.Sprintf("期望 REQUEST 信封，收到 %s", req.Type)))
	}
	request := ParseRequest(req.Payload)
	if request.Subject == "" {
		return c.fail(req.FromID, xerrors.New(xerrors.CodeInvalidArgument, "请求缺少 subject"))
	}

	ctx = logger.WithRequest(ctx, request.RequestID, req.FromID)
	if request.HasEscrow {
		c.creditAsync(ctx, request)
	}

	eval := c.Evaluate(ctx, request.Subject, request.Context)
	logger.FromContext(ctx, c.logger).Info("验证完成",
		slog.Bool("authenticated", verified),
		slog.String("subject", request.Subject),
		slog.String("classification", string(eval.Verdict.Classification)),
		slog.Int("score", eval.Verdict.FinalScore),
		slog.Int("contributing", eval.Verdict.ContributingCount),
		slog.Any("absent", eval.Absent),
		slog.Any("failed", eval.Failed),
	)
	logger.AuditFrom(ctx).Info("verdict",
		slog.String("subject", request.Subject),
		slog.String("classification", string(eval.Verdict.Classification)),
		slog.Int("score", eval.Verdict.FinalScore),
	)

	payload := eval.Payload()
	payload["request_id"] = request.RequestID
	payload["authenticated"] = verified
	resp, err := c.codec.Sign(envelope.TypeResponse, payload, req.FromID)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeUnknown, err, "签名响应失败")
	}
	return resp, nil
}

// Evaluation 是一次扇出与融合的完整结果。
type Evaluation struct {
	Verdict fusion.Verdict
	Results []specialist.Result
	Absent  []string
	Failed  []string
}

// Payload 把评估结果转换为响应载荷。
func (e Evaluation) Payload() map[string]any {
	results := make([]map[string]any, 0, len(e.Results))
	for _, r := range e.Results {
		if p, err := r.Payload(); err == nil {
			results = append(results, p)
		}
	}
	return map[string]any{
		"classification":     string(e.Verdict.Classification),
		"score":              e.Verdict.FinalScore,
		"risk":               e.Verdict.Risk,
		"contributing_count": e.Verdict.ContributingCount,
		"evidence":           e.Verdict.Evidence,
		"profile":            e.Verdict.Profile,
		"absent":             e.Absent,
		"failed":             e.Failed,
		"results":            results,
	}
}

type indexedResult struct {
	idx    int
	result specialist.Result
}

// Evaluate 在外层期限内并发调用所有 specialist 并融合结果。
// 期限到达后仍在运行的调用被放弃，其结果写入带缓冲的通道后被丢弃。
func (c *Coordinator) Evaluate(ctx context.Context, subject string, scanCtx map[string]any) Evaluation {
	started := time.Now()
	fanCtx, cancel := context.WithTimeout(ctx, c.fanoutTimeout)
	defer cancel()

	n := len(c.specialists)
	ch := make(chan indexedResult, n)
	for i, s := range c.specialists {
		go func(idx int, s specialist.Specialist) {
			ch <- indexedResult{idx: idx, result: specialist.Invoke(fanCtx, s, subject, cloneContext(scanCtx))}
		}(i, s)
	}

	received := make([]*specialist.Result, n)
	count := 0
collect:
	for count < n {
		select {
		case r := <-ch:
			if fanCtx.Err() != nil {
				// 期限后到达的结果按缺席处理。
				break collect
			}
			res := r.result
			received[r.idx] = &res
			count++
		case <-fanCtx.Done():
			break collect
		}
	}
	c.metrics.ObserveFanout(time.Since(started))

	log := logger.FromContext(ctx, c.logger)
	eval := Evaluation{Absent: []string{}, Failed: []string{}}
	for i, s := range c.specialists {
		name := s.Name()
		res := received[i]
		switch {
		case res == nil:
			eval.Absent = append(eval.Absent, name)
			c.metrics.ObserveSpecialist(name, metrics.OutcomeAbsent)
			log.Warn("specialist 未在期限内返回", slog.String("specialist", name))
		case !res.Success:
			eval.Failed = append(eval.Failed, name)
			eval.Results = append(eval.Results, *res)
			c.metrics.ObserveSpecialist(name, metrics.OutcomeFailed)
			log.Warn("specialist 执行失败", slog.String("specialist", name), slog.String("error", res.Error))
		default:
			eval.Results = append(eval.Results, *res)
			c.metrics.ObserveSpecialist(name, metrics.OutcomeSuccess)
		}
	}
	sort.Strings(eval.Absent)
	sort.Strings(eval.Failed)

	eval.Verdict = c.engine.Fuse(eval.Results)
	c.metrics.ObserveVerdict(eval.Verdict.Profile, string(eval.Verdict.Classification))
	if eval.Verdict.ContributingCount == 0 {
		event := alerting.Event{
			Code:     xerrors.CodeSpecialistFailure,
			Message:  fusion.AllFailedEvidence,
			Severity: xerrors.SeverityCritical,
			Metadata: map[string]string{
				"subject": subject,
				"absent":  strings.Join(eval.Absent, ","),
				"failed":  strings.Join(eval.Failed, ","),
			},
		}
		c.alert(ctx, event)
	}
	return eval
}

// FlushCredits 等待所有后台入账结束，或在 ctx 结束时返回其错误。
func (c *Coordinator) FlushCredits(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.credits.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// creditAsync 在后台入账，响应不等待账本。
func (c *Coordinator) creditAsync(ctx context.Context, req Request) {
	if c.ledger == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	c.credits.Add(1)
	go func() {
		defer c.credits.Done()
		c.credit(detached, req)
	}()
}

func (c *Coordinator) credit(ctx context.Context, req Request) {
	creditCtx, cancel := context.WithTimeout(ctx, c.escrowTimeout)
	defer cancel()

	log := logger.FromContext(ctx, c.logger)

	agentID := c.codec.AgentID()
	applied, err := c.ledger.Credit(creditCtx, agentID, req.EscrowID, req.EscrowAmount)
	switch {
	case err != nil:
		c.metrics.ObserveEscrowCredit("error")
		log.Error("托管入账失败", slog.String("escrow_id", req.EscrowID), slog.Any("error", err))
		if xerrors.ShouldAlert(err) {
			c.alert(ctx, alerting.FromError(err, "托管入账失败"))
		}
	case applied:
		c.metrics.ObserveEscrowCredit("applied")
		logger.AuditFrom(ctx).Info("escrow credit",
			slog.String("agent_id", agentID),
			slog.String("escrow_id", req.EscrowID),
			slog.Float64("amount", req.EscrowAmount),
		)
	default:
		c.metrics.ObserveEscrowCredit("duplicate")
		log.Info("托管记录已存在，忽略重复入账", slog.String("escrow_id", req.EscrowID))
	}
}

// fail 构造签名 ERROR 信封。
func (c *Coordinator) fail(toID string, cause error) (envelope.Envelope, error) {
	code := xerrors.CodeOf(cause)
	resp, err := c.codec.Sign(envelope.TypeError, map[string]any{
		"status": "ERROR",
		"code":   string(code),
		"error":  cause.Error(),
	}, toID)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeUnknown, err, "签名错误响应失败")
	}
	return resp, nil
}

func (c *Coordinator) alert(ctx context.Context, event alerting.Event) {
	if c.alerts == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.alerts.Notify(alertCtx, event); err != nil {
		c.logger.Warn("告警发送失败", slog.String("code", string(event.Code)), slog.Any("error", err))
	}
}

// ErrorCode 读取 ERROR 信封中的错误码，非 ERROR 信封返回空字符串。
func ErrorCode(env envelope.Envelope) xerrors.Code {
	if env.Type != envelope.TypeError {
		return ""
	}
	return xerrors.Code(envelope.String(env.Payload, "code"))
}

func cloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
