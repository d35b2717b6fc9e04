package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"Sentinel-Orchestrator/internal/envelope"
	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/observability/alerting"
	"Sentinel-Orchestrator/internal/observability/metrics"
	"Sentinel-Orchestrator/pkg/logger"
)

// Executor 把签名请求转换为签名响应，协调器实现了该接口。
type Executor interface {
	Coordinate(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error)
}

// Processor 从队列消费任务并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorMetrics 记录任务终态计数。
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	ctx = logger.WithAttrs(ctx, slog.String("job_id", jobID))
	log := logger.FromContext(ctx, p.logger)
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			log.Debug("跳过任务", slog.String("reason", err.Error()))
			return nil
		}
		log.Error("领取任务失败", slog.Any("error", err))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	ctx = logger.WithAttrs(ctx, slog.String("requester", job.Requester))
	req, err := envelope.Decode(job.Request)
	if err != nil {
		// 请求本身无法解析，重试没有意义。
		return p.handleExecutionFailure(ctx, job, xerrors.Wrap(CodeJobValidation, err, "任务请求无法解析"))
	}
	resp, execErr := p.executor.Coordinate(ctx, req)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr)
	}
	raw, err := envelope.Encode(resp)
	if err != nil {
		return p.handleExecutionFailure(ctx, job, xerrors.Wrap(CodeJobProcessing, err, "响应信封无法编码"))
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, raw); err != nil {
		log.Error("标记任务成功状态失败", slog.Any("error", err))
		if storeErr := p.store.MarkFailed(ctx, job.ID, CodeJobProcessing, err.Error(), false); storeErr != nil {
			log.Error("回写失败状态出错", slog.Any("error", storeErr))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", job.ID))
		}
		return nil
	}
	p.metrics.ObserveJob(string(StatusSucceeded))
	logger.AuditFrom(ctx).Info("验证任务完成",
		slog.String("response_type", string(resp.Type)),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	log := logger.FromContext(ctx, p.logger)
	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		log.Error("标记任务失败状态出错", slog.Any("error", storeErr))
		return storeErr
	}
	logger.AuditFrom(ctx).Warn("验证任务失败",
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if !retryable {
			stage = "non_retryable"
		}
		p.metrics.ObserveJob(string(StatusFailed))
	}
	p.emitAlert(ctx, job, code, execErr, stage)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		log.Debug("任务已重新排队", slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RequestID:  job.ID,
		JobID:      job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.FromContext(ctx, p.logger).Error("告警通知失败",
			slog.Any("error", err),
			slog.String("stage", stage),
		)
	}
}
