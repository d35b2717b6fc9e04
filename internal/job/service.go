package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Sentinel-Orchestrator/internal/envelope"
	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/pkg/logger"
)

// DefaultMaxRetries 是未配置时的最大尝试次数。
const DefaultMaxRetries = 3

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// JobID 推导请求信封对应的任务 ID：依次使用 payload.request_id 与 escrow.id。
// 两者都缺失时返回空字符串。
func JobID(env envelope.Envelope) string {
	if id := envelope.String(env.Payload, "request_id"); id != "" {
		return id
	}
	return envelope.String(envelope.Object(env.Payload, "escrow"), "id")
}

// Submit 保存签名请求并推送到队列。同一请求方以相同 ID 重复提交时返回已有任务，
// 其他请求方使用已被占用的 ID 时返回 CodeJobConflict。
func (s *Service) Submit(ctx context.Context, env envelope.Envelope) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if env.Type != envelope.TypeRequest {
		return nil, xerrors.New(CodeJobValidation, "只接受 REQUEST 信封")
	}
	if env.Signature == "" {
		return nil, xerrors.Wrap(xerrors.CodeAuthentication, envelope.ErrMissingSignature, "信封缺少签名")
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "请求信封无法编码")
	}

	jobID := JobID(env)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return ownedBy(existing, env.FromID)
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:         jobID,
		Requester:  env.FromID,
		Request:    raw,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return ownedBy(existing, env.FromID)
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("验证任务入队",
		slog.String("job_id", jobID),
		slog.String("requester", job.Requester),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func ownedBy(existing *Job, requester string) (*Job, error) {
	if existing.Requester != requester {
		return nil, xerrors.New(CodeJobConflict, "任务 ID 已被其他请求方占用",
			xerrors.WithMetadata("job_id", existing.ID))
	}
	return existing, nil
}
