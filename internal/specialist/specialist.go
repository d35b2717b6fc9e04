package specialist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout 是单个 specialist 的内部超时。
const DefaultTimeout = 30 * time.Second

// FailureRisk 是超时或异常时降级使用的低风险值。
const FailureRisk = 0.2

// ErrTimeout 表示 specialist 未在内部超时内完成。
var ErrTimeout = errors.New("specialist scan timed out")

// Specialist 是协调器依赖的唯一能力。Scan 不返回 error，失败体现在 Result.Success。
type Specialist interface {
	Name() string
	Scan(ctx context.Context, subject string, scanCtx map[string]any) Result
}

// Guard 在内部超时内执行 fn，并把 panic 转换为失败结果。
// 超时后 fn 所在的协程被放弃，其结果不再使用。
func Guard(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) Result) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failed(name, FailureRisk, fmt.Errorf("specialist panic: %v", r))
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case res := <-done:
		res.Specialist = name
		return res.Normalize()
	case <-ctx.Done():
		return Failed(name, FailureRisk, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err()))
	}
}

// Invoke 调用任意 Specialist 实现并拦截 panic。
func Invoke(ctx context.Context, s Specialist, subject string, scanCtx map[string]any) (res Result) {
	name := s.Name()
	defer func() {
		if r := recover(); r != nil {
			res = Failed(name, FailureRisk, fmt.Errorf("specialist panic: %v", r))
		}
	}()
	res = s.Scan(ctx, subject, scanCtx)
	if res.Specialist == "" {
		res.Specialist = name
	}
	return res.Normalize()
}
