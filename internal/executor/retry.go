package executor

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy 只对网络类和限频类错误重试，等待时间随次数线性增加
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	// Throttle 每次提交前调用 (包括重试)，返回错误时放弃提交
	Throttle func(ctx context.Context) error
}

// WithRetry 执行 fn，最多 Attempts 次；返回最后一次的错误
func WithRetry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for i := 1; i <= attempts; i++ {
		if p.Throttle != nil {
			if terr := p.Throttle(ctx); terr != nil {
				if err != nil {
					return out, errors.Join(err, terr)
				}
				return out, terr
			}
		}
		out, err = fn(ctx)
		if err == nil || !Retryable(err) || i == attempts {
			return out, err
		}
		wait := p.BaseBackoff * time.Duration(i)
		if KindOf(err) == KindRateLimited {
			wait *= 2
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(wait):
		}
	}
	return out, err
}
