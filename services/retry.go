package services

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"rallymigrate/api"
	"rallymigrate/config"
	"rallymigrate/utils"
)

// Retrier は一時的なリモートエラーを指数バックオフで再試行します
type Retrier struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// NewRetrier は設定から Retrier を作成します
func NewRetrier(cfg *config.Config) Retrier {
	return Retrier{
		Attempts: cfg.MaxRetries,
		Delay:    cfg.RetryDelay,
		MaxDelay: cfg.RetryMaxDelay,
		Clock:    clock.WallClock,
	}
}

// Do は fn を最大 Attempts 回実行します
// 再試行できないエラーやキャンセルはそのまま返し、回数超過時は最後のエラーを返します
func (r Retrier) Do(ctx context.Context, what string, fn func() error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay < delay {
		maxDelay = delay
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !api.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			utils.LogWarn("%s 失敗 (試行 %d/%d): %v", what, attempt, attempts, err)
		},
		Attempts:    attempts,
		Delay:       delay,
		BackoffFunc: retry.ExpBackoff(delay, maxDelay, 2, true),
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if last := retry.LastError(err); last != nil {
			return errors.Annotatef(last, "%s (%d 回試行)", what, attempts)
		}
	}
	return err
}
