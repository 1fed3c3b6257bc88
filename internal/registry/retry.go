package registry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retrying 包裝 Registry，暫時性錯誤以指數退避重試
type Retrying struct {
	next     Registry
	attempts uint64
	interval time.Duration
	log      *zap.Logger
}

// WithRetry 每次呼叫最多重試 attempts 次
func WithRetry(next Registry, attempts uint64, interval time.Duration, log *zap.Logger) *Retrying {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retrying{next: next, attempts: attempts, interval: interval, log: log}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.attempts), ctx)
}

func (r *Retrying) notify(op, key string) backoff.Notify {
	return func(err error, wait time.Duration) {
		r.log.Warn("registry call failed, retrying",
			zap.String("op", op),
			zap.String("key", key),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
}

// Get implements Registry.
func (r *Retrying) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		ok    bool
	)
	err := backoff.RetryNotify(func() error {
		var err error
		value, ok, err = r.next.Get(ctx, key)
		return err
	}, r.policy(ctx), r.notify("get", key))
	return value, ok, err
}

// Put implements Registry.
func (r *Retrying) Put(ctx context.Context, key string, value []byte) error {
	return backoff.RetryNotify(func() error {
		return r.next.Put(ctx, key, value)
	}, r.policy(ctx), r.notify("put", key))
}

// Increment implements Registry. Increment is not idempotent, so a call that
// failed after the write committed may be applied twice.
func (r *Retrying) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var n int64
	err := backoff.RetryNotify(func() error {
		var err error
		n, err = r.next.Increment(ctx, key, delta)
		return err
	}, r.policy(ctx), r.notify("increment", key))
	return n, err
}
