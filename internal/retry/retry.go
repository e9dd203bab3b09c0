package retry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

var (
	// ErrNoResult 重试耗尽后返回的哨兵错误，调用方应视为"本轮无数据"
	ErrNoResult = errors.New("no result")
	errEmpty    = errors.New("empty result")
)

// Policy 重试策略
type Policy struct {
	Attempts   uint
	Delay      time.Duration
	AllowEmpty bool
	// Fatal 返回 true 的错误立即返回，不再重试
	Fatal func(error) bool
}

// DefaultPolicy 默认策略：3 次，间隔 1 秒，空结果视为失败
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: time.Second}
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop 标记错误为不可重试
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Do 按策略执行 op
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts == 0 {
		p.Attempts = 1
	}

	var fatal error
	v, err := retrygo.DoWithData(
		func() (T, error) {
			v, err := op(ctx)
			if err != nil {
				if isFatal(ctx, p, err) {
					fatal = err
					return zero, retrygo.Unrecoverable(err)
				}
				return zero, err
			}
			if !p.AllowEmpty && isEmpty(v) {
				return zero, errEmpty
			}
			return v, nil
		},
		retrygo.Context(ctx),
		retrygo.Attempts(p.Attempts),
		retrygo.Delay(p.Delay),
		retrygo.DelayType(retrygo.FixedDelay),
		retrygo.LastErrorOnly(true),
	)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if fatal != nil {
		var stop *stopError
		if errors.As(fatal, &stop) {
			return zero, stop.err
		}
		return zero, fatal
	}
	return zero, fmt.Errorf("%w: %v", ErrNoResult, err)
}

func isFatal(ctx context.Context, p Policy, err error) bool {
	var stop *stopError
	if errors.As(err, &stop) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err() != nil
	}
	return p.Fatal != nil && p.Fatal(err)
}

// isEmpty nil、零值、空字符串/切片/映射、false 都视为空
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array, reflect.Chan:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return rv.IsZero()
}
