package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimeout    = errors.New("request timed out")
	ErrSuperseded = errors.New("request superseded")
)

type result[R any] struct {
	value R
	err   error
}

type pending[R any] struct {
	id string
	ch chan result[R]
}

// Slot 单槽跨 worker 请求：同一类型同一时刻只有一个等待者，新请求会顶替旧请求
type Slot[R any] struct {
	mu      sync.Mutex
	current *pending[R]
}

// Ask 发起请求并等待结果。send 负责把票据投递给应答方
func (s *Slot[R]) Ask(ctx context.Context, timeout time.Duration, send func(id string) error) (R, error) {
	var zero R

	p := &pending[R]{id: uuid.NewString(), ch: make(chan result[R], 1)}

	s.mu.Lock()
	if prev := s.current; prev != nil {
		prev.ch <- result[R]{err: ErrSuperseded}
	}
	s.current = p
	s.mu.Unlock()

	if err := send(p.id); err != nil {
		s.release(p)
		return zero, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.value, r.err
	case <-timer.C:
		s.release(p)
		return zero, ErrTimeout
	case <-ctx.Done():
		s.release(p)
		return zero, ctx.Err()
	}
}

// Deliver 投递结果，票据过期时丢弃并返回 false
func (s *Slot[R]) Deliver(id string, v R, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.id != id {
		return false
	}
	s.current.ch <- result[R]{value: v, err: err}
	s.current = nil
	return true
}

// Pending 当前等待中的票据
func (s *Slot[R]) Pending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.id, true
}

func (s *Slot[R]) release(p *pending[R]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == p {
		s.current = nil
	}
}
