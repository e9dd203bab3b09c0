package alerts

import (
	"context"
	"errors"
	"sync"

	"github.com/langchou/fleetalert/internal/models"
)

var ErrNoToken = errors.New("empty token")

// TokenSource 向浏览器 worker 索取 token
type TokenSource func(ctx context.Context, backend models.Backend) (string, error)

// Tokens 各后台共用的 X-Token 缓存，同一后台同时只发一个刷新请求
type Tokens struct {
	source TokenSource

	mu    sync.Mutex
	cur   map[models.Backend]string
	locks map[models.Backend]*sync.Mutex
}

// NewTokens 创建缓存
func NewTokens(source TokenSource) *Tokens {
	return &Tokens{
		source: source,
		cur:    make(map[models.Backend]string),
		locks:  make(map[models.Backend]*sync.Mutex),
	}
}

func (t *Tokens) lock(b models.Backend) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[b]
	if !ok {
		l = &sync.Mutex{}
		t.locks[b] = l
	}
	return l
}

func (t *Tokens) peek(b models.Backend) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur[b]
}

// Set 写入 token
func (t *Tokens) Set(b models.Backend, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur[b] = token
}

// Get 返回缓存的 token，没有时向来源索取
func (t *Tokens) Get(ctx context.Context, b models.Backend) (string, error) {
	if tok := t.peek(b); tok != "" {
		return tok, nil
	}
	l := t.lock(b)
	l.Lock()
	defer l.Unlock()
	if tok := t.peek(b); tok != "" {
		return tok, nil
	}
	return t.fetch(ctx, b)
}

// Refresh 丢弃 stale 并取新 token；其他调用方已刷新过时直接返回新值
func (t *Tokens) Refresh(ctx context.Context, b models.Backend, stale string) (string, error) {
	l := t.lock(b)
	l.Lock()
	defer l.Unlock()
	if tok := t.peek(b); tok != "" && tok != stale {
		return tok, nil
	}
	t.Set(b, "")
	return t.fetch(ctx, b)
}

func (t *Tokens) fetch(ctx context.Context, b models.Backend) (string, error) {
	tok, err := t.source(ctx, b)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", ErrNoToken
	}
	t.Set(b, tok)
	return tok, nil
}
