package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ExtractAuthToken 监听页面下一次带 header 的请求并返回其值。
// wait 内没有请求时刷新页面再监听一次
func (s *Session) ExtractAuthToken(ctx context.Context, name, header string, wait time.Duration) (string, error) {
	page, err := s.Page(name)
	if err != nil {
		return "", err
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return "", fmt.Errorf("enable network on %s: %w", name, err)
	}

	if token := listenHeader(ctx, page, header, wait, nil); token != "" {
		return token, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.logger.Debug("No token observed, reloading page", zap.String("page", name))
	reload := func() {
		if err := s.Reload(ctx, name); err != nil {
			s.logger.Warn("Failed to reload page for token", zap.String("page", name), zap.Error(err))
		}
	}
	if token := listenHeader(ctx, page, header, wait, reload); token != "" {
		return token, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := page.Info(); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return "", ErrNoToken
}

// listenHeader 订阅后再执行 trigger，避免错过刷新产生的请求
func listenHeader(ctx context.Context, page *rod.Page, header string, wait time.Duration, trigger func()) string {
	lctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var token string
	waitFn := page.Context(lctx).EachEvent(func(e *proto.NetworkRequestWillBeSent) bool {
		if e.Request == nil {
			return false
		}
		for k, v := range e.Request.Headers {
			if strings.EqualFold(k, header) {
				if val := v.Str(); val != "" {
					token = val
					return true
				}
			}
		}
		return false
	})
	if trigger != nil {
		go trigger()
	}
	waitFn()
	return token
}

// CookieHeader 以 Cookie 请求头格式返回页面对 url 可见的 cookie
func (s *Session) CookieHeader(ctx context.Context, name, url string) (string, error) {
	page, err := s.Page(name)
	if err != nil {
		return "", err
	}
	cookies, err := page.Context(ctx).Cookies([]string{url})
	if err != nil {
		return "", fmt.Errorf("read cookies from %s: %w", name, err)
	}
	if len(cookies) == 0 {
		return "", fmt.Errorf("%s: %w", url, ErrNoCookies)
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), nil
}

// WatchJSON 持续把页面中以 prefix 开头的 XHR/fetch 响应体交给 fn，直到 ctx 结束或页面关闭
func (s *Session) WatchJSON(ctx context.Context, name, prefix string, fn func(body []byte)) error {
	page, err := s.Page(name)
	if err != nil {
		return err
	}
	page = page.Context(ctx)
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return fmt.Errorf("enable network on %s: %w", name, err)
	}

	matched := make(map[proto.NetworkRequestID]bool)
	waitFn := page.EachEvent(
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil || !strings.HasPrefix(e.Response.URL, prefix) {
				return
			}
			if e.Type != proto.NetworkResourceTypeXHR && e.Type != proto.NetworkResourceTypeFetch {
				return
			}
			matched[e.RequestID] = true
		},
		func(e *proto.NetworkLoadingFinished) {
			if !matched[e.RequestID] {
				return
			}
			delete(matched, e.RequestID)
			go s.deliverBody(page, e.RequestID, fn)
		},
	)
	go waitFn()
	return nil
}

func (s *Session) deliverBody(page *rod.Page, id proto.NetworkRequestID, fn func([]byte)) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		s.logger.Debug("Failed to read response body", zap.Error(err))
		return
	}
	body := []byte(res.Body)
	if res.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			s.logger.Debug("Failed to decode response body", zap.Error(err))
			return
		}
		body = decoded
	}
	fn(body)
}
