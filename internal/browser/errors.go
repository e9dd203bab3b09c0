package browser

import (
	"errors"
	"strings"
)

var (
	ErrTargetClosed = errors.New("browser target closed")
	ErrNotLaunched  = errors.New("browser not launched")
	ErrPageNotFound = errors.New("page not found")
	ErrNoToken      = errors.New("no auth token observed")
	ErrNoCookies    = errors.New("no cookies for url")
)

// 浏览器连接丢失时 CDP 返回的错误文本
var targetClosedMarkers = []string{
	"target closed",
	"no target with given id",
	"session with given id not found",
	"use of closed network connection",
	"connection closed",
	"websocket: close",
	"cdp connection closed",
	"browser has disconnected",
}

// IsTargetClosed 判断错误是否意味着浏览器或页面已不可用，需要整体重启
func IsTargetClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTargetClosed) || errors.Is(err, ErrNotLaunched) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range targetClosedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
