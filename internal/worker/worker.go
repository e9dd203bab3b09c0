package worker

import (
	"context"
	"errors"
	"time"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/browser"
	"github.com/langchou/fleetalert/internal/models"
)

var (
	ErrQueueFull  = errors.New("task queue full")
	ErrNotRunning = errors.New("worker not running")
)

// 页面名
const (
	PageBlank      = "blank"
	PagePointer    = "pointer"
	PageGotoBO     = "goto_bo"
	PageGotoCRM    = "goto_crm"
	PageAutotelBO  = "autotel_bo"
	PageAutotelCRM = "autotel_crm"
	PageWhatsapp   = "whatsapp"
)

// TokenHeader 后台请求携带的鉴权头
const TokenHeader = "X-Token"

// LocateError 浏览器内查询位置失败时返回给告警表格的文本
const LocateError = "Error: Manually reload Pointer"

// GUI worker 向界面发出的事件
type GUI interface {
	PushRows(table string, rows []alerts.Row)
	ShowToast(t alerts.Toast)
	RequestOTP()
	RequestSettings(acc account.Account)
	Loading(on bool)
}

// Browser 数据 worker 使用的浏览器会话操作，由 *browser.Session 实现
type Browser interface {
	Launch(ctx context.Context) error
	Close() error
	Relaunch(ctx context.Context) error
	Tabs(ctx context.Context) ([]browser.Tab, error)
	Adopt(name, tabID string) error
	CloseTab(tabID string) error
	CreatePages(ctx context.Context, pages map[string]string) error
	OpenPage(ctx context.Context, name, url string, mode browser.OpenMode) error
	OpenTab(ctx context.Context, urls ...string) error
	HasPage(name string) bool
	ClosePage(name string) error
	Reload(ctx context.Context, name string) error
	Visible(ctx context.Context, name, selector string, within time.Duration) (bool, error)
	ExtractAuthToken(ctx context.Context, name, header string, wait time.Duration) (string, error)
	CookieHeader(ctx context.Context, name, url string) (string, error)
	WatchJSON(ctx context.Context, name, prefix string, fn func(body []byte)) error
}

var _ Browser = (*browser.Session)(nil)

// DataSource 告警 worker 依赖的数据 worker 能力
type DataSource interface {
	Ready() <-chan struct{}
	Locate(ctx context.Context, plate string) (string, error)
	Token(ctx context.Context, backend models.Backend) (string, error)
}

// CookieSource 通知 worker 取 CRM cookie
type CookieSource interface {
	Cookies(ctx context.Context, backend models.Backend) (string, error)
}

// AlertRecorder 告警历史，未配置数据库时为 nil
type AlertRecorder interface {
	Record(ctx context.Context, a *models.AlertRecord) error
}
