package gui

import (
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/state"
	"github.com/langchou/fleetalert/pkg/ws"
)

// Broadcaster 消息推送，由 *ws.Hub 实现
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
}

// RowsPayload 表格刷新消息
type RowsPayload struct {
	Table string       `json:"table"`
	Rows  []alerts.Row `json:"rows"`
}

// LoadingPayload 轮询状态消息
type LoadingPayload struct {
	Active bool `json:"active"`
}

// OpenURLPayload 打开订单消息
type OpenURLPayload struct {
	URL string `json:"url"`
}

// Bridge 把 worker 事件转成 WebSocket 消息，并保留最新表格供新连接初始化
type Bridge struct {
	out    Broadcaster
	logger *zap.Logger

	mu         sync.RWMutex
	tables     map[string][]alerts.Row
	otpPending bool
	loading    bool
}

// NewBridge 创建界面桥
func NewBridge(out Broadcaster, logger *zap.Logger) *Bridge {
	return &Bridge{
		out:    out,
		logger: logger,
		tables: make(map[string][]alerts.Row),
	}
}

// PushRows 替换某个表格的全部行
func (b *Bridge) PushRows(table string, rows []alerts.Row) {
	b.mu.Lock()
	b.tables[table] = rows
	b.mu.Unlock()

	b.out.BroadcastMessage(ws.MsgTypeRows, RowsPayload{Table: table, Rows: rows})
}

// ShowToast 弹出通知
func (b *Bridge) ShowToast(t alerts.Toast) {
	b.logger.Info("Toast", zap.String("kind", t.Kind), zap.String("title", t.Title), zap.String("ride_id", t.RideID))
	b.out.BroadcastMessage(ws.MsgTypeToast, t)
}

// RequestOTP 请求用户输入验证码
func (b *Bridge) RequestOTP() {
	b.mu.Lock()
	b.otpPending = true
	b.mu.Unlock()

	b.out.BroadcastMessage(ws.MsgTypeRequestOTP, nil)
}

// OTPSubmitted 用户已提交验证码
func (b *Bridge) OTPSubmitted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.otpPending = false
}

// RequestSettings 请求用户补全账号设置
func (b *Bridge) RequestSettings(acc account.Account) {
	b.out.BroadcastMessage(ws.MsgTypeRequestSettings, acc)
}

// AccountUpdated 通知界面账号已变更
func (b *Bridge) AccountUpdated(acc account.Account) {
	b.out.BroadcastMessage(ws.MsgTypeAccountUpdated, acc)
}

// OpenURLRequested 通知界面某个订单正在浏览器中打开
func (b *Bridge) OpenURLRequested(url string) {
	b.out.BroadcastMessage(ws.MsgTypeOpenURL, OpenURLPayload{URL: url})
}

// Loading 告警轮询开始/结束
func (b *Bridge) Loading(on bool) {
	b.mu.Lock()
	b.loading = on
	b.mu.Unlock()

	b.out.BroadcastMessage(ws.MsgTypeLoading, LoadingPayload{Active: on})
}

// WorkerStateChanged 推送 worker 状态
func (b *Bridge) WorkerStateChanged(s state.WorkerState) {
	b.out.BroadcastMessage(ws.MsgTypeWorkerState, s)
}

// Tables 当前表格快照
func (b *Bridge) Tables() map[string][]alerts.Row {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]alerts.Row, len(b.tables))
	for k, v := range b.tables {
		out[k] = v
	}
	return out
}

// InitData 新连接的初始化数据
func (b *Bridge) InitData(states map[string]state.WorkerState, acc account.Account) *ws.InitData {
	b.mu.RLock()
	pending := b.otpPending
	b.mu.RUnlock()

	return &ws.InitData{
		Tables:     b.Tables(),
		States:     states,
		Account:    acc,
		OTPPending: pending,
	}
}
