package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/gui"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/state"
	"github.com/langchou/fleetalert/pkg/ws"
)

// DataControl 数据 worker 对外的操作
type DataControl interface {
	SubmitOTP(code string)
	OpenURL(url string) error
	AccountChanged() error
}

// Poller 立即触发一轮告警
type Poller interface {
	Wake()
}

// AlertHistory 告警历史查询
type AlertHistory interface {
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.AlertRecord, error)
}

// StateSource worker 状态
type StateSource interface {
	GetAllStates() map[string]state.WorkerState
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	accounts *account.Store
	data     DataControl
	poller   Poller
	history  AlertHistory
	states   StateSource
	bridge   *gui.Bridge
	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器，history 为 nil 时告警历史接口返回空列表
func NewHandler(
	logger *zap.Logger,
	accounts *account.Store,
	data DataControl,
	poller Poller,
	history AlertHistory,
	states StateSource,
	bridge *gui.Bridge,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:   logger,
		accounts: accounts,
		data:     data,
		poller:   poller,
		history:  history,
		states:   states,
		bridge:   bridge,
		wsHub:    wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 本地界面，允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		// 账号
		api.GET("/account", h.GetAccount)
		api.PUT("/account", h.UpdateAccount)

		// 数据 worker
		api.POST("/otp", h.SubmitOTP)
		api.POST("/open", h.OpenURL)

		// 告警
		api.POST("/poll", h.Poll)
		api.GET("/tables", h.ListTables)
		api.GET("/alerts", h.ListAlerts)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查，附带各 worker 状态
func (h *Handler) HealthCheck(c *gin.Context) {
	clients := 0
	if h.wsHub != nil {
		clients = h.wsHub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"ws_clients": clients,
		"workers":    h.states.GetAllStates(),
	})
}
