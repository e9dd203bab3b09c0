package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/account"
)

// accountRequest 账号更新请求，缺省字段保持不变
type accountRequest struct {
	Username    *string `json:"username"`
	Phone       *string `json:"phone"`
	PointerUser *string `json:"pointer_user"`
	Pointer     *bool   `json:"pointer"`
	LateRides   *bool   `json:"late_rides"`
	Batteries   *bool   `json:"batteries"`
	LongRides   *bool   `json:"long_rides"`
}

func (r accountRequest) apply(a *account.Account) {
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setString(&a.Username, r.Username)
	setString(&a.Phone, r.Phone)
	setString(&a.PointerUser, r.PointerUser)
	setBool(&a.Pointer, r.Pointer)
	setBool(&a.LateRides, r.LateRides)
	setBool(&a.Batteries, r.Batteries)
	setBool(&a.LongRides, r.LongRides)
}

// GetAccount 获取账号设置
func (h *Handler) GetAccount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.accounts.Get()})
}

// UpdateAccount 更新账号设置
// PUT /api/account
// 写回账号文件，通知界面，让数据 worker 按新设置补齐登录并立即触发一轮告警
func (h *Handler) UpdateAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	acc, err := h.accounts.Update(req.apply)
	if err != nil {
		h.logger.Error("Failed to save account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save account"})
		return
	}

	h.logger.Info("Account updated via API",
		zap.Bool("late_rides", acc.LateRides),
		zap.Bool("batteries", acc.Batteries),
		zap.Bool("long_rides", acc.LongRides),
		zap.Bool("pointer", acc.Pointer),
	)
	h.bridge.AccountUpdated(acc)
	if err := h.data.AccountChanged(); err != nil {
		h.logger.Warn("Failed to notify data worker of account change", zap.Error(err))
	}
	h.poller.Wake()

	c.JSON(http.StatusOK, gin.H{"data": acc})
}
