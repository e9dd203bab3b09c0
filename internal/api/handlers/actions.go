package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/worker"
)

// SubmitOTP 提交短信验证码
// POST /api/otp
func (h *Handler) SubmitOTP(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	h.data.SubmitOTP(req.Code)
	h.bridge.OTPSubmitted()
	c.JSON(http.StatusOK, gin.H{"message": "OTP submitted"})
}

// OpenURL 在浏览器中打开订单
// POST /api/open
func (h *Handler) OpenURL(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !strings.HasPrefix(req.URL, "http") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid url"})
		return
	}

	if err := h.data.OpenURL(req.URL); err != nil {
		h.logger.Warn("Failed to queue open url", zap.String("url", req.URL), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.bridge.OpenURLRequested(req.URL)
	c.JSON(http.StatusAccepted, gin.H{"message": "Opening"})
}

// Poll 立即触发一轮告警
// POST /api/poll
func (h *Handler) Poll(c *gin.Context) {
	h.poller.Wake()
	c.JSON(http.StatusAccepted, gin.H{"message": "Poll scheduled"})
}
