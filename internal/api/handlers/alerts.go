package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/models"
)

// ListTables 当前告警表格
func (h *Handler) ListTables(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.bridge.Tables()})
}

// ListAlerts 告警历史
// GET /api/alerts?hours=24&limit=100
func (h *Handler) ListAlerts(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if hours < 1 {
		hours = 24
	}
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"data": []*models.AlertRecord{}})
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	records, err := h.history.ListRecent(c.Request.Context(), since, limit)
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	if records == nil {
		records = []*models.AlertRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}
