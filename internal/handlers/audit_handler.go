package handlers

import (
	"context"
	"net/http"

	"controlhub/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuditLister reads a caller's audit history.
type AuditLister interface {
	List(ctx context.Context, userID, action string, page, pageSize int) ([]models.AuditLog, int64, error)
}

// AuditHandler 审计日志查询
type AuditHandler struct {
	logs   AuditLister
	logger *logrus.Logger
}

func NewAuditHandler(logs AuditLister, logger *logrus.Logger) *AuditHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditHandler{logs: logs, logger: logger}
}

// List GET /audit-logs?action=&page=&page_size=
func (h *AuditHandler) List(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	page, pageSize := pageParams(c)
	logs, total, err := h.logs.List(c.Request.Context(), caller, c.Query("action"), page, pageSize)
	if err != nil {
		h.logger.WithError(err).Error("list audit logs")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list audit logs"})
		return
	}
	c.JSON(http.StatusOK, newPaginated(logs, total, page, pageSize))
}

func RegisterAuditRoutes(r *gin.RouterGroup, handler *AuditHandler) {
	r.GET("/audit-logs", handler.List)
}
