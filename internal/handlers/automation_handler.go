package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"controlhub/internal/middleware"
	"controlhub/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化列表/详情/统计，单个与批量 run/stop
type AutomationHandler struct {
	automations *services.AutomationService
	bulk        *services.BulkActionService
	logger      *logrus.Logger
	base        context.Context
}

func NewAutomationHandler(automations *services.AutomationService, bulk *services.BulkActionService, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{automations: automations, bulk: bulk, logger: logger, base: context.Background()}
}

// SetBaseContext ties bulk runs to ctx: cancelling it (server shutdown) interrupts
// them, while a client disconnect does not.
func (h *AutomationHandler) SetBaseContext(ctx context.Context) {
	if ctx != nil {
		h.base = ctx
	}
}

// bulkContext keeps the request's values (trace span) but is cancelled only by the base context.
func (h *AutomationHandler) bulkContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	stop := context.AfterFunc(h.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// BulkActionRequest is the bulk-action body. automationIds is kept raw so a
// non-array value is reported as an id validation error rather than a bind error.
type BulkActionRequest struct {
	Action        string          `json:"action"`
	AutomationIDs json.RawMessage `json:"automationIds"`
}

func (r BulkActionRequest) ids() []string {
	var ids []string
	if len(r.AutomationIDs) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.AutomationIDs, &ids); err != nil {
		return nil
	}
	return ids
}

// BulkActionResponse 批量操作成功响应
type BulkActionResponse struct {
	Success        bool                            `json:"success"`
	Action         services.BulkAction             `json:"action"`
	TotalRequested int                             `json:"totalRequested"`
	Results        []services.BulkActionItemResult `json:"results"`
	Summary        services.BulkActionSummary      `json:"summary"`
	ExecutionTime  int64                           `json:"executionTime"`
	MVPLimitations services.BulkActionLimits       `json:"mvpLimitations"`
}

// BulkActionFailure is the 500 body when a bulk action is interrupted.
type BulkActionFailure struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Details        string `json:"details"`
	ProcessedCount int    `json:"processedCount"`
	ExecutionTime  int64  `json:"executionTime"`
}

func requireCaller(c *gin.Context) (string, bool) {
	caller := middleware.CallerID(c)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Authentication required"})
		return "", false
	}
	return caller, true
}

// BulkAction POST /automations/bulk-action
func (h *AutomationHandler) BulkAction(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	var req BulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	start := time.Now()
	ctx, cancel := h.bulkContext(c)
	defer cancel()
	outcome, err := h.bulk.Execute(ctx, req.Action, req.ids(), caller)
	if err != nil {
		h.writeBulkError(c, err, start)
		return
	}

	c.JSON(http.StatusOK, BulkActionResponse{
		Success:        true,
		Action:         outcome.Action,
		TotalRequested: outcome.TotalRequested,
		Results:        outcome.Results,
		Summary:        outcome.Summary,
		ExecutionTime:  outcome.ExecutionTime.Milliseconds(),
		MVPLimitations: h.bulk.Limits(),
	})
}

func (h *AutomationHandler) writeBulkError(c *gin.Context, err error, start time.Time) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		resp := ErrorResponse{Error: verr.Message}
		if len(verr.Details) > 0 {
			resp.Details = verr.Details
		}
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	if errors.Is(err, services.ErrBulkInProgress) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "A bulk action is already in progress for this user"})
		return
	}

	processed, elapsed := 0, time.Since(start)
	var berr *services.BulkActionError
	if errors.As(err, &berr) {
		processed, elapsed = berr.Processed, berr.Elapsed
	}
	h.logger.WithError(err).WithField("processed", processed).Error("bulk action failed")
	c.JSON(http.StatusInternalServerError, BulkActionFailure{
		Error:          "Bulk action failed",
		Details:        err.Error(),
		ProcessedCount: processed,
		ExecutionTime:  elapsed.Milliseconds(),
	})
}

// List GET /automations
func (h *AutomationHandler) List(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	page, pageSize := pageParams(c)
	items, total, err := h.automations.List(c.Request.Context(), caller, services.AutomationFilter{
		Status:   c.Query("status"),
		Search:   c.Query("search"),
		SortBy:   c.Query("sort"),
		Order:    c.Query("order"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.WithError(err).Error("list automations")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations"})
		return
	}
	c.JSON(http.StatusOK, newPaginated(items, total, page, pageSize))
}

// Get GET /automations/:id
func (h *AutomationHandler) Get(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	a, err := h.automations.Get(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: a})
}

// Stats GET /automations/stats
func (h *AutomationHandler) Stats(c *gin.Context) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	stats, err := h.automations.Stats(c.Request.Context(), caller)
	if err != nil {
		h.logger.WithError(err).Error("automation stats")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load statistics"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: stats})
}

// Run POST /automations/:id/run
func (h *AutomationHandler) Run(c *gin.Context) {
	h.trigger(c, string(services.ActionRun))
}

// Stop POST /automations/:id/stop
func (h *AutomationHandler) Stop(c *gin.Context) {
	h.trigger(c, string(services.ActionStop))
}

func (h *AutomationHandler) trigger(c *gin.Context, action string) {
	caller, ok := requireCaller(c)
	if !ok {
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	res, err := h.automations.TriggerAction(ctx, action, c.Param("id"), caller)
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": res.Error, "data": res})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: res})
}

func (h *AutomationHandler) writeLookupError(c *gin.Context, err error) {
	var verr *services.ValidationError
	switch {
	case errors.Is(err, services.ErrAutomationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Automation not found"})
	case errors.Is(err, services.ErrAutomationForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Unauthorized access to automation"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: verr.Message})
	default:
		h.logger.WithError(err).Error("automation lookup")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.List)
		auto.GET("/stats", handler.Stats)
		auto.POST("/bulk-action", handler.BulkAction)
		auto.GET("/:id", handler.Get)
		auto.POST("/:id/run", handler.Run)
		auto.POST("/:id/stop", handler.Stop)
	}
}
