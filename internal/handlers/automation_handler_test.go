package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"controlhub/internal/config"
	"controlhub/internal/middleware"
	"controlhub/internal/models"
	"controlhub/internal/services"
	"controlhub/pkg/n8n"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "handler-secret"

type apiFixture struct {
	db      *gorm.DB
	router  *gin.Engine
	handler *AutomationHandler
	bulk    *services.BulkActionService
	audit   *services.GormAuditSink
	hits    *int32
	hookURL string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:handlers_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Automation{}, &models.AuditLog{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	var hits int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"executionId":"exec-1"}`))
	}))
	t.Cleanup(hook.Close)

	db := newTestDB(t)
	store := services.NewGormAutomationStore(db)
	audit := services.NewGormAuditSink(db, logger, time.Second)
	client := n8n.NewClient(&n8n.Config{Timeout: 2 * time.Second, UserAgent: "test"}, logger)
	webhooks := services.NewWebhookService(client, config.WebhookConfig{}, logger)
	bulk := services.NewBulkActionService(store, webhooks, audit, logger, services.BulkActionOptions{})
	automations := services.NewAutomationService(store, bulk, audit, logger)

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	r := gin.New()
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	handler := NewAutomationHandler(automations, bulk, logger)
	RegisterAutomationRoutes(api, handler)
	RegisterAuditRoutes(api, NewAuditHandler(audit, logger))

	t.Cleanup(func() { _ = audit.Wait(context.Background()) })
	return &apiFixture{db: db, router: r, handler: handler, bulk: bulk, audit: audit, hits: &hits, hookURL: hook.URL}
}

func (f *apiFixture) seed(t *testing.T, id, owner string) {
	t.Helper()
	run := f.hookURL + "/webhook/" + id + "/run"
	stop := f.hookURL + "/webhook/" + id + "/stop"
	require.NoError(t, f.db.Create(&models.Automation{
		ID: id, OwnerID: owner, Name: "automation " + id,
		RunWebhookURL: &run, StopWebhookURL: &stop,
	}).Error)
}

func (f *apiFixture) do(t *testing.T, method, path, caller string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		tok, err := middleware.SignHS256(map[string]interface{}{"sub": caller}, testSecret)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestBulkAction_Unauthenticated(t *testing.T) {
	f := newAPIFixture(t)
	w, body := f.do(t, http.MethodPost, "/api/automations/bulk-action", "", gin.H{"action": "run", "automationIds": []string{"a1"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Authentication required", body["error"])
}

func TestBulkAction_ValidationErrors(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a1", "u1")

	tooMany := make([]string, 51)
	for i := range tooMany {
		tooMany[i] = "a1"
	}

	tests := []struct {
		name    string
		body    interface{}
		wantErr string
	}{
		{"bad action", gin.H{"action": "restart", "automationIds": []string{"a1"}}, "Invalid action. Must be 'run' or 'stop'"},
		{"missing ids", gin.H{"action": "run"}, "automationIds must be a non-empty array"},
		{"empty ids", gin.H{"action": "run", "automationIds": []string{}}, "automationIds must be a non-empty array"},
		{"ids not an array", gin.H{"action": "run", "automationIds": "a1"}, "automationIds must be a non-empty array"},
		{"malformed body", `{"action":`, "Invalid request body"},
		{"too many", gin.H{"action": "run", "automationIds": tooMany}, "Batch size too large. Maximum 50 automations per request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := f.do(t, http.MethodPost, "/api/automations/bulk-action", "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantErr, body["error"])
		})
	}

	_, body := f.do(t, http.MethodPost, "/api/automations/bulk-action", "u1", gin.H{"action": "run", "automationIds": tooMany})
	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 50, details["maximum"])
	assert.EqualValues(t, 51, details["requested"])

	assert.Equal(t, int32(0), atomic.LoadInt32(f.hits), "no webhook may fire for rejected requests")
}

func TestBulkAction_StopTwoAutomations(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a1", "u1")

	w, body := f.do(t, http.MethodPost, "/api/automations/bulk-action", "u1", gin.H{"action": "stop", "automationIds": []string{"a1", "a2"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, true, body["success"])
	assert.Equal(t, "stop", body["action"])
	assert.EqualValues(t, 2, body["totalRequested"])
	assert.Contains(t, body, "executionTime")

	summary := body["summary"].(map[string]interface{})
	assert.EqualValues(t, 1, summary["successful"])
	assert.EqualValues(t, 1, summary["failed"])
	assert.Contains(t, summary, "processingTime")

	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "a1", first["id"])
	assert.Equal(t, true, first["success"])
	assert.Equal(t, true, first["webhookTriggered"])
	assert.EqualValues(t, 200, first["webhookStatus"])
	assert.Equal(t, "exec-1", first["executionId"])
	second := results[1].(map[string]interface{})
	assert.Equal(t, "a2", second["id"])
	assert.Equal(t, false, second["success"])
	assert.Equal(t, "Automation not found", second["error"])

	limits := body["mvpLimitations"].(map[string]interface{})
	assert.EqualValues(t, 50, limits["maxBatchSize"])
	assert.EqualValues(t, 10, limits["batchSize"])

	var a models.Automation
	require.NoError(t, f.db.First(&a, "id = ?", "a1").Error)
	assert.Equal(t, models.RunStatusCancelled, a.LastRunStatus)

	require.NoError(t, f.audit.Wait(context.Background()))
	var logs []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", "bulk_stop").Find(&logs).Error)
	assert.Len(t, logs, 1)
}

func TestBulkAction_Conflict(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a1", "u1")
	lock := services.NewMemoryBulkLock()
	release, err := lock.Acquire(context.Background(), "u1", time.Minute)
	require.NoError(t, err)
	defer release()
	f.bulk.SetLock(lock)

	w, body := f.do(t, http.MethodPost, "/api/automations/bulk-action", "u1", gin.H{"action": "run", "automationIds": []string{"a1"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, body["success"])

	// a different caller is not blocked
	w, _ = f.do(t, http.MethodPost, "/api/automations/bulk-action", "u2", gin.H{"action": "run", "automationIds": []string{"a1"}})
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, f.audit.Wait(context.Background()))
	var rejected []models.AuditLog
	require.NoError(t, f.db.Where("user_id = ? AND action = ?", "u1", "bulk_run").Find(&rejected).Error)
	require.Len(t, rejected, 1)
	assert.False(t, rejected[0].Success)
	assert.Contains(t, rejected[0].Metadata, `"reason":"in_progress"`)
}

func TestBulkAction_BaseContextCancelInterruptsRun(t *testing.T) {
	f := newAPIFixture(t)
	ids := make([]string, 11)
	for i := range ids {
		ids[i] = fmt.Sprintf("a%02d", i)
		f.seed(t, ids[i], "u1")
	}
	base, stop := context.WithCancel(context.Background())
	defer stop()
	f.handler.SetBaseContext(base)
	// shutdown arrives while the real timer is waiting between batches
	f.bulk.SetSleeper(services.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		stop()
		return services.TimerSleeper{}.Sleep(ctx, time.Hour)
	}))

	w, body := f.do(t, http.MethodPost, "/api/automations/bulk-action", "u1", gin.H{"action": "run", "automationIds": ids})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.EqualValues(t, 10, body["processedCount"])
	assert.Contains(t, body["details"], context.Canceled.Error())
	assert.EqualValues(t, 10, atomic.LoadInt32(f.hits))

	require.NoError(t, f.audit.Wait(context.Background()))
	var logs []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", "bulk_run").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Metadata, `"reason":"interrupted"`)
}

func TestBulkAction_ClientDisconnectDoesNotCancel(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a1", "u1")
	f.seed(t, "a2", "u1")

	reqCtx, cancelReq := context.WithCancel(context.Background())
	cancelReq()
	raw, _ := json.Marshal(gin.H{"action": "run", "automationIds": []string{"a1", "a2"}})
	req := httptest.NewRequest(http.MethodPost, "/api/automations/bulk-action", bytes.NewReader(raw)).WithContext(reqCtx)
	tok, err := middleware.SignHS256(map[string]interface{}{"sub": "u1"}, testSecret)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, atomic.LoadInt32(f.hits))
}

func TestBulkAction_InterruptedReturns500(t *testing.T) {
	f := newAPIFixture(t)
	ids := make([]string, 11)
	for i := range ids {
		ids[i] = fmt.Sprintf("a%02d", i)
		f.seed(t, ids[i], "u1")
	}
	f.bulk.SetSleeper(services.SleeperFunc(func(context.Context, time.Duration) error {
		return errors.New("shutting down")
	}))

	w, body := f.do(t, http.MethodPost, "/api/automations/bulk-action", "u1", gin.H{"action": "run", "automationIds": ids})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Bulk action failed", body["error"])
	assert.EqualValues(t, 10, body["processedCount"])
	assert.Contains(t, body["details"], "shutting down")
	assert.Contains(t, body, "executionTime")
}

func TestAutomationRoutes_ListGetStats(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a1", "u1")
	f.seed(t, "a2", "u1")
	f.seed(t, "b1", "u2")

	w, body := f.do(t, http.MethodGet, "/api/automations?page_size=1&sort=name&order=asc", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 2, body["pages"])
	data := body["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, "a1", data[0].(map[string]interface{})["id"])

	w, _ = f.do(t, http.MethodGet, "/api/automations?status=bogus", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/automations/a1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", body["data"].(map[string]interface{})["ownerId"])

	w, _ = f.do(t, http.MethodGet, "/api/automations/b1", "u1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/automations/zz", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/automations/stats", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := body["data"].(map[string]interface{})
	assert.EqualValues(t, 2, stats["total"])
}

func TestAutomationRoutes_SingleRunStop(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, "a1", "u1")
	noURL := &models.Automation{ID: "a2", OwnerID: "u1", Name: "manual"}
	require.NoError(t, f.db.Create(noURL).Error)

	w, body := f.do(t, http.MethodPost, "/api/automations/a1/run", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])

	var a models.Automation
	require.NoError(t, f.db.First(&a, "id = ?", "a1").Error)
	assert.Equal(t, models.RunStatusRunning, a.LastRunStatus)
	assert.NotNil(t, a.LastRunAt)

	w, body = f.do(t, http.MethodPost, "/api/automations/a2/stop", "u1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "No stop webhook URL configured", body["error"])

	w, _ = f.do(t, http.MethodPost, "/api/automations/a1/stop", "u2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/automations/nope/run", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, int32(1), atomic.LoadInt32(f.hits))

	require.NoError(t, f.audit.Wait(context.Background()))
	w, body = f.do(t, http.MethodGet, "/api/audit-logs?action=automation_run", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])
}

func TestAuditRoutes_RequireCaller(t *testing.T) {
	f := newAPIFixture(t)
	w, _ := f.do(t, http.MethodGet, "/api/audit-logs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
