package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"controlhub/internal/models"
	"controlhub/pkg/n8n"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func strPtr(s string) *string { return &s }

// memStore is an in-memory AutomationStore counting calls.
type memStore struct {
	mu      sync.Mutex
	items   map[string]models.Automation
	gets    int
	updates map[string]int
	failUpd map[string]error
}

func newMemStore(items ...models.Automation) *memStore {
	s := &memStore{items: map[string]models.Automation{}, updates: map[string]int{}, failUpd: map[string]error{}}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *memStore) GetByID(_ context.Context, id string) (*models.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	a, ok := s.items[id]
	if !ok {
		return nil, ErrAutomationNotFound
	}
	return &a, nil
}

func (s *memStore) Update(_ context.Context, id string, upd AutomationUpdate) (*models.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failUpd[id]; err != nil {
		return nil, err
	}
	a, ok := s.items[id]
	if !ok {
		return nil, ErrAutomationNotFound
	}
	if upd.LastRunAt != nil {
		t := *upd.LastRunAt
		a.LastRunAt = &t
	}
	if upd.LastRunStatus != nil {
		a.LastRunStatus = *upd.LastRunStatus
	}
	s.items[id] = a
	s.updates[id]++
	return &a, nil
}

func (s *memStore) get(id string) models.Automation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

func (s *memStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *memStore) updateCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[id]
}

// fakeWebhooks records calls; behaviour per URL is configurable.
type fakeWebhooks struct {
	mu       sync.Mutex
	calls    []string
	byID     map[string]int
	status   map[string]int
	errs     map[string]error
	hook     func(ctx context.Context, url string) error
	inFlight int
	maxSeen  int
}

func newFakeWebhooks() *fakeWebhooks {
	return &fakeWebhooks{byID: map[string]int{}, status: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeWebhooks) Trigger(ctx context.Context, action BulkAction, url, automationID, callerID string) (*n8n.TriggerResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.byID[automationID]++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	hook := f.hook
	err := f.errs[url]
	status, ok := f.status[url]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if hook != nil {
		if herr := hook(ctx, url); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		status = 200
	}
	return &n8n.TriggerResult{Status: status, ExecutionID: "exec-" + automationID, Timestamp: time.Now()}, nil
}

func (f *fakeWebhooks) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeWebhooks) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

// captureAudit keeps every recorded event.
type captureAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (c *captureAudit) Record(_ context.Context, evt AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureAudit) all() []AuditEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AuditEvent(nil), c.events...)
}

// countingSleeper returns immediately and remembers each requested delay.
type countingSleeper struct {
	mu      sync.Mutex
	delays  []time.Duration
	onSleep func()
	err     error
}

func (s *countingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	cb := s.onSleep
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return s.err
}

func (s *countingSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func ownedAutomation(id, owner string) models.Automation {
	return models.Automation{
		ID:             id,
		OwnerID:        owner,
		Name:           "automation " + id,
		RunWebhookURL:  strPtr("https://n8n.example.com/webhook/" + id + "/run"),
		StopWebhookURL: strPtr("https://n8n.example.com/webhook/" + id + "/stop"),
		LastRunStatus:  models.RunStatusUnknown,
	}
}

func newTestSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Automation{}, &models.AuditLog{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i)
	}
	return out
}
