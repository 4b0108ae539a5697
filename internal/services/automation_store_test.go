package services

import (
	"context"
	"testing"
	"time"

	"controlhub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedAutomations(t *testing.T, db *gorm.DB, items ...models.Automation) {
	t.Helper()
	for i := range items {
		require.NoError(t, db.Create(&items[i]).Error)
	}
}

func TestGormAutomationStore_GetAndUpdate(t *testing.T) {
	db := newTestSQLite(t)
	seedAutomations(t, db, ownedAutomation("a1", "u1"))
	store := NewGormAutomationStore(db)
	ctx := context.Background()

	got, err := store.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, models.RunStatusUnknown, got.LastRunStatus)
	assert.Nil(t, got.LastRunAt)

	_, err = store.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrAutomationNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	running := models.RunStatusRunning
	updated, err := store.Update(ctx, "a1", AutomationUpdate{LastRunAt: &now, LastRunStatus: &running})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, updated.LastRunStatus)
	require.NotNil(t, updated.LastRunAt)
	assert.True(t, now.Equal(updated.LastRunAt.UTC()))

	cancelled := models.RunStatusCancelled
	updated, err = store.Update(ctx, "a1", AutomationUpdate{LastRunStatus: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, updated.LastRunStatus)
	require.NotNil(t, updated.LastRunAt, "stop must not clear lastRunAt")
	assert.True(t, now.Equal(updated.LastRunAt.UTC()))

	_, err = store.Update(ctx, "nope", AutomationUpdate{LastRunStatus: &cancelled})
	assert.ErrorIs(t, err, ErrAutomationNotFound)
}

func TestGormAutomationStore_List(t *testing.T) {
	db := newTestSQLite(t)
	mk := func(id, owner, name string, status models.RunStatus, created time.Time) models.Automation {
		a := ownedAutomation(id, owner)
		a.Name = name
		a.LastRunStatus = status
		a.CreatedAt = created
		return a
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedAutomations(t, db,
		mk("a1", "u1", "Lead sync", models.RunStatusRunning, base),
		mk("a2", "u1", "Daily digest", models.RunStatusCancelled, base.Add(time.Hour)),
		mk("a3", "u1", "Lead scoring", models.RunStatusUnknown, base.Add(2*time.Hour)),
		mk("b1", "u2", "Lead sync", models.RunStatusRunning, base),
	)
	store := NewGormAutomationStore(db)
	ctx := context.Background()

	items, total, err := store.List(ctx, AutomationFilter{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 3)
	assert.Equal(t, "a3", items[0].ID, "default sort is newest first")

	items, total, err = store.List(ctx, AutomationFilter{OwnerID: "u1", Search: "lead", SortBy: "name", Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, items, 2)
	assert.Equal(t, "Lead scoring", items[0].Name)
	assert.Equal(t, "Lead sync", items[1].Name)

	items, total, err = store.List(ctx, AutomationFilter{OwnerID: "u1", Status: "running"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "a1", items[0].ID)

	items, total, err = store.List(ctx, AutomationFilter{OwnerID: "u1", PageSize: 2, Page: 2, SortBy: "created_at", Order: "asc"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 1)
	assert.Equal(t, "a3", items[0].ID)

	// unknown sort columns fall back instead of reaching SQL
	_, _, err = store.List(ctx, AutomationFilter{OwnerID: "u1", SortBy: "name; DROP TABLE automations"})
	require.NoError(t, err)
}

func TestGormAutomationStore_CountByStatus(t *testing.T) {
	db := newTestSQLite(t)
	a1 := ownedAutomation("a1", "u1")
	a1.LastRunStatus = models.RunStatusRunning
	a2 := ownedAutomation("a2", "u1")
	a2.LastRunStatus = models.RunStatusRunning
	seedAutomations(t, db, a1, a2, ownedAutomation("a3", "u1"), ownedAutomation("b1", "u2"))

	counts, err := NewGormAutomationStore(db).CountByStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.RunStatusRunning])
	assert.Equal(t, int64(1), counts[models.RunStatusUnknown])
	assert.Zero(t, counts[models.RunStatusCancelled])
}

func TestAutomationFilter_Normalize(t *testing.T) {
	f := AutomationFilter{PageSize: 1000, Order: "ASC", SortBy: "lastRunAt"}
	f.normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 100, f.PageSize)
	assert.Equal(t, "asc", f.Order)
	assert.Equal(t, "last_run_at", sortableColumns[f.SortBy])

	f = AutomationFilter{SortBy: "bogus", Order: "sideways"}
	f.normalize()
	assert.Equal(t, "created_at", f.SortBy)
	assert.Equal(t, "desc", f.Order)
	assert.Equal(t, 20, f.PageSize)
}
