package badger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newManager(db, logger)
}

func TestBadgerDB_ResetOnStartupDiscardsRuns(t *testing.T) {
	logger := arbor.NewLogger()
	config := &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db"), SyncWrites: true}
	ctx := context.Background()

	db, err := NewBadgerDB(logger, config)
	require.NoError(t, err)
	require.NoError(t, NewRunStorage(db, logger).SaveRun(ctx, &models.TestRun{ID: "run-a", OrganizationID: "org-1"}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	db, err = NewBadgerDB(logger, config)
	require.NoError(t, err)
	_, err = NewRunStorage(db, logger).GetRun(ctx, "run-a")
	require.NoError(t, err, "runs survive a reopen")
	require.NoError(t, db.Close())

	config.ResetOnStartup = true
	db, err = NewBadgerDB(logger, config)
	require.NoError(t, err)
	defer db.Close()
	_, err = NewRunStorage(db, logger).GetRun(ctx, "run-a")
	assert.ErrorIs(t, err, models.ErrRunNotFound)
}

func TestBadgerDB_RequiresPath(t *testing.T) {
	_, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{})
	assert.Error(t, err)
}

func TestRunStorage_SaveGetList(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := &models.TestRun{
			ID:             id,
			OrganizationID: "org-1",
			ProjectID:      "proj-1",
			TestType:       models.TestTypeE2E,
			Status:         models.RunStatusPending,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, m.RunStorage().SaveRun(ctx, run))
	}

	got, err := m.RunStorage().GetRun(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", got.ProjectID)

	runs, err := m.RunStorage().ListRuns(ctx, models.RunFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-c", runs[0].ID, "newest first")

	_, err = m.RunStorage().GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrRunNotFound))
}

func TestQuotaStorage_CounterNeverNegative(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	v, err := m.QuotaStorage().AddCommitted(ctx, "org-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)

	v, err = m.QuotaStorage().AddCommitted(ctx, "org-1", -250)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, m.QuotaStorage().SetCommitted(ctx, "org-1", 42))
	v, err = m.QuotaStorage().GetCommitted(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestArtifactStorage_SumAndDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	records := []*models.ArtifactRecord{
		{ID: "a1", OrgID: "org-1", RunID: "run-1", StepIndex: 0, Size: 10},
		{ID: "a2", OrgID: "org-1", RunID: "run-1", StepIndex: 1, Size: 20},
		{ID: "a3", OrgID: "org-1", RunID: "run-2", StepIndex: 0, Size: 5},
		{ID: "a4", OrgID: "org-2", RunID: "run-3", StepIndex: 0, Size: 7},
	}
	for _, r := range records {
		require.NoError(t, m.ArtifactStorage().SaveArtifact(ctx, r))
	}

	total, err := m.ArtifactStorage().SumArtifactBytes(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(35), total)

	orgs, err := m.ArtifactStorage().ListArtifactOrgs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1", "org-2"}, orgs)

	deleted, err := m.ArtifactStorage().DeleteArtifactsByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	total, err = m.ArtifactStorage().SumArtifactBytes(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestCrashDumpStorage_WriteOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	dump := &models.CrashDumpData{RunID: "run-1", Reason: "BrowserCrash", CapturedAt: time.Now()}
	require.NoError(t, m.CrashDumpStorage().SaveCrashDump(ctx, dump))

	err := m.CrashDumpStorage().SaveCrashDump(ctx, &models.CrashDumpData{RunID: "run-1", Reason: "again"})
	assert.True(t, errors.Is(err, models.ErrCrashDumpExists))

	got, err := m.CrashDumpStorage().GetCrashDump(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "BrowserCrash", got.Reason)
}

func TestHealingStorage_Overrides(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	none, err := m.HealingStorage().GetOverride(ctx, "proj-1", "#old")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, m.HealingStorage().SaveOverride(ctx, &models.SelectorOverride{
		ProjectID: "proj-1", OriginalSelector: "#old", HealedSelector: "#new", Active: true,
	}))

	got, err := m.HealingStorage().GetOverride(ctx, "proj-1", "#old")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "#new", got.HealedSelector)
}
