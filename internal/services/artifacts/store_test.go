package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/quota"
	"github.com/mqxerror/qa-guardian/internal/services/settings"
	"github.com/mqxerror/qa-guardian/internal/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestStore(t *testing.T, quotaBytes int64) (*Store, *quota.Manager, string) {
	t.Helper()
	logger := arbor.NewLogger()
	mgr, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	cfg := common.NewDefaultConfig()
	cfg.Settings.Dir = ""
	svc := settings.NewService(cfg, logger)
	svc.SetOrgQuota("org-1", quotaBytes)

	q := quota.NewManager(mgr.QuotaStorage(), mgr.ArtifactStorage(), svc, time.Minute, logger)
	dir := t.TempDir()
	return NewStore(dir, mgr.ArtifactStorage(), q, logger), q, dir
}

func TestRelativePath(t *testing.T) {
	assert.Equal(t, filepath.Join("runs", "run-1", "0003-login_page.png"), RelativePath("run-1", 3, "login page", ".png"))
	assert.Equal(t, filepath.Join("runs", "run-1", "0000-artifact.webp"), RelativePath("run-1", 0, "///", "webp"))
}

func TestWrite_CommitsQuotaAndRecords(t *testing.T) {
	s, q, dir := newTestStore(t, 1000)
	ctx := context.Background()

	rec, err := s.Write(ctx, Write{OrgID: "org-1", RunID: "run-1", StepIndex: 2, Kind: models.ArtifactScreenshot, Name: "home", Ext: "png", Data: make([]byte, 100)})
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.Size)

	_, err = os.Stat(filepath.Join(dir, rec.Path))
	require.NoError(t, err)

	usage, err := q.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.Committed)

	list, err := s.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWrite_QuotaExceededWritesNothing(t *testing.T) {
	s, q, dir := newTestStore(t, 50)
	ctx := context.Background()

	_, err := s.Write(ctx, Write{OrgID: "org-1", RunID: "run-1", Kind: models.ArtifactScreenshot, Name: "big", Ext: "png", Data: make([]byte, 51)})
	assert.True(t, errors.Is(err, models.ErrQuotaExceeded))

	_, statErr := os.Stat(filepath.Join(dir, RelativePath("run-1", 0, "big", "png")))
	assert.True(t, os.IsNotExist(statErr))

	usage, err := q.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Committed)
	assert.Equal(t, int64(0), usage.Reserved)
}

func TestDeleteRun_FreesQuota(t *testing.T) {
	s, q, dir := newTestStore(t, 1000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Write(ctx, Write{OrgID: "org-1", RunID: "run-1", StepIndex: i, Kind: models.ArtifactScreenshot, Name: "s", Ext: "png", Data: make([]byte, 10)})
		require.NoError(t, err)
	}

	freed, err := s.DeleteRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), freed)

	usage, err := q.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Committed)

	_, statErr := os.Stat(filepath.Join(dir, "runs", "run-1"))
	assert.True(t, os.IsNotExist(statErr))
}
