package interfaces

import (
	"context"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// RunStorage persists TestRun records
type RunStorage interface {
	SaveRun(ctx context.Context, run *models.TestRun) error
	GetRun(ctx context.Context, runID string) (*models.TestRun, error) // models.ErrRunNotFound
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.TestRun, error)
	DeleteRun(ctx context.Context, runID string) error
}

// BaselineStorage persists baseline metadata (the image files live on disk)
type BaselineStorage interface {
	GetBaseline(ctx context.Context, id string) (*models.BaselineMetadata, error) // models.ErrBaselineMissing
	SaveBaseline(ctx context.Context, meta *models.BaselineMetadata) error
	ListBaselines(ctx context.Context, projectID string) ([]*models.BaselineMetadata, error)
}

// HealingStorage persists healing history and selector overrides
type HealingStorage interface {
	SaveRecord(ctx context.Context, record *models.HealingRecord) error
	GetRecord(ctx context.Context, id string) (*models.HealingRecord, error) // models.ErrHealingRecordNotFound
	ListRecords(ctx context.Context, projectID string) ([]*models.HealingRecord, error)
	SaveOverride(ctx context.Context, override *models.SelectorOverride) error
	GetOverride(ctx context.Context, projectID, selector string) (*models.SelectorOverride, error) // nil when none
	ListOverrides(ctx context.Context, projectID string) ([]*models.SelectorOverride, error)
}

// QuotaStorage persists committed byte counters per organization
type QuotaStorage interface {
	GetCommitted(ctx context.Context, orgID string) (int64, error)
	// AddCommitted applies delta atomically and clamps the counter at zero
	AddCommitted(ctx context.Context, orgID string, delta int64) (int64, error)
	SetCommitted(ctx context.Context, orgID string, bytes int64) error
}

// ArtifactStorage persists artifact records
type ArtifactStorage interface {
	SaveArtifact(ctx context.Context, record *models.ArtifactRecord) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]*models.ArtifactRecord, error)
	SumArtifactBytes(ctx context.Context, orgID string) (int64, error)
	ListArtifactOrgs(ctx context.Context) ([]string, error)
	DeleteArtifactsByRun(ctx context.Context, runID string) ([]*models.ArtifactRecord, error)
}

// CrashDumpStorage persists crash dumps, one per run, write-once
type CrashDumpStorage interface {
	SaveCrashDump(ctx context.Context, dump *models.CrashDumpData) error // models.ErrCrashDumpExists
	GetCrashDump(ctx context.Context, runID string) (*models.CrashDumpData, error)
}

// StorageManager groups all storage interfaces
type StorageManager interface {
	RunStorage() RunStorage
	BaselineStorage() BaselineStorage
	HealingStorage() HealingStorage
	QuotaStorage() QuotaStorage
	ArtifactStorage() ArtifactStorage
	CrashDumpStorage() CrashDumpStorage
	DB() interface{}
	Close() error
}
