package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/quota"
	"github.com/ternarybob/arbor"
)

// Write describes one artifact to persist
type Write struct {
	OrgID     string
	RunID     string
	StepIndex int
	Kind      models.ArtifactKind
	Name      string
	Ext       string
	Data      []byte
}

// Store writes artifact files under <dir>/runs/<runID>/<step>-<name>.<ext>,
// gated by the quota manager.
type Store struct {
	dir     string
	records interfaces.ArtifactStorage
	quota   *quota.Manager
	logger  arbor.ILogger
}

// NewStore creates an artifact store rooted at dir
func NewStore(dir string, records interfaces.ArtifactStorage, quotaManager *quota.Manager, logger arbor.ILogger) *Store {
	return &Store{dir: dir, records: records, quota: quotaManager, logger: logger}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RelativePath returns the artifact path relative to the store root
func RelativePath(runID string, stepIndex int, name, ext string) string {
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "artifact"
	}
	return filepath.Join("runs", runID, fmt.Sprintf("%04d-%s.%s", stepIndex, name, strings.TrimPrefix(ext, ".")))
}

// Write reserves quota, writes the file and commits the bytes. On
// models.ErrQuotaExceeded nothing is written.
func (s *Store) Write(ctx context.Context, w Write) (*models.ArtifactRecord, error) {
	size := int64(len(w.Data))
	res, err := s.quota.Reserve(ctx, w.OrgID, size)
	if err != nil {
		return nil, err
	}

	rel := RelativePath(w.RunID, w.StepIndex, w.Name, w.Ext)
	full := filepath.Join(s.dir, rel)
	if err := writeFile(full, w.Data); err != nil {
		s.quota.Release(ctx, res)
		return nil, fmt.Errorf("failed to write artifact %s: %w", rel, err)
	}

	if err := s.quota.Commit(ctx, res, size); err != nil {
		_ = os.Remove(full)
		return nil, err
	}

	record := &models.ArtifactRecord{
		ID:        common.NewArtifactID(),
		OrgID:     w.OrgID,
		RunID:     w.RunID,
		StepIndex: w.StepIndex,
		Kind:      w.Kind,
		Name:      w.Name,
		Path:      rel,
		Size:      size,
		CreatedAt: time.Now(),
	}
	if err := s.records.SaveArtifact(ctx, record); err != nil {
		// the counter stays committed until the next reconcile drops it
		_ = os.Remove(full)
		return nil, err
	}

	s.logger.Debug().
		Str("run_id", w.RunID).
		Str("path", rel).
		Int64("bytes", size).
		Msg("Artifact written")
	return record, nil
}

// Read returns the bytes of a stored artifact
func (s *Store) Read(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, relPath))
}

// List returns the artifacts of a run ordered by step
func (s *Store) List(ctx context.Context, runID string) ([]*models.ArtifactRecord, error) {
	return s.records.ListArtifactsByRun(ctx, runID)
}

// DeleteRun removes a run's artifact files and records and returns freed bytes
func (s *Store) DeleteRun(ctx context.Context, runID string) (int64, error) {
	records, err := s.records.DeleteArtifactsByRun(ctx, runID)
	if err != nil {
		return 0, err
	}

	freedByOrg := make(map[string]int64)
	var freed int64
	for _, r := range records {
		freedByOrg[r.OrgID] += r.Size
		freed += r.Size
	}
	if err := os.RemoveAll(filepath.Join(s.dir, "runs", runID)); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to remove artifact directory")
	}
	for orgID, bytes := range freedByOrg {
		if err := s.quota.Uncommit(ctx, orgID, bytes); err != nil {
			return freed, err
		}
	}
	return freed, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
