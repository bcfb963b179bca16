package baselines

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
	_ "golang.org/x/image/webp"
)

// SaveOptions annotate a new baseline version
type SaveOptions struct {
	CreatedBy string
	RunID     string
	Note      string
}

// Store keeps baseline images as an append-only version log per key.
// Files are <dir>/<project>/<test>/<WxH>/v<N>.<ext> and are never rewritten;
// a new approval appends a version and moves the current pointer.
type Store struct {
	dir      string
	metadata interfaces.BaselineStorage
	logger   arbor.ILogger
	now      func() time.Time

	mu sync.Mutex
}

// NewStore creates a baseline store rooted at dir
func NewStore(dir string, metadata interfaces.BaselineStorage, logger arbor.ILogger) *Store {
	return &Store{dir: dir, metadata: metadata, logger: logger, now: time.Now}
}

func (s *Store) keyDir(key models.BaselineKey) string {
	return filepath.Join(s.dir, pathSegment(key.ProjectID), pathSegment(key.TestName), key.Viewport.String())
}

// pathSegment maps a name onto one directory name. Distinct names give
// distinct segments and the result never climbs out of the parent.
func pathSegment(name string) string {
	switch seg := url.PathEscape(name); seg {
	case "":
		return "%"
	case ".", "..":
		return strings.ReplaceAll(seg, ".", "%2E")
	default:
		return seg
	}
}

// highestOnDisk returns the largest N among the v<N>.* files in dir
func highestOnDisk(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	high := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "v") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name[1:], filepath.Ext(name)))
		if err == nil && n > high {
			high = n
		}
	}
	return high, nil
}

// Checksum returns the sha256 hex digest used for baseline validation
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HasBaseline reports whether the key has at least one version
func (s *Store) HasBaseline(ctx context.Context, key models.BaselineKey) (bool, error) {
	_, err := s.metadata.GetBaseline(ctx, key.ID())
	if err != nil {
		if errors.Is(err, models.ErrBaselineMissing) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Metadata returns the version log for a key
func (s *Store) Metadata(ctx context.Context, key models.BaselineKey) (*models.BaselineMetadata, error) {
	return s.metadata.GetBaseline(ctx, key.ID())
}

// History returns every version of a key, oldest first
func (s *Store) History(ctx context.Context, key models.BaselineKey) ([]models.BaselineVersion, error) {
	meta, err := s.metadata.GetBaseline(ctx, key.ID())
	if err != nil {
		return nil, err
	}
	return append([]models.BaselineVersion(nil), meta.History...), nil
}

// List returns all baselines of a project
func (s *Store) List(ctx context.Context, projectID string) ([]*models.BaselineMetadata, error) {
	return s.metadata.ListBaselines(ctx, projectID)
}

// SaveBaseline encodes img as PNG and appends it as a new version
func (s *Store) SaveBaseline(ctx context.Context, key models.BaselineKey, img image.Image, opts SaveOptions) (*models.BaselineVersion, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode baseline: %w", err)
	}
	return s.SaveBaselineData(ctx, key, buf.Bytes(), opts)
}

// SaveBaselineData appends already encoded image bytes (png, jpeg or webp) as a new version
func (s *Store) SaveBaselineData(ctx context.Context, key models.BaselineKey, data []byte, opts SaveOptions) (*models.BaselineVersion, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("baseline data is not a decodable image: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.metadata.GetBaseline(ctx, key.ID())
	if err != nil {
		if !errors.Is(err, models.ErrBaselineMissing) {
			return nil, err
		}
		meta = &models.BaselineMetadata{ID: key.ID(), ProjectID: key.ProjectID, Key: key}
	}

	// Files left by an interrupted save are skipped, never overwritten
	next, err := highestOnDisk(s.keyDir(key))
	if err != nil {
		return nil, err
	}
	next++
	for _, v := range meta.History {
		if v.Version >= next {
			next = v.Version + 1
		}
	}

	path := filepath.Join(s.keyDir(key), fmt.Sprintf("v%d.%s", next, extension(format)))
	if err := writeNew(path, data); err != nil {
		return nil, fmt.Errorf("failed to write baseline %s: %w", path, err)
	}

	version := models.BaselineVersion{
		Version:   next,
		Path:      path,
		Checksum:  Checksum(data),
		Width:     cfg.Width,
		Height:    cfg.Height,
		Size:      int64(len(data)),
		CreatedAt: s.now(),
		CreatedBy: opts.CreatedBy,
		RunID:     opts.RunID,
		Note:      opts.Note,
	}
	meta.History = append(meta.History, version)
	meta.Current = next
	meta.UpdatedAt = version.CreatedAt

	if err := s.metadata.SaveBaseline(ctx, meta); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove unrecorded baseline file")
		}
		return nil, fmt.Errorf("failed to save baseline metadata: %w", err)
	}

	s.logger.Info().
		Str("baseline", key.ID()).
		Int("version", next).
		Str("checksum", version.Checksum).
		Msg("Baseline version saved")
	return &version, nil
}

// Rollback moves the current pointer to an existing version. History is untouched.
func (s *Store) Rollback(ctx context.Context, key models.BaselineKey, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.metadata.GetBaseline(ctx, key.ID())
	if err != nil {
		return err
	}
	for _, v := range meta.History {
		if v.Version == version {
			meta.Current = version
			meta.UpdatedAt = s.now()
			return s.metadata.SaveBaseline(ctx, meta)
		}
	}
	return fmt.Errorf("baseline %s has no version %d", key.ID(), version)
}

// LoadBaseline decodes the current version. Fails with models.ErrBaselineMissing.
func (s *Store) LoadBaseline(ctx context.Context, key models.BaselineKey) (image.Image, *models.BaselineVersion, error) {
	version, data, err := s.readCurrent(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s v%d: %v", models.ErrBaselineCorrupt, key.ID(), version.Version, err)
	}
	return img, version, nil
}

// LoadBaselineWithValidation additionally verifies the stored checksum and
// fails with models.ErrBaselineCorrupt on mismatch.
func (s *Store) LoadBaselineWithValidation(ctx context.Context, key models.BaselineKey) (image.Image, *models.BaselineVersion, error) {
	version, data, err := s.readCurrent(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if got := Checksum(data); got != version.Checksum {
		return nil, nil, fmt.Errorf("%w: %s v%d checksum %s, expected %s",
			models.ErrBaselineCorrupt, key.ID(), version.Version, got, version.Checksum)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s v%d: %v", models.ErrBaselineCorrupt, key.ID(), version.Version, err)
	}
	return img, version, nil
}

func (s *Store) readCurrent(ctx context.Context, key models.BaselineKey) (*models.BaselineVersion, []byte, error) {
	meta, err := s.metadata.GetBaseline(ctx, key.ID())
	if err != nil {
		return nil, nil, err
	}
	version, ok := meta.CurrentVersion()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s current version %d not in history", models.ErrBaselineCorrupt, key.ID(), meta.Current)
	}
	data, err := os.ReadFile(version.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s v%d file missing", models.ErrBaselineMissing, key.ID(), version.Version)
		}
		return nil, nil, err
	}
	return &version, data, nil
}

func extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "png"
	}
	return format
}

// writeNew refuses to replace an existing file
func writeNew(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
