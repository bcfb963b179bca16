package baselines

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := arbor.NewLogger()
	mgr, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return NewStore(t.TempDir(), mgr.BaselineStorage(), logger)
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

var testKey = models.BaselineKey{ProjectID: "proj-1", TestName: "home page", Viewport: models.Viewport{Width: 1280, Height: 800}}

func TestSaveLoad_RoundTripChecksum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	img := solid(8, 6, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	saved, err := s.SaveBaseline(ctx, testKey, img, SaveOptions{CreatedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)

	loaded, version, err := s.LoadBaselineWithValidation(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, saved.Checksum, version.Checksum)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, loaded))
	data, err := os.ReadFile(version.Path)
	require.NoError(t, err)
	assert.Equal(t, saved.Checksum, Checksum(data))
	assert.Equal(t, image.Rect(0, 0, 8, 6), loaded.Bounds())
}

func TestSave_AppendsHistoryAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.SaveBaseline(ctx, testKey, solid(4, 4, color.White), SaveOptions{})
	require.NoError(t, err)
	v2, err := s.SaveBaseline(ctx, testKey, solid(4, 4, color.Black), SaveOptions{Note: "redesign"})
	require.NoError(t, err)
	assert.NotEqual(t, v1.Path, v2.Path)

	history, err := s.History(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, history, 2)

	_, current, err := s.LoadBaseline(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)

	require.NoError(t, s.Rollback(ctx, testKey, 1))
	_, current, err = s.LoadBaseline(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Version)

	history, err = s.History(ctx, testKey)
	require.NoError(t, err)
	assert.Len(t, history, 2, "rollback never removes versions")

	// the next save still appends after the highest version
	v3, err := s.SaveBaseline(ctx, testKey, solid(4, 4, color.White), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
}

func TestLoad_Missing(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.HasBaseline(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.LoadBaseline(context.Background(), testKey)
	assert.True(t, errors.Is(err, models.ErrBaselineMissing))
}

func TestLoadWithValidation_DetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveBaseline(ctx, testKey, solid(4, 4, color.White), SaveOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	data[len(data)-5] ^= 0xff
	require.NoError(t, os.WriteFile(saved.Path, data, 0644))

	_, _, err = s.LoadBaselineWithValidation(ctx, testKey)
	assert.True(t, errors.Is(err, models.ErrBaselineCorrupt))
}

func TestSaveBaselineData_RejectsGarbage(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveBaselineData(context.Background(), testKey, []byte("not an image"), SaveOptions{})
	assert.Error(t, err)
}

// flakyMetadata fails SaveBaseline while failSave is set
type flakyMetadata struct {
	interfaces.BaselineStorage
	failSave bool
}

func (f *flakyMetadata) SaveBaseline(ctx context.Context, meta *models.BaselineMetadata) error {
	if f.failSave {
		return errors.New("disk full")
	}
	return f.BaselineStorage.SaveBaseline(ctx, meta)
}

func TestSave_FailedMetadataLeavesNoFile(t *testing.T) {
	logger := arbor.NewLogger()
	mgr, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	defer mgr.Close()
	metadata := &flakyMetadata{BaselineStorage: mgr.BaselineStorage(), failSave: true}
	s := NewStore(t.TempDir(), metadata, logger)
	ctx := context.Background()

	_, err = s.SaveBaseline(ctx, testKey, solid(4, 4, color.White), SaveOptions{})
	require.Error(t, err)
	entries, err := os.ReadDir(s.keyDir(testKey))
	require.NoError(t, err)
	assert.Empty(t, entries)

	metadata.failSave = false
	saved, err := s.SaveBaseline(ctx, testKey, solid(4, 4, color.White), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
}

func TestSave_SkipsUnrecordedVersionFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A save interrupted between the file write and the metadata write
	require.NoError(t, writeNew(filepath.Join(s.keyDir(testKey), "v1.png"), []byte("partial")))

	saved, err := s.SaveBaseline(ctx, testKey, solid(4, 4, color.White), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)

	_, current, err := s.LoadBaselineWithValidation(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
}

func TestKeyDir_DistinctNamesDoNotShareDirectory(t *testing.T) {
	s := newTestStore(t)
	vp := models.Viewport{Width: 1280, Height: 800}

	slashed := models.BaselineKey{ProjectID: "proj-1", TestName: "checkout/step", Viewport: vp}
	underscored := models.BaselineKey{ProjectID: "proj-1", TestName: "checkout_step", Viewport: vp}
	assert.NotEqual(t, s.keyDir(slashed), s.keyDir(underscored))

	climbing := models.BaselineKey{ProjectID: "..", TestName: "..", Viewport: vp}
	rel, err := filepath.Rel(s.dir, s.keyDir(climbing))
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."), rel)
}
