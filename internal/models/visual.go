package models

import (
	"net/url"
	"time"
)

// Rect is an axis-aligned rectangle in image pixels
type Rect struct {
	X      int `json:"x" toml:"x"`
	Y      int `json:"y" toml:"y"`
	Width  int `json:"width" toml:"width"`
	Height int `json:"height" toml:"height"`
}

// IgnoreRegion is excluded from diff scoring and from the overlay
type IgnoreRegion struct {
	Name string `json:"name,omitempty" toml:"name"`
	Rect
}

// DiffStatus is the verdict of a visual comparison
type DiffStatus string

const (
	DiffPass DiffStatus = "pass"
	DiffFail DiffStatus = "fail"
)

// VisualComparisonResult is derived per run and not persisted beyond it
type VisualComparisonResult struct {
	Status          DiffStatus     `json:"status"`
	DiffPercentage  float64        `json:"diff_percentage"`
	Threshold       float64        `json:"threshold"`
	ChangedPixels   int            `json:"changed_pixels"`
	ComparedPixels  int            `json:"compared_pixels"`
	IgnoredPixels   int            `json:"ignored_pixels"`
	DimensionsMatch bool           `json:"dimensions_match"`
	BaselineSize    [2]int         `json:"baseline_size"`
	CandidateSize   [2]int         `json:"candidate_size"`
	Regions         []Rect         `json:"regions,omitempty"`
	IgnoredRegions  []IgnoreRegion `json:"ignored_regions,omitempty"`
	DiffImage       *ArtifactRef   `json:"diff_image,omitempty"`
}

// BaselineKey identifies a baseline
type BaselineKey struct {
	ProjectID string   `json:"project_id"`
	TestName  string   `json:"test_name"`
	Viewport  Viewport `json:"viewport"`
}

// ID returns project/test/WxH. Segments are path-escaped, so a "/" inside a
// project or test name cannot make two keys share an ID.
func (k BaselineKey) ID() string {
	return url.PathEscape(k.ProjectID) + "/" + url.PathEscape(k.TestName) + "/" + k.Viewport.String()
}

// BaselineVersion is one immutable entry of the baseline history
type BaselineVersion struct {
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"` // sha256 hex of the file bytes
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// BaselineMetadata holds the version log and the current pointer
type BaselineMetadata struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Key       BaselineKey       `json:"key"`
	Current   int               `json:"current"`
	History   []BaselineVersion `json:"history"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CurrentVersion returns the version the pointer refers to
func (m *BaselineMetadata) CurrentVersion() (BaselineVersion, bool) {
	for _, v := range m.History {
		if v.Version == m.Current {
			return v, true
		}
	}
	return BaselineVersion{}, false
}
