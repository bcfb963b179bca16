package models

import "time"

// ArtifactKind classifies persisted artifacts
type ArtifactKind string

const (
	ArtifactScreenshot ArtifactKind = "screenshot"
	ArtifactDiff       ArtifactKind = "diff"
	ArtifactVideo      ArtifactKind = "video"
	ArtifactTrace      ArtifactKind = "trace"
	ArtifactReport     ArtifactKind = "report"
	ArtifactCrash      ArtifactKind = "crash"
)

// ArtifactRecord is the stored metadata of a written artifact file
type ArtifactRecord struct {
	ID        string       `json:"id"`
	OrgID     string       `json:"org_id"`
	RunID     string       `json:"run_id"`
	StepIndex int          `json:"step_index"`
	Kind      ArtifactKind `json:"kind"`
	Name      string       `json:"name"`
	Path      string       `json:"path"`
	Size      int64        `json:"size"`
	CreatedAt time.Time    `json:"created_at"`
}

// Ref returns the reference stored on a step
func (a *ArtifactRecord) Ref() ArtifactRef {
	return ArtifactRef{Kind: a.Kind, Path: a.Path, Size: a.Size}
}
