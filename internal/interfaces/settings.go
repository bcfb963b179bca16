package interfaces

import (
	"context"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// SettingsProvider is the per-project / per-organization configuration surface
type SettingsProvider interface {
	ProjectSettings(ctx context.Context, projectID string) (*models.ProjectSettings, error)
	OrgSettings(ctx context.Context, orgID string) (*models.OrgSettings, error)
}
