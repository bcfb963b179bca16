package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/healing"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
)

// Service resolves per-project and per-organization settings.
//
// Files live under <dir>/projects/<projectID>.toml and <dir>/orgs/<orgID>.toml.
// Missing files or fields fall back to the [visual], [healing] and [quota]
// sections of the application config. Parsed files are cached until the
// watcher reports a change or Set* replaces them.
type Service struct {
	dir      string
	defaults *common.Config
	logger   arbor.ILogger

	mu       sync.RWMutex
	projects map[string]*models.ProjectSettings
	orgs     map[string]*models.OrgSettings
}

// NewService creates a settings service rooted at config.Settings.Dir
func NewService(config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		dir:      config.Settings.Dir,
		defaults: config,
		logger:   logger,
		projects: make(map[string]*models.ProjectSettings),
		orgs:     make(map[string]*models.OrgSettings),
	}
}

// DefaultProjectSettings builds project settings from the application defaults
func DefaultProjectSettings(config *common.Config, projectID string) *models.ProjectSettings {
	return &models.ProjectSettings{
		ProjectID: projectID,
		Visual: models.VisualSettings{
			DiffThreshold:      config.Visual.DiffThreshold,
			ColorTolerance:     config.Visual.ColorTolerance,
			DiffColor:          config.Visual.DiffColor,
			AutoCreateBaseline: config.Visual.AutoCreateBaseline,
			FullPage:           config.Visual.FullPage,
		},
		Healing: models.HealingSettings{
			Enabled:            config.Healing.Enabled,
			Strategies:         append([]string(nil), config.Healing.Strategies...),
			AutoHealThreshold:  config.Healing.AutoHealThreshold,
			MinCandidateScore:  config.Healing.MinCandidateScore,
			CalibrationEnabled: config.Healing.CalibrationEnabled,
		},
	}
}

// ProjectSettings returns the effective settings for a project
func (s *Service) ProjectSettings(ctx context.Context, projectID string) (*models.ProjectSettings, error) {
	s.mu.RLock()
	cached, ok := s.projects[projectID]
	s.mu.RUnlock()
	if ok {
		return cloneProject(cached), nil
	}

	settings := DefaultProjectSettings(s.defaults, projectID)
	if err := s.readFile(filepath.Join(s.dir, "projects", projectID+".toml"), settings); err != nil {
		return nil, err
	}
	settings.ProjectID = projectID
	if err := validateProject(settings); err != nil {
		return nil, fmt.Errorf("project %s settings: %w", projectID, err)
	}

	s.mu.Lock()
	s.projects[projectID] = settings
	s.mu.Unlock()
	return cloneProject(settings), nil
}

// OrgSettings returns the effective settings for an organization
func (s *Service) OrgSettings(ctx context.Context, orgID string) (*models.OrgSettings, error) {
	s.mu.RLock()
	cached, ok := s.orgs[orgID]
	s.mu.RUnlock()
	if ok {
		copied := *cached
		return &copied, nil
	}

	settings := &models.OrgSettings{OrganizationID: orgID}
	if err := s.readFile(filepath.Join(s.dir, "orgs", orgID+".toml"), settings); err != nil {
		return nil, err
	}
	settings.OrganizationID = orgID
	if settings.QuotaBytes == nil {
		quota := s.defaults.Quota.DefaultOrgBytes
		settings.QuotaBytes = &quota
	}

	s.mu.Lock()
	s.orgs[orgID] = settings
	s.mu.Unlock()
	copied := *settings
	return &copied, nil
}

// SetProjectSettings replaces the cached settings for a project (not written to disk)
func (s *Service) SetProjectSettings(settings *models.ProjectSettings) error {
	if err := validateProject(settings); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[settings.ProjectID] = cloneProject(settings)
	return nil
}

// SetOrgQuota replaces the cached quota for an organization (not written to disk)
func (s *Service) SetOrgQuota(orgID string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[orgID] = &models.OrgSettings{OrganizationID: orgID, QuotaBytes: &bytes}
}

// Invalidate drops the cached entry that corresponds to a settings file path
func (s *Service) Invalidate(path string) {
	name := strings.TrimSuffix(filepath.Base(path), ".toml")
	kind := filepath.Base(filepath.Dir(path))

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "projects":
		delete(s.projects, name)
	case "orgs":
		delete(s.orgs, name)
	default:
		return
	}
	s.logger.Info().Str("kind", kind).Str("id", name).Msg("Settings reloaded")
}

func (s *Service) readFile(path string, into interface{}) error {
	if s.dir == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return nil
}

func validateProject(p *models.ProjectSettings) error {
	if p.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if p.Visual.DiffThreshold < 0 || p.Visual.DiffThreshold > 100 {
		return fmt.Errorf("visual.diff_threshold must be within [0,100], got %v", p.Visual.DiffThreshold)
	}
	if p.Visual.ColorTolerance < 0 || p.Visual.ColorTolerance > 1020 {
		return fmt.Errorf("visual.color_tolerance must be within [0,1020], got %d", p.Visual.ColorTolerance)
	}
	if p.Healing.AutoHealThreshold < 0 || p.Healing.AutoHealThreshold > 1 {
		return fmt.Errorf("healing.auto_heal_threshold must be within [0,1], got %v", p.Healing.AutoHealThreshold)
	}
	for _, name := range p.Healing.Strategies {
		if !healing.KnownStrategy(name) {
			return fmt.Errorf("unknown healing strategy %q", name)
		}
	}
	return nil
}

func cloneProject(p *models.ProjectSettings) *models.ProjectSettings {
	c := *p
	c.Visual.IgnoreRegions = append([]models.IgnoreRegion(nil), p.Visual.IgnoreRegions...)
	c.Visual.Viewports = append([]models.Viewport(nil), p.Visual.Viewports...)
	c.Healing.Strategies = append([]string(nil), p.Healing.Strategies...)
	c.Accessibility.Rules = append([]string(nil), p.Accessibility.Rules...)
	c.Accessibility.DisableRules = append([]string(nil), p.Accessibility.DisableRules...)
	c.Accessibility.FailOn = append([]models.Impact(nil), p.Accessibility.FailOn...)
	return &c
}
