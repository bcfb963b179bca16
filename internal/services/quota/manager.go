package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
)

// Manager enforces per-organization artifact byte quotas.
//
// A write is reserve -> write -> commit (or release on failure). Reservations
// are leases: one that is neither committed nor released within the lease TTL
// is dropped by ExpireLeases, which runs on the maintenance schedule and at the
// start of every Reserve. Committed bytes are persisted; reservations are
// process local and vanish on restart.
type Manager struct {
	counters  interfaces.QuotaStorage
	artifacts interfaces.ArtifactStorage
	settings  interfaces.SettingsProvider
	leaseTTL  time.Duration
	logger    arbor.ILogger
	now       func() time.Time

	mu            sync.Mutex
	reservations  map[string]*models.Reservation
	reservedByOrg map[string]int64
}

// NewManager creates a quota manager
func NewManager(counters interfaces.QuotaStorage, artifacts interfaces.ArtifactStorage, settings interfaces.SettingsProvider, leaseTTL time.Duration, logger arbor.ILogger) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &Manager{
		counters:      counters,
		artifacts:     artifacts,
		settings:      settings,
		leaseTTL:      leaseTTL,
		logger:        logger,
		now:           time.Now,
		reservations:  make(map[string]*models.Reservation),
		reservedByOrg: make(map[string]int64),
	}
}

func (m *Manager) quotaFor(ctx context.Context, orgID string) (int64, error) {
	org, err := m.settings.OrgSettings(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to load org settings: %w", err)
	}
	if org.QuotaBytes == nil {
		return -1, nil
	}
	return *org.QuotaBytes, nil
}

// Reserve claims headroom for a pending write. Returns models.ErrQuotaExceeded
// (wrapped) when committed + reserved + bytes would pass the quota.
func (m *Manager) Reserve(ctx context.Context, orgID string, bytes int64) (*models.Reservation, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("reservation size must not be negative: %d", bytes)
	}
	quota, err := m.quotaFor(ctx, orgID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	if quota >= 0 {
		committed, err := m.counters.GetCommitted(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if committed+m.reservedByOrg[orgID]+bytes > quota {
			m.logger.Debug().
				Str("org_id", orgID).
				Int64("requested", bytes).
				Int64("committed", committed).
				Int64("reserved", m.reservedByOrg[orgID]).
				Int64("quota", quota).
				Msg("Quota reservation rejected")
			return nil, fmt.Errorf("%w: org %s requested %d bytes with %d committed, %d reserved of %d",
				models.ErrQuotaExceeded, orgID, bytes, committed, m.reservedByOrg[orgID], quota)
		}
	}

	res := &models.Reservation{
		ID:        common.NewReservationID(),
		OrgID:     orgID,
		Bytes:     bytes,
		CreatedAt: now,
		ExpiresAt: now.Add(m.leaseTTL),
	}
	m.reservations[res.ID] = res
	m.reservedByOrg[orgID] += bytes
	return res, nil
}

// Commit converts a reservation into committed usage. actualBytes may differ from
// the reserved size: a smaller commit returns the remainder, a larger one must
// fit in the remaining headroom or the reservation is released and
// models.ErrQuotaExceeded returned.
func (m *Manager) Commit(ctx context.Context, res *models.Reservation, actualBytes int64) error {
	if res == nil {
		return fmt.Errorf("%w: nil reservation", models.ErrReservationNotFound)
	}
	if actualBytes < 0 {
		return fmt.Errorf("commit size must not be negative: %d", actualBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	held, ok := m.reservations[res.ID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrReservationNotFound, res.ID)
	}

	if actualBytes > held.Bytes {
		quota, err := m.quotaFor(ctx, held.OrgID)
		if err != nil {
			return err
		}
		if quota >= 0 {
			committed, err := m.counters.GetCommitted(ctx, held.OrgID)
			if err != nil {
				return err
			}
			if committed+m.reservedByOrg[held.OrgID]-held.Bytes+actualBytes > quota {
				m.dropLocked(held)
				return fmt.Errorf("%w: commit of %d bytes exceeds reservation of %d and remaining quota",
					models.ErrQuotaExceeded, actualBytes, held.Bytes)
			}
		}
	}

	if _, err := m.counters.AddCommitted(ctx, held.OrgID, actualBytes); err != nil {
		return err
	}
	m.dropLocked(held)
	return nil
}

// Release returns a reservation's headroom. Releasing twice is a no-op.
func (m *Manager) Release(ctx context.Context, res *models.Reservation) {
	if res == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.reservations[res.ID]; ok {
		m.dropLocked(held)
	}
}

// Uncommit subtracts bytes from committed usage, e.g. after artifacts are deleted
func (m *Manager) Uncommit(ctx context.Context, orgID string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.counters.AddCommitted(ctx, orgID, -bytes)
	return err
}

// Usage returns the organization's counters
func (m *Manager) Usage(ctx context.Context, orgID string) (models.QuotaUsage, error) {
	quota, err := m.quotaFor(ctx, orgID)
	if err != nil {
		return models.QuotaUsage{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.now())

	committed, err := m.counters.GetCommitted(ctx, orgID)
	if err != nil {
		return models.QuotaUsage{}, err
	}
	return models.QuotaUsage{
		OrgID:     orgID,
		Quota:     quota,
		Committed: committed,
		Reserved:  m.reservedByOrg[orgID],
	}, nil
}

// ExpireLeases drops reservations whose lease ran out at now and returns how many
func (m *Manager) ExpireLeases(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(now)
}

// Reconcile resets the committed counter to the bytes recorded for the org's artifacts
func (m *Manager) Reconcile(ctx context.Context, orgID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actual, err := m.artifacts.SumArtifactBytes(ctx, orgID)
	if err != nil {
		return 0, err
	}
	committed, err := m.counters.GetCommitted(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if committed != actual {
		m.logger.Info().
			Str("org_id", orgID).
			Int64("counter", committed).
			Int64("actual", actual).
			Msg("Reconciling quota counter")
		if err := m.counters.SetCommitted(ctx, orgID, actual); err != nil {
			return 0, err
		}
	}
	return actual, nil
}

func (m *Manager) expireLocked(now time.Time) int {
	expired := 0
	for _, res := range m.reservations {
		if res.Expired(now) {
			m.logger.Warn().
				Str("reservation_id", res.ID).
				Str("org_id", res.OrgID).
				Int64("bytes", res.Bytes).
				Msg("Quota reservation lease expired")
			m.dropLocked(res)
			expired++
		}
	}
	return expired
}

func (m *Manager) dropLocked(res *models.Reservation) {
	delete(m.reservations, res.ID)
	m.reservedByOrg[res.OrgID] -= res.Bytes
	if m.reservedByOrg[res.OrgID] <= 0 {
		delete(m.reservedByOrg, res.OrgID)
	}
}
