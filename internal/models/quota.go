package models

import "time"

// Reservation is a leased claim on quota headroom. It must be committed or released
// before ExpiresAt, after which the sweep releases it.
type Reservation struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	RunID     string    `json:"run_id,omitempty"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease ran out at now
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// QuotaUsage is a snapshot of one organization's counters
type QuotaUsage struct {
	OrgID     string `json:"org_id"`
	Quota     int64  `json:"quota"` // Negative means unlimited
	Committed int64  `json:"committed"`
	Reserved  int64  `json:"reserved"`
}

// Unlimited reports whether the organization has no cap
func (u QuotaUsage) Unlimited() bool {
	return u.Quota < 0
}

// Available returns headroom left for new reservations
func (u QuotaUsage) Available() int64 {
	if u.Unlimited() {
		return -1
	}
	free := u.Quota - u.Committed - u.Reserved
	if free < 0 {
		return 0
	}
	return free
}
