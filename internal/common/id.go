package common

import (
	"github.com/google/uuid"
)

// NewRunID generates a test run id: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewReservationID generates a quota reservation id: rsv_<uuid>
func NewReservationID() string {
	return "rsv_" + uuid.New().String()
}

// NewHealingID generates a healing record id: heal_<uuid>
func NewHealingID() string {
	return "heal_" + uuid.New().String()
}

// NewArtifactID generates an artifact record id: art_<uuid>
func NewArtifactID() string {
	return "art_" + uuid.New().String()
}

// NewBaselineVersionID generates a baseline version id: bl_<uuid>
func NewBaselineVersionID() string {
	return "bl_" + uuid.New().String()
}
