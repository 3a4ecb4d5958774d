package models

import "time"

// MoveOperation lives only for the duration of one transfer attempt. Its ID is
// the correlation id carried by every notification describing the move.
type MoveOperation struct {
	ID              string    `json:"id"`
	QueueID         string    `json:"queue_id"`
	FacilityID      string    `json:"facility_id"`
	PatientRef      string    `json:"patient_ref,omitempty"`
	SourceCounterID string    `json:"source_counter_id"`
	TargetCounterID string    `json:"target_counter_id"`
	TargetStatus    string    `json:"target_status"`
	InitiatedAt     time.Time `json:"initiated_at"`
	InitiatorID     string    `json:"initiator_id"`
}
