package bus

import (
	"time"

	"qms/queue-sync/internal/models"
)

// EventType is the logical change a publisher reports.
type EventType string

const (
	EventAdmitted EventType = "admitted"
	EventUpdated  EventType = "updated"
	EventMoved    EventType = "moved"
)

// Event is one logical change to a queue entry. A Publisher fans it out to
// several topics; every copy carries the same ChangeID.
type Event struct {
	Type            EventType
	ChangeID        string
	FacilityID      string
	Entry           models.QueueEntry
	SourceCounterID string
	TargetCounterID string
	Actor           string
	OccurredAt      time.Time
}

// Envelope is the JSON body carried on every channel.
type Envelope struct {
	ChangeID        string             `json:"change_id"`
	Event           string             `json:"event"`
	FacilityID      string             `json:"facility_id"`
	QueueID         string             `json:"queue_id,omitempty"`
	CounterID       string             `json:"counter_id,omitempty"`
	PatientRef      string             `json:"patient_ref,omitempty"`
	SourceCounterID string             `json:"source_counter_id,omitempty"`
	TargetCounterID string             `json:"target_counter_id,omitempty"`
	Status          string             `json:"status,omitempty"`
	Actor           string             `json:"actor,omitempty"`
	Entry           *models.QueueEntry `json:"entry,omitempty"`
	SentAt          time.Time          `json:"sent_at"`
}

// Kind is the normalized meaning of an inbound notification.
type Kind string

const (
	KindEntryUpdated  Kind = "entry_updated"
	KindEntryCreated  Kind = "entry_created"
	KindMoveConfirmed Kind = "move_confirmed"
)

// Notification is an inbound message after topic normalization.
type Notification struct {
	Topic           string
	Name            string
	Kind            Kind
	Channel         string
	ChangeID        string
	FacilityID      string
	QueueID         string
	CounterID       string
	PatientRef      string
	SourceCounterID string
	TargetCounterID string
	Status          string
	Entry           *models.QueueEntry
	SentAt          time.Time
}

// CorrelationKey is the fallback match used when a shape omits queue_id.
type CorrelationKey struct {
	PatientRef      string
	SourceCounterID string
	TargetCounterID string
}

func (k CorrelationKey) Valid() bool {
	return k.PatientRef != "" && k.SourceCounterID != "" && k.TargetCounterID != ""
}

func (n Notification) Key() CorrelationKey {
	return CorrelationKey{PatientRef: n.PatientRef, SourceCounterID: n.SourceCounterID, TargetCounterID: n.TargetCounterID}
}

func OperationKey(op models.MoveOperation) CorrelationKey {
	return CorrelationKey{PatientRef: op.PatientRef, SourceCounterID: op.SourceCounterID, TargetCounterID: op.TargetCounterID}
}
