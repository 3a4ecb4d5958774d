package models

import (
	"strings"
	"time"
)

type QueueEntry struct {
	ID          string         `json:"id"`
	Number      string         `json:"number"`
	Status      string         `json:"status"`
	CounterID   *string        `json:"counter_id,omitempty"`
	PatientRef  string         `json:"patient_ref"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	FacilityID  string         `json:"facility_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	SkippedAt   *time.Time     `json:"skipped_at,omitempty"`
	ServedAt    *time.Time     `json:"served_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time     `json:"archived_at,omitempty"`
}

const (
	StatusWaiting    = "waiting"
	StatusNext       = "next"
	StatusNowServing = "now_serving"
	StatusDone       = "done"
	StatusSkipped    = "skipped"
)

const (
	MetaDoctorID = "doctorId"
	MetaRemarks  = "remarks"
)

var statuses = []string{StatusWaiting, StatusNext, StatusNowServing, StatusDone, StatusSkipped}

func ValidStatus(status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Counter returns the assigned counter id, or "" before first assignment.
func (e QueueEntry) Counter() string {
	if e.CounterID == nil {
		return ""
	}
	return *e.CounterID
}

func (e QueueEntry) AtCounter(counterID string) bool {
	return e.CounterID != nil && *e.CounterID == counterID
}

func (e QueueEntry) Remarks() string {
	return metaString(e.Metadata, MetaRemarks)
}

func (e QueueEntry) DoctorID() string {
	return metaString(e.Metadata, MetaDoctorID)
}

// Clone copies the entry so callers can mutate metadata and pointers freely.
func (e QueueEntry) Clone() QueueEntry {
	out := e
	if e.CounterID != nil {
		id := *e.CounterID
		out.CounterID = &id
	}
	out.SkippedAt = cloneTime(e.SkippedAt)
	out.ServedAt = cloneTime(e.ServedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.ArchivedAt = cloneTime(e.ArchivedAt)
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// AppendRemark adds one line to the remarks audit string.
func AppendRemark(metadata map[string]any, line string) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return metadata
	}
	current := metaString(metadata, MetaRemarks)
	if current == "" {
		metadata[MetaRemarks] = line
	} else {
		metadata[MetaRemarks] = current + "\n" + line
	}
	return metadata
}

func StringPtr(value string) *string {
	return &value
}

func metaString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return value
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := *value
	return &t
}
