package store

import (
	"errors"
	"testing"
	"time"

	"qms/queue-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchTimestamps(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entry := NewEntry(CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "4", CreatedAt: at}, "e1")

	require.NoError(t, ApplyPatch(&entry, EntryPatch{Status: models.StatusSkipped, OccurredAt: at.Add(time.Minute)}))
	require.NotNil(t, entry.SkippedAt)
	assert.Equal(t, at.Add(time.Minute), *entry.SkippedAt)

	require.NoError(t, ApplyPatch(&entry, EntryPatch{Status: models.StatusWaiting, OccurredAt: at.Add(2 * time.Minute)}))
	assert.Nil(t, entry.SkippedAt)

	require.NoError(t, ApplyPatch(&entry, EntryPatch{Status: models.StatusNowServing, OccurredAt: at.Add(3 * time.Minute)}))
	require.NotNil(t, entry.ServedAt)

	require.NoError(t, ApplyPatch(&entry, EntryPatch{Status: models.StatusDone, OccurredAt: at.Add(4 * time.Minute)}))
	require.NotNil(t, entry.CompletedAt)
	require.NotNil(t, entry.ArchivedAt)
	assert.Equal(t, at.Add(4*time.Minute), entry.UpdatedAt)
}

func TestApplyPatchRejects(t *testing.T) {
	cases := []struct {
		name   string
		status string
		patch  EntryPatch
		want   error
	}{
		{"done is terminal", models.StatusDone, EntryPatch{Status: models.StatusWaiting}, ErrEntryDone},
		{"done rejects metadata", models.StatusDone, EntryPatch{Remark: "late note"}, ErrEntryDone},
		{"status precondition", models.StatusNext, EntryPatch{Status: models.StatusNowServing, FromStatus: models.StatusWaiting}, ErrStatusConflict},
		{"unknown status", models.StatusWaiting, EntryPatch{Status: "paused"}, ErrInvalidStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := models.QueueEntry{ID: "e1", Status: tc.status}
			err := ApplyPatch(&entry, tc.patch)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if entry.Status != tc.status {
				t.Fatalf("entry mutated on rejection: %s", entry.Status)
			}
		})
	}
}

func TestApplyPatchRemarksAndMetadata(t *testing.T) {
	entry := models.QueueEntry{ID: "e1", Status: models.StatusWaiting, Metadata: map[string]any{models.MetaRemarks: "walk-in"}}
	require.NoError(t, ApplyPatch(&entry, EntryPatch{
		CounterID: "c2",
		Remark:    "Transferred from c1 to c2",
		Metadata:  map[string]any{models.MetaDoctorID: "d9", models.MetaRemarks: "ignored"},
	}))
	assert.Equal(t, "c2", entry.Counter())
	assert.Equal(t, "d9", entry.DoctorID())
	assert.Equal(t, "walk-in\nTransferred from c1 to c2", entry.Remarks())
}

func TestOrderUpdatesServingLast(t *testing.T) {
	updates := []EntryUpdate{
		{ID: "b", Patch: EntryPatch{Status: models.StatusNowServing}},
		{ID: "a", Patch: EntryPatch{Status: models.StatusDone}},
		{ID: "c", Patch: EntryPatch{Remark: "x"}},
	}
	ordered := OrderUpdates(updates)
	require.Len(t, ordered, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{ordered[0].ID, ordered[1].ID, ordered[2].ID})
}

func TestEntryEventChain(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entry := NewEntry(CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "1", CreatedAt: at}, "e1")

	first, err := NextEntryEvent(nil, entry, "entry.created", at)
	require.NoError(t, err)
	require.NoError(t, ApplyPatch(&entry, EntryPatch{Status: models.StatusNowServing, OccurredAt: at.Add(time.Second)}))
	second, err := NextEntryEvent(&first, entry, "entry.now_serving", at.Add(time.Second))
	require.NoError(t, err)

	events := []EntryEvent{first, second}
	require.NoError(t, VerifyEntryEvents(events))
	assert.Equal(t, first.Hash, second.PrevHash)

	rebuilt, err := RehydrateEntry(events)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNowServing, rebuilt.Status)

	tampered := append([]EntryEvent(nil), events...)
	tampered[0].Payload = []byte(`{"id":"e1","status":"done"}`)
	assert.ErrorIs(t, VerifyEntryEvents(tampered), ErrBrokenChain)

	reordered := []EntryEvent{second, first}
	assert.ErrorIs(t, VerifyEntryEvents(reordered), ErrBrokenChain)
}
