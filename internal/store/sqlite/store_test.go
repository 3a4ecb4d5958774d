package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEntryLifecyclePersists(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.UpsertCounter(ctx, models.Counter{
		ID: "c1", FacilityID: "f1", Name: "Poli Umum", Type: []string{"general"}, Status: models.CounterActive, IsVisible: true, Order: 2,
	}))

	entry, err := st.CreateEntry(ctx, store.CreateEntryInput{
		FacilityID: "f1",
		CounterID:  "c1",
		PatientRef: "p1",
		Number:     "12",
		Metadata:   map[string]any{models.MetaDoctorID: "d1"},
	})
	require.NoError(t, err)

	served, err := st.Update(ctx, entry.ID, store.EntryPatch{Status: models.StatusNowServing, Remark: "called"})
	require.NoError(t, err)
	require.NotNil(t, served.ServedAt)

	got, err := st.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNowServing, got.Status)
	assert.Equal(t, "d1", got.DoctorID())
	assert.Equal(t, "called", got.Remarks())
	assert.True(t, got.ServedAt.Equal(*served.ServedAt))

	counters, err := st.ListCounters(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, []string{"general"}, counters[0].Type)
	assert.True(t, counters[0].Available())

	events, err := st.ListEntryEvents(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, store.VerifyEntryEvents(events))
}

func TestSecondServingEntryConflicts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	a, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "1"})
	require.NoError(t, err)
	b, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "2"})
	require.NoError(t, err)

	_, err = st.Update(ctx, a.ID, store.EntryPatch{Status: models.StatusNowServing})
	require.NoError(t, err)
	_, err = st.Update(ctx, b.ID, store.EntryPatch{Status: models.StatusNowServing})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	updated, err := st.UpdateBatch(ctx, []store.EntryUpdate{
		{ID: b.ID, Patch: store.EntryPatch{Status: models.StatusNowServing}},
		{ID: a.ID, Patch: store.EntryPatch{Status: models.StatusDone}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNowServing, updated[0].Status)
	assert.Equal(t, models.StatusDone, updated[1].Status)

	entries, err := st.ListCounterEntries(ctx, "f1", "c1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, b.ID, entries[0].ID)
}

func TestUnavailableCounterRollsBack(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	require.NoError(t, st.UpsertCounter(ctx, models.Counter{ID: "c2", FacilityID: "f1", Name: "Lab", Status: models.CounterInactive, IsVisible: true}))
	entry, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "1"})
	require.NoError(t, err)

	_, err = st.Update(ctx, entry.ID, store.EntryPatch{CounterID: "c2", RequireAvailableCounter: true})
	assert.ErrorIs(t, err, store.ErrCounterUnavailable)

	got, err := st.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Counter())
}
