package memory

import (
	"context"
	"testing"

	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := New()
	a, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "1"})
	require.NoError(t, err)
	b, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "2"})
	require.NoError(t, err)
	_, err = st.Update(ctx, b.ID, store.EntryPatch{Status: models.StatusDone})
	require.NoError(t, err)

	_, err = st.UpdateBatch(ctx, []store.EntryUpdate{
		{ID: a.ID, Patch: store.EntryPatch{Status: models.StatusNowServing}},
		{ID: b.ID, Patch: store.EntryPatch{Status: models.StatusWaiting}},
	})
	require.ErrorIs(t, err, store.ErrEntryDone)

	got, err := st.GetEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)

	events, err := st.ListEntryEvents(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRequireAvailableCounter(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.UpsertCounter(ctx, models.Counter{ID: "c1", FacilityID: "f1", Status: models.CounterActive, IsVisible: true}))
	require.NoError(t, st.UpsertCounter(ctx, models.Counter{ID: "c2", FacilityID: "f1", Status: models.CounterActive, IsVisible: false}))
	require.NoError(t, st.UpsertCounter(ctx, models.Counter{ID: "c3", FacilityID: "f2", Status: models.CounterActive, IsVisible: true}))
	entry, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "1"})
	require.NoError(t, err)

	_, err = st.Update(ctx, entry.ID, store.EntryPatch{CounterID: "c2", RequireAvailableCounter: true})
	assert.ErrorIs(t, err, store.ErrCounterUnavailable)
	_, err = st.Update(ctx, entry.ID, store.EntryPatch{CounterID: "c3", RequireAvailableCounter: true})
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
	_, err = st.Update(ctx, entry.ID, store.EntryPatch{CounterID: "missing", RequireAvailableCounter: true})
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
}

func TestListCounterEntriesSkipsArchived(t *testing.T) {
	ctx := context.Background()
	st := New()
	var ids []string
	for _, number := range []string{"10", "2", "x"} {
		entry, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: number})
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}
	_, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c2", Number: "1"})
	require.NoError(t, err)
	_, err = st.Update(ctx, ids[0], store.EntryPatch{Status: models.StatusDone})
	require.NoError(t, err)

	entries, err := st.ListCounterEntries(ctx, "f1", "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2", entries[0].Number)
	assert.Equal(t, "x", entries[1].Number)
}

func TestCreateEntryRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	st := New()
	_, err := st.CreateEntry(ctx, store.CreateEntryInput{EntryID: "e1", FacilityID: "f1", Number: "1"})
	require.NoError(t, err)
	_, err = st.CreateEntry(ctx, store.CreateEntryInput{EntryID: "e1", FacilityID: "f1", Number: "1"})
	assert.ErrorIs(t, err, store.ErrEntryExists)
}

func TestHistoryVerifies(t *testing.T) {
	ctx := context.Background()
	st := New()
	entry, err := st.CreateEntry(ctx, store.CreateEntryInput{FacilityID: "f1", CounterID: "c1", Number: "1"})
	require.NoError(t, err)
	for _, status := range []string{models.StatusNext, models.StatusNowServing, models.StatusDone} {
		_, err = st.Update(ctx, entry.ID, store.EntryPatch{Status: status})
		require.NoError(t, err)
	}

	events, err := st.ListEntryEvents(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.NoError(t, store.VerifyEntryEvents(events))
	assert.Equal(t, "entry.done", events[3].Type)
	_, err = st.ListEntryEvents(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrEntryNotFound)
}
