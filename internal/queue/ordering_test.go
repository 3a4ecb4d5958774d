package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"qms/queue-sync/internal/models"
)

func TestCompareNumbers(t *testing.T) {
	assert.Equal(t, -1, CompareNumbers("2", "10"))
	assert.Equal(t, 1, CompareNumbers("10", "2"))
	assert.Equal(t, 0, CompareNumbers(" 7", "7"))
	assert.Equal(t, -1, CompareNumbers("99", "A-1"))
	assert.Equal(t, 1, CompareNumbers("A-1", "3"))
	assert.Equal(t, -1, CompareNumbers("A-1", "B-1"))
}

func TestNextCandidateUsesNumericOrder(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	entries := []models.QueueEntry{
		entryAt("a", "10", models.StatusWaiting, "c1", base),
		entryAt("b", "9", models.StatusNext, "c1", base.Add(time.Minute)),
		entryAt("c", "1", models.StatusWaiting, "c2", base),
		entryAt("d", "X", models.StatusWaiting, "c1", base.Add(-time.Hour)),
		entryAt("e", "2", models.StatusSkipped, "c1", base),
	}

	got, ok := NextCandidate(entries, "c1")
	assert.True(t, ok)
	assert.Equal(t, "b", got.ID)

	_, ok = NextCandidate(entries, "c3")
	assert.False(t, ok)
}

func TestNextCandidateRepeatedNumberFallsBackToAdmission(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	entries := []models.QueueEntry{
		entryAt("late", "4", models.StatusWaiting, "c1", base.Add(time.Hour)),
		entryAt("early", "4", models.StatusWaiting, "c1", base),
	}

	got, ok := NextCandidate(entries, "c1")
	assert.True(t, ok)
	assert.Equal(t, "early", got.ID)
}

func TestEarliestSkippedIsFIFO(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	first := base.Add(time.Minute)
	second := base.Add(2 * time.Minute)
	a := entryAt("a", "1", models.StatusSkipped, "c1", base)
	a.SkippedAt = &second
	b := entryAt("b", "5", models.StatusSkipped, "c1", base)
	b.SkippedAt = &first

	got, ok := EarliestSkipped([]models.QueueEntry{a, b}, "c1")
	assert.True(t, ok)
	assert.Equal(t, "b", got.ID)
}

func entryAt(id, number, status, counterID string, createdAt time.Time) models.QueueEntry {
	return models.QueueEntry{
		ID:         id,
		Number:     number,
		Status:     status,
		CounterID:  models.StringPtr(counterID),
		FacilityID: "f1",
		CreatedAt:  createdAt,
	}
}
