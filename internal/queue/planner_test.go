package queue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/queue-sync/internal/models"
)

func statusOf(t *testing.T, entries []models.QueueEntry, id string) string {
	t.Helper()
	for _, entry := range entries {
		if entry.ID == id {
			return entry.Status
		}
	}
	t.Fatalf("entry %s not found", id)
	return ""
}

func TestServeNextCompletesCurrentAndServesLowestNumber(t *testing.T) {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	entries := []models.QueueEntry{
		entryAt("A", "3", models.StatusNowServing, "C1", base),
		entryAt("B", "2", models.StatusWaiting, "C1", base.Add(time.Minute)),
		entryAt("C", "1", models.StatusWaiting, "C1", base.Add(2*time.Minute)),
	}

	plan := PlanServeNext(entries, "C1")
	require.Equal(t, "C", plan.Subject)

	after := Apply(entries, plan)
	assert.Equal(t, models.StatusDone, statusOf(t, after, "A"))
	assert.Equal(t, models.StatusNowServing, statusOf(t, after, "C"))
	assert.Equal(t, models.StatusWaiting, statusOf(t, after, "B"))
}

func TestServeNextEmptyQueueStillCompletesCurrent(t *testing.T) {
	entries := []models.QueueEntry{entryAt("A", "1", models.StatusNowServing, "C1", time.Now())}

	plan := PlanServeNext(entries, "C1")
	assert.Empty(t, plan.Subject)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, models.StatusDone, plan.Changes[0].To)
}

func TestSkipServingPromotesNextCandidate(t *testing.T) {
	base := time.Now()
	entries := []models.QueueEntry{
		entryAt("A", "1", models.StatusNowServing, "C1", base),
		entryAt("B", "3", models.StatusWaiting, "C1", base),
		entryAt("C", "2", models.StatusNext, "C1", base),
	}

	plan, err := PlanSkip(entries, entries[0])
	require.NoError(t, err)

	after := Apply(entries, plan)
	assert.Equal(t, models.StatusSkipped, statusOf(t, after, "A"))
	assert.Equal(t, models.StatusNowServing, statusOf(t, after, "C"))
	assert.Equal(t, models.StatusWaiting, statusOf(t, after, "B"))
}

func TestSkipServingWithoutWaitingLeavesCounterIdle(t *testing.T) {
	entries := []models.QueueEntry{entryAt("A", "1", models.StatusNowServing, "C1", time.Now())}

	plan, err := PlanSkip(entries, entries[0])
	require.NoError(t, err)

	after := Apply(entries, plan)
	assert.Equal(t, models.StatusSkipped, statusOf(t, after, "A"))
	assert.Zero(t, ServingCounts(after)["C1"])
}

func TestSkipWaitingDoesNotTouchServing(t *testing.T) {
	base := time.Now()
	entries := []models.QueueEntry{
		entryAt("A", "1", models.StatusNowServing, "C1", base),
		entryAt("B", "2", models.StatusWaiting, "C1", base),
	}

	plan, err := PlanSkip(entries, entries[1])
	require.NoError(t, err)
	assert.Len(t, plan.Changes, 1)
}

func TestSkipDoneIsRejected(t *testing.T) {
	entry := entryAt("A", "1", models.StatusDone, "C1", time.Now())
	_, err := PlanSkip(nil, entry)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecallDoesNotServe(t *testing.T) {
	skippedAt := time.Now()
	entry := entryAt("A", "1", models.StatusSkipped, "C1", time.Now())
	entry.SkippedAt = &skippedAt

	plan := PlanRecall([]models.QueueEntry{entry}, "C1")
	require.Equal(t, "A", plan.Subject)
	assert.Equal(t, models.StatusWaiting, plan.Changes[0].To)

	empty := PlanRecall(nil, "C1")
	assert.True(t, empty.Empty())
}

func TestPromoteKeepsExistingNext(t *testing.T) {
	base := time.Now()
	entries := []models.QueueEntry{
		entryAt("A", "1", models.StatusWaiting, "C1", base),
		entryAt("B", "2", models.StatusNext, "C1", base),
	}
	assert.True(t, PlanPromote(entries, "C1").Empty())

	entries[1].Status = models.StatusWaiting
	plan := PlanPromote(entries, "C1")
	assert.Equal(t, "A", plan.Subject)
}

func TestPlanMove(t *testing.T) {
	base := time.Now()
	serving := entryAt("A", "1", models.StatusNowServing, "C1", base)

	plan, err := PlanMove(serving, nil, "C2", models.StatusWaiting)
	require.NoError(t, err)
	assert.Equal(t, "C2", plan.Changes[0].CounterID)

	busy := []models.QueueEntry{entryAt("X", "4", models.StatusNowServing, "C2", base)}
	_, err = PlanMove(serving, busy, "C2", models.StatusNowServing)
	assert.ErrorIs(t, err, ErrCounterBusy)

	skipped := entryAt("S", "2", models.StatusSkipped, "C1", base)
	_, err = PlanMove(skipped, nil, "C2", models.StatusNowServing)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRandomActionSequencesKeepOneServingPerCounter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	counters := []string{"C1", "C2"}
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	var entries []models.QueueEntry
	for i := 0; i < 12; i++ {
		entries = append(entries, entryAt(string(rune('a'+i)), string(rune('0'+i%10)), models.StatusWaiting, counters[i%2], base.Add(time.Duration(i)*time.Second)))
	}

	for step := 0; step < 500; step++ {
		counter := counters[rng.Intn(len(counters))]
		var plan Plan
		switch rng.Intn(3) {
		case 0:
			plan = PlanServeNext(entries, counter)
		case 1:
			target := entries[rng.Intn(len(entries))]
			p, err := PlanSkip(entries, target)
			if err != nil {
				continue
			}
			plan = p
		default:
			plan = PlanRecall(entries, counter)
		}
		entries = Apply(entries, plan)
		now := base.Add(time.Duration(step) * time.Minute)
		for i := range entries {
			if entries[i].Status == models.StatusSkipped && entries[i].SkippedAt == nil {
				entries[i].SkippedAt = &now
			}
			if entries[i].Status != models.StatusSkipped {
				entries[i].SkippedAt = nil
			}
		}
		for counterID, n := range ServingCounts(entries) {
			require.LessOrEqualf(t, n, 1, "counter %s serving %d entries at step %d", counterID, n, step)
		}
	}
}
