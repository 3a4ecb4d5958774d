package queue

import (
	"errors"

	"qms/queue-sync/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid queue transition")
	ErrCounterBusy       = errors.New("counter already serving an entry")
)

// Change is one planned status (and optionally counter) change of an entry.
type Change struct {
	EntryID   string
	From      string
	To        string
	CounterID string
}

// Plan is the full set of changes one queue action makes. Subject is the entry
// the caller asked about (the newly served, recalled or moved entry); it is
// empty when the action found nothing to act on.
type Plan struct {
	Action  string
	Subject string
	Changes []Change
}

func (p Plan) Empty() bool {
	return len(p.Changes) == 0
}

// PlanServeNext completes whatever the counter is serving and serves the
// lowest-numbered waiting or next entry.
func PlanServeNext(entries []models.QueueEntry, counterID string) Plan {
	plan := Plan{Action: ActionServe}
	if current, ok := NowServing(entries, counterID); ok {
		plan.Changes = append(plan.Changes, Change{EntryID: current.ID, From: current.Status, To: models.StatusDone})
	}
	if candidate, ok := NextCandidate(entries, counterID); ok {
		plan.Subject = candidate.ID
		plan.Changes = append(plan.Changes, Change{EntryID: candidate.ID, From: candidate.Status, To: models.StatusNowServing})
	}
	return plan
}

// PlanSkip skips target. When target was being served, the next candidate at
// the same counter is served in its place; with no candidate the counter is
// left idle.
func PlanSkip(entries []models.QueueEntry, target models.QueueEntry) (Plan, error) {
	if !ValidTransition(ActionSkip, target.Status) {
		return Plan{}, ErrInvalidTransition
	}
	plan := Plan{
		Action:  ActionSkip,
		Subject: target.ID,
		Changes: []Change{{EntryID: target.ID, From: target.Status, To: models.StatusSkipped}},
	}
	if target.Status != models.StatusNowServing || target.CounterID == nil {
		return plan, nil
	}
	remaining := make([]models.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.ID != target.ID {
			remaining = append(remaining, entry)
		}
	}
	if candidate, ok := NextCandidate(remaining, *target.CounterID); ok {
		plan.Changes = append(plan.Changes, Change{EntryID: candidate.ID, From: candidate.Status, To: models.StatusNowServing})
	}
	return plan, nil
}

// PlanRecall returns the earliest-skipped entry at the counter to waiting.
func PlanRecall(entries []models.QueueEntry, counterID string) Plan {
	plan := Plan{Action: ActionRecall}
	if skipped, ok := EarliestSkipped(entries, counterID); ok {
		plan.Subject = skipped.ID
		plan.Changes = []Change{{EntryID: skipped.ID, From: skipped.Status, To: models.StatusWaiting}}
	}
	return plan
}

// PlanPromote marks the lowest-numbered waiting entry as next unless the
// counter already has one.
func PlanPromote(entries []models.QueueEntry, counterID string) Plan {
	plan := Plan{Action: ActionPromote}
	var best models.QueueEntry
	found := false
	for _, entry := range entries {
		if !entry.AtCounter(counterID) {
			continue
		}
		if entry.Status == models.StatusNext {
			return plan
		}
		if entry.Status == models.StatusWaiting && (!found || Less(entry, best)) {
			best = entry
			found = true
		}
	}
	if found {
		plan.Subject = best.ID
		plan.Changes = []Change{{EntryID: best.ID, From: best.Status, To: models.StatusNext}}
	}
	return plan
}

// PlanMove reassigns entry to targetCounterID with targetStatus. targetEntries
// is the current snapshot of the target counter.
func PlanMove(entry models.QueueEntry, targetEntries []models.QueueEntry, targetCounterID, targetStatus string) (Plan, error) {
	if !ValidMove(entry.Status, targetStatus) {
		return Plan{}, ErrInvalidTransition
	}
	if targetStatus == models.StatusNowServing {
		if current, ok := NowServing(targetEntries, targetCounterID); ok && current.ID != entry.ID {
			return Plan{}, ErrCounterBusy
		}
	}
	return Plan{
		Action:  ActionMove,
		Subject: entry.ID,
		Changes: []Change{{EntryID: entry.ID, From: entry.Status, To: targetStatus, CounterID: targetCounterID}},
	}, nil
}

// Apply returns a copy of entries with plan applied in memory.
func Apply(entries []models.QueueEntry, plan Plan) []models.QueueEntry {
	out := make([]models.QueueEntry, len(entries))
	index := make(map[string]int, len(entries))
	for i, entry := range entries {
		out[i] = entry.Clone()
		index[entry.ID] = i
	}
	for _, change := range plan.Changes {
		i, ok := index[change.EntryID]
		if !ok {
			continue
		}
		out[i].Status = change.To
		if change.CounterID != "" {
			out[i].CounterID = models.StringPtr(change.CounterID)
		}
	}
	return out
}

// ServingCounts counts now_serving entries per counter.
func ServingCounts(entries []models.QueueEntry) map[string]int {
	counts := make(map[string]int)
	for _, entry := range entries {
		if entry.Status == models.StatusNowServing && entry.CounterID != nil {
			counts[*entry.CounterID]++
		}
	}
	return counts
}
