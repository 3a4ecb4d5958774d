package queue

import (
	"sort"
	"strconv"
	"strings"

	"qms/queue-sync/internal/models"
)

// CompareNumbers orders display queue numbers numerically. Numbers that do not
// parse as integers sort after every numeric one and compare lexically among
// themselves.
func CompareNumbers(a, b string) int {
	na, aok := parseNumber(a)
	nb, bok := parseNumber(b)
	switch {
	case aok && bok:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	case aok:
		return -1
	case bok:
		return 1
	default:
		return strings.Compare(strings.TrimSpace(a), strings.TrimSpace(b))
	}
}

// Less is the FIFO order used for serve-next: queue number, then admission
// time, then id so repeated numbers still order deterministically.
func Less(a, b models.QueueEntry) bool {
	if c := CompareNumbers(a.Number, b.Number); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortByNumber sorts entries in place using Less.
func SortByNumber(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

// NextCandidate returns the lowest-numbered waiting or next entry at the counter.
func NextCandidate(entries []models.QueueEntry, counterID string) (models.QueueEntry, bool) {
	var best models.QueueEntry
	found := false
	for _, entry := range entries {
		if !entry.AtCounter(counterID) {
			continue
		}
		if entry.Status != models.StatusWaiting && entry.Status != models.StatusNext {
			continue
		}
		if !found || Less(entry, best) {
			best = entry
			found = true
		}
	}
	return best, found
}

// EarliestSkipped returns the entry skipped first at the counter.
func EarliestSkipped(entries []models.QueueEntry, counterID string) (models.QueueEntry, bool) {
	var best models.QueueEntry
	found := false
	for _, entry := range entries {
		if !entry.AtCounter(counterID) || entry.Status != models.StatusSkipped {
			continue
		}
		if !found || skippedBefore(entry, best) {
			best = entry
			found = true
		}
	}
	return best, found
}

// NowServing returns the entry currently served at the counter.
func NowServing(entries []models.QueueEntry, counterID string) (models.QueueEntry, bool) {
	for _, entry := range entries {
		if entry.AtCounter(counterID) && entry.Status == models.StatusNowServing {
			return entry, true
		}
	}
	return models.QueueEntry{}, false
}

func skippedBefore(a, b models.QueueEntry) bool {
	switch {
	case a.SkippedAt != nil && b.SkippedAt != nil:
		if !a.SkippedAt.Equal(*b.SkippedAt) {
			return a.SkippedAt.Before(*b.SkippedAt)
		}
	case a.SkippedAt != nil:
		return true
	case b.SkippedAt != nil:
		return false
	}
	return Less(a, b)
}

func parseNumber(value string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
