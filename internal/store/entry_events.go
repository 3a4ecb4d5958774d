package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/queue-sync/internal/models"
)

// EntryEvent is one link of an entry's tamper-evident history. Payload is the
// full entry snapshot after the change.
type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextEntryEvent chains a new event after prev (nil for the first event).
func NextEntryEvent(prev *EntryEvent, entry models.QueueEntry, eventType string, createdAt time.Time) (EntryEvent, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return EntryEvent{}, err
	}
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.Seq + 1
		prevHash = prev.Hash
	}
	createdAt = Timestamp(createdAt)
	return EntryEvent{
		EntryID:   entry.ID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeEntryEventHash(prevHash, entry.ID, eventType, payload, createdAt, seq),
	}, nil
}

// VerifyEntryEvents checks sequence numbers and hash links of one entry's history.
func VerifyEntryEvents(events []EntryEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.Seq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.Seq, i)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.Seq)
		}
		want := ComputeEntryEventHash(event.PrevHash, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.Seq)
		if want != event.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.Seq)
		}
		prevHash = event.Hash
	}
	return nil
}

// RehydrateEntry rebuilds the latest entry state from its history.
func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var snapshot models.QueueEntry
		if err := json.Unmarshal(event.Payload, &snapshot); err != nil {
			return models.QueueEntry{}, err
		}
		entry = snapshot
	}
	return entry, nil
}
