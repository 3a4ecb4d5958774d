package bus

import (
	"errors"
	"sync"
	"time"

	"qms/queue-sync/internal/metrics"
	"qms/queue-sync/internal/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Outcome is what the reconciler did with one input.
type Outcome string

const (
	// OutcomeConfirmed: first match of an in-flight move.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeApplied: someone else's change, applied as a refresh.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate is a DuplicateNotification: already applied, discarded.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored: nothing to do (unknown operation, malformed message).
	OutcomeIgnored Outcome = "ignored"
)

const (
	DefaultDedupWindow = 30 * time.Second
	defaultDedupSize   = 4096
)

var (
	ErrMoveInFlight     = errors.New("a move for this queue entry is already in flight")
	ErrInvalidOperation = errors.New("move operation requires id and queue id")
)

// Change is handed to OnQueueChanged. Entry is nil when the notification
// shape carries no entry snapshot.
type Change struct {
	ChangeID   string
	QueueID    string
	FacilityID string
	CounterID  string
	Status     string
	Entry      *models.QueueEntry
	Source     string
	Own        bool
}

type ReconcilerConfig struct {
	DedupWindow     time.Duration
	DedupSize       int
	OnQueueChanged  func(Change)
	OnMoveConfirmed func(models.MoveOperation, Change)
	// OnBusEcho fires once per own move, on the first copy of it that arrives
	// over a channel, whether that copy confirmed the move or trailed the
	// mutation response.
	OnBusEcho       func(models.MoveOperation, Change)
}

// Reconciler applies every logical change exactly once no matter how many
// copies arrive or in which order the mutation response and the bus deliver
// them. It is safe for concurrent use; callbacks run outside its lock.
type Reconciler struct {
	cfg ReconcilerConfig

	mu        sync.Mutex
	inFlight  map[string]models.MoveOperation
	confirmed *expirable.LRU[string, models.MoveOperation]
	seen      *expirable.LRU[string, struct{}]
	echoed    *expirable.LRU[string, struct{}]
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaultDedupSize
	}
	return &Reconciler{
		cfg:       cfg,
		inFlight:  make(map[string]models.MoveOperation),
		confirmed: expirable.NewLRU[string, models.MoveOperation](cfg.DedupSize, nil, cfg.DedupWindow),
		seen:      expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupWindow),
		echoed:    expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupWindow),
	}
}

// Begin registers op before its mutation is sent.
func (r *Reconciler) Begin(op models.MoveOperation) error {
	if op.ID == "" || op.QueueID == "" {
		return ErrInvalidOperation
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.inFlight {
		if existing.QueueID == op.QueueID {
			return ErrMoveInFlight
		}
	}
	r.inFlight[op.ID] = op
	return nil
}

// Abort forgets an operation whose mutation failed. Nothing is applied.
func (r *Reconciler) Abort(opID string) {
	r.mu.Lock()
	delete(r.inFlight, opID)
	r.mu.Unlock()
}

// InFlight reports whether any move is awaiting confirmation.
func (r *Reconciler) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight) > 0
}

// Complete records the mutation response for opID.
func (r *Reconciler) Complete(opID string, entry models.QueueEntry) Outcome {
	r.mu.Lock()
	op, ok := r.inFlight[opID]
	if !ok {
		_, done := r.confirmed.Peek(opID)
		r.mu.Unlock()
		if done {
			return r.record(OutcomeDuplicate)
		}
		return r.record(OutcomeIgnored)
	}
	r.confirmLocked(op)
	r.mu.Unlock()

	snapshot := entry.Clone()
	change := Change{
		ChangeID:   op.ID,
		QueueID:    entry.ID,
		FacilityID: entry.FacilityID,
		CounterID:  entry.Counter(),
		Status:     entry.Status,
		Entry:      &snapshot,
		Source:     "mutation",
		Own:        true,
	}
	r.fire(&op, change)
	return r.record(OutcomeConfirmed)
}

// Deliver reconciles one inbound notification. A change id is only marked
// seen once a copy of it has been confirmed or applied, so an ignored copy
// never shadows a later one that carries the entry.
func (r *Reconciler) Deliver(n Notification) Outcome {
	r.mu.Lock()
	if n.ChangeID != "" && r.seen.Contains(n.ChangeID) {
		op, own := r.confirmed.Peek(n.ChangeID)
		echo := own && r.echoLocked(op.ID)
		r.mu.Unlock()
		if echo {
			r.fireEcho(op, changeFrom(n, op))
		}
		return r.record(OutcomeDuplicate)
	}
	for _, op := range r.inFlight {
		if !matches(op, n) {
			continue
		}
		r.confirmLocked(op)
		r.echoLocked(op.ID)
		r.mu.Unlock()
		change := changeFrom(n, op)
		r.fire(&op, change)
		r.fireEcho(op, change)
		return r.record(OutcomeConfirmed)
	}
	if n.ChangeID == "" {
		for _, op := range r.confirmed.Values() {
			if matches(op, n) {
				echo := r.echoLocked(op.ID)
				r.mu.Unlock()
				if echo {
					r.fireEcho(op, changeFrom(n, op))
				}
				return r.record(OutcomeDuplicate)
			}
		}
	}
	if n.QueueID == "" && n.Entry == nil && !n.Key().Valid() {
		r.mu.Unlock()
		return r.record(OutcomeIgnored)
	}
	if n.ChangeID != "" {
		r.seen.Add(n.ChangeID, struct{}{})
	}
	r.mu.Unlock()

	r.fire(nil, changeFrom(n, models.MoveOperation{}))
	return r.record(OutcomeApplied)
}

func (r *Reconciler) confirmLocked(op models.MoveOperation) {
	delete(r.inFlight, op.ID)
	r.confirmed.Add(op.ID, op)
	r.seen.Add(op.ID, struct{}{})
}

// echoLocked reports whether opID has not been echoed yet and marks it.
func (r *Reconciler) echoLocked(opID string) bool {
	if r.echoed.Contains(opID) {
		return false
	}
	r.echoed.Add(opID, struct{}{})
	return true
}

func (r *Reconciler) fireEcho(op models.MoveOperation, change Change) {
	if r.cfg.OnBusEcho != nil {
		r.cfg.OnBusEcho(op, change)
	}
}

func (r *Reconciler) fire(op *models.MoveOperation, change Change) {
	if op != nil && r.cfg.OnMoveConfirmed != nil {
		r.cfg.OnMoveConfirmed(*op, change)
	}
	if r.cfg.OnQueueChanged != nil {
		r.cfg.OnQueueChanged(change)
	}
}

func (r *Reconciler) record(outcome Outcome) Outcome {
	metrics.RecordNotification(string(outcome))
	return outcome
}

// matches applies the correlation rules: a change id, when present, decides
// on its own; otherwise queue id, then the patient/counter fallback key.
func matches(op models.MoveOperation, n Notification) bool {
	if n.ChangeID != "" {
		return n.ChangeID == op.ID
	}
	if n.QueueID != "" {
		return n.QueueID == op.QueueID
	}
	key := n.Key()
	return key.Valid() && key == OperationKey(op)
}

func changeFrom(n Notification, op models.MoveOperation) Change {
	change := Change{
		ChangeID:   n.ChangeID,
		QueueID:    n.QueueID,
		FacilityID: n.FacilityID,
		CounterID:  n.CounterID,
		Status:     n.Status,
		Source:     n.Channel,
		Own:        op.ID != "",
	}
	if n.Entry != nil {
		snapshot := n.Entry.Clone()
		change.Entry = &snapshot
	}
	if change.QueueID == "" {
		change.QueueID = op.QueueID
	}
	if change.CounterID == "" {
		change.CounterID = op.TargetCounterID
	}
	if change.Status == "" {
		change.Status = op.TargetStatus
	}
	return change
}
