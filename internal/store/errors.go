package store

import "errors"

var (
	ErrEntryNotFound      = errors.New("queue entry not found")
	ErrEntryExists        = errors.New("queue entry already exists")
	ErrEntryDone          = errors.New("queue entry already done")
	ErrStatusConflict     = errors.New("queue entry status changed")
	ErrInvalidStatus      = errors.New("invalid queue status")
	ErrCounterNotFound    = errors.New("counter not found")
	ErrCounterUnavailable = errors.New("counter unavailable")
	ErrBrokenChain        = errors.New("entry event chain broken")
)
