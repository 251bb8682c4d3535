// Package entity defines the persisted lifecycle record shared by every
// stateful business object (contract negotiations, transfer processes).
// The core never inspects the business payload; it only advances the
// lifecycle columns under lease protection.
package entity

import (
	"encoding/json"
	"time"
)

// Record is one persisted work item. StateCode comes from the owning
// family's StateSet; Payload is an opaque business document.
type Record struct {
	ID             string
	StateCode      int
	StateCount     int
	StateTimestamp int64 // epoch millis of the last transition or retry
	ErrorDetail    string
	Pending        bool
	TraceContext   map[string]string
	LeaseID        string // empty when unleased
	CreatedAt      int64
	UpdatedAt      int64
	Payload        json.RawMessage
}

// Clock is the time source used for state timestamps. Tests override it.
type Clock func() time.Time

// TransitionTo moves the record to a new state, resetting the failure
// counter and clearing any stale error detail. Re-entering the current
// state only refreshes the timestamp.
func (r *Record) TransitionTo(code int, now Clock) {
	if code != r.StateCode {
		r.StateCode = code
		r.StateCount = 0
		r.ErrorDetail = ""
	}
	r.StateTimestamp = now().UnixMilli()
}

// RegisterFailure records one failed attempt to leave the current state.
// The counter and timestamp are monotonic within a state.
func (r *Record) RegisterFailure(detail string, now Clock) {
	r.StateCount++
	r.StateTimestamp = now().UnixMilli()
	r.ErrorDetail = detail
}

// MarkPending flags the record as awaiting an asynchronous external
// response. Pending records are excluded from polling until cleared.
func (r *Record) MarkPending(now Clock) {
	r.Pending = true
	r.StateTimestamp = now().UnixMilli()
}
