// Package machine runs the generic polling state machine over an entity
// store: select claimable entities, lease each one, invoke the registered
// handler for its state, persist the outcome, release the lease. Business
// semantics live entirely in the handlers; the driver only knows the
// mechanical loop.
package machine

import (
	"context"

	"github.com/tradelane/dataspace/pkg/entity"
)

// Handler processes one claimed entity in a given state and decides its
// fate. Handlers may mutate the record's payload; the driver persists it
// along with the lifecycle columns.
type Handler func(ctx context.Context, rec *entity.Record) Outcome

type outcomeKind int

const (
	kindAdvance outcomeKind = iota
	kindRetry
	kindFatal
	kindPending
)

var outcomeNames = map[outcomeKind]string{
	kindAdvance: "advance",
	kindRetry:   "retry",
	kindFatal:   "fatal",
	kindPending: "pending",
}

// Outcome is a handler's verdict on one processing attempt.
type Outcome struct {
	kind      outcomeKind
	nextState int
	reason    string
}

// Advance moves the entity to a new state, resetting its failure counter.
func Advance(stateCode int) Outcome {
	return Outcome{kind: kindAdvance, nextState: stateCode}
}

// Retry keeps the entity in its state and records one failed attempt. The
// entity becomes claimable again after a stateCount-scaled delay.
func Retry(reason string) Outcome {
	return Outcome{kind: kindRetry, reason: reason}
}

// Fatal forces the entity into its family's error state.
func Fatal(reason string) Outcome {
	return Outcome{kind: kindFatal, reason: reason}
}

// Pending parks the entity until an external event clears the flag.
func Pending() Outcome {
	return Outcome{kind: kindPending}
}

func (o Outcome) String() string { return outcomeNames[o.kind] }
