// Package negotiation defines the contract negotiation entity family: its
// state enumeration, persistence shape and delete guard. The protocol
// message exchange that drives the transitions lives in the business layer;
// this package only describes the lifecycle the generic engine operates on.
package negotiation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tradelane/dataspace/pkg/entity"
	"github.com/tradelane/dataspace/pkg/persistence"
	"github.com/tradelane/dataspace/pkg/query"
	"github.com/tradelane/dataspace/pkg/store"
)

// Negotiation state codes. Codes grow with lifecycle progress so priority
// ordering can follow them. TERMINATED absorbs fatal failures; the
// ErrorDetail column carries the reason.
const (
	StateInitial    = 50
	StateRequesting = 100
	StateRequested  = 200
	StateOffering   = 300
	StateOffered    = 400
	StateAccepting  = 500
	StateAccepted   = 600
	StateAgreeing   = 700
	StateAgreed     = 800
	StateVerifying  = 900
	StateVerified   = 1000
	StateFinalizing = 1100
	StateFinalized  = 1200
	StateTerminated = 1400
)

// States is the negotiation family's state set.
var States = entity.StateSet{
	Family:    "negotiation",
	Initial:   StateInitial,
	ErrorCode: StateTerminated,
	Terminal:  []int{StateFinalized, StateTerminated},
	Names: map[int]string{
		StateInitial:    "INITIAL",
		StateRequesting: "REQUESTING",
		StateRequested:  "REQUESTED",
		StateOffering:   "OFFERING",
		StateOffered:    "OFFERED",
		StateAccepting:  "ACCEPTING",
		StateAccepted:   "ACCEPTED",
		StateAgreeing:   "AGREEING",
		StateAgreed:     "AGREED",
		StateVerifying:  "VERIFYING",
		StateVerified:   "VERIFIED",
		StateFinalizing: "FINALIZING",
		StateFinalized:  "FINALIZED",
		StateTerminated: "TERMINATED",
	},
}

// Payload is the negotiation's business document. The engine treats it as
// opaque; this package parses it for projections and the delete guard.
type Payload struct {
	CounterPartyID      string `json:"counterPartyId"`
	CounterPartyAddress string `json:"counterPartyAddress"`
	Protocol            string `json:"protocol"`
	CorrelationID       string `json:"correlationId,omitempty"`
	// AgreementID is set once the counterparty countersigned. A
	// negotiation holding an agreement must stay queryable and can no
	// longer be deleted.
	AgreementID string `json:"agreementId,omitempty"`
}

// Definition returns the persistence shape for negotiations. The
// counterparty, protocol and agreement id are projected into their own
// columns so API filters hit indexes instead of JSON extraction.
func Definition() store.Definition {
	mapping := store.BaseMapping().
		Scalar("counterPartyId", "counterparty_id").
		Scalar("protocol", "protocol").
		Nested("agreement", query.NewMapping().Scalar("id", "agreement_id"))

	return store.Definition{
		Table:   "edc_contract_negotiation",
		States:  States,
		Mapping: mapping,
		Extra: []store.ExtraColumn{
			{Name: "counterparty_id", Type: "TEXT"},
			{Name: "protocol", Type: "TEXT"},
			{Name: "agreement_id", Type: "TEXT"},
		},
		Project:     project,
		DeleteGuard: deleteGuard,
	}
}

func project(rec *entity.Record) (map[string]any, error) {
	payload, err := parsePayload(rec)
	if err != nil {
		return nil, err
	}
	extras := map[string]any{
		"counterparty_id": payload.CounterPartyID,
		"protocol":        payload.Protocol,
		"agreement_id":    nil,
	}
	if payload.AgreementID != "" {
		extras["agreement_id"] = payload.AgreementID
	}
	return extras, nil
}

// deleteGuard blocks deletion of a negotiation that already produced a
// signed agreement: the agreement references it.
func deleteGuard(_ context.Context, rec *entity.Record) error {
	payload, err := parsePayload(rec)
	if err != nil {
		return err
	}
	if payload.AgreementID != "" {
		return fmt.Errorf("negotiation %s holds agreement %s: %w",
			rec.ID, payload.AgreementID, persistence.ErrConflict)
	}
	return nil
}

func parsePayload(rec *entity.Record) (Payload, error) {
	var payload Payload
	if len(rec.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return payload, fmt.Errorf("corrupt negotiation payload on %s: %w", rec.ID, err)
	}
	return payload, nil
}
