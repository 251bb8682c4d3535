// Package transfer defines the transfer process entity family. Like
// negotiations, the actual data movement is a business concern; this
// package describes the lifecycle shape the generic engine drives.
package transfer

import (
	"encoding/json"
	"fmt"

	"github.com/tradelane/dataspace/pkg/entity"
	"github.com/tradelane/dataspace/pkg/query"
	"github.com/tradelane/dataspace/pkg/store"
)

// Transfer process state codes. TERMINATED absorbs fatal failures.
const (
	StateInitial        = 100
	StateProvisioning   = 200
	StateProvisioned    = 300
	StateRequesting     = 400
	StateRequested      = 500
	StateStarting       = 600
	StateStarted        = 700
	StateCompleting     = 800
	StateCompleted      = 900
	StateDeprovisioning = 1000
	StateDeprovisioned  = 1100
	StateTerminated     = 1300
)

// States is the transfer family's state set.
var States = entity.StateSet{
	Family:    "transferprocess",
	Initial:   StateInitial,
	ErrorCode: StateTerminated,
	Terminal:  []int{StateCompleted, StateDeprovisioned, StateTerminated},
	Names: map[int]string{
		StateInitial:        "INITIAL",
		StateProvisioning:   "PROVISIONING",
		StateProvisioned:    "PROVISIONED",
		StateRequesting:     "REQUESTING",
		StateRequested:      "REQUESTED",
		StateStarting:       "STARTING",
		StateStarted:        "STARTED",
		StateCompleting:     "COMPLETING",
		StateCompleted:      "COMPLETED",
		StateDeprovisioning: "DEPROVISIONING",
		StateDeprovisioned:  "DEPROVISIONED",
		StateTerminated:     "TERMINATED",
	},
}

// DataRequest identifies what is being transferred where.
type DataRequest struct {
	AssetID          string `json:"assetId"`
	ContractID       string `json:"contractId"`
	ConnectorAddress string `json:"connectorAddress"`
	DestinationType  string `json:"destinationType,omitempty"`
}

// Payload is the transfer process business document.
type Payload struct {
	DataRequest DataRequest     `json:"dataRequest"`
	DataAddress json.RawMessage `json:"dataAddress,omitempty"`
}

// Definition returns the persistence shape for transfer processes.
func Definition() store.Definition {
	mapping := store.BaseMapping().
		Nested("dataRequest", query.NewMapping().
			Scalar("assetId", "asset_id").
			Scalar("contractId", "contract_id")).
		JSON("dataAddress", "payload", "dataAddress")

	return store.Definition{
		Table:   "edc_transfer_process",
		States:  States,
		Mapping: mapping,
		Extra: []store.ExtraColumn{
			{Name: "asset_id", Type: "TEXT"},
			{Name: "contract_id", Type: "TEXT"},
		},
		Project: project,
	}
}

func project(rec *entity.Record) (map[string]any, error) {
	var payload Payload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return nil, fmt.Errorf("corrupt transfer payload on %s: %w", rec.ID, err)
		}
	}
	return map[string]any{
		"asset_id":    payload.DataRequest.AssetID,
		"contract_id": payload.DataRequest.ContractID,
	}, nil
}
