// Package wire holds the single typed request/response schema of
// spec.md §4.2/§6, shared across client, replication, and coordination
// traffic. It has no server- or client-side logic of its own so that both
// the gin router (internal/transport) and the outbound RPC client
// (internal/rpcclient) can depend on it without creating an import cycle.
package wire

import (
	"encoding/json"
	"fmt"

	"riskreplica/internal/cluster"
	"riskreplica/internal/model"
)

// ReportWire is the wire shape of a RiskReport from spec.md §6: the five
// input reals travel as a positional array rather than named fields.
type ReportWire struct {
	PatientID   string     `json:"patient_id"`
	Timestamp   int64      `json:"timestamp"`
	Inputs      [5]float64 `json:"inputs"`
	Probability float64    `json:"probability"`
	Tier        string     `json:"tier"`
}

// index positions within Inputs, named for readability at call sites.
const (
	inputAge              = 0
	inputSerumSodium      = 1
	inputSerumCreatinine  = 2
	inputEjectionFraction = 3
	inputDay              = 4
)

// ToModel converts the wire shape into the internal RiskReport type.
func (w ReportWire) ToModel() model.RiskReport {
	return model.RiskReport{
		PatientID:        w.PatientID,
		Timestamp:        w.Timestamp,
		Age:              w.Inputs[inputAge],
		SerumSodium:      w.Inputs[inputSerumSodium],
		SerumCreatinine:  w.Inputs[inputSerumCreatinine],
		EjectionFraction: w.Inputs[inputEjectionFraction],
		Day:              int64(w.Inputs[inputDay]),
		Probability:      w.Probability,
		Tier:             model.Tier(w.Tier),
	}
}

// ReportFromModel converts an internal RiskReport to its wire shape.
func ReportFromModel(r model.RiskReport) ReportWire {
	return ReportWire{
		PatientID: r.PatientID,
		Timestamp: r.Timestamp,
		Inputs: [5]float64{
			inputAge:              r.Age,
			inputSerumSodium:      r.SerumSodium,
			inputSerumCreatinine:  r.SerumCreatinine,
			inputEjectionFraction: r.EjectionFraction,
			inputDay:              float64(r.Day),
		},
		Probability: r.Probability,
		Tier:        string(r.Tier),
	}
}

// Response is the common response envelope of spec.md §6.
type Response struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	AlertSent     *bool  `json:"alert_sent,omitempty"`
	LeaderAddress string `json:"leader_address,omitempty"`
}

// ListReportsResponse carries the result of ListRiskReports.
type ListReportsResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Reports []ReportWire `json:"reports"`
}

// LeaderInfoResponse is the reply to GetLeaderInfo: the believed leader
// address plus the responding replica's membership view, used by
// clients for discovery.
type LeaderInfoResponse struct {
	Success       bool           `json:"success"`
	LeaderAddress string         `json:"leader_address,omitempty"`
	SelfID        int            `json:"self_id"`
	Nodes         []cluster.Node `json:"nodes"`
}

// HeartbeatRequest is sent leader -> follower (spec.md §4.2/§4.4).
type HeartbeatRequest struct {
	LeaderID      int    `json:"leader_id"`
	LeaderAddress string `json:"leader_address"`
	Term          int    `json:"term"`
	Timestamp     int64  `json:"ts"`
}

// ElectionRequest is sent follower -> peers (spec.md §4.2/§4.5).
type ElectionRequest struct {
	CandidateID int `json:"candidate_id"`
}

// ElectionResponse always grants the vote unconditionally per spec.md
// §4.5 step 4 — the protocol's real decision is "who responded," not vote
// counting.
type ElectionResponse struct {
	VoteGranted bool `json:"vote_granted"`
	Term        int  `json:"term"`
}

// Replication operation type discriminators (spec.md §4.6/§6).
const (
	OpRiskReport       = "risk_report"
	OpMembershipUpdate = "membership_update"
)

// ReplicateOperationRequest is the tagged-variant-over-the-wire envelope
// of spec.md §6/§9: op_type plus a JSON-encoded body, kept as a string
// for forward compatibility the way spec.md asks for explicitly.
type ReplicateOperationRequest struct {
	OperationType string `json:"operation_type"`
	Data          string `json:"data"`
}

// MembershipUpdatePayload is the decoded body of an OpMembershipUpdate
// replication operation.
type MembershipUpdatePayload struct {
	Nodes         []cluster.Node `json:"nodes"`
	LeaderAddress string         `json:"leader_address"`
}

// NewRiskReportOperation builds the envelope for replicating a write.
func NewRiskReportOperation(r model.RiskReport) (ReplicateOperationRequest, error) {
	data, err := json.Marshal(ReportFromModel(r))
	if err != nil {
		return ReplicateOperationRequest{}, fmt.Errorf("marshal risk report: %w", err)
	}
	return ReplicateOperationRequest{OperationType: OpRiskReport, Data: string(data)}, nil
}

// NewMembershipUpdateOperation builds the envelope for broadcasting a
// membership change.
func NewMembershipUpdateOperation(nodes []cluster.Node, leaderAddress string) (ReplicateOperationRequest, error) {
	data, err := json.Marshal(MembershipUpdatePayload{Nodes: nodes, LeaderAddress: leaderAddress})
	if err != nil {
		return ReplicateOperationRequest{}, fmt.Errorf("marshal membership update: %w", err)
	}
	return ReplicateOperationRequest{OperationType: OpMembershipUpdate, Data: string(data)}, nil
}

// JoinRequest is sent joiner -> leader (spec.md §4.2/§4.7).
type JoinRequest struct {
	NewAddress string `json:"new_address"`
	NewID      int    `json:"new_id"`
}

// JoinResponse carries the full state snapshot back to the joiner. If
// the contacted replica isn't leader, Success is false and
// LeaderAddress (when known) points the joiner at who to retry.
type JoinResponse struct {
	Success       bool         `json:"success"`
	Message       string       `json:"message,omitempty"`
	LeaderAddress string       `json:"leader_address,omitempty"`
	State         []ReportWire `json:"state"`
}
