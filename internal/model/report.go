// Package model defines the data shape replicated across the cluster: a
// risk report submitted by a client and persisted on every live replica.
package model

import (
	"fmt"
	"math"

	"riskreplica/internal/rerr"
)

// Tier is the severity label stamped on a report by the client. GREEN
// reports never reach the store; AMBER and RED are persisted and RED
// additionally triggers the AlertSink.
type Tier string

const (
	TierGreen Tier = "GREEN"
	TierAmber Tier = "AMBER"
	TierRed   Tier = "RED"
)

// RiskReport is the only replicated entity in the system. LocalID is
// assigned by each replica's own Store and is never meaningful across
// replicas — it must never be put on the wire as an identifier.
type RiskReport struct {
	LocalID          int64   `json:"-"`
	PatientID        string  `json:"patient_id"`
	Timestamp        int64   `json:"timestamp"`
	Age              float64 `json:"age"`
	SerumSodium      float64 `json:"serum_sodium"`
	SerumCreatinine  float64 `json:"serum_creatinine"`
	EjectionFraction float64 `json:"ejection_fraction"`
	Day              int64   `json:"day"`
	Probability      float64 `json:"probability"`
	Tier             Tier    `json:"tier"`
	AlertSent        bool    `json:"alert_sent"`
}

// Validate checks the invariants spec.md §3 places on a report before it
// is ever handed to a Store: non-empty patient ID, positive timestamp,
// finite reals, a probability in [0,1], a non-negative day, and a Tier
// that is one of GREEN, AMBER or RED. It does not reject GREEN — tier
// acceptance is the Replicator's job, not the model's, because GREEN is
// a valid Tier value, just not a storable one.
func (r RiskReport) Validate() error {
	if r.PatientID == "" {
		return errMalformed("patient_id is empty")
	}
	if r.Timestamp <= 0 {
		return errMalformed("timestamp must be positive")
	}
	if r.Day < 0 {
		return errMalformed("day must be non-negative")
	}
	for name, v := range map[string]float64{
		"age":               r.Age,
		"serum_sodium":      r.SerumSodium,
		"serum_creatinine":  r.SerumCreatinine,
		"ejection_fraction": r.EjectionFraction,
		"probability":       r.Probability,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errMalformed(name + " is not finite")
		}
	}
	if r.Probability < 0 || r.Probability > 1 {
		return errMalformed("probability out of [0,1]")
	}
	switch r.Tier {
	case TierGreen, TierAmber, TierRed:
	default:
		return errMalformed("unrecognized tier " + string(r.Tier))
	}
	return nil
}

func errMalformed(reason string) error {
	return fmt.Errorf("%s: %w", reason, rerr.ErrMalformedInput)
}
