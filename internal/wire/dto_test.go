package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskreplica/internal/cluster"
	"riskreplica/internal/model"
)

func TestReportWire_RoundTripsThroughModel(t *testing.T) {
	original := model.RiskReport{
		PatientID:        "p1",
		Timestamp:        1700000000,
		Age:              65,
		SerumSodium:      135,
		SerumCreatinine:  1.1,
		EjectionFraction: 45,
		Day:              3,
		Probability:      0.72,
		Tier:             model.TierRed,
	}

	wireForm := ReportFromModel(original)
	back := wireForm.ToModel()

	assert.Equal(t, original.PatientID, back.PatientID)
	assert.Equal(t, original.Timestamp, back.Timestamp)
	assert.Equal(t, original.Age, back.Age)
	assert.Equal(t, original.SerumSodium, back.SerumSodium)
	assert.Equal(t, original.SerumCreatinine, back.SerumCreatinine)
	assert.Equal(t, original.EjectionFraction, back.EjectionFraction)
	assert.Equal(t, original.Day, back.Day)
	assert.Equal(t, original.Probability, back.Probability)
	assert.Equal(t, original.Tier, back.Tier)
}

func TestNewRiskReportOperation_SetsTypeAndData(t *testing.T) {
	report := model.RiskReport{PatientID: "p2", Timestamp: 1, Tier: model.TierAmber}
	op, err := NewRiskReportOperation(report)
	require.NoError(t, err)
	assert.Equal(t, OpRiskReport, op.OperationType)
	assert.NotEmpty(t, op.Data)
}

func TestNewMembershipUpdateOperation_SetsTypeAndData(t *testing.T) {
	nodes := []cluster.Node{{ID: 1, Address: "a"}, {ID: 2, Address: "b"}}
	op, err := NewMembershipUpdateOperation(nodes, "a")
	require.NoError(t, err)
	assert.Equal(t, OpMembershipUpdate, op.OperationType)
	assert.NotEmpty(t, op.Data)
}
