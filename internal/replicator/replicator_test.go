package replicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskreplica/internal/cluster"
	"riskreplica/internal/model"
	"riskreplica/internal/rerr"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/store"
	"riskreplica/internal/wire"
)

type fakeAlertSink struct {
	notified []model.RiskReport
}

func (f *fakeAlertSink) Notify(ctx context.Context, r model.RiskReport) error {
	f.notified = append(f.notified, r)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(tier model.Tier) model.RiskReport {
	return model.RiskReport{
		PatientID:        "p001",
		Timestamp:        1700000000,
		Age:              70,
		SerumSodium:      130,
		SerumCreatinine:  1.4,
		EjectionFraction: 35,
		Day:              2,
		Probability:      0.81,
		Tier:             tier,
	}
}

func TestHandleWrite_StandaloneLeaderCommitsWithoutFollowers(t *testing.T) {
	membership := cluster.New(1, []cluster.Node{{ID: 1, Address: "self"}})
	membership.BecomeLeader()
	s := openTestStore(t)
	alerts := &fakeAlertSink{}
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, alerts, zap.NewNop(), time.Second)

	alertSent, err := r.HandleWrite(context.Background(), sampleReport(model.TierAmber))
	require.NoError(t, err)
	assert.False(t, alertSent)

	reports, err := s.ListByPatient(context.Background(), "p001", 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestHandleWrite_RejectsGreenTier(t *testing.T) {
	membership := cluster.New(1, []cluster.Node{{ID: 1, Address: "self"}})
	membership.BecomeLeader()
	s := openTestStore(t)
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, &fakeAlertSink{}, zap.NewNop(), time.Second)

	_, err := r.HandleWrite(context.Background(), sampleReport(model.TierGreen))
	require.ErrorIs(t, err, rerr.ErrInvalidTier)
}

func TestHandleWrite_RedTierNotifiesAlertSinkAndMarksSent(t *testing.T) {
	membership := cluster.New(1, []cluster.Node{{ID: 1, Address: "self"}})
	membership.BecomeLeader()
	s := openTestStore(t)
	alerts := &fakeAlertSink{}
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, alerts, zap.NewNop(), time.Second)

	alertSent, err := r.HandleWrite(context.Background(), sampleReport(model.TierRed))
	require.NoError(t, err)
	assert.True(t, alertSent)
	assert.Len(t, alerts.notified, 1)

	reports, err := s.ListByPatient(context.Background(), "p001", 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].AlertSent)
}

func TestHandleWrite_WithPeersRequiresAtLeastOneAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.Response{Success: true})
	}))
	defer srv.Close()

	membership := cluster.New(1, []cluster.Node{
		{ID: 1, Address: "self"},
		{ID: 2, Address: srv.URL},
	})
	membership.BecomeLeader()
	s := openTestStore(t)
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, &fakeAlertSink{}, zap.NewNop(), time.Second)

	_, err := r.HandleWrite(context.Background(), sampleReport(model.TierAmber))
	require.NoError(t, err)
}

func TestHandleWrite_FailsWhenNoFollowerAcks(t *testing.T) {
	membership := cluster.New(1, []cluster.Node{
		{ID: 1, Address: "self"},
		{ID: 2, Address: "http://127.0.0.1:1"},
	})
	membership.BecomeLeader()
	s := openTestStore(t)
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, &fakeAlertSink{}, zap.NewNop(), 200*time.Millisecond)

	_, err := r.HandleWrite(context.Background(), sampleReport(model.TierAmber))
	assert.Error(t, err)
}

func TestHandleWrite_StrictMajorityRequiresMoreThanOneAck(t *testing.T) {
	ackingSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.Response{Success: true})
	}))
	defer ackingSrv.Close()

	membership := cluster.New(1, []cluster.Node{
		{ID: 1, Address: "self"},
		{ID: 2, Address: ackingSrv.URL},
		{ID: 3, Address: "http://127.0.0.1:1"},
		{ID: 4, Address: "http://127.0.0.1:1"},
	})
	membership.BecomeLeader()
	s := openTestStore(t)
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, &fakeAlertSink{}, zap.NewNop(), 200*time.Millisecond)
	r.SetQuorumPolicy(StrictMajority)

	_, err := r.HandleWrite(context.Background(), sampleReport(model.TierAmber))
	assert.ErrorIs(t, err, rerr.ErrStorageFailed)
}

func TestApplyOperation_RiskReportIsIdempotent(t *testing.T) {
	membership := cluster.New(2, []cluster.Node{{ID: 2, Address: "self"}})
	s := openTestStore(t)
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, &fakeAlertSink{}, zap.NewNop(), time.Second)

	op, err := wire.NewRiskReportOperation(sampleReport(model.TierAmber))
	require.NoError(t, err)

	require.NoError(t, r.ApplyOperation(context.Background(), op))
	require.NoError(t, r.ApplyOperation(context.Background(), op))

	reports, err := s.ListByPatient(context.Background(), "p001", 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestApplyOperation_MembershipUpdateReplacesView(t *testing.T) {
	membership := cluster.New(2, []cluster.Node{{ID: 2, Address: "self"}})
	s := openTestStore(t)
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, &fakeAlertSink{}, zap.NewNop(), time.Second)

	op, err := wire.NewMembershipUpdateOperation([]cluster.Node{
		{ID: 2, Address: "self"},
		{ID: 3, Address: "peer3"},
	}, "peer3")
	require.NoError(t, err)

	require.NoError(t, r.ApplyOperation(context.Background(), op))
	assert.Len(t, membership.All(), 2)
	assert.Equal(t, "peer3", membership.CurrentLeader())
}

func TestApplyOperation_UnknownTypeIsMalformed(t *testing.T) {
	membership := cluster.New(2, []cluster.Node{{ID: 2, Address: "self"}})
	s := openTestStore(t)
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	r := New(s, membership, dial, &fakeAlertSink{}, zap.NewNop(), time.Second)

	err := r.ApplyOperation(context.Background(), wire.ReplicateOperationRequest{OperationType: "bogus"})
	assert.ErrorIs(t, err, rerr.ErrMalformedInput)
}
