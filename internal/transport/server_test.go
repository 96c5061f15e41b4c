package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskreplica/internal/alertsink"
	"riskreplica/internal/clock"
	"riskreplica/internal/cluster"
	"riskreplica/internal/failuredetector"
	"riskreplica/internal/join"
	"riskreplica/internal/replicator"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/store"
	"riskreplica/internal/wire"
)

func newTestHandler(t *testing.T, selfID int, asLeader bool) (*Handler, *cluster.Membership, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	membership := cluster.New(selfID, []cluster.Node{{ID: selfID, Address: "self"}})
	if asLeader {
		membership.BecomeLeader()
	}

	logger := zap.NewNop()
	dial := func(addr string) *rpcclient.Client { return rpcclient.New(addr) }
	detector := failuredetector.New(membership, clock.Real{}, dial, logger, time.Second, 5*time.Second)
	repl := replicator.New(s, membership, dial, alertsink.NewLoggingSink(logger), logger, time.Second)
	coord := join.New(s, membership, repl, dial, clock.Real{}, logger)

	return NewHandler(s, repl, membership, detector, coord, logger), membership, s
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitReport_LeaderAcceptsWrite(t *testing.T) {
	h, _, _ := newTestHandler(t, 1, true)
	router := gin.New()
	h.Register(router)

	rw := wire.ReportWire{PatientID: "p1", Timestamp: 1, Inputs: [5]float64{65, 135, 1.1, 45, 3}, Probability: 0.2, Tier: "AMBER"}
	rec := doJSON(t, router, http.MethodPost, "/reports", rw)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp wire.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestSubmitReport_NonLeaderRejectsWithLeaderAddress(t *testing.T) {
	h, membership, _ := newTestHandler(t, 2, false)
	membership.SetLeader("http://leader")
	router := gin.New()
	h.Register(router)

	rw := wire.ReportWire{PatientID: "p1", Timestamp: 1, Tier: "AMBER"}
	rec := doJSON(t, router, http.MethodPost, "/reports", rw)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp wire.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "http://leader", resp.LeaderAddress)
}

func TestSubmitReport_RejectsMalformedReport(t *testing.T) {
	h, _, _ := newTestHandler(t, 1, true)
	router := gin.New()
	h.Register(router)

	rw := wire.ReportWire{PatientID: "", Timestamp: 1, Tier: "AMBER"}
	rec := doJSON(t, router, http.MethodPost, "/reports", rw)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReports_ReturnsStoredReports(t *testing.T) {
	h, _, s := newTestHandler(t, 1, true)
	router := gin.New()
	h.Register(router)

	rw := wire.ReportWire{PatientID: "p2", Timestamp: 1, Inputs: [5]float64{65, 135, 1.1, 45, 3}, Probability: 0.2, Tier: "AMBER"}
	_, err := s.Append(context.Background(), rw.ToModel())
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/reports/p2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp wire.ListReportsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Reports, 1)
	assert.Equal(t, "p2", resp.Reports[0].PatientID)
}

func TestLeaderInfo_ReportsCurrentLeaderAndNodes(t *testing.T) {
	h, _, _ := newTestHandler(t, 1, true)
	router := gin.New()
	h.Register(router)

	rec := doJSON(t, router, http.MethodGet, "/leader", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp wire.LeaderInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.SelfID)
	assert.Equal(t, "self", resp.LeaderAddress)
}

func TestHeartbeat_UpdatesBelievedLeader(t *testing.T) {
	h, membership, _ := newTestHandler(t, 2, false)
	router := gin.New()
	h.Register(router)

	req := wire.HeartbeatRequest{LeaderID: 1, LeaderAddress: "http://leader1", Term: 3, Timestamp: 0}
	rec := doJSON(t, router, http.MethodPost, "/internal/heartbeat", req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://leader1", membership.CurrentLeader())
	assert.Equal(t, 3, membership.Term())
}

func TestElection_AlwaysGrantsVote(t *testing.T) {
	h, _, _ := newTestHandler(t, 2, false)
	router := gin.New()
	h.Register(router)

	rec := doJSON(t, router, http.MethodPost, "/internal/election", wire.ElectionRequest{CandidateID: 3})
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp wire.ElectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.VoteGranted)
}

func TestReplicate_AppliesRiskReportOperation(t *testing.T) {
	h, _, s := newTestHandler(t, 2, false)
	router := gin.New()
	h.Register(router)

	rw := wire.ReportWire{PatientID: "p3", Timestamp: 1, Inputs: [5]float64{65, 135, 1.1, 45, 3}, Probability: 0.2, Tier: "AMBER"}
	op, err := wire.NewRiskReportOperation(rw.ToModel())
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/internal/replicate", op)
	assert.Equal(t, http.StatusOK, rec.Code)

	reports, err := s.ListByPatient(context.Background(), "p3", 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestJoin_NonLeaderReturnsConflict(t *testing.T) {
	h, membership, _ := newTestHandler(t, 2, false)
	membership.SetLeader("http://other")
	router := gin.New()
	h.Register(router)

	rec := doJSON(t, router, http.MethodPost, "/internal/join", wire.JoinRequest{NewID: 3, NewAddress: "addr3"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
