package clientrt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskreplica/internal/clock"
	"riskreplica/internal/config"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/wire"
)

func leaderServer(t *testing.T, address string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/leader", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.LeaderInfoResponse{Success: true, LeaderAddress: address})
	})
	mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.Response{Success: true, LeaderAddress: address})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscover_AdoptsReportedLeaderAddress(t *testing.T) {
	reportedLeader := "http://reported-leader"
	srv := leaderServer(t, reportedLeader)

	cfg := config.DefaultClientConfig()
	cfg.PreferredLeaderAddress = srv.URL
	rt := New(cfg, func(addr string) *rpcclient.Client { return rpcclient.New(addr) }, clock.Real{}, zap.NewNop())

	leader, err := rt.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reportedLeader, leader)
}

func TestDiscover_FallsBackWhenPreferredUnreachable(t *testing.T) {
	fallback := leaderServer(t, "http://leader-addr")

	cfg := config.DefaultClientConfig()
	cfg.PreferredLeaderAddress = "http://127.0.0.1:1"
	cfg.FallbackAddresses = []string{fallback.URL}
	cfg.FallbackTimeoutS = 0.2
	rt := New(cfg, func(addr string) *rpcclient.Client { return rpcclient.New(addr) }, clock.Real{}, zap.NewNop())

	leader, err := rt.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://leader-addr", leader)
}

func TestDiscover_FailsWhenNoAddressReportsLeader(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.PreferredLeaderAddress = "http://127.0.0.1:1"
	cfg.OverallLeaderLookupTimeoutS = 0.3
	cfg.RPCTimeoutS = 0.1
	rt := New(cfg, func(addr string) *rpcclient.Client { return rpcclient.New(addr) }, clock.Real{}, zap.NewNop())

	_, err := rt.Discover(context.Background())
	assert.Error(t, err)
}

func TestSubmit_SendsDirectlyWhenLeaderKnown(t *testing.T) {
	leader := leaderServer(t, "")
	cfg := config.DefaultClientConfig()
	rt := New(cfg, func(addr string) *rpcclient.Client { return rpcclient.New(addr) }, clock.Real{}, zap.NewNop())
	rt.setLeader(leader.URL)

	resp, err := rt.Submit(context.Background(), wire.ReportWire{PatientID: "p1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSubmit_QueuesWhenNoLeaderReachable(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.PreferredLeaderAddress = "http://127.0.0.1:1"
	cfg.OverallLeaderLookupTimeoutS = 0.2
	cfg.RPCTimeoutS = 0.1
	rt := New(cfg, func(addr string) *rpcclient.Client { return rpcclient.New(addr) }, clock.Real{}, zap.NewNop())

	_, err := rt.Submit(context.Background(), wire.ReportWire{PatientID: "p1"})
	assert.Error(t, err)
	assert.Equal(t, 1, rt.QueueLen())
}

func TestDrainQueue_SendsEveryQueuedWriteWhenLeaderReachable(t *testing.T) {
	leader := leaderServer(t, "")
	cfg := config.DefaultClientConfig()
	rt := New(cfg, func(addr string) *rpcclient.Client { return rpcclient.New(addr) }, clock.Real{}, zap.NewNop())

	rt.enqueue(wire.ReportWire{PatientID: "p1"})
	rt.enqueue(wire.ReportWire{PatientID: "p2"})
	rt.setLeader(leader.URL)

	rt.DrainQueue(context.Background())
	assert.Equal(t, 0, rt.QueueLen())
}

func TestDrainQueue_LeavesQueueIntactWithoutDuplicatingOnFailure(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.OverallLeaderLookupTimeoutS = 0.2
	cfg.RPCTimeoutS = 0.1
	rt := New(cfg, func(addr string) *rpcclient.Client { return rpcclient.New(addr) }, clock.Real{}, zap.NewNop())

	rt.enqueue(wire.ReportWire{PatientID: "p1"})
	rt.enqueue(wire.ReportWire{PatientID: "p2"})
	rt.setLeader("http://127.0.0.1:1")

	rt.DrainQueue(context.Background())
	assert.Equal(t, 2, rt.QueueLen())
}
