// Package clientrt is the client-side runtime of spec.md §4.8: leader
// discovery that races a preferred address against configured
// fallbacks under an overall timeout budget, write retry with
// leader-redirect follow, and a FIFO queue for writes whose send failed
// so they can be drained once a leader is reachable again.
//
// Grounded on the teacher's cmd/client command flow (discover-then-call
// shape) generalized from "which node owns this key" to "who is
// currently leader," and on Chinzzii-leader-replication-go's client
// retry-after-redirect handling.
package clientrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskreplica/internal/clock"
	"riskreplica/internal/config"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/wire"
)

// PeerDialer returns an RPC client addressing address.
type PeerDialer func(address string) *rpcclient.Client

// Runtime is the client-side session used by cmd/client's commands.
type Runtime struct {
	cfg    config.ClientConfig
	dial   PeerDialer
	clock  clock.Clock
	logger *zap.Logger

	mu            sync.Mutex
	leaderAddress string
	queue         []wire.ReportWire
}

// New creates a Runtime. leaderAddress starts at cfg.PreferredLeaderAddress
// as a first guess; Discover corrects it on first use.
func New(cfg config.ClientConfig, dial PeerDialer, clk clock.Clock, logger *zap.Logger) *Runtime {
	return &Runtime{cfg: cfg, dial: dial, clock: clk, logger: logger, leaderAddress: cfg.PreferredLeaderAddress}
}

// Discover races the preferred leader address against every fallback
// address, bounded by cfg.OverallLeaderLookupTimeout, and adopts the
// first replica that reports a believed leader.
func (r *Runtime) Discover(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OverallLeaderLookupTimeout())
	defer cancel()

	type probeResult struct {
		leader string
		err    error
	}

	var addrs []struct {
		addr    string
		timeout time.Duration
	}
	if r.cfg.PreferredLeaderAddress != "" {
		addrs = append(addrs, struct {
			addr    string
			timeout time.Duration
		}{r.cfg.PreferredLeaderAddress, r.cfg.RPCTimeout()})
	}
	for _, addr := range r.cfg.FallbackAddresses {
		addrs = append(addrs, struct {
			addr    string
			timeout time.Duration
		}{addr, r.cfg.FallbackTimeout()})
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("clientrt: no preferred or fallback addresses configured")
	}

	results := make(chan probeResult, len(addrs))
	for _, a := range addrs {
		go func(addr string, timeout time.Duration) {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			info, err := r.dial(addr).GetLeaderInfo(probeCtx)
			if err != nil {
				results <- probeResult{err: fmt.Errorf("%s: %w", addr, err)}
				return
			}
			if info.LeaderAddress == "" {
				results <- probeResult{err: fmt.Errorf("%s: no leader known", addr)}
				return
			}
			results <- probeResult{leader: info.LeaderAddress}
		}(a.addr, a.timeout)
	}

	var lastErr error
	for range addrs {
		select {
		case res := <-results:
			if res.err == nil {
				r.setLeader(res.leader)
				return res.leader, nil
			}
			lastErr = res.err
		case <-ctx.Done():
			return "", fmt.Errorf("clientrt: leader discovery timed out: %w", ctx.Err())
		}
	}
	return "", fmt.Errorf("clientrt: no replica reported a leader: %w", lastErr)
}

func (r *Runtime) setLeader(addr string) {
	r.mu.Lock()
	r.leaderAddress = addr
	r.mu.Unlock()
}

func (r *Runtime) currentLeader() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderAddress
}

// Submit sends report to the believed leader; if that send fails for any
// reason it rediscovers the leader and retries exactly once, and if no
// leader can be discovered or the retry fails too, it queues the report
// for later retry.
func (r *Runtime) Submit(ctx context.Context, report wire.ReportWire) (wire.Response, error) {
	resp, err := r.attemptSubmit(ctx, report)
	if err != nil {
		r.enqueue(report)
		return wire.Response{}, fmt.Errorf("clientrt: queued report: %w", err)
	}
	return resp, nil
}

// attemptSubmit is Submit's send-and-one-retry logic without the
// queuing side effect, so DrainQueue can retry an already-queued item
// without appending a duplicate copy on repeated failure.
func (r *Runtime) attemptSubmit(ctx context.Context, report wire.ReportWire) (wire.Response, error) {
	leader := r.currentLeader()
	if leader == "" {
		var err error
		leader, err = r.Discover(ctx)
		if err != nil {
			return wire.Response{}, fmt.Errorf("no leader reachable: %w", err)
		}
	}

	resp, err := r.dial(leader).SendRiskReport(ctx, report)
	if err == nil {
		return resp, nil
	}

	// One redirect attempt: rediscover and retry exactly once.
	r.logger.Info("submit failed, rediscovering leader", zap.String("tried", leader), zap.Error(err))
	newLeader, discErr := r.Discover(ctx)
	if discErr != nil {
		return wire.Response{}, fmt.Errorf("leader unreachable: %w", err)
	}
	return r.dial(newLeader).SendRiskReport(ctx, report)
}

func (r *Runtime) enqueue(report wire.ReportWire) {
	r.mu.Lock()
	r.queue = append(r.queue, report)
	r.mu.Unlock()
}

// QueueLen reports how many writes are waiting for a reachable leader.
func (r *Runtime) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// DrainQueue retries queued writes in FIFO order, stopping at the first
// one that still fails so ordering among queued writes for the same
// patient is preserved; the remainder stays queued for the next drain.
func (r *Runtime) DrainQueue(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		next := r.queue[0]
		r.mu.Unlock()

		if _, err := r.attemptSubmit(ctx, next); err != nil {
			return
		}

		r.mu.Lock()
		if len(r.queue) > 0 {
			r.queue = r.queue[1:]
		}
		r.mu.Unlock()
	}
}

// RunLeaderRefresh periodically rediscovers the leader and drains the
// retry queue, for the life of ctx. Intended to run as a background
// goroutine for long-lived client sessions.
func (r *Runtime) RunLeaderRefresh(ctx context.Context) {
	interval := r.cfg.ClientHeartbeatInterval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
		}
		if _, err := r.Discover(ctx); err != nil {
			r.logger.Debug("periodic leader refresh failed", zap.Error(err))
			continue
		}
		r.DrainQueue(ctx)
	}
}

// List fetches the most recent reports for patientID from the believed
// leader, discovering one first if none is known yet. The replica that
// receives the call serves it from its own store without a leader check.
func (r *Runtime) List(ctx context.Context, patientID string, count int) (wire.ListReportsResponse, error) {
	leader := r.currentLeader()
	if leader == "" {
		var err error
		leader, err = r.Discover(ctx)
		if err != nil {
			return wire.ListReportsResponse{}, err
		}
	}
	return r.dial(leader).ListRiskReports(ctx, patientID, count)
}
