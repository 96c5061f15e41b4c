// Package join implements spec.md §4.7: a leader onboarding a new
// replica with a full state snapshot, and a joining replica retrying
// against its configured bootstrap addresses with capped exponential
// backoff until it is admitted.
package join

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"riskreplica/internal/clock"
	"riskreplica/internal/cluster"
	"riskreplica/internal/model"
	"riskreplica/internal/replicator"
	"riskreplica/internal/rerr"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/store"
	"riskreplica/internal/wire"
)

// PeerDialer returns an RPC client addressing address.
type PeerDialer func(address string) *rpcclient.Client

// backoffSchedule is the retry ladder named in spec.md §4.7: 1s, 2s,
// 4s, 8s, 16s, then capped at 30s.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

// Coordinator handles both sides of JoinCluster for one replica process.
type Coordinator struct {
	store      *store.Store
	membership *cluster.Membership
	replicator *replicator.Replicator
	dial       PeerDialer
	clock      clock.Clock
	logger     *zap.Logger
}

// New creates a Coordinator.
func New(st *store.Store, membership *cluster.Membership, repl *replicator.Replicator, dial PeerDialer, clk clock.Clock, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: st, membership: membership, replicator: repl, dial: dial, clock: clk, logger: logger}
}

// HandleJoin implements the leader side (spec.md §4.7 steps 1-4): admit
// the new node, snapshot current state for it, and broadcast the
// updated membership to every existing follower. A non-leader replies
// with Success=false and, if known, the believed leader's address.
func (c *Coordinator) HandleJoin(ctx context.Context, req wire.JoinRequest) (wire.JoinResponse, error) {
	if !c.membership.IsLeader() {
		return wire.JoinResponse{
			Success:       false,
			Message:       "not leader",
			LeaderAddress: c.membership.CurrentLeader(),
		}, rerr.ErrNotLeader
	}

	c.membership.Join(cluster.Node{ID: req.NewID, Address: req.NewAddress})

	reports, err := c.store.Snapshot(ctx)
	if err != nil {
		return wire.JoinResponse{}, err
	}
	state := make([]wire.ReportWire, len(reports))
	for i, r := range reports {
		state[i] = wire.ReportFromModel(r)
	}

	self, _ := c.membership.Self()
	nodes := c.membership.All()
	go c.replicator.BroadcastMembershipUpdate(context.Background(), nodes, self.Address)

	c.logger.Info("admitted new replica",
		zap.Int("new_id", req.NewID), zap.String("new_address", req.NewAddress))
	return wire.JoinResponse{Success: true, State: state}, nil
}

// Join implements the joiner side (spec.md §4.7 steps 5-7): contact the
// configured bootstrap addresses in order, retrying the whole list on
// capped exponential backoff, until one admits self. On success it
// loads the returned snapshot and adopts the admitting replica's
// membership view.
func (c *Coordinator) Join(ctx context.Context, self cluster.Node, bootstrap []string) error {
	if len(bootstrap) == 0 {
		return fmt.Errorf("join: no bootstrap addresses configured")
	}

	attempt := 0
	for {
		for _, addr := range bootstrap {
			if c.tryJoin(ctx, self, addr) {
				return nil
			}
		}

		delay := backoffSchedule[min(attempt, len(backoffSchedule)-1)]
		c.logger.Info("join retry backoff", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
		attempt++
	}
}

func (c *Coordinator) tryJoin(ctx context.Context, self cluster.Node, addr string) bool {
	client := c.dial(addr)
	resp, err := client.JoinCluster(ctx, wire.JoinRequest{NewAddress: self.Address, NewID: self.ID})
	if err != nil {
		c.logger.Warn("join attempt failed", zap.String("address", addr), zap.Error(err))
		return false
	}
	if !resp.Success {
		if resp.LeaderAddress != "" {
			c.logger.Info("join redirected", zap.String("leader_address", resp.LeaderAddress))
		}
		return false
	}

	leaderAddr := addr
	if info, err := client.GetLeaderInfo(ctx); err == nil {
		c.membership.Replace(info.Nodes)
		if info.LeaderAddress != "" {
			leaderAddr = info.LeaderAddress
		}
	} else {
		c.membership.Join(self)
	}
	c.membership.SetLeader(leaderAddr)

	reports := make([]model.RiskReport, len(resp.State))
	for i, rw := range resp.State {
		reports[i] = rw.ToModel()
	}
	if err := c.store.LoadSnapshot(ctx, reports); err != nil {
		c.logger.Error("load snapshot after join failed", zap.Error(err))
		return false
	}
	c.logger.Info("joined cluster", zap.String("via", addr), zap.Int("report_count", len(reports)))
	return true
}
