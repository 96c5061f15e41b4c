// Package failuredetector implements the two-sided heartbeat protocol of
// spec.md §4.4: the leader ticks heartbeats out to every peer, and every
// replica watches its own last-heartbeat-received clock for a lease
// timeout that signals the leader is gone.
//
// Grounded on 4nonX-D-PlaneOS's daemon/internal/ha/cluster.go — its
// heartbeatLoop (ticker driving a fan-out to every peer) and its
// missed-beat lease tracking reshaped here into the spec's two explicit
// roles (leader emits, follower watches) instead of a single symmetric
// gossip loop.
package failuredetector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskreplica/internal/clock"
	"riskreplica/internal/cluster"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/wire"
)

// PeerDialer returns an RPC client addressing address. Both production
// code and tests supply this, so tests can point the detector at local
// httptest servers instead of real peers.
type PeerDialer func(address string) *rpcclient.Client

// Detector tracks heartbeat liveness for one replica process. A single
// Detector is shared by the leader-emission loop and the follower-watch
// loop; whichever loop is active depends on membership.IsLeader() at
// call time, matching how a replica can become leader mid-process after
// winning an election.
type Detector struct {
	membership *cluster.Membership
	clock      clock.Clock
	dial       PeerDialer
	logger     *zap.Logger

	heartbeatInterval time.Duration
	leaseTimeout      time.Duration

	mu              sync.Mutex
	lastHeartbeatAt time.Time
}

// New creates a Detector. lastHeartbeatAt starts at clk.Now() so a
// freshly started follower doesn't immediately declare the leader dead
// before a first heartbeat has had a chance to arrive.
func New(membership *cluster.Membership, clk clock.Clock, dial PeerDialer, logger *zap.Logger, heartbeatInterval, leaseTimeout time.Duration) *Detector {
	return &Detector{
		membership:        membership,
		clock:             clk,
		dial:              dial,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		leaseTimeout:      leaseTimeout,
		lastHeartbeatAt:   clk.Now(),
	}
}

// RunLeaderLoop ticks on heartbeatInterval for the life of ctx, emitting
// a heartbeat round to every peer whenever self currently believes
// itself leader. It runs for the whole process lifetime rather than
// just "while leader" so a replica that later wins an election doesn't
// need anything to restart this loop.
func (d *Detector) RunLeaderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(d.heartbeatInterval):
		}
		if d.membership.IsLeader() {
			d.emitHeartbeats(ctx)
		}
	}
}

func (d *Detector) emitHeartbeats(ctx context.Context) {
	self, _ := d.membership.Self()
	term := d.membership.Term()
	req := wire.HeartbeatRequest{
		LeaderID:      self.ID,
		LeaderAddress: self.Address,
		Term:          term,
		Timestamp:     d.clock.Now().Unix(),
	}

	var wg sync.WaitGroup
	for _, peer := range d.membership.Peers() {
		wg.Add(1)
		go func(peer cluster.Node) {
			defer wg.Done()
			if _, err := d.dial(peer.Address).Heartbeat(ctx, req); err != nil {
				d.logger.Warn("heartbeat failed",
					zap.Int("peer_id", peer.ID),
					zap.String("peer_address", peer.Address),
					zap.Error(err))
			}
		}(peer)
	}
	wg.Wait()
}

// RunFollowerWatch polls for a lease timeout and invokes onLeaderLost on
// every poll for as long as the lease stays expired, so an election that
// ends without self becoming leader is run again on the next poll until
// a heartbeat resets the lease. It returns when ctx is cancelled. It is a no-op for as long as self
// believes itself leader, so a replica can run both loops unconditionally
// and let role state gate which one does anything.
func (d *Detector) RunFollowerWatch(ctx context.Context, onLeaderLost func()) {
	// Poll at a finer grain than the lease timeout so expiry is noticed
	// promptly without busy-looping.
	pollInterval := d.heartbeatInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(pollInterval):
		}
		if d.membership.IsLeader() {
			continue
		}
		if d.expired() {
			onLeaderLost()
		}
	}
}

func (d *Detector) expired() bool {
	d.mu.Lock()
	last := d.lastHeartbeatAt
	d.mu.Unlock()
	return d.clock.Now().Sub(last) > d.leaseTimeout
}

// ResetLease marks a heartbeat as freshly received, used both by
// OnHeartbeatReceived and by the Elector after an election win so the
// new leader doesn't immediately time out its own first round.
func (d *Detector) ResetLease() {
	d.mu.Lock()
	d.lastHeartbeatAt = d.clock.Now()
	d.mu.Unlock()
}

// OnHeartbeatReceived applies an incoming heartbeat per spec.md §4.4:
// it resets the lease, adopts the sender's advertised address as the
// believed leader, raises the local term if the sender's is higher, and
// — if self currently believes itself leader and the sender's id is
// higher than self's — steps self down to follower.
func (d *Detector) OnHeartbeatReceived(req wire.HeartbeatRequest) {
	d.ResetLease()
	d.membership.SetLeader(req.LeaderAddress)
	d.membership.ObserveTerm(req.Term)

	if d.membership.IsLeader() && req.LeaderID > d.membership.SelfID() {
		d.logger.Info("stepping down: heartbeat from higher-id leader",
			zap.Int("self_id", d.membership.SelfID()),
			zap.Int("sender_id", req.LeaderID))
		d.membership.StepDown()
	}
}
