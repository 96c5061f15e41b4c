// Package elector implements the lowest-id election protocol of
// spec.md §4.5: a replica that suspects the leader is gone asks every
// peer with a lower id whether it is alive; if none answer, it declares
// itself leader, and otherwise it stands down and waits for that lower
// peer's heartbeat.
//
// Grounded on Chinzzii-leader-replication-go's election round (per-round
// correlation id, fan-out-with-timeout, "anyone answered?" decision) and
// on the teacher's own use of context deadlines for peer RPCs.
package elector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"riskreplica/internal/cluster"
	"riskreplica/internal/failuredetector"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/wire"
)

// PeerDialer returns an RPC client addressing address.
type PeerDialer func(address string) *rpcclient.Client

// Elector runs election rounds on behalf of one replica.
type Elector struct {
	membership *cluster.Membership
	detector   *failuredetector.Detector
	dial       PeerDialer
	logger     *zap.Logger
	timeout    time.Duration

	mu      sync.Mutex
	running bool
}

// New creates an Elector. timeout bounds how long a round waits for
// lower-id peers to answer before declaring self leader.
func New(membership *cluster.Membership, detector *failuredetector.Detector, dial PeerDialer, logger *zap.Logger, timeout time.Duration) *Elector {
	return &Elector{membership: membership, detector: detector, dial: dial, logger: logger, timeout: timeout}
}

// RunElection executes one election round (spec.md §4.5 steps 1-3). It
// is safe to call concurrently with itself; a round already in flight
// makes any overlapping call a no-op, since the lease-timeout callback
// that triggers elections can otherwise fire again before a slow round
// finishes.
func (e *Elector) RunElection(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	roundID := uuid.NewString()
	lowerPeers := e.membership.LowerIDPeers()
	logger := e.logger.With(zap.String("election_round", roundID), zap.Int("self_id", e.membership.SelfID()))

	if len(lowerPeers) == 0 {
		logger.Info("no lower-id peers known; declaring self leader")
		e.becomeLeader(logger)
		return
	}

	logger.Info("starting election", zap.Int("lower_peer_count", len(lowerPeers)))
	if e.anyLowerPeerAlive(ctx, lowerPeers, logger) {
		logger.Info("lower-id peer is alive; standing down, awaiting its heartbeat")
		return
	}

	logger.Info("no lower-id peer answered; declaring self leader")
	e.becomeLeader(logger)
}

// anyLowerPeerAlive asks every lower-id peer for a vote, bounded by
// e.timeout, and reports whether any answered at all. Per spec.md §4.5
// step 4 the vote is always granted; a response is itself the signal
// that the peer is alive and will contend for leadership instead.
func (e *Elector) anyLowerPeerAlive(ctx context.Context, peers []cluster.Node, logger *zap.Logger) bool {
	roundCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := wire.ElectionRequest{CandidateID: e.membership.SelfID()}
	results := make(chan bool, len(peers))

	var wg sync.WaitGroup
	for _, peer := range peers {
		wg.Add(1)
		go func(peer cluster.Node) {
			defer wg.Done()
			resp, err := e.dial(peer.Address).RequestVote(roundCtx, req)
			if err != nil {
				logger.Debug("election request failed", zap.Int("peer_id", peer.ID), zap.Error(err))
				results <- false
				return
			}
			e.membership.ObserveTerm(resp.Term)
			results <- true
		}(peer)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	answered := false
	for granted := range results {
		if granted {
			answered = true
		}
	}
	return answered
}

func (e *Elector) becomeLeader(logger *zap.Logger) {
	term := e.membership.BecomeLeader()
	e.detector.ResetLease()
	logger.Info("became leader", zap.Int("term", term))
}

// RespondToVote implements the responder side of spec.md §4.5 step 4:
// any reachable replica unconditionally grants the vote — answering at
// all is what tells the candidate it lost the round.
func RespondToVote(membership *cluster.Membership) wire.ElectionResponse {
	return wire.ElectionResponse{VoteGranted: true, Term: membership.Term()}
}
