// Package replicator implements the write path of spec.md §4.6: the
// leader persists a write locally, fans it out to every follower, and
// requires at least one follower's acknowledgment (or none being
// configured at all) before calling the write committed; a follower
// applies an inbound replicated operation straight to its own store or
// membership view.
//
// Grounded on the teacher's cluster.Replicator (persist-then-fan-out
// shape, per-peer goroutine with its own deadline) generalized from
// hash-ring quorum writes to the spec's at-least-one-follower rule, and
// on its replicateToPeer for the per-operation envelope send.
package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskreplica/internal/alertsink"
	"riskreplica/internal/cluster"
	"riskreplica/internal/model"
	"riskreplica/internal/rerr"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/store"
	"riskreplica/internal/wire"
)

// PeerDialer returns an RPC client addressing address.
type PeerDialer func(address string) *rpcclient.Client

// QuorumPolicy picks the commit rule a write must satisfy before the
// leader reports success to the client (spec.md §4.6, §9's "MAY be
// strengthened to a strict majority").
type QuorumPolicy int

const (
	// AtLeastOneFollower is the spec's default: any single follower ack
	// (or none configured at all) commits the write.
	AtLeastOneFollower QuorumPolicy = iota
	// StrictMajority requires acks from enough followers that, together
	// with the leader's own local commit, a majority of the full
	// membership has the write.
	StrictMajority
)

// Replicator owns the commit decision for writes made on this replica,
// whether as leader accepting a client write or as a follower applying
// a replicated operation.
type Replicator struct {
	store      *store.Store
	membership *cluster.Membership
	dial       PeerDialer
	alerts     alertsink.AlertSink
	logger     *zap.Logger
	fanoutTO   time.Duration
	quorum     QuorumPolicy
}

// New creates a Replicator. fanoutTimeout bounds how long the leader
// waits for follower acknowledgments on a single write. The quorum
// policy defaults to AtLeastOneFollower; use SetQuorumPolicy to opt into
// StrictMajority.
func New(st *store.Store, membership *cluster.Membership, dial PeerDialer, alerts alertsink.AlertSink, logger *zap.Logger, fanoutTimeout time.Duration) *Replicator {
	return &Replicator{store: st, membership: membership, dial: dial, alerts: alerts, logger: logger, fanoutTO: fanoutTimeout}
}

// SetQuorumPolicy overrides the default commit rule.
func (r *Replicator) SetQuorumPolicy(p QuorumPolicy) {
	r.quorum = p
}

// HandleWrite implements the leader side of a client SendRiskReport
// call (spec.md §4.6 steps 1-5). It is the caller's job to have already
// confirmed self is leader; HandleWrite itself only enforces the
// durability rule once the local append has happened.
func (r *Replicator) HandleWrite(ctx context.Context, report model.RiskReport) (alertSent bool, err error) {
	if report.Tier == model.TierGreen {
		return false, fmt.Errorf("GREEN reports are not stored: %w", rerr.ErrInvalidTier)
	}

	localID, err := r.store.Append(ctx, report)
	if err != nil {
		return false, err
	}
	report.LocalID = localID

	peers := r.membership.Peers()
	if len(peers) > 0 {
		acked := r.fanOutWrite(ctx, report)
		required := 1
		if r.quorum == StrictMajority {
			required = (len(peers) + 1) / 2
		}
		if acked < required {
			return false, fmt.Errorf("only %d/%d followers acknowledged write (need %d): %w",
				acked, len(peers), required, rerr.ErrStorageFailed)
		}
	}

	if report.Tier == model.TierRed {
		if err := r.alerts.Notify(ctx, report); err != nil {
			r.logger.Warn("alert sink notify failed", zap.Error(err))
		} else if err := r.store.MarkAlertSent(ctx, localID); err != nil {
			r.logger.Warn("mark alert sent failed", zap.Error(err))
		} else {
			alertSent = true
		}
	}
	return alertSent, nil
}

// fanOutWrite replicates report to every follower concurrently and
// returns how many acknowledged within fanoutTO.
func (r *Replicator) fanOutWrite(ctx context.Context, report model.RiskReport) int {
	op, err := wire.NewRiskReportOperation(report)
	if err != nil {
		r.logger.Error("marshal replicate operation", zap.Error(err))
		return 0
	}
	return r.broadcast(ctx, op)
}

// BroadcastMembershipUpdate replicates a membership change to every
// follower, used after JoinCluster admits a new replica (spec.md §4.7
// step 4). It does not itself enforce the at-least-one-follower rule:
// membership changes are best-effort broadcasts, and a member that
// misses one keeps its previous view. The joiner itself reads the full
// membership once, through GetLeaderInfo, right after it is admitted.
func (r *Replicator) BroadcastMembershipUpdate(ctx context.Context, nodes []cluster.Node, leaderAddress string) {
	op, err := wire.NewMembershipUpdateOperation(nodes, leaderAddress)
	if err != nil {
		r.logger.Error("marshal membership update", zap.Error(err))
		return
	}
	r.broadcast(ctx, op)
}

func (r *Replicator) broadcast(ctx context.Context, op wire.ReplicateOperationRequest) int {
	fanoutCtx, cancel := context.WithTimeout(ctx, r.fanoutTO)
	defer cancel()

	peers := r.membership.Peers()
	var acked int32
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, peer := range peers {
		wg.Add(1)
		go func(peer cluster.Node) {
			defer wg.Done()
			if _, err := r.dial(peer.Address).ReplicateOperation(fanoutCtx, op); err != nil {
				r.logger.Warn("replicate to peer failed",
					zap.Int("peer_id", peer.ID), zap.String("op_type", op.OperationType), zap.Error(err))
				return
			}
			mu.Lock()
			acked++
			mu.Unlock()
		}(peer)
	}
	wg.Wait()
	return int(acked)
}

// ApplyOperation implements the follower side (spec.md §4.6 step 6):
// decode the tagged envelope and apply it to local state. It is
// idempotent for risk_report operations because Store.Append is.
func (r *Replicator) ApplyOperation(ctx context.Context, op wire.ReplicateOperationRequest) error {
	switch op.OperationType {
	case wire.OpRiskReport:
		var rw wire.ReportWire
		if err := json.Unmarshal([]byte(op.Data), &rw); err != nil {
			return fmt.Errorf("decode risk report operation: %w: %w", err, rerr.ErrMalformedInput)
		}
		_, err := r.store.Append(ctx, rw.ToModel())
		return err
	case wire.OpMembershipUpdate:
		var payload wire.MembershipUpdatePayload
		if err := json.Unmarshal([]byte(op.Data), &payload); err != nil {
			return fmt.Errorf("decode membership update operation: %w: %w", err, rerr.ErrMalformedInput)
		}
		r.membership.Replace(payload.Nodes)
		r.membership.SetLeader(payload.LeaderAddress)
		return nil
	default:
		return fmt.Errorf("unknown operation type %q: %w", op.OperationType, rerr.ErrMalformedInput)
	}
}
