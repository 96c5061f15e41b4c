// Package config defines the configuration surface of spec.md §6: server
// and client option structs, loadable from an optional JSON file and
// always override-able by CLI flags of the form --name=value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ServerConfig is the per-replica configuration surface (spec.md §6).
type ServerConfig struct {
	SelfID              int      `json:"self_id"`
	SelfHost            string   `json:"self_host"`
	SelfPort            int      `json:"self_port"`
	InitialReplicaAddrs []string `json:"initial_replica_addresses"`
	DBPath              string   `json:"db_path"`
	HeartbeatIntervalS  float64  `json:"heartbeat_interval_s"`
	LeaseTimeoutS       float64  `json:"lease_timeout_s"`
	InitialLeader       bool     `json:"initial_leader"`
	QuorumPolicy        string   `json:"quorum_policy"`
}

// QuorumPolicyStrictMajority opts the replicator into requiring acks from
// a majority of the cluster instead of the spec's default single-follower
// rule. Any other value (including the empty default) keeps the default.
const QuorumPolicyStrictMajority = "strict_majority"

// DefaultServerConfig mirrors the defaults named in spec.md §4.4:
// heartbeat every 3s, a 10s lease timeout (>= 3x the heartbeat interval).
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SelfHost:           "127.0.0.1",
		SelfPort:           8080,
		DBPath:             "riskreplica.db",
		HeartbeatIntervalS: 3,
		LeaseTimeoutS:      10,
	}
}

func (c ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS * float64(time.Second))
}

func (c ServerConfig) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutS * float64(time.Second))
}

func (c ServerConfig) SelfAddress() string {
	return fmt.Sprintf("%s:%d", c.SelfHost, c.SelfPort)
}

// Validate enforces the FailureDetector invariant from spec.md §4.4: the
// lease timeout must be at least 3x the heartbeat interval.
func (c ServerConfig) Validate() error {
	if c.LeaseTimeout() < 3*c.HeartbeatInterval() {
		return fmt.Errorf("lease_timeout_s (%v) must be >= 3x heartbeat_interval_s (%v)",
			c.LeaseTimeoutS, c.HeartbeatIntervalS)
	}
	if c.SelfID <= 0 {
		return fmt.Errorf("self_id must be a positive integer")
	}
	return nil
}

// LoadServerConfig reads a JSON config file, if path is non-empty, and
// returns it layered on top of the defaults. Flags parsed afterward by the
// caller take precedence over anything loaded here.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ClientConfig is the client-side configuration surface (spec.md §6).
type ClientConfig struct {
	PreferredLeaderAddress      string   `json:"preferred_leader_address"`
	FallbackAddresses           []string `json:"fallback_addresses"`
	RPCTimeoutS                 float64  `json:"rpc_timeout_s"`
	FallbackTimeoutS            float64  `json:"fallback_timeout_s"`
	OverallLeaderLookupTimeoutS float64  `json:"overall_leader_lookup_timeout_s"`
	RetryDelayS                 float64  `json:"retry_delay_s"`
	ClientHeartbeatIntervalS    float64  `json:"client_heartbeat_interval_s"`
	GreenThreshold              float64  `json:"green_threshold"`
	AmberThreshold              float64  `json:"amber_threshold"`
}

// DefaultClientConfig mirrors the defaults named in spec.md §4.8 / §6.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RPCTimeoutS:                 10,
		FallbackTimeoutS:            3,
		OverallLeaderLookupTimeoutS: 6,
		RetryDelayS:                 2,
		ClientHeartbeatIntervalS:    5,
		GreenThreshold:              0.30,
		AmberThreshold:              0.60,
	}
}

// LoadClientConfig reads a JSON config file, if path is non-empty, and
// returns it layered on top of the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c ClientConfig) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutS * float64(time.Second))
}

func (c ClientConfig) FallbackTimeout() time.Duration {
	return time.Duration(c.FallbackTimeoutS * float64(time.Second))
}

func (c ClientConfig) OverallLeaderLookupTimeout() time.Duration {
	return time.Duration(c.OverallLeaderLookupTimeoutS * float64(time.Second))
}

func (c ClientConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayS * float64(time.Second))
}

func (c ClientConfig) ClientHeartbeatInterval() time.Duration {
	return time.Duration(c.ClientHeartbeatIntervalS * float64(time.Second))
}

// ClassifyTier stamps a tier onto a raw probability using the client-side
// thresholds from spec.md §8: AMBER's lower bound is inclusive, RED's is
// exclusive of AMBER's range (i.e. probability >= AmberThreshold is RED).
func (c ClientConfig) ClassifyTier(probability float64) string {
	switch {
	case probability >= c.AmberThreshold:
		return "RED"
	case probability >= c.GreenThreshold:
		return "AMBER"
	default:
		return "GREEN"
	}
}
