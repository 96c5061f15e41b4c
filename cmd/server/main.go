// cmd/server is the entrypoint for one replica process. Configuration
// comes from an optional JSON file layered under CLI flags, so a single
// binary can serve any seat in the cluster.
//
// Example — three-replica cluster on one host:
//
//	./server --self-id 1 --self-port 8081 --initial-leader \
//	         --initial-replica-addresses 1=127.0.0.1:8081,2=127.0.0.1:8082,3=127.0.0.1:8083
//	./server --self-id 2 --self-port 8082 \
//	         --initial-replica-addresses 1=127.0.0.1:8081,2=127.0.0.1:8082,3=127.0.0.1:8083
//	./server --self-id 3 --self-port 8083 \
//	         --initial-replica-addresses 1=127.0.0.1:8081,2=127.0.0.1:8082,3=127.0.0.1:8083
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"riskreplica/internal/alertsink"
	"riskreplica/internal/clock"
	"riskreplica/internal/cluster"
	"riskreplica/internal/config"
	"riskreplica/internal/elector"
	"riskreplica/internal/failuredetector"
	"riskreplica/internal/join"
	"riskreplica/internal/replicator"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/store"
	"riskreplica/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Optional JSON config file; flags below override it")
	selfID := flag.Int("self-id", 0, "This replica's election rank (lower wins elections)")
	selfHost := flag.String("self-host", "", "Host this replica advertises to peers")
	selfPort := flag.Int("self-port", 0, "Port this replica listens on")
	initialAddrs := flag.String("initial-replica-addresses", "", "Comma-separated id=host:port list of the starting cluster")
	dbPath := flag.String("db-path", "", "SQLite database file path")
	heartbeatIntervalS := flag.Float64("heartbeat-interval-s", 0, "Leader heartbeat interval, seconds")
	leaseTimeoutS := flag.Float64("lease-timeout-s", 0, "Follower lease timeout, seconds")
	initialLeader := flag.Bool("initial-leader", false, "Start as leader rather than running an election first")
	quorumPolicy := flag.String("quorum-policy", "", "at_least_one (default) or strict_majority")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	applyFlagOverrides(&cfg, selfID, selfHost, selfPort, dbPath, heartbeatIntervalS, leaseTimeoutS, initialLeader, quorumPolicy)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.Int("self_id", cfg.SelfID))

	nodes, bootstrap, err := parseInitialNodes(*initialAddrs, cfg.InitialReplicaAddrs, cfg.SelfID, cfg.SelfAddress())
	if err != nil {
		logger.Fatal("parse initial replica addresses", zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	membership := cluster.New(cfg.SelfID, nodes)
	if cfg.InitialLeader {
		membership.BecomeLeader()
	}

	dial := func(address string) *rpcclient.Client { return rpcclient.New("http://" + address) }

	clk := clock.Real{}
	detector := failuredetector.New(membership, clk, dial, logger, cfg.HeartbeatInterval(), cfg.LeaseTimeout())
	elect := elector.New(membership, detector, dial, logger, cfg.HeartbeatInterval())
	alerts := alertsink.NewLoggingSink(logger)
	repl := replicator.New(st, membership, dial, alerts, logger, cfg.LeaseTimeout())
	if cfg.QuorumPolicy == config.QuorumPolicyStrictMajority {
		repl.SetQuorumPolicy(replicator.StrictMajority)
	}
	joinCoord := join.New(st, membership, repl, dial, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go detector.RunLeaderLoop(ctx)
	go detector.RunFollowerWatch(ctx, func() { elect.RunElection(ctx) })

	if !cfg.InitialLeader && len(bootstrap) > 0 {
		self, _ := membership.Self()
		if err := joinCoord.Join(ctx, self, bootstrap); err != nil {
			logger.Warn("initial join failed, continuing with configured membership", zap.Error(err))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(transport.Logger(logger), transport.Recovery(logger))

	handler := transport.NewHandler(st, repl, membership, detector, joinCoord, logger)
	handler.Register(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"self_id":        cfg.SelfID,
			"status":         "ok",
			"is_leader":      membership.IsLeader(),
			"node_count":     len(membership.All()),
			"term":           membership.Term(),
			"current_leader": membership.CurrentLeader(),
		})
	})

	srv := &http.Server{
		Addr:         cfg.SelfAddress(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("address", cfg.SelfAddress()), zap.Bool("initial_leader", cfg.InitialLeader))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}

func applyFlagOverrides(cfg *config.ServerConfig, selfID *int, selfHost *string, selfPort *int, dbPath *string, heartbeatIntervalS, leaseTimeoutS *float64, initialLeader *bool, quorumPolicy *string) {
	if *selfID != 0 {
		cfg.SelfID = *selfID
	}
	if *selfHost != "" {
		cfg.SelfHost = *selfHost
	}
	if *selfPort != 0 {
		cfg.SelfPort = *selfPort
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *heartbeatIntervalS != 0 {
		cfg.HeartbeatIntervalS = *heartbeatIntervalS
	}
	if *leaseTimeoutS != 0 {
		cfg.LeaseTimeoutS = *leaseTimeoutS
	}
	if *initialLeader {
		cfg.InitialLeader = true
	}
	if *quorumPolicy != "" {
		cfg.QuorumPolicy = *quorumPolicy
	}
}

// parseInitialNodes builds the starting membership list from either the
// --initial-replica-addresses flag or the config file's equivalent
// field, both in "id=host:port" form. Self is always included, under
// selfAddress; an entry carrying self's id is skipped. It also returns the bare addresses of every other configured node, for
// use as JoinCluster bootstrap targets.
func parseInitialNodes(flagValue string, cfgValue []string, selfID int, selfAddress string) ([]cluster.Node, []string, error) {
	entries := cfgValue
	if flagValue != "" {
		entries = strings.Split(flagValue, ",")
	}

	nodes := []cluster.Node{{ID: selfID, Address: selfAddress}}
	var bootstrap []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("invalid entry %q: expected id=host:port", entry)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, nil, fmt.Errorf("invalid id in %q: %w", entry, err)
		}
		if id == selfID {
			continue
		}
		nodes = append(nodes, cluster.Node{ID: id, Address: parts[1]})
		bootstrap = append(bootstrap, parts[1])
	}
	return nodes, bootstrap, nil
}
