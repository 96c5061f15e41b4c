// cmd/client is the riskctl CLI built with Cobra, the client-facing
// surface of spec.md §4.8.
//
// Usage:
//
//	riskctl report p001 1700000000 65 135 1.1 45 3 0.72 RED --preferred http://localhost:8081
//	riskctl list p001 --count 10     --preferred http://localhost:8081
//	riskctl leader                    --preferred http://localhost:8081
//	riskctl cluster join --self-id 4 --self-address 127.0.0.1:8084 --bootstrap http://localhost:8081,http://localhost:8082
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"riskreplica/internal/clientrt"
	"riskreplica/internal/clock"
	"riskreplica/internal/config"
	"riskreplica/internal/rpcclient"
	"riskreplica/internal/wire"
)

var (
	preferredLeader string
	fallbacks       string
	configPath      string
)

func main() {
	root := &cobra.Command{
		Use:   "riskctl",
		Short: "CLI client for the risk-report replicated service",
	}

	root.PersistentFlags().StringVar(&preferredLeader, "preferred", "", "Preferred leader address, e.g. http://localhost:8081")
	root.PersistentFlags().StringVar(&fallbacks, "fallback", "", "Comma-separated fallback addresses")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Optional JSON client config file")

	root.AddCommand(reportCmd(), listCmd(), leaderCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRuntime() (*clientrt.Runtime, error) {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return nil, err
	}
	if preferredLeader != "" {
		cfg.PreferredLeaderAddress = preferredLeader
	}
	if fallbacks != "" {
		cfg.FallbackAddresses = strings.Split(fallbacks, ",")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	dial := func(address string) *rpcclient.Client { return rpcclient.New(address) }
	return clientrt.New(cfg, dial, clock.Real{}, logger), nil
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <patient_id> <timestamp> <age> <serum_sodium> <serum_creatinine> <ejection_fraction> <day> <probability> <tier>",
		Short: "Submit a risk report to the leader",
		Args:  cobra.ExactArgs(9),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			report, err := parseReport(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			resp, err := rt.Submit(ctx, report)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "list <patient_id>",
		Short: "List recent reports for a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			resp, err := rt.List(ctx, args[0], count)
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Maximum reports to return, 0 for all")
	return cmd
}

func leaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "Discover the current leader address",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			leader, err := rt.Discover(ctx)
			if err != nil {
				return err
			}
			fmt.Println(leader)
			return nil
		},
	}
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster membership commands",
	}

	var selfID int
	var selfAddress string
	var bootstrapAddrs string
	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Join a new replica to a running cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if selfID == 0 || selfAddress == "" || bootstrapAddrs == "" {
				return fmt.Errorf("cluster join: --self-id, --self-address, and --bootstrap are all required")
			}
			dial := func(address string) *rpcclient.Client { return rpcclient.New(address) }
			req := wire.JoinRequest{NewID: selfID, NewAddress: selfAddress}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, addr := range strings.Split(bootstrapAddrs, ",") {
				resp, err := dial(addr).JoinCluster(ctx, req)
				if err != nil {
					fmt.Fprintf(os.Stderr, "join via %s failed: %v\n", addr, err)
					continue
				}
				if resp.Success {
					prettyPrint(resp)
					return nil
				}
				fmt.Fprintf(os.Stderr, "join via %s rejected: %s (leader: %s)\n", addr, resp.Message, resp.LeaderAddress)
			}
			return fmt.Errorf("cluster join: no bootstrap address admitted this replica")
		},
	}
	joinCmd.Flags().IntVar(&selfID, "self-id", 0, "New replica's election rank")
	joinCmd.Flags().StringVar(&selfAddress, "self-address", "", "New replica's advertised address")
	joinCmd.Flags().StringVar(&bootstrapAddrs, "bootstrap", "", "Comma-separated addresses of existing replicas to contact")

	cmd.AddCommand(joinCmd)
	return cmd
}

func parseReport(args []string) (wire.ReportWire, error) {
	timestamp, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return wire.ReportWire{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	inputs := make([]float64, 5)
	for i, raw := range args[2:7] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return wire.ReportWire{}, fmt.Errorf("invalid numeric input %q: %w", raw, err)
		}
		inputs[i] = v
	}
	probability, err := strconv.ParseFloat(args[7], 64)
	if err != nil {
		return wire.ReportWire{}, fmt.Errorf("invalid probability: %w", err)
	}
	return wire.ReportWire{
		PatientID:   args[0],
		Timestamp:   timestamp,
		Inputs:      [5]float64{inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]},
		Probability: probability,
		Tier:        args[8],
	}, nil
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
