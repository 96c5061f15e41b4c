// Package rpcclient is the outbound half of the single RPC schema: every
// call a replica makes to a peer (heartbeat, election, replication, join)
// and every call a client makes to a replica (submit, list, discover) goes
// through this type. Grounded on the teacher's internal/client.Client
// (HTTP-wrapper-with-checkStatus shape) and cluster.Replicator's
// doHTTPReplicate/fetchFromPeer (context-deadline-per-call shape).
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"riskreplica/internal/wire"
)

// Client talks to exactly one replica over HTTP. Callers supply a
// deadline via ctx for every method, per spec.md §5.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client addressing baseURL, e.g. "http://127.0.0.1:8080".
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// APIError carries the HTTP status and message from a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendRiskReport submits a write to this replica (client -> leader).
func (c *Client) SendRiskReport(ctx context.Context, report wire.ReportWire) (wire.Response, error) {
	var resp wire.Response
	err := c.do(ctx, http.MethodPost, "/reports", report, &resp)
	return resp, err
}

// ListRiskReports queries a replica (client -> any replica).
func (c *Client) ListRiskReports(ctx context.Context, patientID string, count int) (wire.ListReportsResponse, error) {
	var resp wire.ListReportsResponse
	path := fmt.Sprintf("/reports/%s?count=%d", patientID, count)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// GetLeaderInfo asks a replica who it believes the leader is (client ->
// any replica, and the client runtime's discovery fan-out).
func (c *Client) GetLeaderInfo(ctx context.Context) (wire.LeaderInfoResponse, error) {
	var resp wire.LeaderInfoResponse
	err := c.do(ctx, http.MethodGet, "/leader", nil, &resp)
	return resp, err
}

// Heartbeat sends a liveness tick leader -> follower.
func (c *Client) Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (wire.Response, error) {
	var resp wire.Response
	err := c.do(ctx, http.MethodPost, "/internal/heartbeat", req, &resp)
	return resp, err
}

// RequestVote sends an election request follower -> peer.
func (c *Client) RequestVote(ctx context.Context, req wire.ElectionRequest) (wire.ElectionResponse, error) {
	var resp wire.ElectionResponse
	err := c.do(ctx, http.MethodPost, "/internal/election", req, &resp)
	return resp, err
}

// ReplicateOperation sends a replication payload leader -> follower.
func (c *Client) ReplicateOperation(ctx context.Context, req wire.ReplicateOperationRequest) (wire.Response, error) {
	var resp wire.Response
	err := c.do(ctx, http.MethodPost, "/internal/replicate", req, &resp)
	return resp, err
}

// JoinCluster asks the leader to onboard a new replica.
func (c *Client) JoinCluster(ctx context.Context, req wire.JoinRequest) (wire.JoinResponse, error) {
	var resp wire.JoinResponse
	err := c.do(ctx, http.MethodPost, "/internal/join", req, &resp)
	return resp, err
}
