// Package compute talks to the remote-node provisioning API and to the
// terminate endpoint inside a node.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeStatus is the provider-reported state of a node.
type NodeStatus string

const (
	NodePending NodeStatus = "PENDING"
	NodeRunning NodeStatus = "RUNNING"
	NodeExited  NodeStatus = "EXITED"
	NodeDead    NodeStatus = "DEAD"
	NodeGone    NodeStatus = "GONE"
)

// Alive reports whether the node is still in an expected state for an
// active run.
func (s NodeStatus) Alive() bool {
	return s == NodePending || s == NodeRunning
}

// LaunchSpec is the provisioning request for one node.
type LaunchSpec struct {
	NamePrefix string          `json:"name_prefix"`
	GPUType    string          `json:"gpu_type"`
	ImageRef   string          `json:"image_ref"`
	Env        json.RawMessage `json:"env,omitempty"`
}

// Node is a provisioned node's identity.
type Node struct {
	ID          string  `json:"node_id"`
	Name        string  `json:"node_name"`
	GPUType     string  `json:"gpu_type"`
	CostPerHour float64 `json:"cost_per_hour"`
}

// NodeInfo is the node's current status plus its reachable address once
// the provider reports one.
type NodeInfo struct {
	Status NodeStatus `json:"status"`
	Addr   string     `json:"addr,omitempty"`
}

// CostReport is the billing data the provider returns for a node. Final is
// false when the provider has not settled the charge yet; the billing
// reconciliation worker retries until it is.
type CostReport struct {
	Final     bool    `json:"final"`
	AmountUSD float64 `json:"amount_usd"`
}

// Provisioner is the provisioning API surface this service depends on.
// Terminate must treat "already terminated" as success.
type Provisioner interface {
	Launch(ctx context.Context, spec LaunchSpec) (Node, error)
	Get(ctx context.Context, nodeID string) (NodeInfo, error)
	Terminate(ctx context.Context, nodeID string) (CostReport, error)
	Cost(ctx context.Context, nodeID string) (CostReport, error)
}

// Client is the HTTP Provisioner implementation.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a provisioning API client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Launch(ctx context.Context, spec LaunchSpec) (Node, error) {
	var node Node
	if err := c.do(ctx, http.MethodPost, "/v1/nodes", spec, &node); err != nil {
		return Node{}, fmt.Errorf("launch node: %w", err)
	}
	return node, nil
}

func (c *Client) Get(ctx context.Context, nodeID string) (NodeInfo, error) {
	var info NodeInfo
	err := c.do(ctx, http.MethodGet, "/v1/nodes/"+nodeID, nil, &info)
	if isStatus(err, http.StatusNotFound) {
		return NodeInfo{Status: NodeGone}, nil
	}
	if err != nil {
		return NodeInfo{}, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return info, nil
}

func (c *Client) Terminate(ctx context.Context, nodeID string) (CostReport, error) {
	var report CostReport
	err := c.do(ctx, http.MethodDelete, "/v1/nodes/"+nodeID, nil, &report)
	if isStatus(err, http.StatusNotFound) {
		// Already terminated counts as success; the cost has to come from
		// a later authoritative fetch.
		return CostReport{}, nil
	}
	if err != nil {
		return CostReport{}, fmt.Errorf("terminate node %s: %w", nodeID, err)
	}
	return report, nil
}

func (c *Client) Cost(ctx context.Context, nodeID string) (CostReport, error) {
	var report CostReport
	if err := c.do(ctx, http.MethodGet, "/v1/nodes/"+nodeID+"/cost", nil, &report); err != nil {
		return CostReport{}, fmt.Errorf("fetch node %s cost: %w", nodeID, err)
	}
	return report, nil
}

// statusError carries a non-2xx response code.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provisioning API returned %d: %s", e.Code, e.Body)
}

func isStatus(err error, code int) bool {
	se, ok := err.(*statusError)
	return ok && se.Code == code
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
