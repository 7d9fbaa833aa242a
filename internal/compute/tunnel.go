package compute

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// TerminateResult classifies the in-node terminate endpoint's answer.
type TerminateResult string

const (
	// TerminateAcknowledged means the execution accepted the request.
	TerminateAcknowledged TerminateResult = "acknowledged"
	// TerminateAlreadyDone means the execution is unknown or already
	// finished (404/409). Both count as success for the caller.
	TerminateAlreadyDone TerminateResult = "already_done"
)

// Tunnel reaches the loopback HTTP service inside a node over SSH; the node
// has no public ingress.
type Tunnel struct {
	user       string
	signer     ssh.Signer
	sshPort    int
	targetPort int
	timeout    time.Duration
}

// NewTunnel loads the SSH key and prepares a tunnel dialer.
func NewTunnel(user, keyPath string, sshPort, targetPort int, timeout time.Duration) (*Tunnel, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return &Tunnel{
		user:       user,
		signer:     signer,
		sshPort:    sshPort,
		targetPort: targetPort,
		timeout:    timeout,
	}, nil
}

// TerminateExecution POSTs /terminate/{execution_id} to the node's loopback
// service through an SSH tunnel.
func (t *Tunnel) TerminateExecution(ctx context.Context, nodeAddr, executionID, payload string) (TerminateResult, error) {
	conn, err := t.dial(ctx, nodeAddr)
	if err != nil {
		return "", fmt.Errorf("dial node %s: %w", nodeAddr, err)
	}
	defer conn.Close()

	client := &http.Client{
		Timeout: t.timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return conn.Dial(network, addr)
			},
		},
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/terminate/%s", t.targetPort, executionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post terminate: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return TerminateAcknowledged, nil
	case http.StatusNotFound, http.StatusConflict:
		return TerminateAlreadyDone, nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("terminate endpoint returned %d: %s", resp.StatusCode, raw)
	}
}

func (t *Tunnel) dial(ctx context.Context, nodeAddr string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            t.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.timeout,
	}
	addr := fmt.Sprintf("%s:%d", nodeAddr, t.sshPort)
	d := net.Dialer{Timeout: t.timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}
