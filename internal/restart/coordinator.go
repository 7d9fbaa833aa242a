// Package restart replaces a failed remote node while preserving run identity.
package restart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/compute"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/narrator"
	"github.com/agencyenterprise/AE-Scientist-sub002/internal/store"
)

// ErrBudgetExhausted means the run has no restart attempts left. The run
// record is untouched; the caller falls back to failing the run.
var ErrBudgetExhausted = errors.New("restart budget exhausted")

// Config bounds restarts and the address poll.
type Config struct {
	MaxRestartAttempts int
	// StartupGrace is how long the replacement node gets to report its
	// first heartbeat before the monitor fails the run.
	StartupGrace     time.Duration
	AddrPollInterval time.Duration
	AddrPollTimeout  time.Duration
	// MaxBlockingWorkers bounds concurrent provisioning-API polls so they
	// cannot starve the scheduler.
	MaxBlockingWorkers int64
}

// Coordinator terminates the old node, provisions a replacement, and resets
// the run's heartbeat bookkeeping, all without losing run identity.
type Coordinator struct {
	store  *store.SQLiteStore
	prov   compute.Provisioner
	narr   *narrator.Narrator
	cfg    Config
	logger *slog.Logger
	pool   *semaphore.Weighted
	now    func() time.Time
}

// NewCoordinator builds a restart coordinator.
func NewCoordinator(s *store.SQLiteStore, prov compute.Provisioner, narr *narrator.Narrator, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.MaxBlockingWorkers <= 0 {
		cfg.MaxBlockingWorkers = 8
	}
	return &Coordinator{
		store:  s,
		prov:   prov,
		narr:   narr,
		cfg:    cfg,
		logger: logger,
		pool:   semaphore.NewWeighted(cfg.MaxBlockingWorkers),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Restart replaces the run's node for the given reason. It reports
// restarted=false with the original run record untouched whenever anything
// fails before the atomic swap, so the caller can fall back to failing the
// run instead.
func (c *Coordinator) Restart(ctx context.Context, run *domain.Run, reason domain.RestartReason) (restarted bool, err error) {
	if run.RestartCount >= c.cfg.MaxRestartAttempts {
		return false, fmt.Errorf("run %s at %d/%d restarts: %w",
			run.RunID, run.RestartCount, c.cfg.MaxRestartAttempts, ErrBudgetExhausted)
	}

	// Best-effort: the old node may already be gone, and a restart must
	// proceed either way.
	if run.Node.ID != "" {
		if _, err := c.prov.Terminate(ctx, run.Node.ID); err != nil {
			c.logger.Warn("old node termination failed, continuing restart",
				"run_id", run.RunID, "node_id", run.Node.ID, "error", err)
		}
	}

	fresh, err := c.store.GetRun(ctx, run.RunID)
	if err != nil {
		return false, fmt.Errorf("load launch payload: %w", err)
	}

	spec, err := launchSpec(fresh)
	if err != nil {
		return false, err
	}
	node, err := c.prov.Launch(ctx, spec)
	if err != nil {
		return false, fmt.Errorf("provision replacement node: %w", err)
	}

	now := c.now()
	deadline := now.Add(c.cfg.StartupGrace)
	applied, err := c.store.ApplyRestart(ctx, run.RunID, domain.RemoteNode{
		ID:          node.ID,
		Name:        node.Name,
		GPUType:     node.GPUType,
		CostPerHour: node.CostPerHour,
	}, reason, deadline, now, c.cfg.MaxRestartAttempts)
	if err != nil {
		return false, err
	}
	if !applied {
		// Lost the row-level budget check to a concurrent restart.
		return false, fmt.Errorf("run %s: %w", run.RunID, ErrBudgetExhausted)
	}

	c.publishRestartEvent(ctx, run.RunID, reason, run.RestartCount+1, node.Name)
	c.logger.Info("node restarted",
		"run_id", run.RunID, "reason", reason,
		"old_node", run.Node.Name, "new_node", node.Name,
		"restart_count", run.RestartCount+1)

	go c.awaitAddr(run.RunID, node.ID)
	return true, nil
}

func (c *Coordinator) publishRestartEvent(ctx context.Context, runID string, reason domain.RestartReason, count int, nodeName string) {
	ev, err := domain.NewEvent(runID, "restart_"+uuid.New().String()[:8], c.now(), domain.PodRestartedPayload{
		Reason:       reason,
		RestartCount: count,
		NewPodName:   nodeName,
	})
	if err == nil {
		err = c.narr.Submit(ctx, ev)
	}
	if err != nil {
		c.logger.Warn("pod_restarted event not published", "run_id", runID, "error", err)
	}
}

// awaitAddr polls the new node until it reports a reachable address, then
// records it on the run. Runs on the bounded pool; abandoning the poll on
// timeout is fine, the address only feeds the SSH tunnel.
func (c *Coordinator) awaitAddr(runID, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AddrPollTimeout)
	defer cancel()
	if err := c.pool.Acquire(ctx, 1); err != nil {
		c.logger.Warn("address poll never started", "run_id", runID, "error", err)
		return
	}
	defer c.pool.Release(1)

	ticker := time.NewTicker(c.cfg.AddrPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Warn("replacement node never reported an address",
				"run_id", runID, "node_id", nodeID)
			return
		case <-ticker.C:
			info, err := c.prov.Get(ctx, nodeID)
			if err != nil {
				c.logger.Debug("address poll", "run_id", runID, "error", err)
				continue
			}
			if info.Addr == "" {
				continue
			}
			if err := c.store.SetNodeAddr(ctx, runID, info.Addr); err != nil {
				c.logger.Warn("failed to record node address", "run_id", runID, "error", err)
				return
			}
			c.logger.Info("replacement node reachable", "run_id", runID, "addr", info.Addr)
			return
		}
	}
}

// launchSpec rebuilds the provisioning request from the stored launch
// payload, keeping the human-readable prefix of the old node's name.
func launchSpec(run *domain.Run) (compute.LaunchSpec, error) {
	var spec compute.LaunchSpec
	if len(run.LaunchPayload) == 0 {
		return spec, fmt.Errorf("run %s has no launch payload", run.RunID)
	}
	if err := json.Unmarshal(run.LaunchPayload, &spec); err != nil {
		return spec, fmt.Errorf("decode launch payload: %w", err)
	}
	if prefix := namePrefix(run.Node.Name); prefix != "" {
		spec.NamePrefix = prefix
	}
	return spec, nil
}

// namePrefix strips the provider-assigned suffix after the last dash:
// "ae-run-goldfish-7f3a" keeps "ae-run-goldfish".
func namePrefix(name string) string {
	if i := strings.LastIndex(name, "-"); i > 0 {
		return name[:i]
	}
	return name
}
