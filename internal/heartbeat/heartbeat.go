// Package heartbeat implements the optional, provider-dependent
// heartbeat (§4.7): a probe loop independent of the reconciler that
// detects hibernation-induced unresponsiveness on idle and claimed
// instances and cleans them up through the claim coordinator's Destroy.
// The run-loop shape mirrors internal/reconciler, itself adapted from
// the teacher's internal/engine/scheduler.go.
package heartbeat

import (
	"context"
	"sync"

	"github.com/convos/agent-pool-manager/internal/clock"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/events"
	"github.com/convos/agent-pool-manager/internal/gatewayclient"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/metrics"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/providerclient"
	"github.com/convos/agent-pool-manager/internal/status"
)

// Destroyer cleans up a single instance; satisfied by *claim.Coordinator.
type Destroyer interface {
	Destroy(ctx context.Context, instanceID string) error
}

// Heartbeat probes idle and claimed instances on a fixed cadence,
// tracking per-instance consecutive failures and wake-recovery attempts.
type Heartbeat struct {
	cfg       *config.Config
	cache     *poolcache.Cache
	gateway   gatewayclient.API
	provider  providerclient.API
	destroyer Destroyer
	bus       *events.Bus
	clk       clock.Clock
	log       *logging.Logger

	mu         sync.Mutex
	fails      map[string]int
	recoveries map[string]int

	running sync.Mutex
}

// New creates a Heartbeat.
func New(cfg *config.Config, cache *poolcache.Cache, gateway gatewayclient.API, provider providerclient.API, destroyer Destroyer, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Heartbeat {
	return &Heartbeat{
		cfg: cfg, cache: cache, gateway: gateway, provider: provider,
		destroyer: destroyer, bus: bus, clk: clk, log: log.Component("heartbeat"),
		fails: make(map[string]int), recoveries: make(map[string]int),
	}
}

// Run ticks at cfg.HeartbeatInterval() until ctx is done. A no-op if
// HeartbeatEnabled is false (the default, for providers that never
// hibernate and therefore need no wake path).
func (h *Heartbeat) Run(ctx context.Context) {
	if !h.cfg.HeartbeatEnabled {
		h.log.Info("heartbeat disabled, not starting")
		return
	}
	for {
		select {
		case <-h.clk.After(h.cfg.HeartbeatInterval()):
			h.tick(ctx)
		case <-ctx.Done():
			h.log.Info("heartbeat stopped")
			return
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	if !h.running.TryLock() {
		return
	}
	defer h.running.Unlock()

	for _, inst := range h.cache.List() {
		if inst.State != status.Idle && inst.State != status.Claimed {
			continue
		}
		h.probeOne(ctx, inst)
	}
}

func (h *Heartbeat) probeOne(ctx context.Context, inst poolcache.Instance) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.GatewayProbeTimeout)
	defer cancel()

	_, err := h.gateway.Status(probeCtx, inst.BaseURL)
	if err == nil {
		h.resetFails(inst.ID)
		return
	}

	fails := h.incrementFails(inst.ID)
	metrics.HeartbeatFailures.WithLabelValues(string(inst.State)).Inc()
	if fails < h.cfg.HeartbeatFailureThreshold {
		h.log.Debug("heartbeat probe failed, below threshold", "instance_id", inst.ID, "consecutive_failures", fails)
		return
	}

	switch inst.State {
	case status.Idle:
		h.cleanup(ctx, inst, "idle instance unresponsive at failure threshold")
	case status.Claimed:
		h.attemptRecovery(ctx, inst)
	}
}

// attemptRecovery tries to wake a claimed instance's gateway via exec.
// Each attempt consumes one of HeartbeatRecoveryCap tries and resets the
// failure counter so the next heartbeat re-probes fresh; exhausting the
// cap without the instance staying up triggers cleanup.
func (h *Heartbeat) attemptRecovery(ctx context.Context, inst poolcache.Instance) {
	attempts := h.incrementRecoveries(inst.ID)
	if attempts > h.cfg.HeartbeatRecoveryCap {
		h.cleanup(ctx, inst, "claimed instance exhausted recovery attempts")
		return
	}

	h.log.Warn("attempting gateway wake", "instance_id", inst.ID, "attempt", attempts)
	_, err := h.provider.Exec(ctx, inst.ServiceID, "agent-gateway --config /etc/agent/config.json & disown")
	if err != nil {
		h.log.Error("wake attempt failed", "instance_id", inst.ID, "error", err)
	}
	h.resetFails(inst.ID)
}

func (h *Heartbeat) cleanup(ctx context.Context, inst poolcache.Instance, reason string) {
	h.log.Warn("heartbeat cleanup", "instance_id", inst.ID, "state", inst.State, "reason", reason)
	if err := h.destroyer.Destroy(ctx, inst.ID); err != nil {
		h.log.Error("heartbeat cleanup destroy failed", "instance_id", inst.ID, "error", err)
		return
	}
	h.clearCounters(inst.ID)
	h.bus.Publish(events.Event{Kind: events.KindHeartbeatCleanup, InstanceID: inst.ID, ServiceID: inst.ServiceID, Message: reason, Timestamp: h.clk.Now()})
}

func (h *Heartbeat) incrementFails(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fails[id]++
	return h.fails[id]
}

func (h *Heartbeat) resetFails(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fails, id)
}

func (h *Heartbeat) incrementRecoveries(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recoveries[id]++
	return h.recoveries[id]
}

func (h *Heartbeat) clearCounters(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.fails, id)
	delete(h.recoveries, id)
}
