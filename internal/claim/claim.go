// Package claim implements the claim coordinator (§4.5) and the
// recycle/destroy lifecycle (§4.6). It is the only writer of the cache
// entries of services in the claim-in-progress set, and the only writer
// of metadata rows apart from the API's crashed-entry dismiss, which
// deletes them; the reconciler never writes either.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/convos/agent-pool-manager/internal/clock"
	"github.com/convos/agent-pool-manager/internal/claimset"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/events"
	"github.com/convos/agent-pool-manager/internal/gatewayclient"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/metastore"
	"github.com/convos/agent-pool-manager/internal/metrics"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/poolerrors"
	"github.com/convos/agent-pool-manager/internal/providerclient"
	"github.com/convos/agent-pool-manager/internal/status"
)

// Request is the caller-supplied body of POST /pool/claim.
type Request struct {
	AgentName    string
	Instructions string
	JoinURL      string // empty selects create-conversation mode
}

// Result is the response body of a successful claim.
type Result struct {
	ConversationID string
	InviteURL      string
	InstanceID     string
	Joined         bool
}

// Backfiller creates a replacement instance; satisfied by
// *provision.Provisioner. A narrow interface here keeps this package
// from depending on provision's full surface, and lets tests supply a
// fake without constructing a real Provisioner.
type Backfiller interface {
	CreateInstance(ctx context.Context) (poolcache.Instance, error)
}

// Coordinator serializes idle->claimed transitions and implements
// recycle/destroy.
type Coordinator struct {
	cfg      *config.Config
	cache    *poolcache.Cache
	claims   *claimset.Set
	meta     *metastore.Store
	provider providerclient.API
	gateway  gatewayclient.API
	backfill Backfiller
	bus      *events.Bus
	clk      clock.Clock
	log      *logging.Logger
}

// New creates a Coordinator.
func New(cfg *config.Config, cache *poolcache.Cache, claims *claimset.Set, meta *metastore.Store, provider providerclient.API, gateway gatewayclient.API, backfill Backfiller, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Coordinator {
	return &Coordinator{
		cfg: cfg, cache: cache, claims: claims, meta: meta,
		provider: provider, gateway: gateway, backfill: backfill,
		bus: bus, clk: clk, log: log.Component("claim"),
	}
}

// Claim runs §4.5's eight steps. The claim-in-progress set guards step 1
// synchronously before any I/O; it is always released on every exit path.
func (c *Coordinator) Claim(ctx context.Context, req Request) (Result, error) {
	start := c.clk.Now()
	inst, ok := c.selectIdle()
	if !ok {
		return Result{}, poolerrors.NoIdleAvailable("no idle instance available")
	}
	defer func() {
		c.claims.Remove(inst.ServiceID)
		metrics.ClaimDuration.Observe(c.clk.Since(start).Seconds())
	}()

	if _, err := c.provider.Exec(ctx, inst.ServiceID, instructionsScript(req.Instructions)); err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("write instructions: %w", err)
	}

	var convID, inviteURL string
	joined := false
	if req.JoinURL == "" {
		res, err := c.gateway.CreateConversation(ctx, inst.BaseURL, req.AgentName, req.AgentName, c.cfg.EnvironmentTag)
		if err != nil {
			return Result{}, classifyGatewayErr(err)
		}
		convID, inviteURL = res.ConversationID, res.InviteURL
	} else {
		res, err := c.gateway.Join(ctx, inst.BaseURL, req.JoinURL, req.AgentName, c.cfg.EnvironmentTag)
		if err != nil {
			return Result{}, classifyGatewayErr(err)
		}
		convID, inviteURL = res.ConversationID, res.InviteURL
		joined = res.Status == "joined"
	}

	row := metastore.Row{
		InstanceID:        inst.ID,
		ProviderServiceID: inst.ServiceID,
		AgentName:         req.AgentName,
		ConversationID:    convID,
		InviteURL:         inviteURL,
		Instructions:      req.Instructions,
		CheckpointID:      inst.CheckpointID,
		CreatedAt:         inst.CreatedAt,
		ClaimedAt:         c.clk.Now(),
	}
	if err := c.meta.Upsert(row); err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("write metadata row: %w", err)
	}

	// Rename is cosmetic (dashboard visibility); failure is logged, never
	// escalated (§4.5 step 5).
	if err := c.provider.RenameService(ctx, inst.ServiceID, req.AgentName); err != nil {
		c.log.Warn("rename_service failed, continuing", "service_id", inst.ServiceID, "error", err)
	}

	inst.State = status.Claimed
	inst.AgentName = req.AgentName
	inst.ConversationID = convID
	inst.InviteURL = inviteURL
	inst.Instructions = req.Instructions
	inst.ClaimedAt = row.ClaimedAt
	c.cache.Upsert(inst)

	c.triggerBackfill()

	metrics.ClaimsTotal.WithLabelValues("success").Inc()
	return Result{ConversationID: convID, InviteURL: inviteURL, InstanceID: inst.ID, Joined: joined}, nil
}

// selectIdle picks the first idle cache entry whose service id is not
// already claim-in-progress, inserting it into the set synchronously
// before returning (§4.5 step 1 / §5 race semantics).
func (c *Coordinator) selectIdle() (poolcache.Instance, bool) {
	for _, inst := range c.cache.ListIdle() {
		if c.claims.TryInsert(inst.ServiceID) {
			return inst, true
		}
	}
	return poolcache.Instance{}, false
}

// triggerBackfill creates a replacement instance in the background
// without the caller awaiting it (§4.5 step 7). Its own errors are
// logged and published, never surfaced to the claim caller.
func (c *Coordinator) triggerBackfill() {
	if c.cache.Total() >= c.cfg.MaxTotal() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CreateTimeout)
		defer cancel()
		if _, err := c.backfill.CreateInstance(ctx); err != nil {
			c.log.Error("backfill create_instance failed", "error", err)
			c.bus.Publish(events.Event{Kind: events.KindCreateFailed, Message: err.Error(), Timestamp: c.clk.Now()})
		}
	}()
}

func instructionsScript(instructions string) string {
	return fmt.Sprintf("mkdir -p /var/lib/agent/workspace && cat > /var/lib/agent/workspace/instructions.md <<'POOLMGR_EOF'\n%s\nPOOLMGR_EOF\n", instructions)
}

func classifyGatewayErr(err error) error {
	if errors.Is(err, gatewayclient.ErrConflict) {
		return poolerrors.Conflict("instance already bound to a conversation")
	}
	return fmt.Errorf("gateway call failed: %w", err)
}

// Recycle returns a claimed instance to idle using its golden
// checkpoint (§4.6). Destroy is the fallback on any recycle failure: no
// checkpoint recorded, a failed restore, or a readiness poll that never
// completes.
func (c *Coordinator) Recycle(ctx context.Context, instanceID string) error {
	inst, ok := c.cache.Get(instanceID)
	if !ok {
		return poolerrors.NotFound("instance not found: " + instanceID)
	}
	if inst.CheckpointID == "" {
		c.log.Info("no checkpoint recorded, destroying instead of recycling", "instance_id", instanceID)
		return c.Destroy(ctx, instanceID)
	}

	if err := c.provider.RestoreCheckpoint(ctx, inst.ServiceID, inst.CheckpointID); err != nil {
		metrics.RecycleTotal.WithLabelValues("error").Inc()
		c.log.Warn("restore checkpoint failed, destroying instead of recycling", "instance_id", instanceID, "error", err)
		return c.Destroy(ctx, instanceID)
	}
	if err := c.provider.StartDetached(ctx, inst.ServiceID, "agent-gateway --config /etc/agent/config.json"); err != nil {
		c.log.Warn("start_detached after restore failed, relying on provider auto-restart", "service_id", inst.ServiceID, "error", err)
	}

	recycleCtx, cancel := context.WithTimeout(ctx, c.cfg.RecycleTimeout)
	defer cancel()
	if err := c.pollUntilReady(recycleCtx, inst.BaseURL); err != nil {
		metrics.RecycleTotal.WithLabelValues("error").Inc()
		c.log.Warn("gateway did not become ready after restore, destroying instead of recycling", "instance_id", instanceID, "error", err)
		return c.Destroy(ctx, instanceID)
	}

	if err := c.meta.Delete(instanceID); err != nil {
		return fmt.Errorf("clear metadata row: %w", err)
	}

	inst.State = status.Idle
	inst.AgentName = ""
	inst.ConversationID = ""
	inst.InviteURL = ""
	inst.Instructions = ""
	inst.ClaimedAt = time.Time{}
	c.cache.Upsert(inst)

	metrics.RecycleTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Coordinator) pollUntilReady(ctx context.Context, baseURL string) error {
	const interval = 2 * time.Second
	for {
		result, err := c.gateway.Status(ctx, baseURL)
		if err == nil && result.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway did not become ready before recycle timeout: %w", ctx.Err())
		case <-c.clk.After(interval):
		}
	}
}

// Destroy is unconditional and is the fallback on recycle failure
// (§4.6). It deletes the metadata row, the provider service, and the
// cache entry, then triggers backfill.
func (c *Coordinator) Destroy(ctx context.Context, instanceID string) error {
	inst, ok := c.cache.Get(instanceID)
	if !ok {
		return poolerrors.NotFound("instance not found: " + instanceID)
	}

	if err := c.meta.Delete(instanceID); err != nil {
		c.log.Error("destroy: delete metadata row failed", "instance_id", instanceID, "error", err)
	}
	if err := c.provider.DeleteService(ctx, inst.ServiceID); err != nil {
		metrics.DestroyTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("delete service: %w", err)
	}
	c.cache.Remove(instanceID)

	c.triggerBackfill()
	metrics.DestroyTotal.WithLabelValues("success").Inc()
	return nil
}
