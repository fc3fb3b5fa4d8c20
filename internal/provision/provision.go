// Package provision implements CreateInstance (§4.4), the cold path used
// by the reconciler's replenish step and by manual /pool/replenish calls.
// Every failure triggers a best-effort full rollback; nothing here is
// retried beyond what the provider client already retries internally at
// the transport layer.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/convos/agent-pool-manager/internal/clock"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/gatewayclient"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/metrics"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/providerclient"
	"github.com/convos/agent-pool-manager/internal/secrets"
	"github.com/convos/agent-pool-manager/internal/status"
)

const gatewayListenPort = 8081

// Provisioner creates new instances and inserts them into the cache.
type Provisioner struct {
	cfg      *config.Config
	provider providerclient.API
	gateway  gatewayclient.API
	cache    *poolcache.Cache
	clk      clock.Clock
	log      *logging.Logger
}

// New creates a Provisioner.
func New(cfg *config.Config, provider providerclient.API, gateway gatewayclient.API, cache *poolcache.Cache, clk clock.Clock, log *logging.Logger) *Provisioner {
	return &Provisioner{cfg: cfg, provider: provider, gateway: gateway, cache: cache, clk: clk, log: log.Component("provision")}
}

// CreateInstance runs the full cold-start sequence: provider service
// creation, config injection, gateway start, readiness poll, and
// pre-checkpoint identity audit. Any step failing after the service was
// created triggers a best-effort rollback (provider delete + cache
// removal) before the error is returned.
func (p *Provisioner) CreateInstance(ctx context.Context) (poolcache.Instance, error) {
	start := p.clk.Now()
	id, err := generateID()
	if err != nil {
		metrics.InstancesCreated.WithLabelValues("error").Inc()
		return poolcache.Instance{}, err
	}
	name := fmt.Sprintf("%s%s-%s", p.cfg.PoolPrefix, p.cfg.EnvironmentTag, id)

	serviceID, err := p.provider.CreateService(ctx, name, p.cfg.EnvironmentTag)
	if err != nil {
		p.log.Error("create_service failed", "name", name, "error", err)
		metrics.InstancesCreated.WithLabelValues("error").Inc()
		return poolcache.Instance{}, fmt.Errorf("create service: %w", err)
	}

	inst := poolcache.Instance{
		ID:           id,
		ServiceID:    serviceID,
		DisplayName:  name,
		State:        status.Starting,
		DeployStatus: status.DeployQueued,
		CreatedAt:    p.clk.Now(),
	}
	p.cache.Upsert(inst)

	if err := p.finishCreate(ctx, &inst); err != nil {
		p.rollback(ctx, inst)
		metrics.InstancesCreated.WithLabelValues("error").Inc()
		return poolcache.Instance{}, err
	}

	metrics.InstancesCreated.WithLabelValues("success").Inc()
	metrics.CreateDuration.Observe(p.clk.Since(start).Seconds())
	return inst, nil
}

func (p *Provisioner) finishCreate(ctx context.Context, inst *poolcache.Instance) error {
	fqdn, err := p.provider.CreateDomain(ctx, inst.ServiceID)
	if err != nil {
		return fmt.Errorf("create domain: %w", err)
	}
	inst.BaseURL = "https://" + fqdn
	p.cache.Upsert(*inst)

	if err := p.provider.CancelLatestDeploy(ctx, inst.ServiceID); err != nil {
		return fmt.Errorf("cancel auto-started deploy: %w", err)
	}
	if _, err := p.provider.Deploy(ctx, inst.ServiceID, p.cfg.DeployBranch); err != nil {
		return fmt.Errorf("deploy %s: %w", p.cfg.DeployBranch, err)
	}

	if err := p.writeInstanceConfig(ctx, inst.ServiceID, inst.ID); err != nil {
		return fmt.Errorf("write instance config: %w", err)
	}

	if err := p.provider.StartDetached(ctx, inst.ServiceID, "agent-gateway --config /etc/agent/config.json"); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	if err := p.pollUntilReady(createCtx, inst.BaseURL); err != nil {
		return err
	}
	inst.State = status.Idle
	inst.DeployStatus = status.DeploySuccess
	p.cache.Upsert(*inst)

	if err := p.auditCleanIdentity(ctx, inst.ServiceID); err != nil {
		return fmt.Errorf("pre-checkpoint audit: %w", err)
	}

	checkpointID, err := p.provider.CreateCheckpoint(ctx, inst.ServiceID, "golden")
	if err != nil {
		// Checkpoint creation is best-effort: a provider without checkpoint
		// support, or a transient failure here, still leaves a usable idle
		// instance; it simply falls back to destroy instead of recycle later.
		p.log.Warn("create_checkpoint failed, instance will destroy instead of recycle", "service_id", inst.ServiceID, "error", err)
		return nil
	}
	inst.CheckpointID = checkpointID
	p.cache.Upsert(*inst)
	return nil
}

// writeInstanceConfig derives the instance's gateway auth token and
// writes both the agent JSON config and the model-key dotenv via exec,
// before the gateway is started so restart/restore paths find valid
// config on disk.
func (p *Provisioner) writeInstanceConfig(ctx context.Context, serviceID, instanceID string) error {
	token, err := secrets.GatewayToken(p.cfg.GatewayMasterSecret, instanceID)
	if err != nil {
		return err
	}
	cfg := secrets.GatewayConfig{
		ListenPort: gatewayListenPort,
		BindScope:  "loopback",
		AuthToken:  token,
		Channel:    "default",
	}
	cfgJSON, err := cfg.RenderJSON()
	if err != nil {
		return err
	}
	dotenv := secrets.RenderDotenv(p.cfg.ModelAPIKey)

	script := fmt.Sprintf("mkdir -p /etc/agent && cat > /etc/agent/config.json <<'POOLMGR_EOF'\n%s\nPOOLMGR_EOF\ncat > /etc/agent/.env <<'POOLMGR_EOF'\n%sPOOLMGR_EOF\n", cfgJSON, dotenv)
	result, err := p.provider.Exec(ctx, serviceID, script)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("write config exited %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// pollUntilReady polls the gateway /status endpoint until ready=true or
// ctx is done. It does not retry internally beyond the poll loop itself;
// a failure here escalates to rollback.
func (p *Provisioner) pollUntilReady(ctx context.Context, baseURL string) error {
	const interval = 2 * time.Second
	for {
		result, err := p.gateway.Status(ctx, baseURL)
		if err == nil && result.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway did not become ready before create timeout: %w", ctx.Err())
		case <-p.clk.After(interval):
		}
	}
}

// auditCleanIdentity verifies no identity or conversation files exist on
// disk before a checkpoint is taken. A non-empty identity directory
// before checkpoint poisons every future recycle with a duplicate
// identity, so this is treated as fatal (§9 design notes).
func (p *Provisioner) auditCleanIdentity(ctx context.Context, serviceID string) error {
	result, err := p.provider.Exec(ctx, serviceID, "find /var/lib/agent/identity /var/lib/agent/conversation -mindepth 1 2>/dev/null | wc -l")
	if err != nil {
		return err
	}
	if result.Stdout != "" && result.Stdout != "0\n" && result.Stdout != "0" {
		return fmt.Errorf("identity or conversation files present before checkpoint: %q", result.Stdout)
	}
	return nil
}

// rollback deletes the provider service and removes the cache entry.
// Rollback is best-effort: a delete failure is logged, never escalated,
// since the instance is already being abandoned.
func (p *Provisioner) rollback(ctx context.Context, inst poolcache.Instance) {
	p.cache.Remove(inst.ID)
	if err := p.provider.DeleteService(ctx, inst.ServiceID); err != nil {
		p.log.Error("rollback delete_service failed", "service_id", inst.ServiceID, "error", err)
	}
}
