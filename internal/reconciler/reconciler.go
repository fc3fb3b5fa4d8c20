// Package reconciler implements the tick loop (§4.3): the periodic task
// that rebuilds the state cache from the provider and gateway, retires
// dead or vanished instances, and replenishes the pool toward MIN_IDLE.
// The run-loop shape (non-overlapping timer, runtime-adjustable interval)
// is adapted from the teacher's internal/engine/scheduler.go; a manual
// trigger calls the tick directly rather than signalling the loop.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/convos/agent-pool-manager/internal/clock"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/events"
	"github.com/convos/agent-pool-manager/internal/gatewayclient"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/metastore"
	"github.com/convos/agent-pool-manager/internal/metrics"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/providerclient"
	"github.com/convos/agent-pool-manager/internal/status"
)

const poolManagerServiceMarker = "pool-manager"

// Backfiller creates a single replacement instance; satisfied by
// *provision.Provisioner. Kept narrow so this package needn't depend on
// provision's whole surface.
type Backfiller interface {
	CreateInstance(ctx context.Context) (poolcache.Instance, error)
}

// ClaimChecker answers whether a service id is currently claim-in-progress.
// Satisfied by *claimset.Set.
type ClaimChecker interface {
	Contains(id string) bool
}

// Reconciler runs tick cycles against the cache.
type Reconciler struct {
	cfg      *config.Config
	cache    *poolcache.Cache
	claims   ClaimChecker
	meta     *metastore.Store
	provider providerclient.API
	gateway  gatewayclient.API
	backfill Backfiller
	bus      *events.Bus
	clk      clock.Clock
	log      *logging.Logger

	mu               sync.Mutex
	consecutiveFails int
	breakerUntil     time.Time

	resetCh chan struct{}
	running sync.Mutex // guards against overlapping ticks
}

// New creates a Reconciler.
func New(cfg *config.Config, cache *poolcache.Cache, claims ClaimChecker, meta *metastore.Store, provider providerclient.API, gateway gatewayclient.API, backfill Backfiller, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Reconciler {
	return &Reconciler{
		cfg: cfg, cache: cache, claims: claims, meta: meta,
		provider: provider, gateway: gateway, backfill: backfill,
		bus: bus, clk: clk, log: log.Component("reconciler"),
		resetCh: make(chan struct{}, 1),
	}
}

// Run performs an immediate tick, then ticks at cfg.TickInterval() until
// ctx is done. A tick that overruns the interval never overlaps the next
// one: the timer only starts counting again once Tick returns.
func (r *Reconciler) Run(ctx context.Context) {
	r.tickAndLog(ctx)
	for {
		select {
		case <-r.clk.After(r.cfg.TickInterval()):
			r.tickAndLog(ctx)
		case <-r.resetCh:
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		}
	}
}

// TriggerTick runs an immediate tick outside the normal timer, used by
// POST /pool/reconcile.
func (r *Reconciler) TriggerTick(ctx context.Context) {
	r.tickAndLog(ctx)
}

func (r *Reconciler) tickAndLog(ctx context.Context) {
	if !r.running.TryLock() {
		r.log.Warn("tick already running, skipping")
		return
	}
	defer r.running.Unlock()

	start := r.clk.Now()
	if err := r.Tick(ctx); err != nil {
		r.log.Error("tick failed", "error", err)
		metrics.TickErrors.WithLabelValues("tick").Inc()
	}
	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(r.clk.Since(start).Seconds())
}

// Tick runs the eight steps of §4.3 once.
func (r *Reconciler) Tick(ctx context.Context) error {
	services, ok, err := r.provider.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	if !ok {
		r.log.Warn("provider listing unavailable, skipping tick")
		return nil
	}

	inScope := r.filterInScope(services)
	metaByService := r.loadMetaIndex()
	probes, baseURLs := r.probeAll(ctx, inScope)

	var toDelete []string
	inScopeIDs := make(map[string]struct{}, len(inScope))

	for _, svc := range inScope {
		inScopeIDs[svc.ID] = struct{}{}
		if r.claims.Contains(svc.ID) {
			continue
		}

		age := r.clk.Since(svc.CreatedAt)
		probe := probes[svc.ID]
		derived := status.Derive(svc.LatestDeployStatus, probe, age, r.cfg.StuckTimeout())
		row, hasMeta := metaByService[svc.ID]

		if derived == status.Dead || derived == status.Sleeping {
			if hasMeta {
				entry := crashedEntry(svc, row)
				if prev, ok := r.cache.Get(entry.ID); !ok || prev.State != status.Crashed {
					r.bus.Publish(events.Event{Kind: events.KindInstanceCrashed, InstanceID: entry.ID, ServiceID: svc.ID, Message: "instance crashed", Timestamp: r.clk.Now()})
				}
				r.cache.Upsert(entry)
				continue
			}
			r.cache.Remove(instanceIDForService(r.cache, svc.ID))
			toDelete = append(toDelete, svc.ID)
			continue
		}

		existingID := instanceIDForService(r.cache, svc.ID)
		baseURL := baseURLs[svc.ID]
		if baseURL == "" {
			if existing, ok := r.cache.GetByServiceID(svc.ID); ok {
				baseURL = existing.BaseURL
			}
		}
		r.cache.Upsert(workingEntry(svc, derived, row, hasMeta, existingID, baseURL))
	}

	r.pruneVanished(inScopeIDs)
	r.executeDeletes(ctx, toDelete)
	r.replenish()

	r.updateGaugeMetrics()
	return nil
}

// filterInScope keeps services whose name is prefixed by the pool
// prefix+environment and excludes the pool manager's own service.
func (r *Reconciler) filterInScope(services []providerclient.ServiceSummary) []providerclient.ServiceSummary {
	prefix := r.cfg.PoolPrefix + r.cfg.EnvironmentTag
	out := make([]providerclient.ServiceSummary, 0, len(services))
	for _, svc := range services {
		if !strings.HasPrefix(svc.Name, prefix) {
			continue
		}
		if strings.Contains(svc.Name, poolManagerServiceMarker) {
			continue
		}
		if svc.EnvironmentID != "" && svc.EnvironmentID != r.cfg.EnvironmentTag {
			continue
		}
		out = append(out, svc)
	}
	return out
}

func (r *Reconciler) loadMetaIndex() map[string]metastore.Row {
	rows, err := r.meta.List()
	if err != nil {
		r.log.Error("load metadata index failed", "error", err)
		return map[string]metastore.Row{}
	}
	out := make(map[string]metastore.Row, len(rows))
	for _, row := range rows {
		out[row.ProviderServiceID] = row
	}
	return out
}

// probeAll issues /status probes in parallel for every SUCCESS-deployed
// in-scope service, using a settle-all combinator: every goroutine
// reports into its own map slot, failures are isolated per-service and
// never abort the batch (§4.3 step 4, §5 ordering).
func (r *Reconciler) probeAll(ctx context.Context, services []providerclient.ServiceSummary) (map[string]*status.Probe, map[string]string) {
	results := make(map[string]*status.Probe, len(services))
	baseURLs := make(map[string]string, len(services))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, svc := range services {
		if svc.LatestDeployStatus != status.DeploySuccess {
			continue
		}
		baseURL := r.resolveBaseURL(svc)
		if baseURL == "" {
			continue
		}
		mu.Lock()
		baseURLs[svc.ID] = baseURL
		mu.Unlock()

		wg.Add(1)
		go func(svc providerclient.ServiceSummary, baseURL string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.GatewayProbeTimeout)
			defer cancel()
			res, err := r.gateway.Status(probeCtx, baseURL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				kind := "other"
				var unavailable *gatewayclient.ErrUnavailable
				if errors.As(err, &unavailable) {
					kind = "unavailable"
				}
				metrics.GatewayProbeErrors.WithLabelValues(kind).Inc()
				return
			}
			results[svc.ID] = &status.Probe{Ready: res.Ready, HasConversation: res.ConversationID != ""}
		}(svc, baseURL)
	}
	wg.Wait()
	return results, baseURLs
}

func (r *Reconciler) resolveBaseURL(svc providerclient.ServiceSummary) string {
	if cached, ok := r.cache.GetByServiceID(svc.ID); ok && cached.BaseURL != "" {
		return cached.BaseURL
	}
	fqdn, err := r.provider.CreateDomain(context.Background(), svc.ID)
	if err != nil {
		return ""
	}
	return "https://" + fqdn
}

func (r *Reconciler) pruneVanished(inScopeIDs map[string]struct{}) {
	for _, inst := range r.cache.List() {
		if _, ok := inScopeIDs[inst.ServiceID]; ok {
			continue
		}
		if r.claims.Contains(inst.ServiceID) {
			continue
		}
		r.cache.Remove(inst.ID)
	}
}

func (r *Reconciler) executeDeletes(ctx context.Context, serviceIDs []string) {
	for _, id := range serviceIDs {
		if err := r.provider.DeleteService(ctx, id); err != nil {
			r.log.Error("scheduled delete failed", "service_id", id, "error", err)
			continue
		}
		r.log.Info("deleted orphan service", "service_id", id)
	}
}

// replenish issues creates up to the computed deficit, guarded by the
// circuit breaker (§4.3 step 8, circuit breaker paragraph). Each create is
// fired in the background and not awaited: §4.3 step 8 requires creation
// side effects be issued immediately, with the cache gaining its Starting
// row as soon as the service id is known rather than once the whole
// cold-start sequence completes. Mirrors triggerBackfill in
// internal/claim/claim.go.
func (r *Reconciler) replenish() {
	if r.breakerOpen() {
		return
	}

	counts := r.cache.Counts()
	total := r.cache.Total()
	idleStarting := counts.Idle + counts.Starting
	deficit := r.cfg.MinIdle() - idleStarting
	if deficit <= 0 {
		return
	}
	headroom := r.cfg.MaxTotal() - total
	if headroom <= 0 {
		return
	}
	n := deficit
	if headroom < n {
		n = headroom
	}

	for i := 0; i < n; i++ {
		go r.createOne()
	}
}

func (r *Reconciler) createOne() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CreateTimeout)
	defer cancel()
	if _, err := r.backfill.CreateInstance(ctx); err != nil {
		r.recordCreateFailure(err)
		return
	}
	r.recordCreateSuccess()
}

func (r *Reconciler) breakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.breakerUntil.IsZero() {
		return false
	}
	if r.clk.Now().Before(r.breakerUntil) {
		return true
	}
	r.breakerUntil = time.Time{}
	r.consecutiveFails = 0
	metrics.CircuitBreakerState.Set(0)
	return false
}

func (r *Reconciler) recordCreateFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFails++
	r.log.Error("create_instance failed during replenish", "consecutive_failures", r.consecutiveFails, "error", err)
	r.bus.Publish(events.Event{Kind: events.KindCreateFailed, Message: err.Error(), Timestamp: r.clk.Now()})
	if r.consecutiveFails >= r.cfg.FailureThreshold() {
		r.breakerUntil = r.clk.Now().Add(r.cfg.CoolDown())
		metrics.CircuitBreakerState.Set(1)
		metrics.CircuitBreakerTrips.Inc()
		r.bus.Publish(events.Event{Kind: events.KindCircuitBreakerTripped, Message: "replenish suppressed during cool-down", Timestamp: r.clk.Now()})
		r.log.Warn("circuit breaker tripped, suppressing creation", "cool_down", r.cfg.CoolDown())
	}
}

func (r *Reconciler) recordCreateSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFails = 0
}

func (r *Reconciler) updateGaugeMetrics() {
	counts := r.cache.Counts()
	metrics.InstancesTotal.WithLabelValues("starting").Set(float64(counts.Starting))
	metrics.InstancesTotal.WithLabelValues("idle").Set(float64(counts.Idle))
	metrics.InstancesTotal.WithLabelValues("claimed").Set(float64(counts.Claimed))
	metrics.InstancesTotal.WithLabelValues("crashed").Set(float64(counts.Crashed))
}

func workingEntry(svc providerclient.ServiceSummary, derived status.State, row metastore.Row, hasMeta bool, existingID, baseURL string) poolcache.Instance {
	inst := poolcache.Instance{
		ID:           instanceID(svc, row, hasMeta, existingID),
		ServiceID:    svc.ID,
		DisplayName:  svc.Name,
		BaseURL:      baseURL,
		State:        derived,
		DeployStatus: svc.LatestDeployStatus,
		CreatedAt:    svc.CreatedAt,
	}
	if hasMeta {
		inst.AgentName = row.AgentName
		inst.ConversationID = row.ConversationID
		inst.InviteURL = row.InviteURL
		inst.Instructions = row.Instructions
		inst.CheckpointID = row.CheckpointID
		inst.ClaimedAt = row.ClaimedAt
	}
	return inst
}

func crashedEntry(svc providerclient.ServiceSummary, row metastore.Row) poolcache.Instance {
	return poolcache.Instance{
		ID:             row.InstanceID,
		ServiceID:      svc.ID,
		DisplayName:    svc.Name,
		State:          status.Crashed,
		DeployStatus:   svc.LatestDeployStatus,
		CreatedAt:      svc.CreatedAt,
		AgentName:      row.AgentName,
		ConversationID: row.ConversationID,
		InviteURL:      row.InviteURL,
		Instructions:   row.Instructions,
		CheckpointID:   row.CheckpointID,
		ClaimedAt:      row.ClaimedAt,
	}
}

// instanceID prefers the metadata row's id (stable across ticks for a
// claimed instance); otherwise the id the cache already has for this
// service (assigned at create time); otherwise the service id itself.
// The service id is also what every instance without a metadata row
// carries after a restart, since rehydration seeds such entries with it.
func instanceID(svc providerclient.ServiceSummary, row metastore.Row, hasMeta bool, existingID string) string {
	if hasMeta {
		return row.InstanceID
	}
	if existingID != "" {
		return existingID
	}
	return svc.ID
}

func instanceIDForService(cache *poolcache.Cache, serviceID string) string {
	if inst, ok := cache.GetByServiceID(serviceID); ok {
		return inst.ID
	}
	return serviceID
}
