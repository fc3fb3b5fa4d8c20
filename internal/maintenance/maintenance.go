// Package maintenance runs an optional cron-scheduled housekeeping sweep:
// BoltDB compaction and a crashed-entry digest. It is an operational
// nicety, never a correctness mechanism — the reconciler tick remains
// the sole source of truth for cache state. Scheduling is grounded in
// the teacher's use of robfig/cron for cron-expression validation in
// internal/web/api_settings.go; here the library drives the schedule
// itself rather than just validating one.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/convos/agent-pool-manager/internal/clock"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/events"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/metastore"
	"github.com/convos/agent-pool-manager/internal/metrics"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/status"
)

// parser accepts the same optional-seconds cron grammar the teacher
// validates schedules against.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Maintenance runs the housekeeping sweep on cfg.MaintenanceSchedule.
type Maintenance struct {
	cfg   *config.Config
	cache *poolcache.Cache
	meta  *metastore.Store
	bus   *events.Bus
	clk   clock.Clock
	log   *logging.Logger

	running sync.Mutex
}

// New creates a Maintenance sweeper.
func New(cfg *config.Config, cache *poolcache.Cache, meta *metastore.Store, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Maintenance {
	return &Maintenance{cfg: cfg, cache: cache, meta: meta, bus: bus, clk: clk, log: log.Component("maintenance")}
}

// Run starts the cron schedule and blocks until ctx is cancelled. A
// no-op if MaintenanceSchedule is empty, which is the default.
func (m *Maintenance) Run(ctx context.Context) error {
	schedule := m.cfg.MaintenanceSchedule
	if schedule == "" {
		m.log.Info("maintenance sweep disabled, not starting")
		return nil
	}

	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("parse maintenance schedule %q: %w", schedule, err)
	}

	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(schedule, func() { m.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule maintenance sweep: %w", err)
	}

	c.Start()
	m.log.Info("maintenance sweep scheduled", "schedule", schedule)
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	m.log.Info("maintenance sweep stopped")
	return nil
}

// Sweep runs one housekeeping pass: compact the metadata store and emit
// a digest of crashed entries older than MaintenanceDigestAge. Safe to
// call directly (e.g. for tests or a manual trigger) outside of Run's
// cron schedule; a sweep that starts while another holds running returns
// at once without doing anything.
func (m *Maintenance) Sweep(ctx context.Context) {
	if !m.running.TryLock() {
		m.log.Debug("maintenance sweep already in progress, skipping")
		return
	}
	defer m.running.Unlock()

	if err := m.meta.Compact(); err != nil {
		m.log.Error("maintenance compaction failed", "error", err)
		metrics.MaintenanceSweeps.WithLabelValues("error").Inc()
	} else {
		m.log.Info("maintenance compaction complete", "path", m.meta.Path())
	}

	stale := m.staleCrashed()
	metrics.MaintenanceCrashedDigest.Set(float64(len(stale)))
	if len(stale) == 0 {
		metrics.MaintenanceSweeps.WithLabelValues("success").Inc()
		return
	}

	ids := make([]string, 0, len(stale))
	for _, inst := range stale {
		ids = append(ids, inst.ID)
	}
	sort.Strings(ids)

	msg := fmt.Sprintf("%d crashed instance(s) older than %s: %v", len(stale), m.cfg.MaintenanceDigestAge, ids)
	m.log.Warn("maintenance crashed-entry digest", "count", len(stale), "instance_ids", ids)
	m.bus.Publish(events.Event{Kind: events.KindMaintenanceSwept, Message: msg, Timestamp: m.clk.Now()})
	metrics.MaintenanceSweeps.WithLabelValues("success").Inc()
}

func (m *Maintenance) staleCrashed() []poolcache.Instance {
	var out []poolcache.Instance
	for _, inst := range m.cache.List() {
		if inst.State != status.Crashed {
			continue
		}
		if m.clk.Since(inst.CreatedAt) >= m.cfg.MaintenanceDigestAge {
			out = append(out, inst)
		}
	}
	return out
}
