package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/convos/agent-pool-manager/internal/api"
	"github.com/convos/agent-pool-manager/internal/claim"
	"github.com/convos/agent-pool-manager/internal/claimset"
	"github.com/convos/agent-pool-manager/internal/clock"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/events"
	"github.com/convos/agent-pool-manager/internal/gatewayclient"
	"github.com/convos/agent-pool-manager/internal/heartbeat"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/maintenance"
	"github.com/convos/agent-pool-manager/internal/metastore"
	"github.com/convos/agent-pool-manager/internal/notify"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/provision"
	"github.com/convos/agent-pool-manager/internal/providerclient"
	"github.com/convos/agent-pool-manager/internal/reconciler"
	"github.com/convos/agent-pool-manager/internal/status"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("agent-pool-manager " + versionString())
	fmt.Println("=============================================")
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	meta, err := metastore.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open metadata store", "error", err)
		os.Exit(1)
	}
	defer meta.Close()

	var oauthCfg *providerclient.OAuthConfig
	if cfg.ProviderOAuthURL != "" {
		oauthCfg = &providerclient.OAuthConfig{
			TokenURL:     cfg.ProviderOAuthURL,
			ClientID:     cfg.ProviderOAuthID,
			ClientSecret: cfg.ProviderOAuthSecret,
		}
	}
	provider := providerclient.NewClient(cfg.ProviderBaseURL, cfg.ProviderToken, oauthCfg, log)
	gateway := gatewayclient.NewClient(cfg.GatewayProbeTimeout)

	cache := poolcache.New()
	claims := claimset.New()
	bus := events.New()
	clk := clock.Real{}

	if err := rehydrateCache(cache, meta, provider, log); err != nil {
		log.Error("failed to rehydrate cache from provider listing", "error", err)
	}

	provisioner := provision.New(cfg, provider, gateway, cache, clk, log)
	coordinator := claim.New(cfg, cache, claims, meta, provider, gateway, provisioner, bus, clk, log)
	recon := reconciler.New(cfg, cache, claims, meta, provider, gateway, provisioner, bus, clk, log)
	hb := heartbeat.New(cfg, cache, gateway, provider, coordinator, bus, clk, log)
	maint := maintenance.New(cfg, cache, meta, bus, clk, log)

	notifiers := buildNotifiers(cfg, log)
	multi := notify.NewMulti(log, notifiers...)

	srv := api.NewServer(api.Dependencies{
		Cache:          cache,
		Meta:           meta,
		Claims:         claims,
		Coordinator:    coordinator,
		Reconciler:     recon,
		Provisioner:    provisioner,
		Config:         cfg,
		MetricsEnabled: cfg.MetricsEnabled,
		Version:        versionString(),
		Log:            log,
	})

	addr := net.JoinHostPort("", cfg.Port)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control plane server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	go hb.Run(ctx)
	go notify.Run(ctx, bus, multi)
	go func() {
		if err := maint.Run(ctx); err != nil {
			log.Error("maintenance sweep error", "error", err)
		}
	}()

	log.Info("agent pool manager started", "version", version, "commit", commit)
	recon.Run(ctx)
	log.Info("agent pool manager shutdown complete")
}

// rehydrateCache seeds the cache from the provider's live service listing
// on startup, so a restart does not momentarily believe the pool is
// empty. The first reconciler tick re-derives every entry's state from
// scratch; this only avoids a blank window before that tick runs.
func rehydrateCache(cache *poolcache.Cache, meta *metastore.Store, provider providerclient.API, log *logging.Logger) error {
	services, ok, err := provider.ListServices(context.Background())
	if err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	if !ok {
		return fmt.Errorf("provider unavailable during startup rehydrate")
	}
	for _, svc := range services {
		row, found, err := meta.GetByServiceID(svc.ID)
		if err != nil {
			log.Warn("failed to look up metadata row during rehydrate", "service_id", svc.ID, "error", err)
		}
		inst := poolcache.Instance{
			ServiceID:    svc.ID,
			DisplayName:  svc.Name,
			State:        status.Starting,
			DeployStatus: svc.LatestDeployStatus,
		}
		if found {
			inst.ID = row.InstanceID
			inst.AgentName = row.AgentName
			inst.ConversationID = row.ConversationID
			inst.InviteURL = row.InviteURL
			inst.Instructions = row.Instructions
			inst.CheckpointID = row.CheckpointID
			inst.ClaimedAt = row.ClaimedAt
			inst.CreatedAt = row.CreatedAt
		} else {
			inst.ID = svc.ID
		}
		cache.Upsert(inst)
	}
	return nil
}

// buildNotifiers constructs one Notifier per configured channel. The log
// channel is always present as a guaranteed notification record; the
// rest are opt-in based on which config fields are set.
func buildNotifiers(cfg *config.Config, log *logging.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}

	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "", "", "", 0))
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL))
	}
	return notifiers
}
