package claim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convos/agent-pool-manager/internal/claimset"
	"github.com/convos/agent-pool-manager/internal/clock"
	"github.com/convos/agent-pool-manager/internal/config"
	"github.com/convos/agent-pool-manager/internal/events"
	"github.com/convos/agent-pool-manager/internal/gatewayclient"
	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/metastore"
	"github.com/convos/agent-pool-manager/internal/poolcache"
	"github.com/convos/agent-pool-manager/internal/poolerrors"
	"github.com/convos/agent-pool-manager/internal/providerclient"
	"github.com/convos/agent-pool-manager/internal/status"
)

type fakeProvider struct {
	execErr   error
	renameErr error
	restoreErr error
	deleteErr error
	startErr  error
	deleted   []string
}

func (f *fakeProvider) CreateService(ctx context.Context, name, env string) (string, error) {
	return "", nil
}
func (f *fakeProvider) CreateDomain(ctx context.Context, serviceID string) (string, error) {
	return "", nil
}
func (f *fakeProvider) ListServices(ctx context.Context) ([]providerclient.ServiceSummary, bool, error) {
	return nil, true, nil
}
func (f *fakeProvider) DeleteService(ctx context.Context, serviceID string) error {
	f.deleted = append(f.deleted, serviceID)
	return f.deleteErr
}
func (f *fakeProvider) RenameService(ctx context.Context, serviceID, name string) error {
	return f.renameErr
}
func (f *fakeProvider) Exec(ctx context.Context, serviceID, script string) (providerclient.ExecResult, error) {
	if f.execErr != nil {
		return providerclient.ExecResult{}, f.execErr
	}
	return providerclient.ExecResult{ExitCode: 0}, nil
}
func (f *fakeProvider) StartDetached(ctx context.Context, serviceID, command string) error {
	return f.startErr
}
func (f *fakeProvider) CreateCheckpoint(ctx context.Context, serviceID, label string) (string, error) {
	return "", nil
}
func (f *fakeProvider) RestoreCheckpoint(ctx context.Context, serviceID, checkpointID string) error {
	return f.restoreErr
}
func (f *fakeProvider) CancelLatestDeploy(ctx context.Context, serviceID string) error {
	return nil
}
func (f *fakeProvider) Deploy(ctx context.Context, serviceID, branch string) (string, error) {
	return "deploy-1", nil
}

type fakeGateway struct {
	convResult  gatewayclient.ConversationResult
	convErr     error
	joinResult  gatewayclient.JoinResult
	joinErr     error
	statusReady bool
	statusErr   error
}

func (f *fakeGateway) Status(ctx context.Context, baseURL string) (gatewayclient.StatusResult, error) {
	if f.statusErr != nil {
		return gatewayclient.StatusResult{}, f.statusErr
	}
	return gatewayclient.StatusResult{Ready: f.statusReady}, nil
}
func (f *fakeGateway) CreateConversation(ctx context.Context, baseURL, name, profileName, env string) (gatewayclient.ConversationResult, error) {
	return f.convResult, f.convErr
}
func (f *fakeGateway) Join(ctx context.Context, baseURL, inviteURL, profileName, env string) (gatewayclient.JoinResult, error) {
	return f.joinResult, f.joinErr
}

type fakeBackfiller struct {
	called chan struct{}
	err    error
}

func newFakeBackfiller() *fakeBackfiller { return &fakeBackfiller{called: make(chan struct{}, 8)} }

func (f *fakeBackfiller) CreateInstance(ctx context.Context) (poolcache.Instance, error) {
	f.called <- struct{}{}
	if f.err != nil {
		return poolcache.Instance{}, f.err
	}
	return poolcache.Instance{ID: "backfilled"}, nil
}

func testCoordinator(t *testing.T, provider providerclient.API, gateway gatewayclient.API, backfill Backfiller) (*Coordinator, *poolcache.Cache, *metastore.Store) {
	t.Helper()
	cfg := config.NewTestConfig()
	cache := poolcache.New()
	claims := claimset.New()
	dbPath := t.TempDir() + "/test.db"
	meta, err := metastore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	bus := events.New()
	log := logging.New(false)

	c := New(cfg, cache, claims, meta, provider, gateway, backfill, bus, clock.Real{}, log)
	return c, cache, meta
}

func idleInstance() poolcache.Instance {
	return poolcache.Instance{
		ID:        "inst1",
		ServiceID: "svc1",
		BaseURL:   "https://inst1.example.test",
		State:     status.Idle,
		CreatedAt: time.Now(),
	}
}

func TestClaim_HappyPathCreateMode(t *testing.T) {
	provider := &fakeProvider{}
	gateway := &fakeGateway{convResult: gatewayclient.ConversationResult{ConversationID: "conv-1", InviteURL: "https://i/xyz"}}
	backfill := newFakeBackfiller()
	c, cache, meta := testCoordinator(t, provider, gateway, backfill)
	cache.Upsert(idleInstance())

	res, err := c.Claim(t.Context(), Request{AgentName: "tokyo", Instructions: "plan trips"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, "inst1", res.InstanceID)
	assert.False(t, res.Joined)

	cached, ok := cache.Get("inst1")
	require.True(t, ok)
	assert.Equal(t, status.Claimed, cached.State)

	row, found, err := meta.Get("inst1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "conv-1", row.ConversationID)

	select {
	case <-backfill.called:
	case <-time.After(time.Second):
		t.Fatal("expected backfill to be triggered")
	}
}

func TestClaim_JoinModeWaitingForAcceptance(t *testing.T) {
	provider := &fakeProvider{}
	gateway := &fakeGateway{joinResult: gatewayclient.JoinResult{Status: "waiting_for_acceptance"}}
	c, cache, _ := testCoordinator(t, provider, gateway, newFakeBackfiller())
	cache.Upsert(idleInstance())

	res, err := c.Claim(t.Context(), Request{AgentName: "tokyo", Instructions: "x", JoinURL: "https://i/existing"})
	require.NoError(t, err)
	assert.False(t, res.Joined)
}

func TestClaim_NoIdleInstanceReturnsNoIdleAvailable(t *testing.T) {
	c, _, _ := testCoordinator(t, &fakeProvider{}, &fakeGateway{}, newFakeBackfiller())
	_, err := c.Claim(t.Context(), Request{AgentName: "tokyo"})
	assert.True(t, poolerrors.Is(err, poolerrors.KindNoIdleAvailable))
}

func TestClaim_GatewayConflictAbortsWithoutMetadata(t *testing.T) {
	provider := &fakeProvider{}
	gateway := &fakeGateway{convErr: gatewayclient.ErrConflict}
	c, cache, meta := testCoordinator(t, provider, gateway, newFakeBackfiller())
	cache.Upsert(idleInstance())

	_, err := c.Claim(t.Context(), Request{AgentName: "tokyo"})
	assert.True(t, poolerrors.Is(err, poolerrors.KindConflict))

	_, found, ferr := meta.Get("inst1")
	require.NoError(t, ferr)
	assert.False(t, found)

	cached, _ := cache.Get("inst1")
	assert.Equal(t, status.Idle, cached.State, "instance remains idle; next tick re-derives it")
}

func TestClaim_ExecFailureReleasesClaimSlot(t *testing.T) {
	provider := &fakeProvider{execErr: fmt.Errorf("exec failed")}
	c, cache, _ := testCoordinator(t, provider, &fakeGateway{}, newFakeBackfiller())
	cache.Upsert(idleInstance())

	_, err := c.Claim(t.Context(), Request{AgentName: "tokyo"})
	require.Error(t, err)
	assert.Equal(t, 0, claimsLen(t, c))
}

func claimsLen(t *testing.T, c *Coordinator) int {
	t.Helper()
	return c.claims.Len()
}

func TestClaim_ConcurrentClaimsOnlyOneWins(t *testing.T) {
	provider := &fakeProvider{}
	gateway := &fakeGateway{convResult: gatewayclient.ConversationResult{ConversationID: "conv-1"}}
	c, cache, _ := testCoordinator(t, provider, gateway, newFakeBackfiller())
	cache.Upsert(idleInstance())

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Claim(t.Context(), Request{AgentName: "dup"})
			results <- err
		}()
	}
	var successes, failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			failures++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)
}

func TestRecycle_NoCheckpointFallsThroughToDestroy(t *testing.T) {
	provider := &fakeProvider{}
	c, cache, _ := testCoordinator(t, provider, &fakeGateway{}, newFakeBackfiller())
	inst := idleInstance()
	inst.State = status.Claimed
	cache.Upsert(inst)

	err := c.Recycle(t.Context(), "inst1")
	require.NoError(t, err)
	_, ok := cache.Get("inst1")
	assert.False(t, ok, "destroy removes the cache entry")
	assert.Contains(t, provider.deleted, "svc1")
}

func TestRecycle_RestoreFailureFallsThroughToDestroy(t *testing.T) {
	provider := &fakeProvider{restoreErr: fmt.Errorf("restore checkpoint failed")}
	c, cache, meta := testCoordinator(t, provider, &fakeGateway{}, newFakeBackfiller())
	inst := idleInstance()
	inst.State = status.Claimed
	inst.CheckpointID = "cp-1"
	cache.Upsert(inst)
	require.NoError(t, meta.Upsert(metastoreRow("inst1", "svc1")))

	err := c.Recycle(t.Context(), "inst1")
	require.NoError(t, err)

	_, ok := cache.Get("inst1")
	assert.False(t, ok, "destroy removes the cache entry")
	assert.Contains(t, provider.deleted, "svc1")
	_, found, ferr := meta.Get("inst1")
	require.NoError(t, ferr)
	assert.False(t, found)
}

func TestRecycle_PollTimeoutFallsThroughToDestroy(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.RecycleTimeout = 10 * time.Millisecond
	cache := poolcache.New()
	claims := claimset.New()
	dbPath := t.TempDir() + "/test.db"
	meta, err := metastore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	bus := events.New()
	log := logging.New(false)

	provider := &fakeProvider{}
	gateway := &fakeGateway{statusReady: false}
	c := New(cfg, cache, claims, meta, provider, gateway, newFakeBackfiller(), bus, clock.Real{}, log)

	inst := idleInstance()
	inst.State = status.Claimed
	inst.CheckpointID = "cp-1"
	cache.Upsert(inst)
	require.NoError(t, meta.Upsert(metastoreRow("inst1", "svc1")))

	err = c.Recycle(t.Context(), "inst1")
	require.NoError(t, err)

	_, ok := cache.Get("inst1")
	assert.False(t, ok, "destroy removes the cache entry")
	assert.Contains(t, provider.deleted, "svc1")
}

func TestRecycle_WithCheckpointReturnsToIdle(t *testing.T) {
	provider := &fakeProvider{}
	gateway := &fakeGateway{statusReady: true}
	c, cache, meta := testCoordinator(t, provider, gateway, newFakeBackfiller())
	inst := idleInstance()
	inst.State = status.Claimed
	inst.CheckpointID = "cp-1"
	inst.AgentName = "tokyo"
	cache.Upsert(inst)
	require.NoError(t, meta.Upsert(metastoreRow("inst1", "svc1")))

	err := c.Recycle(t.Context(), "inst1")
	require.NoError(t, err)

	cached, ok := cache.Get("inst1")
	require.True(t, ok)
	assert.Equal(t, status.Idle, cached.State)
	assert.Empty(t, cached.AgentName)

	_, found, ferr := meta.Get("inst1")
	require.NoError(t, ferr)
	assert.False(t, found)
}

func TestDestroy_RemovesEverythingAndTriggersBackfill(t *testing.T) {
	provider := &fakeProvider{}
	backfill := newFakeBackfiller()
	c, cache, meta := testCoordinator(t, provider, &fakeGateway{}, backfill)
	inst := idleInstance()
	inst.State = status.Claimed
	cache.Upsert(inst)
	require.NoError(t, meta.Upsert(metastoreRow("inst1", "svc1")))

	err := c.Destroy(t.Context(), "inst1")
	require.NoError(t, err)

	_, ok := cache.Get("inst1")
	assert.False(t, ok)
	_, found, _ := meta.Get("inst1")
	assert.False(t, found)
	assert.Contains(t, provider.deleted, "svc1")

	select {
	case <-backfill.called:
	case <-time.After(time.Second):
		t.Fatal("expected backfill to be triggered")
	}
}

func TestDestroy_UnknownInstanceReturnsNotFound(t *testing.T) {
	c, _, _ := testCoordinator(t, &fakeProvider{}, &fakeGateway{}, newFakeBackfiller())
	err := c.Destroy(t.Context(), "missing")
	assert.True(t, poolerrors.Is(err, poolerrors.KindNotFound))
}

func metastoreRow(instanceID, serviceID string) metastore.Row {
	return metastore.Row{InstanceID: instanceID, ProviderServiceID: serviceID, ClaimedAt: time.Now(), CreatedAt: time.Now()}
}
