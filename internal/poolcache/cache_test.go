package poolcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/convos/agent-pool-manager/internal/status"
)

func TestUpsertAndGet(t *testing.T) {
	c := New()
	c.Upsert(Instance{ID: "inst-1", ServiceID: "svc-1", State: status.Idle})

	got, ok := c.Get("inst-1")
	assert.True(t, ok)
	assert.Equal(t, status.Idle, got.State)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	c := New()
	c.Upsert(Instance{ID: "inst-1", State: status.Idle})
	c.Remove("inst-1")
	_, ok := c.Get("inst-1")
	assert.False(t, ok)
}

func TestCounts(t *testing.T) {
	c := New()
	c.Upsert(Instance{ID: "a", State: status.Starting})
	c.Upsert(Instance{ID: "b", State: status.Idle})
	c.Upsert(Instance{ID: "c", State: status.Idle})
	c.Upsert(Instance{ID: "d", State: status.Claimed})
	c.Upsert(Instance{ID: "e", State: status.Crashed})

	counts := c.Counts()
	assert.Equal(t, Counts{Starting: 1, Idle: 2, Claimed: 1, Crashed: 1}, counts)
}

func TestTotal_ExcludesCrashed(t *testing.T) {
	c := New()
	c.Upsert(Instance{ID: "a", State: status.Starting})
	c.Upsert(Instance{ID: "b", State: status.Crashed})
	assert.Equal(t, 1, c.Total())
}

func TestListIdle(t *testing.T) {
	c := New()
	c.Upsert(Instance{ID: "a", ServiceID: "svc-a", State: status.Idle})
	c.Upsert(Instance{ID: "b", ServiceID: "svc-b", State: status.Claimed})
	idle := c.ListIdle()
	assert.Len(t, idle, 1)
	assert.Equal(t, "svc-a", idle[0].ServiceID)
}

func TestGetByServiceID(t *testing.T) {
	c := New()
	c.Upsert(Instance{ID: "a", ServiceID: "svc-a", State: status.Idle})
	inst, ok := c.GetByServiceID("svc-a")
	assert.True(t, ok)
	assert.Equal(t, "a", inst.ID)

	_, ok = c.GetByServiceID("svc-missing")
	assert.False(t, ok)
}
