// Package poolcache holds the in-memory state cache: the authoritative
// view of every in-scope instance, rebuilt every reconciler tick from the
// provider and gateway. Only the reconciler writes derived fields; the
// claim coordinator writes only the entries corresponding to ids it owns
// via the claim-in-progress set (internal/claimset).
package poolcache

import (
	"sync"
	"time"

	"github.com/convos/agent-pool-manager/internal/status"
)

// Instance is one cache entry — spec §3's "Instance (cache entry)".
type Instance struct {
	ID           string              `json:"id"` // stable 12-char token
	ServiceID    string              `json:"serviceId"`
	DisplayName  string              `json:"displayName"`
	BaseURL      string              `json:"baseUrl,omitempty"`
	State        status.State        `json:"state"`
	DeployStatus status.DeployStatus `json:"deployStatus"`
	CreatedAt    time.Time           `json:"createdAt"`

	// Populated only when a metadata row exists (claimed, or crashed with
	// surviving metadata).
	AgentName      string    `json:"agentName,omitempty"`
	ClaimedAt      time.Time `json:"claimedAt,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	InviteURL      string    `json:"inviteUrl,omitempty"`
	Instructions   string    `json:"instructions,omitempty"`
	CheckpointID   string    `json:"checkpointId,omitempty"`
}

// Counts summarizes the cache by state, matching GET /pool/counts.
type Counts struct {
	Starting int `json:"starting"`
	Idle     int `json:"idle"`
	Claimed  int `json:"claimed"`
	Crashed  int `json:"crashed"`
}

// Cache is the RWMutex-guarded instance table.
type Cache struct {
	mu        sync.RWMutex
	instances map[string]Instance // keyed by instance id
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{instances: make(map[string]Instance)}
}

// Upsert writes or replaces the entry for inst.ID.
func (c *Cache) Upsert(inst Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[inst.ID] = inst
}

// Remove deletes the entry for id, if present.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, id)
}

// Get returns the entry for id and whether it was found.
func (c *Cache) Get(id string) (Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[id]
	return inst, ok
}

// GetByServiceID scans for the entry with the given provider service id.
// The cache is keyed by instance id, not service id, so this is O(n); n
// is bounded by MAX_TOTAL, which is small by design.
func (c *Cache) GetByServiceID(serviceID string) (Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, inst := range c.instances {
		if inst.ServiceID == serviceID {
			return inst, true
		}
	}
	return Instance{}, false
}

// List returns a snapshot of every cache entry.
func (c *Cache) List() []Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, inst)
	}
	return out
}

// ListIdle returns a snapshot of every instance currently in the idle
// state, for the claim coordinator to select from.
func (c *Cache) ListIdle() []Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Instance
	for _, inst := range c.instances {
		if inst.State == status.Idle {
			out = append(out, inst)
		}
	}
	return out
}

// Counts tallies the cache by derived state.
func (c *Cache) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var counts Counts
	for _, inst := range c.instances {
		switch inst.State {
		case status.Starting:
			counts.Starting++
		case status.Idle:
			counts.Idle++
		case status.Claimed:
			counts.Claimed++
		case status.Crashed:
			counts.Crashed++
		}
	}
	return counts
}

// Total returns the number of instances counted toward MAX_TOTAL:
// starting + idle + claimed. Crashed entries are excluded since they no
// longer occupy provider capacity in the steady state the reconciler
// reasons about (the provider service behind them is already gone or
// dead).
func (c *Cache) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, inst := range c.instances {
		switch inst.State {
		case status.Starting, status.Idle, status.Claimed:
			total++
		}
	}
	return total
}

// ServiceIDs returns the set of provider service ids currently tracked,
// used by the reconciler to find cache entries whose service has
// disappeared from the provider listing.
func (c *Cache) ServiceIDs() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.instances))
	for _, inst := range c.instances {
		out[inst.ServiceID] = struct{}{}
	}
	return out
}
