package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const stuckTimeout = 15 * time.Minute

func TestDerive_StartingDeployStatuses(t *testing.T) {
	for _, ds := range []DeployStatus{DeployQueued, DeployWaiting, DeployBuilding, DeployDeploying} {
		assert.Equal(t, Starting, Derive(ds, nil, 0, stuckTimeout), "deploy=%s", ds)
		assert.Equal(t, Starting, Derive(ds, &Probe{Ready: true}, time.Hour, stuckTimeout), "deploy=%s", ds)
	}
}

func TestDerive_Sleeping(t *testing.T) {
	assert.Equal(t, Sleeping, Derive(DeploySleeping, nil, 0, stuckTimeout))
	assert.Equal(t, Sleeping, Derive(DeploySleeping, &Probe{Ready: true}, time.Hour, stuckTimeout))
}

func TestDerive_DeadDeployStatuses(t *testing.T) {
	for _, ds := range []DeployStatus{DeployFailed, DeployCrashed, DeployRemoved, DeploySkipped} {
		assert.Equal(t, Dead, Derive(ds, nil, 0, stuckTimeout), "deploy=%s", ds)
	}
}

func TestDerive_SuccessIdleNoConversation(t *testing.T) {
	got := Derive(DeploySuccess, &Probe{Ready: true, HasConversation: false}, 0, stuckTimeout)
	assert.Equal(t, Idle, got)
}

func TestDerive_SuccessClaimedWithConversation(t *testing.T) {
	got := Derive(DeploySuccess, &Probe{Ready: true, HasConversation: true}, 0, stuckTimeout)
	assert.Equal(t, Claimed, got)
}

func TestDerive_SuccessUnreachableBelowStuckTimeout(t *testing.T) {
	got := Derive(DeploySuccess, nil, stuckTimeout-time.Second, stuckTimeout)
	assert.Equal(t, Starting, got)
}

func TestDerive_SuccessUnreachableAtOrAboveStuckTimeout(t *testing.T) {
	assert.Equal(t, Dead, Derive(DeploySuccess, nil, stuckTimeout, stuckTimeout), "age == STUCK_TIMEOUT must be dead")
	assert.Equal(t, Dead, Derive(DeploySuccess, nil, stuckTimeout+time.Minute, stuckTimeout))
}

func TestDerive_UnknownDeployStatus(t *testing.T) {
	assert.Equal(t, Starting, Derive(DeployUnknown, nil, 0, stuckTimeout))
	assert.Equal(t, Starting, Derive(DeployUnknown, nil, stuckTimeout-time.Second, stuckTimeout))
	assert.Equal(t, Dead, Derive(DeployUnknown, nil, stuckTimeout, stuckTimeout))
	assert.Equal(t, Dead, Derive(DeployStatus("garbage"), nil, stuckTimeout, stuckTimeout))
}

func TestDerive_Deterministic(t *testing.T) {
	// Replaying identical inputs must yield identical outputs (§8 round-trip law).
	inputs := []struct {
		deploy DeployStatus
		probe  *Probe
		age    time.Duration
	}{
		{DeploySuccess, &Probe{Ready: true, HasConversation: true}, time.Minute},
		{DeploySuccess, nil, stuckTimeout},
		{DeployBuilding, nil, 0},
	}
	for _, in := range inputs {
		first := Derive(in.deploy, in.probe, in.age, stuckTimeout)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Derive(in.deploy, in.probe, in.age, stuckTimeout))
		}
	}
}

func TestDerive_NeverReturnsCrashed(t *testing.T) {
	all := []DeployStatus{
		DeployUnknown, DeployQueued, DeployWaiting, DeployBuilding, DeployDeploying,
		DeploySleeping, DeployFailed, DeployCrashed, DeployRemoved, DeploySkipped, DeploySuccess,
	}
	probes := []*Probe{nil, {Ready: false}, {Ready: true}, {Ready: true, HasConversation: true}}
	ages := []time.Duration{0, stuckTimeout - time.Second, stuckTimeout, stuckTimeout + time.Hour}
	for _, ds := range all {
		for _, p := range probes {
			for _, age := range ages {
				assert.NotEqual(t, Crashed, Derive(ds, p, age, stuckTimeout))
			}
		}
	}
}
