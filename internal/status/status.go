// Package status implements the pool manager's pure state-derivation
// function: deploy status, an optional health probe, and age go in, a
// single pool State comes out. Nothing in this package performs I/O or
// reads external state, so it is exhaustively table-tested.
package status

import "time"

// DeployStatus is the provider's reported deployment status for a service.
// The zero value represents "null/unknown", matching a service the
// provider has not yet reported a deploy for.
type DeployStatus string

const (
	DeployUnknown   DeployStatus = ""
	DeployQueued    DeployStatus = "QUEUED"
	DeployWaiting   DeployStatus = "WAITING"
	DeployBuilding  DeployStatus = "BUILDING"
	DeployDeploying DeployStatus = "DEPLOYING"
	DeploySleeping  DeployStatus = "SLEEPING"
	DeployFailed    DeployStatus = "FAILED"
	DeployCrashed   DeployStatus = "CRASHED"
	DeployRemoved   DeployStatus = "REMOVED"
	DeploySkipped   DeployStatus = "SKIPPED"
	DeploySuccess   DeployStatus = "SUCCESS"
)

// State is the derived pool state of an instance. "crashed" is not
// produced by Derive; it is a reconciler-level rewrite applied when a
// metadata row exists for a dead or sleeping instance (see the
// reconciler package), since that rewrite depends on metadata that this
// package is deliberately blind to.
type State string

const (
	Starting State = "starting"
	Sleeping State = "sleeping"
	Dead     State = "dead"
	Idle     State = "idle"
	Claimed  State = "claimed"
	Crashed  State = "crashed"
)

// Probe is the result of a gateway /status call. A nil *Probe represents
// an unreachable gateway (the provider reports SUCCESS but the instance
// could not be probed, or hasn't been probed yet).
type Probe struct {
	Ready        bool
	HasConversation bool
}

// Derive maps (deploy status, probe, age) to a pool State. It is total:
// every combination of inputs produces a State, and it never returns
// Crashed.
func Derive(deploy DeployStatus, probe *Probe, age time.Duration, stuckTimeout time.Duration) State {
	switch deploy {
	case DeployQueued, DeployWaiting, DeployBuilding, DeployDeploying:
		return Starting
	case DeploySleeping:
		return Sleeping
	case DeployFailed, DeployCrashed, DeployRemoved, DeploySkipped:
		return Dead
	case DeploySuccess:
		if probe == nil {
			if age >= stuckTimeout {
				return Dead
			}
			return Starting
		}
		if probe.Ready && probe.HasConversation {
			return Claimed
		}
		if probe.Ready {
			return Idle
		}
		// Ready=false with a non-nil probe is treated the same as
		// unreachable: the gateway answered but isn't healthy yet.
		if age >= stuckTimeout {
			return Dead
		}
		return Starting
	default: // DeployUnknown and anything unrecognized
		if age >= stuckTimeout {
			return Dead
		}
		return Starting
	}
}
