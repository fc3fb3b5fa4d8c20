// Package providerclient is the narrow wrapper around the external
// compute provider that hosts agent instances. It is the only package
// that knows the provider's wire format; everything above it works in
// terms of this interface so tests can supply a fake.
package providerclient

import (
	"context"
	"time"

	"github.com/convos/agent-pool-manager/internal/status"
)

// ServiceSummary is one row of a provider listing.
type ServiceSummary struct {
	ID                string
	Name              string
	CreatedAt         time.Time
	EnvironmentID     string
	LatestDeployStatus status.DeployStatus // status.DeployUnknown if the provider has no deploy yet
}

// ExecResult is the outcome of a synchronous exec call.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Unavailable is a distinguishable empty listing, returned by ListServices
// when the provider cannot currently be read. The reconciler must treat a
// nil slice with ok=false as "do nothing", never as "zero services".
var Unavailable = ([]ServiceSummary)(nil)

// API is the subset of provider operations the pool manager uses.
// Implemented by Client for production, and by hand-written fakes in
// _test.go files elsewhere in this module.
type API interface {
	CreateService(ctx context.Context, name, env string) (serviceID string, err error)
	CreateDomain(ctx context.Context, serviceID string) (fqdn string, err error)
	// ListServices returns (services, ok). ok is false when the provider
	// could not be read; callers must not treat that the same as an
	// empty, successful listing.
	ListServices(ctx context.Context) (services []ServiceSummary, ok bool, err error)
	DeleteService(ctx context.Context, serviceID string) error
	RenameService(ctx context.Context, serviceID, name string) error
	Exec(ctx context.Context, serviceID, shellScript string) (ExecResult, error)
	StartDetached(ctx context.Context, serviceID, command string) error
	CreateCheckpoint(ctx context.Context, serviceID, label string) (checkpointID string, err error)
	RestoreCheckpoint(ctx context.Context, serviceID, checkpointID string) error
	// CancelLatestDeploy cancels any deployment the provider auto-started
	// on service creation. A no-op, not an error, if nothing is running.
	CancelLatestDeploy(ctx context.Context, serviceID string) error
	// Deploy issues a single controlled deploy of branch, returning the
	// provider's deploy id.
	Deploy(ctx context.Context, serviceID, branch string) (deployID string, err error)
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
