package providerclient

import "fmt"

// TransientProviderError wraps a provider call failure that is safe to
// retry with bounded attempts (network blips, 5xx, timeouts).
type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("provider: transient error during %s: %v", e.Op, e.Err)
}
func (e *TransientProviderError) Unwrap() error { return e.Err }

// NotFoundError is returned when the provider reports the target service
// does not exist. Callers treat this as success for deletes and as
// "instance gone" everywhere else.
type NotFoundError struct {
	ServiceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider: service %s not found", e.ServiceID)
}

// FatalProviderError wraps a provider failure that must propagate:
// malformed requests, permission errors, or anything not safe to retry.
type FatalProviderError struct {
	Op  string
	Err error
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("provider: fatal error during %s: %v", e.Op, e.Err)
}
func (e *FatalProviderError) Unwrap() error { return e.Err }
