// Package fault defines the error taxonomy shared by the provisioning core.
// Callers classify errors with errors.Is against the sentinels below.
package fault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports a missing service, order, product or OS version.
	ErrNotFound = errors.New("not found")
	// ErrNoCapacity reports that no address is available in a location.
	ErrNoCapacity = errors.New("no capacity")
	// ErrNetworkProvisioning wraps failures of the network allocator.
	ErrNetworkProvisioning = errors.New("network provisioning failed")
	// ErrComputeProvisioning wraps failures of the hypervisor.
	ErrComputeProvisioning = errors.New("compute provisioning failed")
	// ErrUnauthorized reports a payment event whose signature does not verify.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden reports a control request against an instance the requester does not own.
	ErrForbidden = errors.New("forbidden")
	// ErrProvisioningFailed is raised once a failed saga has been fully compensated.
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrControlFailed reports a hypervisor failure during a power action.
	ErrControlFailed = errors.New("control action failed")
	// ErrInvalidState reports an illegal resource transition.
	ErrInvalidState = errors.New("invalid state")
)

// ProvisioningError is the normalised error returned by a failed provisioning
// run. It matches ErrProvisioningFailed and unwraps to the step's cause.
type ProvisioningError struct {
	ServiceID uuid.UUID
	Step      string
	Cause     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed for service %s at %s: %v", e.ServiceID, e.Step, e.Cause)
}

func (e *ProvisioningError) Unwrap() error { return e.Cause }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioningFailed }

// Public returns the message safe to show outside the service boundary.
func Public(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProvisioningFailed):
		return "failed to provision VPS, please try again later or contact support"
	case errors.Is(err, ErrForbidden):
		return "instance not found or not owned by requester"
	case errors.Is(err, ErrUnauthorized):
		return "invalid signature"
	case errors.Is(err, ErrControlFailed):
		return "hypervisor rejected the action"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrNoCapacity):
		return "no capacity in the requested location"
	default:
		return "internal error"
	}
}
