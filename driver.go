package hypervstate

import (
	"context"
	"time"
)

const (
	driverName        = "hyperv"
	driverDescription = "Desired state reconciler for Hyper-V"
)

// DefaultPowerTimeout is the time allowed for a power state transition
// to be observed, if not changed via WithPowerTimeout.
const DefaultPowerTimeout = 2 * time.Minute

// Driver reconciles desired state against a Provider. It holds no state
// about virtual machines between calls: every operation reads what it
// needs from the provider first.
//
// A Driver does not serialize calls. Concurrent operations against the
// same virtual machine must be serialized by the caller.
type Driver struct {
	provider     Provider
	checkmode    bool
	powertimeout time.Duration
	polldelay    time.Duration

	validated    bool
	status       string
	errormessage string
}

// Option configures a Driver.
type Option func(*Driver)

// WithCheckMode makes every operation report whether it would change
// anything, without changing it.
func WithCheckMode(checkmode bool) Option {
	return func(vd *Driver) {
		vd.checkmode = checkmode
	}
}

// WithPowerTimeout sets how long to wait for a power state transition
// to be observed.
func WithPowerTimeout(timeout time.Duration) Option {
	return func(vd *Driver) {
		if timeout > 0 {
			vd.powertimeout = timeout
		}
	}
}

// New returns a Driver that uses provider.
func New(provider Provider, opts ...Option) *Driver {
	result := &Driver{
		provider:     provider,
		powertimeout: DefaultPowerTimeout,
		polldelay:    time.Second,
		status:       "Unknown",
	}

	for _, opt := range opts {
		opt(result)
	}

	return result
}

// Name returns "hyperv"
func (vd *Driver) Name() string {
	return driverName
}

// Description returns "Desired state reconciler for Hyper-V"
func (vd *Driver) Description() string {
	return driverDescription
}

// CheckMode returns true if the driver only reports changes.
func (vd *Driver) CheckMode() bool {
	return vd.checkmode
}

func (vd *Driver) validate(ctx context.Context) bool {
	if vd.validated {
		return true
	}

	err := vd.provider.Check(ctx)
	if err != nil {
		vd.status = "Error"
		vd.errormessage = err.Error()
		return false
	}

	vd.status = "Ready"
	vd.errormessage = ""
	vd.validated = true
	return true
}

// Status returns current driver status: Ready, or Error if the
// provider cannot manage Hyper-V.
func (vd *Driver) Status(ctx context.Context) string {
	vd.validate(ctx)
	return vd.status
}

func (vd *Driver) Error() string {
	return vd.errormessage
}
