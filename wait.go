package hypervstate

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

var errNotYet = errors.New("power state not reached yet")

// waitForState polls the VM until it reports state, for at most the
// driver's power timeout. It returns the VM as last observed.
func (vd *Driver) waitForState(ctx context.Context, id string, state string) (*VM, error) {
	var observed *VM

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = vd.polldelay
	policy.MaxInterval = 10 * vd.polldelay
	policy.MaxElapsedTime = vd.powertimeout

	operation := func() error {
		vm, err := vd.provider.GetVM(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}

		observed = vm
		if vm.State != state {
			kuttilog.Printf(kuttilog.Debug, "Virtual machine '%s' is %s, waiting for %s...", vm.Name, vm.State, state)
			return errNotYet
		}

		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if errors.Is(err, errNotYet) {
		current := "unknown"
		if observed != nil {
			current = observed.State
		}
		return observed, errors.Wrapf(
			ErrTransitionTimeout,
			"still %s after %v, expected %s",
			current,
			vd.powertimeout,
			state,
		)
	}
	if err != nil {
		return observed, err
	}

	return observed, nil
}
