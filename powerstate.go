package hypervstate

import (
	"context"

	"github.com/kuttiproject/drivercore"
	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

const powerStateModule = "hyperv_guest_powerstate"

// PowerStateParams describes the desired power state of a VM.
type PowerStateParams struct {
	Name string `yaml:"name" json:"name,omitempty"`
	VMID string `yaml:"vmid" json:"vmid,omitempty"`
	// State is started, stopped, saved or poweroff. Default is started.
	State string `yaml:"state" json:"state,omitempty"`
	// Force allows a hard turn-off when a graceful shutdown is not
	// possible, and discarding saved state when stopping a saved VM.
	Force bool `yaml:"force" json:"force,omitempty"`
}

func (p *PowerStateParams) normalize() error {
	if p.State == "" {
		p.State = "started"
	}

	state, err := choice("state", p.State, "started", "stopped", "saved", "poweroff")
	if err != nil {
		return err
	}
	p.State = state

	return nil
}

// PowerStateInfo is the metadata snapshot returned by PowerState.
type PowerStateInfo struct {
	VMName        string                   `json:"vmname"`
	VMID          string                   `json:"vmid"`
	PreviousState string                   `json:"PreviousState"`
	State         string                   `json:"State"`
	Status        drivercore.MachineStatus `json:"Status"`
}

type powerStep string

const (
	stepStart        powerStep = "start"
	stepResume       powerStep = "resume"
	stepShutdown     powerStep = "shutdown"
	stepTurnOff      powerStep = "turnoff"
	stepSave         powerStep = "save"
	stepDiscardSaved powerStep = "discardsaved"
)

type powerPlan struct {
	step powerStep
	// target is the Hyper-V state expected after step.
	target string
}

func (p powerPlan) none() bool {
	return p.step == ""
}

// planPowerState decides the transition from the current Hyper-V state
// to the desired state.
//
//	current  | started | stopped                | saved   | poweroff
//	---------+---------+------------------------+---------+-------------
//	Off      | start   | -                      | invalid | -
//	Running  | -       | shutdown               | save    | turnoff
//	Paused   | resume  | turnoff (force)        | save    | turnoff
//	Saved    | start   | discard saved (force)  | -       | discard saved
//
// Any other current state is a transition in progress, and is an error.
func planPowerState(desired string, current string, force bool) (powerPlan, error) {
	switch current {
	case vmStateOff, vmStateRunning, vmStatePaused, vmStateSaved:
	default:
		return powerPlan{}, errors.Wrapf(
			ErrInvalidTransition,
			"virtual machine is %s, try again once the transition completes",
			current,
		)
	}

	switch desired {
	case "started":
		switch current {
		case vmStateOff, vmStateSaved:
			return powerPlan{step: stepStart, target: vmStateRunning}, nil
		case vmStatePaused:
			return powerPlan{step: stepResume, target: vmStateRunning}, nil
		}

	case "stopped":
		switch current {
		case vmStateRunning:
			return powerPlan{step: stepShutdown, target: vmStateOff}, nil
		case vmStatePaused:
			if !force {
				return powerPlan{}, errors.Wrap(
					ErrInvalidTransition,
					"a paused virtual machine cannot shut down gracefully, use force to turn it off",
				)
			}
			return powerPlan{step: stepTurnOff, target: vmStateOff}, nil
		case vmStateSaved:
			if !force {
				return powerPlan{}, errors.Wrap(
					ErrInvalidTransition,
					"stopping a saved virtual machine discards its saved state, use force to allow it",
				)
			}
			return powerPlan{step: stepDiscardSaved, target: vmStateOff}, nil
		}

	case "poweroff":
		switch current {
		case vmStateRunning, vmStatePaused:
			return powerPlan{step: stepTurnOff, target: vmStateOff}, nil
		case vmStateSaved:
			return powerPlan{step: stepDiscardSaved, target: vmStateOff}, nil
		}

	case "saved":
		switch current {
		case vmStateRunning, vmStatePaused:
			return powerPlan{step: stepSave, target: vmStateSaved}, nil
		case vmStateOff:
			return powerPlan{}, errors.Wrap(
				ErrInvalidTransition,
				"a virtual machine that is off cannot be saved",
			)
		}
	}

	return powerPlan{}, nil
}

// PowerState brings a VM to the desired power state.
// It does this by running one of the Cmdlets:
//
//	Start-VM, Resume-VM, Stop-VM -Force, Stop-VM -TurnOff, Save-VM,
//	Remove-VMSavedState
//
// through an interface script, and then waiting until Get-VM reports
// the expected state.
// A graceful shutdown is attempted only if the guest heartbeat is OK.
// If it is not, or the shutdown fails or times out, Force turns the VM
// off instead; without Force, a distinct error is returned.
func (vd *Driver) PowerState(ctx context.Context, params PowerStateParams) (*PowerStateResult, error) {
	id := identity{Name: params.Name, VMID: params.VMID}
	resource := id.String()

	if err := params.normalize(); err != nil {
		return nil, fail(powerStateModule, resource, err)
	}
	if err := id.validate(); err != nil {
		return nil, fail(powerStateModule, resource, err)
	}

	if !vd.validate(ctx) {
		return nil, fail(powerStateModule, resource, vd)
	}

	vm, err := vd.resolveVM(ctx, id)
	if err != nil {
		return nil, fail(powerStateModule, resource, err)
	}

	plan, err := planPowerState(params.State, vm.State, params.Force)
	if err != nil {
		return nil, fail(powerStateModule, resource, err)
	}

	info := &PowerStateInfo{
		VMName:        vm.Name,
		VMID:          vm.ID,
		PreviousState: vm.State,
		State:         vm.State,
		Status:        MachineStatus(vm.State),
	}

	if plan.none() {
		return &PowerStateResult{PowerStateInfo: info}, nil
	}

	if vd.checkmode {
		kuttilog.Printf(kuttilog.Info, "Would %s virtual machine '%s'.", plan.step, vm.Name)
		info.State = plan.target
		info.Status = MachineStatus(plan.target)
		return &PowerStateResult{Changed: true, PowerStateInfo: info}, nil
	}

	final, err := vd.applyPowerPlan(ctx, vm, plan, params.Force)
	if err != nil {
		return nil, fail(powerStateModule, resource, err)
	}

	info.State = final.State
	info.Status = MachineStatus(final.State)
	return &PowerStateResult{Changed: true, PowerStateInfo: info}, nil
}

func (vd *Driver) applyPowerPlan(ctx context.Context, vm *VM, plan powerPlan, force bool) (*VM, error) {
	if plan.step == stepShutdown {
		return vd.shutdownVM(ctx, vm, force)
	}

	if err := vd.runPowerStep(ctx, vm, plan.step); err != nil {
		return nil, err
	}

	return vd.waitForState(ctx, vm.ID, plan.target)
}

func (vd *Driver) runPowerStep(ctx context.Context, vm *VM, step powerStep) error {
	var err error

	switch step {
	case stepStart:
		kuttilog.Printf(kuttilog.Info, "Starting virtual machine '%s'...", vm.Name)
		err = vd.provider.StartVM(ctx, vm.ID)
	case stepResume:
		kuttilog.Printf(kuttilog.Info, "Resuming virtual machine '%s'...", vm.Name)
		err = vd.provider.ResumeVM(ctx, vm.ID)
	case stepTurnOff:
		kuttilog.Printf(kuttilog.Info, "Turning off virtual machine '%s'...", vm.Name)
		err = vd.provider.TurnOffVM(ctx, vm.ID)
	case stepSave:
		kuttilog.Printf(kuttilog.Info, "Saving virtual machine '%s'...", vm.Name)
		err = vd.provider.SaveVM(ctx, vm.ID)
	case stepDiscardSaved:
		kuttilog.Printf(kuttilog.Info, "Discarding saved state of virtual machine '%s'...", vm.Name)
		err = vd.provider.RemoveSavedState(ctx, vm.ID)
	case stepShutdown:
		kuttilog.Printf(kuttilog.Info, "Shutting down virtual machine '%s'...", vm.Name)
		err = vd.provider.StopVM(ctx, vm.ID)
	}

	if err != nil {
		return errors.Wrapf(err, "could not %s virtual machine", step)
	}
	return nil
}

// shutdownVM asks the guest to shut down, escalating to a turn-off if
// force is set.
func (vd *Driver) shutdownVM(ctx context.Context, vm *VM, force bool) (*VM, error) {
	turnoff := func(reason error) (*VM, error) {
		kuttilog.Printf(kuttilog.Info, "Graceful shutdown not possible (%v), forcing.", reason)
		if err := vd.runPowerStep(ctx, vm, stepTurnOff); err != nil {
			return nil, err
		}
		return vd.waitForState(ctx, vm.ID, vmStateOff)
	}

	responsive, err := vd.provider.GuestResponsive(ctx, vm.ID)
	if err != nil {
		return nil, errors.Wrap(err, "could not check guest heartbeat")
	}
	if !responsive {
		reason := errors.Wrap(ErrGuestUnresponsive, "guest heartbeat is not OK, cannot shut down gracefully")
		if !force {
			return nil, errors.Wrap(reason, "use force to turn it off")
		}
		return turnoff(reason)
	}

	err = vd.runPowerStep(ctx, vm, stepShutdown)
	if err != nil {
		if !force {
			return nil, err
		}
		return turnoff(err)
	}

	final, err := vd.waitForState(ctx, vm.ID, vmStateOff)
	if errors.Is(err, ErrTransitionTimeout) && force {
		return turnoff(err)
	}

	return final, err
}
