package hypervstate

import (
	"context"
	"strings"

	"github.com/kuttiproject/drivercore"
	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

const customizationModule = "hyperv_guest_customization"

// CustomizationParams describes settings of an existing VM. Only the
// fields that are set are changed; nil fields are left as they are.
type CustomizationParams struct {
	Name            string `yaml:"name" json:"name,omitempty"`
	VMID            string `yaml:"vmid" json:"vmid,omitempty"`
	StartupMemoryGB *int   `yaml:"startup_memory_gb" json:"startup_memory_gb,omitempty"`
	ProcessorCount  *int   `yaml:"processor_count" json:"processor_count,omitempty"`
	DynamicMemory   *bool  `yaml:"dynamic_memory" json:"dynamic_memory,omitempty"`
	// MinimumMemoryGB and MaximumMemoryGB need dynamic memory, either
	// already enabled or enabled by DynamicMemory.
	MinimumMemoryGB *int `yaml:"minimum_memory_gb" json:"minimum_memory_gb,omitempty"`
	MaximumMemoryGB *int `yaml:"maximum_memory_gb" json:"maximum_memory_gb,omitempty"`
	// CheckpointType is disabled, production, productiononly or standard.
	CheckpointType *string `yaml:"checkpoint_type" json:"checkpoint_type,omitempty"`
	// AutomaticStartAction is nothing, startifrunning or start.
	AutomaticStartAction *string `yaml:"automatic_start_action" json:"automatic_start_action,omitempty"`
	// AutomaticStopAction is save, turnoff or shutdown.
	AutomaticStopAction        *string `yaml:"automatic_stop_action" json:"automatic_stop_action,omitempty"`
	AutomaticStartDelay        *int    `yaml:"automatic_start_delay" json:"automatic_start_delay,omitempty"`
	Notes                      *string `yaml:"notes" json:"notes,omitempty"`
	EnableAutomaticCheckpoints *bool   `yaml:"enable_automatic_checkpoints" json:"enable_automatic_checkpoints,omitempty"`
	// Force allows stopping a running VM for changes that need it off.
	// The VM is returned to its previous power state afterwards.
	Force                bool    `yaml:"force" json:"force,omitempty"`
	NewVMName            *string `yaml:"new_vm_name" json:"new_vm_name,omitempty"`
	SmartPagingFilePath  *string `yaml:"smartpaging_file_path" json:"smartpaging_file_path,omitempty"`
	SnapshotFileLocation *string `yaml:"snapshot_file_location" json:"snapshot_file_location,omitempty"`
}

func normalizeChoice(name string, value *string, choices ...string) error {
	if value == nil {
		return nil
	}

	canonical, err := choice(name, *value, choices...)
	if err != nil {
		return err
	}
	*value = canonical

	return nil
}

func (p *CustomizationParams) normalize() error {
	if err := normalizeChoice(
		"checkpoint_type", p.CheckpointType,
		"Disabled", "Production", "ProductionOnly", "Standard",
	); err != nil {
		return err
	}
	if err := normalizeChoice(
		"automatic_start_action", p.AutomaticStartAction,
		"Nothing", "StartIfRunning", "Start",
	); err != nil {
		return err
	}
	if err := normalizeChoice(
		"automatic_stop_action", p.AutomaticStopAction,
		"Save", "TurnOff", "ShutDown",
	); err != nil {
		return err
	}

	for name, value := range map[string]*int{
		"startup_memory_gb": p.StartupMemoryGB,
		"minimum_memory_gb": p.MinimumMemoryGB,
		"maximum_memory_gb": p.MaximumMemoryGB,
		"processor_count":   p.ProcessorCount,
	} {
		if value != nil && *value < 1 {
			return invalidf("%s must be at least 1, got: %d", name, *value)
		}
	}

	if p.AutomaticStartDelay != nil && *p.AutomaticStartDelay < 0 {
		return invalidf("automatic_start_delay cannot be negative, got: %d", *p.AutomaticStartDelay)
	}

	if p.MinimumMemoryGB != nil && p.MaximumMemoryGB != nil && *p.MinimumMemoryGB > *p.MaximumMemoryGB {
		return invalidf(
			"minimum_memory_gb (%d) cannot be greater than maximum_memory_gb (%d)",
			*p.MinimumMemoryGB,
			*p.MaximumMemoryGB,
		)
	}

	if p.NewVMName != nil && strings.TrimSpace(*p.NewVMName) == "" {
		return invalidf("new_vm_name cannot be empty")
	}

	return nil
}

// VMCustomizationInfo is the metadata snapshot returned by Customize.
type VMCustomizationInfo struct {
	VMName                      string                   `json:"Vmname"`
	VMID                        string                   `json:"vmid"`
	State                       string                   `json:"State"`
	Status                      drivercore.MachineStatus `json:"Status"`
	ProcessorCount              int                      `json:"ProcessorCount"`
	MemoryStartup               int64                    `json:"MemoryStartup"`
	DynamicMemoryEnabled        bool                     `json:"DynamicMemoryEnabled"`
	MemoryMinimum               int64                    `json:"MemoryMinimum"`
	MemoryMaximum               int64                    `json:"MemoryMaximum"`
	CheckpointType              string                   `json:"CheckpointType"`
	AutomaticStartAction        string                   `json:"AutomaticStartAction"`
	AutomaticStopAction         string                   `json:"AutomaticStopAction"`
	AutomaticStartDelay         int                      `json:"AutomaticStartDelay"`
	AutomaticCheckpointsEnabled bool                     `json:"AutomaticCheckpointsEnabled"`
	Notes                       string                   `json:"Notes"`
	SmartPagingFilePath         string                   `json:"SmartPagingFilePath"`
	SnapshotFileLocation        string                   `json:"SnapshotFileLocation"`
}

func customizationInfo(vm *VM) *VMCustomizationInfo {
	return &VMCustomizationInfo{
		VMName:                      vm.Name,
		VMID:                        vm.ID,
		State:                       vm.State,
		Status:                      MachineStatus(vm.State),
		ProcessorCount:              vm.ProcessorCount,
		MemoryStartup:               vm.MemoryStartup,
		DynamicMemoryEnabled:        vm.DynamicMemoryEnabled,
		MemoryMinimum:               vm.MemoryMinimum,
		MemoryMaximum:               vm.MemoryMaximum,
		CheckpointType:              vm.CheckpointType,
		AutomaticStartAction:        vm.AutomaticStartAction,
		AutomaticStopAction:         vm.AutomaticStopAction,
		AutomaticStartDelay:         vm.AutomaticStartDelay,
		AutomaticCheckpointsEnabled: vm.AutomaticCheckpointsEnabled,
		Notes:                       vm.Notes,
		SmartPagingFilePath:         vm.SmartPagingFilePath,
		SnapshotFileLocation:        vm.SnapshotFileLocation,
	}
}

type customizationPlan struct {
	settings VMSettings
	rename   string
	// offline lists the changed settings that Hyper-V only accepts
	// while the VM is off.
	offline []string
}

func (p customizationPlan) none() bool {
	return p.settings.IsEmpty() && p.rename == ""
}

// planCustomization compares the requested settings with the observed
// VM and returns the settings that differ.
func planCustomization(p CustomizationParams, vm *VM) (customizationPlan, error) {
	var result customizationPlan
	s := &result.settings

	dynamic := vm.DynamicMemoryEnabled
	if p.DynamicMemory != nil {
		dynamic = *p.DynamicMemory
		if dynamic != vm.DynamicMemoryEnabled {
			s.DynamicMemory = p.DynamicMemory
			result.offline = append(result.offline, "dynamic_memory")
		}
	}

	if !dynamic && (p.MinimumMemoryGB != nil || p.MaximumMemoryGB != nil) {
		return customizationPlan{}, invalidf(
			"minimum_memory_gb and maximum_memory_gb need dynamic memory to be enabled",
		)
	}

	startup := vm.MemoryStartup
	if p.StartupMemoryGB != nil {
		startup = gbToBytes(*p.StartupMemoryGB)
		if startup != vm.MemoryStartup {
			s.MemoryStartupBytes = &startup
			// Static memory can grow at runtime, nothing else can.
			if dynamic || startup < vm.MemoryStartup {
				result.offline = append(result.offline, "startup_memory_gb")
			}
		}
	}

	minimum := vm.MemoryMinimum
	if p.MinimumMemoryGB != nil {
		minimum = gbToBytes(*p.MinimumMemoryGB)
		if minimum != vm.MemoryMinimum {
			s.MemoryMinimumBytes = &minimum
			if minimum > vm.MemoryMinimum {
				result.offline = append(result.offline, "minimum_memory_gb")
			}
		}
	}

	maximum := vm.MemoryMaximum
	if p.MaximumMemoryGB != nil {
		maximum = gbToBytes(*p.MaximumMemoryGB)
		if maximum != vm.MemoryMaximum {
			s.MemoryMaximumBytes = &maximum
			if maximum < vm.MemoryMaximum {
				result.offline = append(result.offline, "maximum_memory_gb")
			}
		}
	}

	if dynamic && (minimum > startup || startup > maximum) {
		return customizationPlan{}, invalidf(
			"dynamic memory needs minimum <= startup <= maximum, got %d <= %d <= %d bytes",
			minimum,
			startup,
			maximum,
		)
	}

	if p.ProcessorCount != nil && *p.ProcessorCount != vm.ProcessorCount {
		s.ProcessorCount = p.ProcessorCount
		result.offline = append(result.offline, "processor_count")
	}

	if p.CheckpointType != nil && !strings.EqualFold(*p.CheckpointType, vm.CheckpointType) {
		s.CheckpointType = p.CheckpointType
	}
	if p.AutomaticStartAction != nil && !strings.EqualFold(*p.AutomaticStartAction, vm.AutomaticStartAction) {
		s.AutomaticStartAction = p.AutomaticStartAction
	}
	if p.AutomaticStopAction != nil && !strings.EqualFold(*p.AutomaticStopAction, vm.AutomaticStopAction) {
		s.AutomaticStopAction = p.AutomaticStopAction
	}
	if p.AutomaticStartDelay != nil && *p.AutomaticStartDelay != vm.AutomaticStartDelay {
		s.AutomaticStartDelay = p.AutomaticStartDelay
	}
	if p.Notes != nil && *p.Notes != vm.Notes {
		s.Notes = p.Notes
	}
	if p.EnableAutomaticCheckpoints != nil && *p.EnableAutomaticCheckpoints != vm.AutomaticCheckpointsEnabled {
		s.AutomaticCheckpointsEnabled = p.EnableAutomaticCheckpoints
	}
	if p.SmartPagingFilePath != nil && !strings.EqualFold(*p.SmartPagingFilePath, vm.SmartPagingFilePath) {
		s.SmartPagingFilePath = p.SmartPagingFilePath
		result.offline = append(result.offline, "smartpaging_file_path")
	}
	if p.SnapshotFileLocation != nil && !strings.EqualFold(*p.SnapshotFileLocation, vm.SnapshotFileLocation) {
		s.SnapshotFileLocation = p.SnapshotFileLocation
	}

	if p.NewVMName != nil && *p.NewVMName != vm.Name {
		result.rename = *p.NewVMName
	}

	return result, nil
}

// needsStop returns an error if the plan cannot be applied to vm in its
// current power state, and true if vm has to be stopped first.
func (p customizationPlan) needsStop(vm *VM, force bool) (bool, error) {
	if len(p.offline) == 0 {
		return false, nil
	}

	fields := strings.Join(p.offline, ", ")

	switch vm.State {
	case vmStateOff:
		return false, nil
	case vmStateRunning, vmStatePaused:
		if !force {
			return false, errors.Wrapf(
				ErrRequiresPowerOff,
				"changing %s needs the virtual machine off, use force to stop it",
				fields,
			)
		}
		return true, nil
	case vmStateSaved:
		return false, errors.Wrapf(
			ErrRequiresPowerOff,
			"changing %s needs the virtual machine off, and stopping it would discard its saved state",
			fields,
		)
	}

	return false, errors.Wrapf(
		ErrInvalidTransition,
		"virtual machine is %s, try again once the transition completes",
		vm.State,
	)
}

// Customize changes settings of an existing VM.
// It does this by running the Cmdlets:
//
//	Set-VM -VM $vm <changed settings...>
//	Rename-VM -VM $vm -NewName <new_vm_name>
//
// through an interface script. If a changed setting needs the VM to be
// off and Force is set, the VM is stopped first and returned to its
// previous state afterwards, even if the change failed.
func (vd *Driver) Customize(ctx context.Context, params CustomizationParams) (*CustomizationResult, error) {
	id := identity{Name: params.Name, VMID: params.VMID}
	resource := id.String()

	if err := params.normalize(); err != nil {
		return nil, fail(customizationModule, resource, err)
	}
	if err := id.validate(); err != nil {
		return nil, fail(customizationModule, resource, err)
	}

	if !vd.validate(ctx) {
		return nil, fail(customizationModule, resource, vd)
	}

	vm, err := vd.lookupRenamed(ctx, id, params.NewVMName)
	if err != nil {
		return nil, fail(customizationModule, resource, err)
	}

	plan, err := planCustomization(params, vm)
	if err != nil {
		return nil, fail(customizationModule, resource, err)
	}

	if plan.none() {
		return &CustomizationResult{VMCustomizationInfo: customizationInfo(vm)}, nil
	}

	stop, err := plan.needsStop(vm, params.Force)
	if err != nil {
		return nil, fail(customizationModule, resource, err)
	}

	if vd.checkmode {
		kuttilog.Printf(kuttilog.Info, "Would change settings of virtual machine '%s'.", vm.Name)
		return &CustomizationResult{Changed: true, VMCustomizationInfo: customizationInfo(vm)}, nil
	}

	err = vd.applyCustomization(ctx, vm, plan, stop)
	if err != nil {
		return nil, fail(customizationModule, resource, err)
	}

	final, err := vd.provider.GetVM(ctx, vm.ID)
	if err != nil {
		return nil, fail(customizationModule, resource, errors.Wrap(err, "settings changed, but could not read them back"))
	}

	return &CustomizationResult{Changed: true, VMCustomizationInfo: customizationInfo(final)}, nil
}

// lookupRenamed resolves a VM that may already carry its new name.
// When a VM selected by name is missing and a new name is given, a VM
// with the new name is taken to be the same VM, renamed by an earlier
// run.
func (vd *Driver) lookupRenamed(ctx context.Context, id identity, newname *string) (*VM, error) {
	vm, err := vd.lookupVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if vm != nil {
		return vm, nil
	}

	if id.Name != "" && newname != nil && *newname != "" {
		renamed, err := vd.lookupVM(ctx, identity{Name: *newname})
		if err != nil {
			return nil, err
		}
		if renamed != nil {
			kuttilog.Printf(kuttilog.Debug, "Virtual machine '%s' already renamed to '%s'.", id.Name, *newname)
			return renamed, nil
		}
	}

	return nil, errors.Wrap(ErrNotFound, "does not exist")
}

func (vd *Driver) applyCustomization(ctx context.Context, vm *VM, plan customizationPlan, stop bool) error {
	prior := vm.State

	if stop {
		kuttilog.Printf(kuttilog.Info, "Stopping virtual machine '%s' to change %s...", vm.Name, strings.Join(plan.offline, ", "))

		var err error
		if prior == vmStatePaused {
			err = vd.runPowerStep(ctx, vm, stepTurnOff)
			if err == nil {
				_, err = vd.waitForState(ctx, vm.ID, vmStateOff)
			}
		} else {
			_, err = vd.shutdownVM(ctx, vm, true)
		}
		if err != nil {
			// The VM may have gone down part way.
			if restoreErr := vd.restorePowerState(ctx, vm, prior); restoreErr != nil {
				return &RestoreError{State: prior, Err: err, RestoreErr: restoreErr}
			}
			return errors.Wrap(err, "could not stop virtual machine to apply changes")
		}
	}

	err := vd.changeSettings(ctx, vm, plan)

	if stop {
		if restoreErr := vd.restorePowerState(ctx, vm, prior); restoreErr != nil {
			return &RestoreError{State: prior, Err: err, RestoreErr: restoreErr}
		}
	}

	return err
}

func (vd *Driver) changeSettings(ctx context.Context, vm *VM, plan customizationPlan) error {
	if !plan.settings.IsEmpty() {
		kuttilog.Printf(kuttilog.Info, "Changing settings of virtual machine '%s'...", vm.Name)
		if err := vd.provider.SetVM(ctx, vm.ID, plan.settings); err != nil {
			return errors.Wrap(err, "could not change settings")
		}
	}

	if plan.rename != "" {
		kuttilog.Printf(kuttilog.Info, "Renaming virtual machine '%s' to '%s'...", vm.Name, plan.rename)
		if err := vd.provider.RenameVM(ctx, vm.ID, plan.rename); err != nil {
			return errors.Wrap(err, "could not rename virtual machine")
		}
	}

	return nil
}

// restorePowerState brings a VM stopped by Customize back to state.
// It reads the current state first, so it is safe to call when the stop
// did not complete.
func (vd *Driver) restorePowerState(ctx context.Context, vm *VM, state string) error {
	current, err := vd.provider.GetVM(ctx, vm.ID)
	if err != nil {
		return err
	}
	if current.State == state {
		return nil
	}

	kuttilog.Printf(kuttilog.Info, "Restoring virtual machine '%s' to %s...", vm.Name, state)

	if current.State != vmStateRunning {
		if err := vd.runPowerStep(ctx, vm, stepStart); err != nil {
			return err
		}
		if _, err := vd.waitForState(ctx, vm.ID, vmStateRunning); err != nil {
			return err
		}
	}

	if state == vmStatePaused {
		if err := vd.provider.SuspendVM(ctx, vm.ID); err != nil {
			return errors.Wrap(err, "could not pause virtual machine")
		}
		if _, err := vd.waitForState(ctx, vm.ID, vmStatePaused); err != nil {
			return err
		}
	}

	return nil
}
