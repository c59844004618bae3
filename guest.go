package hypervstate

import (
	"context"

	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

const guestModule = "hyperv_guest"

// GuestParams describes a virtual machine that should exist or not.
// Zero values of Generation, StartupMemoryGB, NewVHDXSizeGB, State and
// BootDevice select the defaults.
type GuestParams struct {
	// State is present or absent. Default is present.
	State string `yaml:"state" json:"state,omitempty"`
	Name  string `yaml:"name" json:"name,omitempty"`
	VMID  string `yaml:"vmid" json:"vmid,omitempty"`
	// Generation is 1 or 2. Default is 2.
	Generation int `yaml:"generation" json:"generation,omitempty"`
	// StartupMemoryGB defaults to 4.
	StartupMemoryGB int `yaml:"startup_memory_gb" json:"startup_memory_gb,omitempty"`
	// CPUCount is applied after creation, because New-VM cannot set it.
	CPUCount *int   `yaml:"cpu_count" json:"cpu_count,omitempty"`
	Path     string `yaml:"path" json:"path,omitempty"`
	Switch   string `yaml:"switch" json:"switch,omitempty"`
	NewVHDX  bool   `yaml:"new_vhdx" json:"new_vhdx,omitempty"`
	// NewVHDXSizeGB defaults to 20.
	NewVHDXSizeGB int    `yaml:"new_vhdx_size_gb" json:"new_vhdx_size_gb,omitempty"`
	NewVHDXPath   string `yaml:"new_vhdx_path" json:"new_vhdx_path,omitempty"`
	// BootDevice is cd, ide, networkadapter or vhd. Default is
	// networkadapter.
	BootDevice       string `yaml:"boot_device" json:"boot_device,omitempty"`
	ExistingVHDXPath string `yaml:"existing_vhdx_path" json:"existing_vhdx_path,omitempty"`
	// RemoveVHDX deletes the disk files of a removed VM.
	RemoveVHDX bool `yaml:"remove_vhdx" json:"remove_vhdx,omitempty"`
}

func (p *GuestParams) normalize() error {
	var err error

	if p.State == "" {
		p.State = "present"
	}
	p.State, err = choice("state", p.State, "present", "absent")
	if err != nil {
		return err
	}

	if p.Generation == 0 {
		p.Generation = 2
	}
	if p.Generation != 1 && p.Generation != 2 {
		return invalidf("generation must be 1 or 2, got: %d", p.Generation)
	}

	if p.StartupMemoryGB == 0 {
		p.StartupMemoryGB = 4
	}
	if p.StartupMemoryGB < 0 {
		return invalidf("startup_memory_gb must be positive, got: %d", p.StartupMemoryGB)
	}

	if p.NewVHDXSizeGB == 0 {
		p.NewVHDXSizeGB = 20
	}
	if p.NewVHDXSizeGB < 0 {
		return invalidf("new_vhdx_size_gb must be positive, got: %d", p.NewVHDXSizeGB)
	}

	if p.CPUCount != nil && *p.CPUCount < 1 {
		return invalidf("cpu_count must be at least 1, got: %d", *p.CPUCount)
	}

	if p.BootDevice == "" {
		p.BootDevice = "networkadapter"
	}
	p.BootDevice, err = choice("boot_device", p.BootDevice, "cd", "ide", "networkadapter", "vhd")
	if err != nil {
		return err
	}
	if p.BootDevice == "ide" && p.Generation == 2 {
		return invalidf("boot_device ide is only available on generation 1 virtual machines")
	}

	if p.NewVHDX && p.ExistingVHDXPath != "" {
		return invalidf("new_vhdx and existing_vhdx_path are mutually exclusive")
	}

	if p.State == "present" && p.Name == "" && p.VMID == "" {
		return invalidf("name is required to create a virtual machine")
	}

	return nil
}

// bootDevice returns the New-VM -BootDevice value for a boot_device
// choice. Generation 1 VMs boot from IDE disks and legacy network
// adapters.
func bootDevice(choice string, generation int) string {
	switch choice {
	case "cd":
		return "CD"
	case "ide":
		return "IDE"
	case "vhd":
		if generation == 1 {
			return "IDE"
		}
		return "VHD"
	default:
		if generation == 1 {
			return "LegacyNetworkAdapter"
		}
		return "NetworkAdapter"
	}
}

type guestAction int

const (
	guestNone guestAction = iota
	guestCreate
	guestRemove
)

type guestPlan struct {
	action   guestAction
	spec     NewVMSpec
	cpucount *int
	// observed is the existing VM, if any.
	observed *VM
	// removedisks lists disk files to delete after removing the VM.
	removedisks []string
}

// planGuest decides what to do given the validated params and the
// observed VM, which is nil if none exists.
func planGuest(p GuestParams, observed *VM) (guestPlan, error) {
	if p.State == "absent" {
		if observed == nil {
			return guestPlan{action: guestNone}, nil
		}

		result := guestPlan{action: guestRemove, observed: observed}
		if p.RemoveVHDX {
			result.removedisks = append([]string(nil), observed.HardDrives...)
		}
		return result, nil
	}

	if observed != nil {
		return guestPlan{action: guestNone, observed: observed}, nil
	}

	if p.Name == "" {
		return guestPlan{}, errors.Wrap(ErrNotFound, "does not exist, and can only be created by name")
	}

	spec := NewVMSpec{
		Name:               p.Name,
		Generation:         p.Generation,
		MemoryStartupBytes: gbToBytes(p.StartupMemoryGB),
		Path:               p.Path,
		SwitchName:         p.Switch,
		BootDevice:         bootDevice(p.BootDevice, p.Generation),
	}

	switch {
	case p.NewVHDX:
		spec.NewVHDPath = p.NewVHDXPath
		spec.NewVHDSizeBytes = gbToBytes(p.NewVHDXSizeGB)
	case p.ExistingVHDXPath != "":
		spec.VHDPath = p.ExistingVHDXPath
	}

	return guestPlan{
		action:   guestCreate,
		spec:     spec,
		cpucount: p.CPUCount,
	}, nil
}

// Guest creates or removes a virtual machine.
//
// If the VM should be present and does not exist, it is created by
// running the Cmdlets:
//
//	New-VM -Name <name> -Generation <generation> -MemoryStartupBytes <bytes> ...
//	Set-VM -ProcessorCount <cpu_count>
//
// If it exists, nothing is changed; use Customize to change settings.
// If the VM should be absent, it is turned off if running and deleted,
// along with its disk files if RemoveVHDX is set.
func (vd *Driver) Guest(ctx context.Context, params GuestParams) (*GuestResult, error) {
	id := identity{Name: params.Name, VMID: params.VMID}
	resource := id.String()

	if err := params.normalize(); err != nil {
		return nil, fail(guestModule, resource, err)
	}
	if err := id.validate(); err != nil {
		return nil, fail(guestModule, resource, err)
	}
	params.VMID = id.VMID

	if !vd.validate(ctx) {
		return nil, fail(guestModule, resource, vd)
	}

	observed, err := vd.lookupVM(ctx, id)
	if err != nil {
		return nil, fail(guestModule, resource, err)
	}

	plan, err := planGuest(params, observed)
	if err != nil {
		return nil, fail(guestModule, resource, err)
	}

	switch plan.action {
	case guestCreate:
		if vd.checkmode {
			kuttilog.Printf(kuttilog.Info, "Would create %s.", resource)
			return &GuestResult{Changed: true}, nil
		}
		vm, err := vd.createVM(ctx, plan)
		if err != nil {
			return nil, fail(guestModule, resource, err)
		}
		return &GuestResult{Changed: true, VMDeployInfo: deployInfo(vm)}, nil

	case guestRemove:
		if vd.checkmode {
			kuttilog.Printf(kuttilog.Info, "Would remove %s.", resource)
			return &GuestResult{Changed: true, VMDeployInfo: deployInfo(plan.observed)}, nil
		}
		err := vd.removeVM(ctx, plan)
		if err != nil {
			return nil, fail(guestModule, resource, err)
		}
		return &GuestResult{Changed: true, VMDeployInfo: deployInfo(plan.observed)}, nil
	}

	result := &GuestResult{}
	if plan.observed != nil {
		result.VMDeployInfo = deployInfo(plan.observed)
	}
	return result, nil
}

func (vd *Driver) createVM(ctx context.Context, plan guestPlan) (*VM, error) {
	kuttilog.Printf(kuttilog.Info, "Creating virtual machine '%s'...", plan.spec.Name)

	vm, err := vd.provider.NewVM(ctx, plan.spec)
	if err != nil {
		return nil, errors.Wrap(err, "could not create virtual machine")
	}

	if plan.cpucount != nil && *plan.cpucount != vm.ProcessorCount {
		kuttilog.Printf(kuttilog.Info, "Setting processor count to %d...", *plan.cpucount)
		err = vd.provider.SetVM(ctx, vm.ID, VMSettings{ProcessorCount: plan.cpucount})
		if err != nil {
			return nil, errors.Wrapf(
				err,
				"virtual machine %s was created, but could not set processor count",
				vm.ID,
			)
		}

		vm, err = vd.provider.GetVM(ctx, vm.ID)
		if err != nil {
			return nil, errors.Wrap(err, "could not read created virtual machine")
		}
	}

	kuttilog.Printf(kuttilog.Info, "Created virtual machine '%s' (%s).", vm.Name, vm.ID)
	return vm, nil
}

func (vd *Driver) removeVM(ctx context.Context, plan guestPlan) error {
	vm := plan.observed

	if vm.isActive() {
		kuttilog.Printf(kuttilog.Info, "Turning off virtual machine '%s'...", vm.Name)
		if err := vd.provider.TurnOffVM(ctx, vm.ID); err != nil {
			return errors.Wrap(err, "could not turn off virtual machine before removal")
		}
	}

	kuttilog.Printf(kuttilog.Info, "Removing virtual machine '%s'...", vm.Name)
	if err := vd.provider.RemoveVM(ctx, vm.ID); err != nil {
		return errors.Wrap(err, "could not remove virtual machine")
	}

	for _, disk := range plan.removedisks {
		kuttilog.Printf(kuttilog.Info, "Removing disk %s...", disk)
		if err := vd.provider.RemoveFile(ctx, disk); err != nil {
			return errors.Wrapf(err, "virtual machine was removed, but could not remove disk %s", disk)
		}
	}

	return nil
}
