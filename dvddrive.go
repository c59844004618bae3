package hypervstate

import (
	"context"
	"strings"

	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

const dvdDriveModule = "hyperv_guest_dvddrive"

// DvdDriveParams describes a DVD drive of a VM.
// Without a controller address, the VM's only DVD drive is used.
type DvdDriveParams struct {
	// State is present or absent. Default is present.
	State string `yaml:"state" json:"state,omitempty"`
	Name  string `yaml:"name" json:"name,omitempty"`
	VMID  string `yaml:"vmid" json:"vmid,omitempty"`
	// Path is the ISO file to insert. An empty string ejects the media,
	// nil leaves it as it is.
	Path               *string `yaml:"path" json:"path,omitempty"`
	ControllerNumber   *int    `yaml:"controller_number" json:"controller_number,omitempty"`
	ControllerLocation *int    `yaml:"controller_location" json:"controller_location,omitempty"`
}

func (p *DvdDriveParams) normalize() error {
	if p.State == "" {
		p.State = "present"
	}

	state, err := choice("state", p.State, "present", "absent")
	if err != nil {
		return err
	}
	p.State = state

	if (p.ControllerNumber == nil) != (p.ControllerLocation == nil) {
		return invalidf("controller_number and controller_location must be given together")
	}
	if p.ControllerNumber != nil && (*p.ControllerNumber < 0 || *p.ControllerLocation < 0) {
		return invalidf(
			"controller address cannot be negative, got: %d:%d",
			*p.ControllerNumber,
			*p.ControllerLocation,
		)
	}

	return nil
}

func (p DvdDriveParams) hasAddress() bool {
	return p.ControllerNumber != nil
}

// DvdDriveInfo is the metadata snapshot returned by DvdDrive.
type DvdDriveInfo struct {
	VMName             string `json:"VMName"`
	State              string `json:"State"`
	ControllerType     string `json:"ControllerType,omitempty"`
	ControllerNumber   int    `json:"ControllerNumber"`
	ControllerLocation int    `json:"ControllerLocation"`
	Path               string `json:"Path"`
}

func dvdDriveInfo(vm *VM, state string, drive *DvdDrive) *DvdDriveInfo {
	info := &DvdDriveInfo{VMName: vm.Name, State: state}
	if drive != nil {
		info.ControllerType = drive.ControllerType
		info.ControllerNumber = drive.ControllerNumber
		info.ControllerLocation = drive.ControllerLocation
		info.Path = drive.Path
	}

	return info
}

type dvdAction int

const (
	dvdNone dvdAction = iota
	dvdAdd
	dvdSet
	dvdRemove
)

type dvdPlan struct {
	action dvdAction
	// drive is the existing drive the plan applies to, if any.
	drive *DvdDrive
	spec  DvdDriveSpec
}

func findDvdDrive(drives []DvdDrive, number int, location int) *DvdDrive {
	for i := range drives {
		if drives[i].ControllerNumber == number && drives[i].ControllerLocation == location {
			return &drives[i]
		}
	}
	return nil
}

func samePath(a string, b string) bool {
	return strings.EqualFold(a, b)
}

// planDvdDrive decides what to do given the validated params and the
// DVD drives currently attached to the VM.
func planDvdDrive(p DvdDriveParams, drives []DvdDrive) (dvdPlan, error) {
	var drive *DvdDrive

	if p.hasAddress() {
		drive = findDvdDrive(drives, *p.ControllerNumber, *p.ControllerLocation)
	} else {
		switch len(drives) {
		case 0:
		case 1:
			drive = &drives[0]
		default:
			if p.State == "present" && p.Path != nil {
				for i := range drives {
					if samePath(drives[i].Path, *p.Path) {
						return dvdPlan{action: dvdNone, drive: &drives[i]}, nil
					}
				}
			}
			return dvdPlan{}, errors.Wrapf(
				ErrAmbiguous,
				"virtual machine has %d DVD drives, use controller_number and controller_location",
				len(drives),
			)
		}
	}

	if p.State == "absent" {
		if drive == nil {
			return dvdPlan{action: dvdNone}, nil
		}
		return dvdPlan{action: dvdRemove, drive: drive}, nil
	}

	if drive == nil {
		spec := DvdDriveSpec{
			ControllerNumber:   p.ControllerNumber,
			ControllerLocation: p.ControllerLocation,
		}
		if p.Path != nil {
			spec.Path = *p.Path
		}
		return dvdPlan{action: dvdAdd, spec: spec}, nil
	}

	if p.Path != nil && !samePath(drive.Path, *p.Path) {
		number, location := drive.ControllerNumber, drive.ControllerLocation
		return dvdPlan{
			action: dvdSet,
			drive:  drive,
			spec: DvdDriveSpec{
				ControllerNumber:   &number,
				ControllerLocation: &location,
				Path:               *p.Path,
			},
		}, nil
	}

	return dvdPlan{action: dvdNone, drive: drive}, nil
}

// DvdDrive adds, changes or removes a DVD drive of a VM.
// It does this by running one of the Cmdlets:
//
//	Add-VMDvdDrive -VM $vm [-ControllerNumber <n> -ControllerLocation <l>] [-Path <path>]
//	Set-VMDvdDrive -VMDvdDrive $drive -Path <path>
//	Remove-VMDvdDrive -VMDvdDrive $drive
//
// through an interface script.
func (vd *Driver) DvdDrive(ctx context.Context, params DvdDriveParams) (*DvdDriveResult, error) {
	id := identity{Name: params.Name, VMID: params.VMID}
	resource := id.String()

	if err := params.normalize(); err != nil {
		return nil, fail(dvdDriveModule, resource, err)
	}
	if err := id.validate(); err != nil {
		return nil, fail(dvdDriveModule, resource, err)
	}

	if !vd.validate(ctx) {
		return nil, fail(dvdDriveModule, resource, vd)
	}

	vm, err := vd.lookupVM(ctx, id)
	if err != nil {
		return nil, fail(dvdDriveModule, resource, err)
	}
	if vm == nil {
		if params.State == "absent" {
			return &DvdDriveResult{}, nil
		}
		return nil, fail(dvdDriveModule, resource, errors.Wrap(ErrNotFound, "does not exist"))
	}

	drives, err := vd.provider.ListDvdDrives(ctx, vm.ID)
	if err != nil {
		return nil, fail(dvdDriveModule, resource, errors.Wrap(err, "could not list DVD drives"))
	}

	plan, err := planDvdDrive(params, drives)
	if err != nil {
		return nil, fail(dvdDriveModule, resource, err)
	}

	if plan.action == dvdNone {
		return &DvdDriveResult{DvdDriveInfo: dvdDriveInfo(vm, params.State, plan.drive)}, nil
	}

	if vd.checkmode {
		kuttilog.Printf(kuttilog.Info, "Would change DVD drive of virtual machine '%s'.", vm.Name)
		return &DvdDriveResult{Changed: true, DvdDriveInfo: dvdDriveInfo(vm, params.State, plan.drive)}, nil
	}

	drive, err := vd.applyDvdPlan(ctx, vm, plan)
	if err != nil {
		return nil, fail(dvdDriveModule, resource, err)
	}

	return &DvdDriveResult{Changed: true, DvdDriveInfo: dvdDriveInfo(vm, params.State, drive)}, nil
}

func (vd *Driver) applyDvdPlan(ctx context.Context, vm *VM, plan dvdPlan) (*DvdDrive, error) {
	switch plan.action {
	case dvdAdd:
		kuttilog.Printf(kuttilog.Info, "Adding DVD drive to virtual machine '%s'...", vm.Name)
		drive, err := vd.provider.AddDvdDrive(ctx, vm.ID, plan.spec)
		if err != nil {
			return nil, errors.Wrap(err, "could not add DVD drive")
		}
		return drive, nil

	case dvdSet:
		kuttilog.Printf(
			kuttilog.Info,
			"Changing media of DVD drive %d:%d to '%s'...",
			plan.drive.ControllerNumber,
			plan.drive.ControllerLocation,
			plan.spec.Path,
		)
		drive, err := vd.provider.SetDvdDrive(ctx, vm.ID, plan.spec)
		if err != nil {
			return nil, errors.Wrap(err, "could not change DVD drive media")
		}
		return drive, nil

	case dvdRemove:
		kuttilog.Printf(
			kuttilog.Info,
			"Removing DVD drive %d:%d...",
			plan.drive.ControllerNumber,
			plan.drive.ControllerLocation,
		)
		err := vd.provider.RemoveDvdDrive(
			ctx,
			vm.ID,
			plan.drive.ControllerNumber,
			plan.drive.ControllerLocation,
		)
		if err != nil {
			return nil, errors.Wrap(err, "could not remove DVD drive")
		}
		return plan.drive, nil
	}

	return plan.drive, nil
}
