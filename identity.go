package hypervstate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

// identity selects a virtual machine by name or by ID.
type identity struct {
	Name string
	VMID string
}

// validate checks that exactly one of name or vmid is set, and that
// vmid is a GUID. It normalizes vmid to the lowercase form Hyper-V
// reports.
func (id *identity) validate() error {
	if id.Name != "" && id.VMID != "" {
		return invalidf("name and vmid are mutually exclusive")
	}
	if id.Name == "" && id.VMID == "" {
		return invalidf("one of name or vmid is required")
	}

	if id.VMID != "" {
		parsed, err := uuid.Parse(id.VMID)
		if err != nil {
			return invalidf("vmid %q is not a valid virtual machine ID", id.VMID)
		}
		id.VMID = parsed.String()
	}

	return nil
}

func (id identity) String() string {
	if id.VMID != "" {
		return fmt.Sprintf("virtual machine with id %s", id.VMID)
	}
	return fmt.Sprintf("virtual machine '%s'", id.Name)
}

// lookupVM returns the VM selected by id, or nil if there is none.
// A name that matches more than one VM is an error.
func (vd *Driver) lookupVM(ctx context.Context, id identity) (*VM, error) {
	if id.VMID != "" {
		kuttilog.Printf(kuttilog.Debug, "Looking up virtual machine by id %s...", id.VMID)
		vm, err := vd.provider.GetVM(ctx, id.VMID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return vm, nil
	}

	kuttilog.Printf(kuttilog.Debug, "Looking up virtual machine by name %s...", id.Name)
	vms, err := vd.provider.FindVMs(ctx, id.Name)
	if err != nil {
		return nil, err
	}

	switch len(vms) {
	case 0:
		return nil, nil
	case 1:
		return &vms[0], nil
	default:
		return nil, errors.Wrapf(
			ErrAmbiguous,
			"%d virtual machines are named '%s', use vmid instead",
			len(vms),
			id.Name,
		)
	}
}

// resolveVM is lookupVM for operations that need the VM to exist.
func (vd *Driver) resolveVM(ctx context.Context, id identity) (*VM, error) {
	vm, err := vd.lookupVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if vm == nil {
		return nil, errors.Wrap(ErrNotFound, "does not exist")
	}

	return vm, nil
}
