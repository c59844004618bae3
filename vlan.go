package hypervstate

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

const vlanModule = "hyperv_guest_vlan"

const maxVlanID = 4094

// VlanParams describes the VLAN configuration of a VM network adapter.
type VlanParams struct {
	Name string `yaml:"name" json:"name,omitempty"`
	VMID string `yaml:"vmid" json:"vmid,omitempty"`
	// AdapterName is required only if the VM has more than one adapter.
	AdapterName string `yaml:"adapter_name" json:"adapter_name,omitempty"`
	// VlanID is the access VLAN, or the native VLAN in trunk mode.
	VlanID *int `yaml:"vlan_id" json:"vlan_id,omitempty"`
	// AccessMode is access or trunk. Default is access.
	AccessMode string `yaml:"access_mode" json:"access_mode,omitempty"`
	// TrunkVlanIDs is a comma separated list of IDs and ranges, such as
	// "100,200-210". Required in trunk mode.
	TrunkVlanIDs string `yaml:"trunk_vlan_ids" json:"trunk_vlan_ids,omitempty"`
}

func (p *VlanParams) normalize() error {
	if p.AccessMode == "" {
		p.AccessMode = "access"
	}

	mode, err := choice("access_mode", p.AccessMode, "access", "trunk")
	if err != nil {
		return err
	}
	p.AccessMode = mode

	if p.VlanID == nil {
		return invalidf("vlan_id is required")
	}

	switch p.AccessMode {
	case "access":
		if *p.VlanID < 1 || *p.VlanID > maxVlanID {
			return invalidf("vlan_id must be between 1 and %d, got: %d", maxVlanID, *p.VlanID)
		}
	case "trunk":
		if *p.VlanID < 0 || *p.VlanID > maxVlanID {
			return invalidf("vlan_id must be between 0 and %d in trunk mode, got: %d", maxVlanID, *p.VlanID)
		}
		if strings.TrimSpace(p.TrunkVlanIDs) == "" {
			return invalidf("trunk_vlan_ids is required in trunk mode")
		}
		ids, err := parseVlanList(p.TrunkVlanIDs)
		if err != nil {
			return err
		}
		p.TrunkVlanIDs = formatVlanList(ids)
	}

	return nil
}

// parseVlanList parses a list such as "100,200-210" into sorted,
// unique VLAN IDs.
func parseVlanList(list string) ([]int, error) {
	seen := map[int]bool{}

	parseID := func(s string) (int, error) {
		id, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, invalidf("invalid VLAN ID %q in list %q", s, list)
		}
		if id < 1 || id > maxVlanID {
			return 0, invalidf("VLAN ID %d in list %q must be between 1 and %d", id, list, maxVlanID)
		}
		return id, nil
	}

	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		low, high, isRange := strings.Cut(item, "-")
		first, err := parseID(low)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			last, err = parseID(high)
			if err != nil {
				return nil, err
			}
			if last < first {
				return nil, invalidf("VLAN range %q is reversed", item)
			}
		}

		for id := first; id <= last; id++ {
			seen[id] = true
		}
	}

	if len(seen) == 0 {
		return nil, invalidf("VLAN list %q is empty", list)
	}

	result := make([]int, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Ints(result)

	return result, nil
}

// formatVlanList writes sorted unique IDs in the compact form
// Hyper-V reports, collapsing consecutive IDs into ranges.
func formatVlanList(ids []int) string {
	var parts []string

	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}

		if i == j {
			parts = append(parts, strconv.Itoa(ids[i]))
		} else {
			parts = append(parts, strconv.Itoa(ids[i])+"-"+strconv.Itoa(ids[j]))
		}
		i = j + 1
	}

	return strings.Join(parts, ",")
}

// VlanConfiguration is the metadata snapshot returned by Vlan.
type VlanConfiguration struct {
	VMName            string `json:"vmname"`
	AdapterName       string `json:"AdapterName"`
	OperationMode     string `json:"OperationMode"`
	AccessVlanID      int    `json:"AccessVlanId"`
	NativeVlanID      int    `json:"NativeVlanId"`
	AllowedVlanIDList string `json:"AllowedVlanIdList"`
}

func vlanConfiguration(vm *VM, adapter string, vlan VlanSetting) *VlanConfiguration {
	return &VlanConfiguration{
		VMName:            vm.Name,
		AdapterName:       adapter,
		OperationMode:     vlan.OperationMode,
		AccessVlanID:      vlan.AccessVlanID,
		NativeVlanID:      vlan.NativeVlanID,
		AllowedVlanIDList: vlan.AllowedVlanIDList,
	}
}

// selectAdapter returns the adapter named name, or the only adapter if
// name is empty.
func selectAdapter(adapters []NetworkAdapter, name string) (*NetworkAdapter, error) {
	if name == "" {
		switch len(adapters) {
		case 0:
			return nil, errors.Wrap(ErrNotFound, "virtual machine has no network adapters")
		case 1:
			return &adapters[0], nil
		default:
			return nil, errors.Wrapf(
				ErrAmbiguous,
				"virtual machine has %d network adapters, use adapter_name",
				len(adapters),
			)
		}
	}

	var found *NetworkAdapter
	for i := range adapters {
		if !strings.EqualFold(adapters[i].Name, name) {
			continue
		}
		if found != nil {
			return nil, errors.Wrapf(ErrAmbiguous, "more than one network adapter is named '%s'", name)
		}
		found = &adapters[i]
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNotFound, "no network adapter named '%s'", name)
	}

	return found, nil
}

type vlanPlan struct {
	change  bool
	desired VlanSetting
}

// planVlan compares the requested configuration with the adapter's
// current one. Trunk lists are compared as sets.
func planVlan(p VlanParams, current VlanSetting) vlanPlan {
	var desired VlanSetting

	if p.AccessMode == "trunk" {
		desired = VlanSetting{
			OperationMode:     "Trunk",
			NativeVlanID:      *p.VlanID,
			AllowedVlanIDList: p.TrunkVlanIDs,
		}
	} else {
		desired = VlanSetting{
			OperationMode: "Access",
			AccessVlanID:  *p.VlanID,
		}
	}

	if !strings.EqualFold(current.OperationMode, desired.OperationMode) {
		return vlanPlan{change: true, desired: desired}
	}

	if desired.OperationMode == "Access" {
		return vlanPlan{change: current.AccessVlanID != desired.AccessVlanID, desired: desired}
	}

	if current.NativeVlanID != desired.NativeVlanID {
		return vlanPlan{change: true, desired: desired}
	}

	ids, err := parseVlanList(current.AllowedVlanIDList)
	if err != nil || formatVlanList(ids) != desired.AllowedVlanIDList {
		return vlanPlan{change: true, desired: desired}
	}

	return vlanPlan{desired: desired}
}

// Vlan sets the VLAN configuration of a VM network adapter.
// It does this by running the Cmdlet:
//
//	Set-VMNetworkAdapterVlan -VMNetworkAdapter $adapter -Access -VlanId <vlan_id>
//
// or, in trunk mode:
//
//	Set-VMNetworkAdapterVlan -VMNetworkAdapter $adapter -Trunk -NativeVlanId <vlan_id> -AllowedVlanIdList <trunk_vlan_ids>
//
// through an interface script.
func (vd *Driver) Vlan(ctx context.Context, params VlanParams) (*VlanResult, error) {
	id := identity{Name: params.Name, VMID: params.VMID}
	resource := id.String()

	if err := params.normalize(); err != nil {
		return nil, fail(vlanModule, resource, err)
	}
	if err := id.validate(); err != nil {
		return nil, fail(vlanModule, resource, err)
	}

	if !vd.validate(ctx) {
		return nil, fail(vlanModule, resource, vd)
	}

	vm, err := vd.resolveVM(ctx, id)
	if err != nil {
		return nil, fail(vlanModule, resource, err)
	}

	adapters, err := vd.provider.ListNetworkAdapters(ctx, vm.ID)
	if err != nil {
		return nil, fail(vlanModule, resource, errors.Wrap(err, "could not list network adapters"))
	}

	adapter, err := selectAdapter(adapters, params.AdapterName)
	if err != nil {
		return nil, fail(vlanModule, resource, err)
	}

	plan := planVlan(params, adapter.Vlan)
	if !plan.change {
		return &VlanResult{VlanConfiguration: vlanConfiguration(vm, adapter.Name, adapter.Vlan)}, nil
	}

	if vd.checkmode {
		kuttilog.Printf(kuttilog.Info, "Would set VLAN on adapter '%s' of virtual machine '%s'.", adapter.Name, vm.Name)
		return &VlanResult{Changed: true, VlanConfiguration: vlanConfiguration(vm, adapter.Name, plan.desired)}, nil
	}

	kuttilog.Printf(
		kuttilog.Info,
		"Setting VLAN %s on adapter '%s' of virtual machine '%s'...",
		strings.ToLower(plan.desired.OperationMode),
		adapter.Name,
		vm.Name,
	)
	applied, err := vd.provider.SetVlan(ctx, vm.ID, adapter.Name, plan.desired)
	if err != nil {
		return nil, fail(vlanModule, resource, errors.Wrapf(err, "could not set VLAN on adapter '%s'", adapter.Name))
	}
	if applied == nil {
		applied = &plan.desired
	}

	return &VlanResult{Changed: true, VlanConfiguration: vlanConfiguration(vm, adapter.Name, *applied)}, nil
}
