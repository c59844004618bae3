package hypervstate

// Result is implemented by the result of every Driver operation.
type Result interface {
	HasChanged() bool
}

// GuestResult is returned by Driver.Guest.
type GuestResult struct {
	Changed      bool          `json:"changed"`
	VMDeployInfo *VMDeployInfo `json:"vm_deploy_info,omitempty"`
}

// DiskResult is returned by Driver.Disk.
type DiskResult struct {
	Changed  bool      `json:"changed"`
	VHDXInfo *VHDXInfo `json:"vhdx_info,omitempty"`
}

// PowerStateResult is returned by Driver.PowerState.
type PowerStateResult struct {
	Changed        bool            `json:"changed"`
	PowerStateInfo *PowerStateInfo `json:"power_state_info,omitempty"`
}

// CustomizationResult is returned by Driver.Customize.
type CustomizationResult struct {
	Changed             bool                 `json:"changed"`
	VMCustomizationInfo *VMCustomizationInfo `json:"vm_customization_info,omitempty"`
}

// DvdDriveResult is returned by Driver.DvdDrive.
type DvdDriveResult struct {
	Changed      bool          `json:"changed"`
	DvdDriveInfo *DvdDriveInfo `json:"dvd_drive_info,omitempty"`
}

// VlanResult is returned by Driver.Vlan.
type VlanResult struct {
	Changed           bool               `json:"changed"`
	VlanConfiguration *VlanConfiguration `json:"vlan_configuration,omitempty"`
}

// HasChanged returns true if the operation changed, or in check mode
// would have changed, the host.
func (r *GuestResult) HasChanged() bool {
	return r.Changed
}

func (r *DiskResult) HasChanged() bool {
	return r.Changed
}

func (r *PowerStateResult) HasChanged() bool {
	return r.Changed
}

func (r *CustomizationResult) HasChanged() bool {
	return r.Changed
}

func (r *DvdDriveResult) HasChanged() bool {
	return r.Changed
}

func (r *VlanResult) HasChanged() bool {
	return r.Changed
}
