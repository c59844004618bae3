package hypervstate

import "context"

// Provider is the hypervisor management interface that the reconcilers
// drive. The PowerShell type implements it over the Hyper-V PowerShell
// module.
//
// Lookups of a single object (GetVM, GetVHD) return an error matching
// ErrNotFound when the object does not exist.
type Provider interface {
	Check(ctx context.Context) error

	FindVMs(ctx context.Context, name string) ([]VM, error)
	GetVM(ctx context.Context, id string) (*VM, error)
	NewVM(ctx context.Context, spec NewVMSpec) (*VM, error)
	SetVM(ctx context.Context, id string, settings VMSettings) error
	RenameVM(ctx context.Context, id string, newname string) error
	RemoveVM(ctx context.Context, id string) error

	StartVM(ctx context.Context, id string) error
	StopVM(ctx context.Context, id string) error
	TurnOffVM(ctx context.Context, id string) error
	SaveVM(ctx context.Context, id string) error
	ResumeVM(ctx context.Context, id string) error
	SuspendVM(ctx context.Context, id string) error
	RemoveSavedState(ctx context.Context, id string) error
	GuestResponsive(ctx context.Context, id string) (bool, error)

	GetVHD(ctx context.Context, path string) (*VHD, error)
	TestVHD(ctx context.Context, path string) (bool, error)
	ConvertVHD(ctx context.Context, source string, destination string, vhdtype string) (*VHD, error)
	NewDifferencingVHD(ctx context.Context, parent string, path string) (*VHD, error)
	RemoveFile(ctx context.Context, path string) error

	ListDvdDrives(ctx context.Context, vmid string) ([]DvdDrive, error)
	AddDvdDrive(ctx context.Context, vmid string, drive DvdDriveSpec) (*DvdDrive, error)
	SetDvdDrive(ctx context.Context, vmid string, drive DvdDriveSpec) (*DvdDrive, error)
	RemoveDvdDrive(ctx context.Context, vmid string, controllernumber int, controllerlocation int) error

	ListNetworkAdapters(ctx context.Context, vmid string) ([]NetworkAdapter, error)
	SetVlan(ctx context.Context, vmid string, adaptername string, vlan VlanSetting) (*VlanSetting, error)
}

// VM is the observed state of a Hyper-V virtual machine.
// Memory values are in bytes.
type VM struct {
	ID                          string
	Name                        string
	State                       string
	Generation                  int
	ProcessorCount              int
	MemoryStartup               int64
	DynamicMemoryEnabled        bool
	MemoryMinimum               int64
	MemoryMaximum               int64
	CheckpointType              string
	AutomaticStartAction        string
	AutomaticStopAction         string
	AutomaticStartDelay         int
	AutomaticCheckpointsEnabled bool
	Notes                       string
	Path                        string
	ConfigurationLocation       string
	SmartPagingFilePath         string
	SnapshotFileLocation        string
	HardDrives                  []string
}

// NewVMSpec holds the arguments for New-VM.
// If NewVHDSizeBytes is non-zero, a new disk is created at NewVHDPath
// (or a host default location if that is empty). Otherwise VHDPath is
// attached if set, or the VM is created without a disk.
type NewVMSpec struct {
	Name               string
	Generation         int
	MemoryStartupBytes int64
	Path               string `json:",omitempty"`
	SwitchName         string `json:",omitempty"`
	NewVHDPath         string `json:",omitempty"`
	NewVHDSizeBytes    int64  `json:",omitempty"`
	VHDPath            string `json:",omitempty"`
	BootDevice         string `json:",omitempty"`
}

// VMSettings is a sparse set of Set-VM arguments. Nil fields are left
// unchanged.
type VMSettings struct {
	ProcessorCount              *int    `json:",omitempty"`
	MemoryStartupBytes          *int64  `json:",omitempty"`
	DynamicMemory               *bool   `json:",omitempty"`
	MemoryMinimumBytes          *int64  `json:",omitempty"`
	MemoryMaximumBytes          *int64  `json:",omitempty"`
	CheckpointType              *string `json:",omitempty"`
	AutomaticStartAction        *string `json:",omitempty"`
	AutomaticStopAction         *string `json:",omitempty"`
	AutomaticStartDelay         *int    `json:",omitempty"`
	AutomaticCheckpointsEnabled *bool   `json:",omitempty"`
	Notes                       *string `json:",omitempty"`
	SmartPagingFilePath         *string `json:",omitempty"`
	SnapshotFileLocation        *string `json:",omitempty"`
}

// IsEmpty returns true if no setting is specified.
func (s VMSettings) IsEmpty() bool {
	return s == VMSettings{}
}

// VHD is the observed state of a virtual hard disk file.
type VHD struct {
	Path       string
	VhdType    string
	VhdFormat  string
	Size       int64
	FileSize   int64
	ParentPath string
}

// DvdDrive is a DVD drive attached to a virtual machine.
type DvdDrive struct {
	VMName             string
	ControllerType     string
	ControllerNumber   int
	ControllerLocation int
	Path               string
}

// DvdDriveSpec addresses a DVD drive for Add-VMDvdDrive or
// Set-VMDvdDrive. A nil controller address lets Hyper-V pick a free slot.
type DvdDriveSpec struct {
	ControllerNumber   *int   `json:",omitempty"`
	ControllerLocation *int   `json:",omitempty"`
	Path               string `json:",omitempty"`
}

// NetworkAdapter is a virtual machine network adapter.
type NetworkAdapter struct {
	Name       string
	SwitchName string
	MacAddress string
	Vlan       VlanSetting
}

// VlanSetting is the VLAN configuration of a network adapter.
// OperationMode is one of Untagged, Access or Trunk.
type VlanSetting struct {
	OperationMode     string
	AccessVlanID      int
	NativeVlanID      int
	AllowedVlanIDList string
}
