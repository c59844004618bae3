package hypervstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kuttiproject/kuttilog"
)

// PowerShell implements Provider using the Hyper-V PowerShell module.
// It invokes Cmdlets from the module via an interface script, either on
// the local host or on a remote host over SSH.
type PowerShell struct {
	runner scriptrunner
}

// NewLocalPowerShell returns a PowerShell provider that manages Hyper-V
// on this host. If powershellpath is empty, powershell.exe or pwsh.exe
// is looked up on the path.
func NewLocalPowerShell(powershellpath string) (*PowerShell, error) {
	runner, err := newlocalrunner(powershellpath)
	if err != nil {
		return nil, err
	}

	return &PowerShell{runner: runner}, nil
}

// RemoteOptions describe how to reach a remote Hyper-V host.
type RemoteOptions struct {
	// Address is host:port of the OpenSSH server.
	Address  string
	Username string
	Password string
	// PowerShellPath defaults to powershell.exe.
	PowerShellPath string
	// ScriptDir defaults to DefaultRemoteScriptDir.
	ScriptDir string
}

// NewRemotePowerShell returns a PowerShell provider that manages Hyper-V
// on a remote Windows host. The interface script is installed on the
// host the first time it is needed.
func NewRemotePowerShell(options RemoteOptions) *PowerShell {
	return &PowerShell{
		runner: newsshrunner(
			options.Address,
			options.Username,
			options.Password,
			options.PowerShellPath,
			options.ScriptDir,
		),
	}
}

// call runs a script command and decodes its payload into payload, if
// payload is not nil.
func (ps *PowerShell) call(ctx context.Context, command string, args interface{}, payload interface{}) error {
	kuttilog.Printf(kuttilog.Debug, "Running interface script command %s...", command)

	result, err := ps.runner.runwithresults(ctx, command, args)
	if err != nil {
		return &ProviderError{
			Command: command,
			Kind:    "Transport",
			Message: err.Error(),
		}
	}

	if !result.Success {
		kuttilog.Printf(kuttilog.Debug, "Command %s failed: %s", command, result.ErrorMessage)
		return &ProviderError{
			Command: command,
			Kind:    result.ErrorKind,
			Message: result.ErrorMessage,
		}
	}

	if payload == nil || len(result.Payload) == 0 || string(result.Payload) == "null" {
		return nil
	}

	err = json.Unmarshal(result.Payload, payload)
	if err != nil {
		return &ProviderError{
			Command: command,
			Kind:    "Interface",
			Message: fmt.Sprintf("could not decode payload: %v", err),
		}
	}

	return nil
}

type vmargs struct {
	ID string
}

type vmpayload struct {
	VM *VM
}

type vhdpayload struct {
	VHD *VHD
}

type dvdpayload struct {
	Drive *DvdDrive
}

// Check verifies that the Hyper-V PowerShell module is available and
// usable by the current user.
// It does this by running the Cmdlet:
//
//	Get-VMHost
//
// through an interface script.
func (ps *PowerShell) Check(ctx context.Context) error {
	return ps.call(ctx, "checkdriver", nil, nil)
}

// FindVMs returns all VMs whose name is exactly name.
// It does this by running the Cmdlet:
//
//	Get-VM | Where-Object Name -eq <name>
//
// through an interface script.
func (ps *PowerShell) FindVMs(ctx context.Context, name string) ([]VM, error) {
	var payload struct {
		VMs []VM
	}

	err := ps.call(ctx, "findvms", struct{ Name string }{name}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.VMs, nil
}

// GetVM returns the VM with the specified ID.
// It does this by running the Cmdlet:
//
//	Get-VM -Id <id>
//
// through an interface script.
func (ps *PowerShell) GetVM(ctx context.Context, id string) (*VM, error) {
	var payload vmpayload

	err := ps.call(ctx, "getvm", vmargs{id}, &payload)
	if err != nil {
		return nil, err
	}
	if payload.VM == nil {
		return nil, &ProviderError{Command: "getvm", Kind: "NotFound", Message: "no virtual machine with id " + id}
	}

	return payload.VM, nil
}

// NewVM creates a VM.
// It does this by running the Cmdlet:
//
//	New-VM -Name <name> -Generation <generation> -MemoryStartupBytes <bytes> ...
//
// through an interface script.
func (ps *PowerShell) NewVM(ctx context.Context, spec NewVMSpec) (*VM, error) {
	var payload vmpayload

	err := ps.call(ctx, "newvm", spec, &payload)
	if err != nil {
		return nil, err
	}

	return payload.VM, nil
}

// SetVM changes VM settings.
// It does this by running the Cmdlet:
//
//	Set-VM -VM $vm <settings...>
//
// through an interface script. Only non-nil settings are passed.
func (ps *PowerShell) SetVM(ctx context.Context, id string, settings VMSettings) error {
	return ps.call(ctx, "setvm", struct {
		ID       string
		Settings VMSettings
	}{id, settings}, nil)
}

// RenameVM renames a VM by running Rename-VM.
func (ps *PowerShell) RenameVM(ctx context.Context, id string, newname string) error {
	return ps.call(ctx, "renamevm", struct {
		ID      string
		NewName string
	}{id, newname}, nil)
}

// RemoveVM deletes a VM by running Remove-VM -Force.
// Disk files are not removed.
func (ps *PowerShell) RemoveVM(ctx context.Context, id string) error {
	return ps.call(ctx, "removevm", vmargs{id}, nil)
}

// StartVM runs Start-VM.
func (ps *PowerShell) StartVM(ctx context.Context, id string) error {
	return ps.call(ctx, "startvm", vmargs{id}, nil)
}

// StopVM asks the guest to shut down by running Stop-VM -Force.
func (ps *PowerShell) StopVM(ctx context.Context, id string) error {
	return ps.call(ctx, "stopvm", vmargs{id}, nil)
}

// TurnOffVM runs Stop-VM -TurnOff, which is the equivalent of pulling
// the plug.
func (ps *PowerShell) TurnOffVM(ctx context.Context, id string) error {
	return ps.call(ctx, "turnoffvm", vmargs{id}, nil)
}

// SaveVM runs Save-VM.
func (ps *PowerShell) SaveVM(ctx context.Context, id string) error {
	return ps.call(ctx, "savevm", vmargs{id}, nil)
}

// ResumeVM runs Resume-VM.
func (ps *PowerShell) ResumeVM(ctx context.Context, id string) error {
	return ps.call(ctx, "resumevm", vmargs{id}, nil)
}

// SuspendVM runs Suspend-VM.
func (ps *PowerShell) SuspendVM(ctx context.Context, id string) error {
	return ps.call(ctx, "suspendvm", vmargs{id}, nil)
}

// RemoveSavedState runs Remove-VMSavedState.
func (ps *PowerShell) RemoveSavedState(ctx context.Context, id string) error {
	return ps.call(ctx, "removesavedstate", vmargs{id}, nil)
}

// GuestResponsive returns true if the guest heartbeat integration
// service reports an OK status.
func (ps *PowerShell) GuestResponsive(ctx context.Context, id string) (bool, error) {
	var payload struct {
		Responsive bool
		Heartbeat  string
	}

	err := ps.call(ctx, "guestresponsive", vmargs{id}, &payload)
	if err != nil {
		return false, err
	}

	kuttilog.Printf(kuttilog.Debug, "Heartbeat of %s: %s", id, payload.Heartbeat)
	return payload.Responsive, nil
}

// GetVHD returns details of a virtual disk file by running Get-VHD.
func (ps *PowerShell) GetVHD(ctx context.Context, path string) (*VHD, error) {
	var payload vhdpayload

	err := ps.call(ctx, "getvhd", struct{ Path string }{path}, &payload)
	if err != nil {
		return nil, err
	}
	if payload.VHD == nil {
		return nil, &ProviderError{Command: "getvhd", Kind: "NotFound", Message: "no virtual disk at " + path}
	}

	return payload.VHD, nil
}

// TestVHD verifies a virtual disk file by running Test-VHD.
func (ps *PowerShell) TestVHD(ctx context.Context, path string) (bool, error) {
	var payload struct {
		Valid bool
	}

	err := ps.call(ctx, "testvhd", struct{ Path string }{path}, &payload)
	if err != nil {
		return false, err
	}

	return payload.Valid, nil
}

// ConvertVHD copies source to destination as a disk of type vhdtype.
// It does this by running the Cmdlet:
//
//	Convert-VHD -Path <source> -DestinationPath <destination> -VHDType <vhdtype>
//
// through an interface script.
func (ps *PowerShell) ConvertVHD(ctx context.Context, source string, destination string, vhdtype string) (*VHD, error) {
	var payload vhdpayload

	err := ps.call(ctx, "convertvhd", struct {
		Path            string
		DestinationPath string
		VHDType         string
	}{source, destination, vhdtype}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.VHD, nil
}

// NewDifferencingVHD creates a differencing disk at path whose parent is
// parent.
// It does this by running the Cmdlet:
//
//	New-VHD -Path <path> -ParentPath <parent> -Differencing
//
// through an interface script.
func (ps *PowerShell) NewDifferencingVHD(ctx context.Context, parent string, path string) (*VHD, error) {
	var payload vhdpayload

	err := ps.call(ctx, "newdifferencingvhd", struct {
		ParentPath string
		Path       string
	}{parent, path}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.VHD, nil
}

// RemoveFile deletes a file on the Hyper-V host. A missing file is not
// an error.
func (ps *PowerShell) RemoveFile(ctx context.Context, path string) error {
	return ps.call(ctx, "removefile", struct{ Path string }{path}, nil)
}

// ListDvdDrives runs Get-VMDvdDrive.
func (ps *PowerShell) ListDvdDrives(ctx context.Context, vmid string) ([]DvdDrive, error) {
	var payload struct {
		Drives []DvdDrive
	}

	err := ps.call(ctx, "listdvddrives", vmargs{vmid}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.Drives, nil
}

type dvdargs struct {
	ID    string
	Drive DvdDriveSpec
}

// AddDvdDrive runs Add-VMDvdDrive.
func (ps *PowerShell) AddDvdDrive(ctx context.Context, vmid string, drive DvdDriveSpec) (*DvdDrive, error) {
	var payload dvdpayload

	err := ps.call(ctx, "adddvddrive", dvdargs{vmid, drive}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.Drive, nil
}

// SetDvdDrive runs Set-VMDvdDrive. An empty Path ejects the media.
func (ps *PowerShell) SetDvdDrive(ctx context.Context, vmid string, drive DvdDriveSpec) (*DvdDrive, error) {
	var payload dvdpayload

	err := ps.call(ctx, "setdvddrive", dvdargs{vmid, drive}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.Drive, nil
}

// RemoveDvdDrive runs Remove-VMDvdDrive.
func (ps *PowerShell) RemoveDvdDrive(ctx context.Context, vmid string, controllernumber int, controllerlocation int) error {
	return ps.call(ctx, "removedvddrive", dvdargs{
		ID: vmid,
		Drive: DvdDriveSpec{
			ControllerNumber:   &controllernumber,
			ControllerLocation: &controllerlocation,
		},
	}, nil)
}

// ListNetworkAdapters runs Get-VMNetworkAdapter and
// Get-VMNetworkAdapterVlan for each adapter.
func (ps *PowerShell) ListNetworkAdapters(ctx context.Context, vmid string) ([]NetworkAdapter, error) {
	var payload struct {
		Adapters []NetworkAdapter
	}

	err := ps.call(ctx, "listnetworkadapters", vmargs{vmid}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.Adapters, nil
}

// SetVlan runs Set-VMNetworkAdapterVlan with -Access or -Trunk.
func (ps *PowerShell) SetVlan(ctx context.Context, vmid string, adaptername string, vlan VlanSetting) (*VlanSetting, error) {
	var payload struct {
		Vlan *VlanSetting
	}

	err := ps.call(ctx, "setvlan", struct {
		ID          string
		AdapterName string
		Vlan        VlanSetting
	}{vmid, adaptername, vlan}, &payload)
	if err != nil {
		return nil, err
	}

	return payload.Vlan, nil
}
