package hypervstate

import (
	"strings"

	"github.com/kuttiproject/drivercore"
)

// The Hyper-V VM states that the reconcilers act on. Get-VM reports
// others, such as Starting or Saving, while a transition is under way.
const (
	vmStateOff     = "Off"
	vmStateRunning = "Running"
	vmStateSaved   = "Saved"
	vmStatePaused  = "Paused"
)

// The MachineStatus* constants add some Hyper-V specific statuses.
const (
	MachineStatusStarting = drivercore.MachineStatus("Starting")
	MachineStatusStopping = drivercore.MachineStatus("Stopping")
	MachineStatusSaved    = drivercore.MachineStatus("Saved")
	MachineStatusPaused   = drivercore.MachineStatus("Paused")
)

// MachineStatus converts a Hyper-V VM state into a machine status.
func MachineStatus(state string) drivercore.MachineStatus {
	switch state {
	case vmStateOff:
		return drivercore.MachineStatusStopped
	case vmStateRunning:
		return drivercore.MachineStatusRunning
	case vmStateSaved:
		return MachineStatusSaved
	case vmStatePaused:
		return MachineStatusPaused
	case "Starting", "Resuming":
		return MachineStatusStarting
	case "Stopping", "Saving", "Pausing":
		return MachineStatusStopping
	default:
		return drivercore.MachineStatusUnknown
	}
}

// isActive returns true if the VM holds running state in memory.
func (vm *VM) isActive() bool {
	return vm.State == vmStateRunning || vm.State == vmStatePaused
}

const bytesPerGB int64 = 1024 * 1024 * 1024

func gbToBytes(gb int) int64 {
	return int64(gb) * bytesPerGB
}

// VMDeployInfo is the metadata snapshot returned by Guest.
type VMDeployInfo struct {
	VMName                string                   `json:"vmname"`
	VMID                  string                   `json:"vmid"`
	State                 string                   `json:"State"`
	Status                drivercore.MachineStatus `json:"Status"`
	ConfigurationLocation string                   `json:"ConfigurationLocation"`
	SmartPagingFilePath   string                   `json:"SmartPagingFilePath"`
	ProcessorCount        int                      `json:"ProcessorCount"`
	SnapshotFileLocation  string                   `json:"SnapshotFileLocation"`
	MemoryStartup         int64                    `json:"MemoryStartup"`
	Generation            int                      `json:"Generation"`
	Path                  string                   `json:"Path"`
	HardDrives            []string                 `json:"Harddrives"`
}

func deployInfo(vm *VM) *VMDeployInfo {
	harddrives := vm.HardDrives
	if harddrives == nil {
		harddrives = []string{}
	}

	return &VMDeployInfo{
		VMName:                vm.Name,
		VMID:                  vm.ID,
		State:                 vm.State,
		Status:                MachineStatus(vm.State),
		ConfigurationLocation: vm.ConfigurationLocation,
		SmartPagingFilePath:   vm.SmartPagingFilePath,
		ProcessorCount:        vm.ProcessorCount,
		SnapshotFileLocation:  vm.SnapshotFileLocation,
		MemoryStartup:         vm.MemoryStartup,
		Generation:            vm.Generation,
		Path:                  vm.Path,
		HardDrives:            harddrives,
	}
}

// choice matches value against the allowed choices case-insensitively,
// and returns the canonical spelling.
func choice(name string, value string, choices ...string) (string, error) {
	for _, c := range choices {
		if strings.EqualFold(c, value) {
			return c, nil
		}
	}

	return "", invalidf(
		"value of %s must be one of: %s, got: %s",
		name,
		strings.Join(choices, ", "),
		value,
	)
}
