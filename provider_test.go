package hypervstate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fakeProvider is an in-memory Hyper-V host.
type fakeProvider struct {
	vms      map[string]*VM
	vhds     map[string]*VHD
	dvds     map[string][]DvdDrive
	adapters map[string][]NetworkAdapter

	checkErr     error
	unresponsive map[string]bool
	// stuck VMs ignore StopVM.
	stuck    map[string]bool
	setErr   error
	startErr error
	testVHD  bool

	// calls records every mutating call, in order.
	calls []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		vms:          map[string]*VM{},
		vhds:         map[string]*VHD{},
		dvds:         map[string][]DvdDrive{},
		adapters:     map[string][]NetworkAdapter{},
		unresponsive: map[string]bool{},
		stuck:        map[string]bool{},
		testVHD:      true,
	}
}

func newTestDriver(fp *fakeProvider, opts ...Option) *Driver {
	vd := New(fp, opts...)
	vd.polldelay = time.Millisecond
	if vd.powertimeout == DefaultPowerTimeout {
		vd.powertimeout = time.Second
	}
	return vd
}

func (fp *fakeProvider) record(format string, args ...interface{}) {
	fp.calls = append(fp.calls, fmt.Sprintf(format, args...))
}

func notFound(command string, format string, args ...interface{}) error {
	return &ProviderError{Command: command, Kind: "NotFound", Message: fmt.Sprintf(format, args...)}
}

// addVM adds a VM with sensible defaults, and returns it for tweaking.
func (fp *fakeProvider) addVM(name string, state string) *VM {
	vm := &VM{
		ID:                   uuid.NewString(),
		Name:                 name,
		State:                state,
		Generation:           2,
		ProcessorCount:       1,
		MemoryStartup:        gbToBytes(4),
		MemoryMinimum:        gbToBytes(1),
		MemoryMaximum:        gbToBytes(8),
		CheckpointType:       "Production",
		AutomaticStartAction: "StartIfRunning",
		AutomaticStopAction:  "Save",
		Path:                 `C:\VMs\` + name,
	}
	fp.vms[vm.ID] = vm
	return vm
}

func (fp *fakeProvider) addVHD(path string, vhdtype string, parent string) *VHD {
	vhd := &VHD{
		Path:       path,
		VhdType:    vhdtype,
		VhdFormat:  "VHDX",
		Size:       gbToBytes(20),
		ParentPath: parent,
	}
	fp.vhds[strings.ToLower(path)] = vhd
	return vhd
}

func (fp *fakeProvider) vm(id string) (*VM, error) {
	vm, ok := fp.vms[id]
	if !ok {
		return nil, notFound("getvm", "no virtual machine with id %s", id)
	}
	return vm, nil
}

func (fp *fakeProvider) Check(ctx context.Context) error {
	return fp.checkErr
}

func (fp *fakeProvider) FindVMs(ctx context.Context, name string) ([]VM, error) {
	var result []VM
	for _, vm := range fp.vms {
		if strings.EqualFold(vm.Name, name) {
			result = append(result, *vm)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (fp *fakeProvider) GetVM(ctx context.Context, id string) (*VM, error) {
	vm, err := fp.vm(id)
	if err != nil {
		return nil, err
	}
	result := *vm
	return &result, nil
}

func (fp *fakeProvider) NewVM(ctx context.Context, spec NewVMSpec) (*VM, error) {
	fp.record("newvm %s", spec.Name)

	vm := fp.addVM(spec.Name, vmStateOff)
	vm.Generation = spec.Generation
	vm.MemoryStartup = spec.MemoryStartupBytes
	if spec.Path != "" {
		vm.Path = spec.Path
	}

	switch {
	case spec.NewVHDSizeBytes > 0:
		path := spec.NewVHDPath
		if path == "" {
			path = `C:\VHDs\` + spec.Name + ".vhdx"
		}
		fp.addVHD(path, "Dynamic", "")
		vm.HardDrives = []string{path}
	case spec.VHDPath != "":
		vm.HardDrives = []string{spec.VHDPath}
	}

	result := *vm
	return &result, nil
}

func (fp *fakeProvider) SetVM(ctx context.Context, id string, s VMSettings) error {
	fp.record("setvm %s", id)
	if fp.setErr != nil {
		return fp.setErr
	}

	vm, err := fp.vm(id)
	if err != nil {
		return err
	}

	if s.ProcessorCount != nil {
		vm.ProcessorCount = *s.ProcessorCount
	}
	if s.MemoryStartupBytes != nil {
		vm.MemoryStartup = *s.MemoryStartupBytes
	}
	if s.DynamicMemory != nil {
		vm.DynamicMemoryEnabled = *s.DynamicMemory
	}
	if s.MemoryMinimumBytes != nil {
		vm.MemoryMinimum = *s.MemoryMinimumBytes
	}
	if s.MemoryMaximumBytes != nil {
		vm.MemoryMaximum = *s.MemoryMaximumBytes
	}
	if s.CheckpointType != nil {
		vm.CheckpointType = *s.CheckpointType
	}
	if s.AutomaticStartAction != nil {
		vm.AutomaticStartAction = *s.AutomaticStartAction
	}
	if s.AutomaticStopAction != nil {
		vm.AutomaticStopAction = *s.AutomaticStopAction
	}
	if s.AutomaticStartDelay != nil {
		vm.AutomaticStartDelay = *s.AutomaticStartDelay
	}
	if s.AutomaticCheckpointsEnabled != nil {
		vm.AutomaticCheckpointsEnabled = *s.AutomaticCheckpointsEnabled
	}
	if s.Notes != nil {
		vm.Notes = *s.Notes
	}
	if s.SmartPagingFilePath != nil {
		vm.SmartPagingFilePath = *s.SmartPagingFilePath
	}
	if s.SnapshotFileLocation != nil {
		vm.SnapshotFileLocation = *s.SnapshotFileLocation
	}

	return nil
}

func (fp *fakeProvider) RenameVM(ctx context.Context, id string, newname string) error {
	fp.record("renamevm %s", newname)
	vm, err := fp.vm(id)
	if err != nil {
		return err
	}
	vm.Name = newname
	return nil
}

func (fp *fakeProvider) RemoveVM(ctx context.Context, id string) error {
	fp.record("removevm %s", id)
	if _, err := fp.vm(id); err != nil {
		return err
	}
	delete(fp.vms, id)
	return nil
}

func (fp *fakeProvider) setState(command string, id string, state string) error {
	fp.record("%s %s", command, id)
	vm, err := fp.vm(id)
	if err != nil {
		return err
	}
	vm.State = state
	return nil
}

func (fp *fakeProvider) StartVM(ctx context.Context, id string) error {
	if fp.startErr != nil {
		fp.record("startvm %s", id)
		return fp.startErr
	}
	return fp.setState("startvm", id, vmStateRunning)
}

func (fp *fakeProvider) StopVM(ctx context.Context, id string) error {
	if fp.stuck[id] {
		fp.record("stopvm %s", id)
		return nil
	}
	return fp.setState("stopvm", id, vmStateOff)
}

func (fp *fakeProvider) TurnOffVM(ctx context.Context, id string) error {
	return fp.setState("turnoffvm", id, vmStateOff)
}

func (fp *fakeProvider) SaveVM(ctx context.Context, id string) error {
	return fp.setState("savevm", id, vmStateSaved)
}

func (fp *fakeProvider) ResumeVM(ctx context.Context, id string) error {
	return fp.setState("resumevm", id, vmStateRunning)
}

func (fp *fakeProvider) SuspendVM(ctx context.Context, id string) error {
	return fp.setState("suspendvm", id, vmStatePaused)
}

func (fp *fakeProvider) RemoveSavedState(ctx context.Context, id string) error {
	return fp.setState("removesavedstate", id, vmStateOff)
}

func (fp *fakeProvider) GuestResponsive(ctx context.Context, id string) (bool, error) {
	if _, err := fp.vm(id); err != nil {
		return false, err
	}
	return !fp.unresponsive[id], nil
}

func (fp *fakeProvider) GetVHD(ctx context.Context, path string) (*VHD, error) {
	vhd, ok := fp.vhds[strings.ToLower(path)]
	if !ok {
		return nil, notFound("getvhd", "%s does not exist", path)
	}
	result := *vhd
	return &result, nil
}

func (fp *fakeProvider) TestVHD(ctx context.Context, path string) (bool, error) {
	if _, ok := fp.vhds[strings.ToLower(path)]; !ok {
		return false, nil
	}
	return fp.testVHD, nil
}

func (fp *fakeProvider) ConvertVHD(ctx context.Context, source string, destination string, vhdtype string) (*VHD, error) {
	fp.record("convertvhd %s %s %s", source, destination, vhdtype)
	if _, ok := fp.vhds[strings.ToLower(source)]; !ok {
		return nil, notFound("convertvhd", "%s does not exist", source)
	}
	if _, ok := fp.vhds[strings.ToLower(destination)]; ok {
		return nil, &ProviderError{Command: "convertvhd", Kind: "Exists", Message: destination + " exists"}
	}
	result := *fp.addVHD(destination, vhdtype, "")
	return &result, nil
}

func (fp *fakeProvider) NewDifferencingVHD(ctx context.Context, parent string, path string) (*VHD, error) {
	fp.record("newdifferencingvhd %s %s", parent, path)
	result := *fp.addVHD(path, "Differencing", parent)
	return &result, nil
}

func (fp *fakeProvider) RemoveFile(ctx context.Context, path string) error {
	fp.record("removefile %s", path)
	delete(fp.vhds, strings.ToLower(path))
	return nil
}

func (fp *fakeProvider) ListDvdDrives(ctx context.Context, vmid string) ([]DvdDrive, error) {
	if _, err := fp.vm(vmid); err != nil {
		return nil, err
	}
	return append([]DvdDrive(nil), fp.dvds[vmid]...), nil
}

func (fp *fakeProvider) AddDvdDrive(ctx context.Context, vmid string, spec DvdDriveSpec) (*DvdDrive, error) {
	fp.record("adddvddrive %s", vmid)
	vm, err := fp.vm(vmid)
	if err != nil {
		return nil, err
	}

	drive := DvdDrive{
		VMName:         vm.Name,
		ControllerType: "SCSI",
		Path:           spec.Path,
	}
	if spec.ControllerNumber != nil {
		drive.ControllerNumber = *spec.ControllerNumber
		drive.ControllerLocation = *spec.ControllerLocation
	} else {
		drive.ControllerLocation = len(fp.dvds[vmid]) + 1
	}

	fp.dvds[vmid] = append(fp.dvds[vmid], drive)
	return &drive, nil
}

func (fp *fakeProvider) SetDvdDrive(ctx context.Context, vmid string, spec DvdDriveSpec) (*DvdDrive, error) {
	fp.record("setdvddrive %s", vmid)
	drives := fp.dvds[vmid]
	for i := range drives {
		if drives[i].ControllerNumber == *spec.ControllerNumber && drives[i].ControllerLocation == *spec.ControllerLocation {
			drives[i].Path = spec.Path
			result := drives[i]
			return &result, nil
		}
	}
	return nil, notFound("setdvddrive", "no DVD drive")
}

func (fp *fakeProvider) RemoveDvdDrive(ctx context.Context, vmid string, controllernumber int, controllerlocation int) error {
	fp.record("removedvddrive %s %d:%d", vmid, controllernumber, controllerlocation)
	drives := fp.dvds[vmid]
	for i := range drives {
		if drives[i].ControllerNumber == controllernumber && drives[i].ControllerLocation == controllerlocation {
			fp.dvds[vmid] = append(drives[:i:i], drives[i+1:]...)
			return nil
		}
	}
	return notFound("removedvddrive", "no DVD drive")
}

func (fp *fakeProvider) ListNetworkAdapters(ctx context.Context, vmid string) ([]NetworkAdapter, error) {
	if _, err := fp.vm(vmid); err != nil {
		return nil, err
	}
	return append([]NetworkAdapter(nil), fp.adapters[vmid]...), nil
}

func (fp *fakeProvider) SetVlan(ctx context.Context, vmid string, adaptername string, vlan VlanSetting) (*VlanSetting, error) {
	fp.record("setvlan %s %s", adaptername, vlan.OperationMode)
	adapters := fp.adapters[vmid]
	for i := range adapters {
		if adapters[i].Name == adaptername {
			adapters[i].Vlan = vlan
			result := vlan
			return &result, nil
		}
	}
	return nil, notFound("setvlan", "no network adapter named %s", adaptername)
}

func intp(v int) *int {
	return &v
}

func boolp(v bool) *bool {
	return &v
}

func stringp(v string) *string {
	return &v
}
