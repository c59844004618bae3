package hypervstate

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCustomizationParamsNormalize(t *testing.T) {
	p := CustomizationParams{
		Name:                 "web01",
		CheckpointType:       stringp("productiononly"),
		AutomaticStartAction: stringp("START"),
		AutomaticStopAction:  stringp("shutdown"),
	}
	require.NoError(t, p.normalize())
	require.Equal(t, "ProductionOnly", *p.CheckpointType)
	require.Equal(t, "Start", *p.AutomaticStartAction)
	require.Equal(t, "ShutDown", *p.AutomaticStopAction)

	invalid := map[string]CustomizationParams{
		"checkpoint type": {CheckpointType: stringp("snapshot")},
		"zero memory":     {StartupMemoryGB: intp(0)},
		"negative delay":  {AutomaticStartDelay: intp(-1)},
		"min above max":   {MinimumMemoryGB: intp(8), MaximumMemoryGB: intp(4)},
		"empty new name":  {NewVMName: stringp(" ")},
	}
	for name, p := range invalid {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, p.normalize(), ErrInvalidParams)
		})
	}
}

func TestPlanCustomization(t *testing.T) {
	vm := &VM{
		Name:                 "web01",
		State:                vmStateRunning,
		ProcessorCount:       2,
		MemoryStartup:        gbToBytes(4),
		MemoryMinimum:        gbToBytes(1),
		MemoryMaximum:        gbToBytes(8),
		CheckpointType:       "Production",
		AutomaticStopAction:  "Save",
		AutomaticStartAction: "Nothing",
	}

	plan, err := planCustomization(CustomizationParams{
		ProcessorCount:      intp(2),
		CheckpointType:      stringp("Production"),
		AutomaticStopAction: stringp("Save"),
	}, vm)
	require.NoError(t, err)
	require.True(t, plan.none())

	plan, err = planCustomization(CustomizationParams{
		StartupMemoryGB: intp(6),
		Notes:           stringp("web tier"),
	}, vm)
	require.NoError(t, err)
	require.Empty(t, plan.offline)
	require.Equal(t, gbToBytes(6), *plan.settings.MemoryStartupBytes)

	plan, err = planCustomization(CustomizationParams{
		StartupMemoryGB: intp(2),
		ProcessorCount:  intp(4),
	}, vm)
	require.NoError(t, err)
	require.Equal(t, []string{"startup_memory_gb", "processor_count"}, plan.offline)

	_, err = planCustomization(CustomizationParams{MaximumMemoryGB: intp(4)}, vm)
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = planCustomization(CustomizationParams{
		DynamicMemory:   boolp(true),
		MinimumMemoryGB: intp(6),
	}, vm)
	require.ErrorIs(t, err, ErrInvalidParams)
	require.Contains(t, err.Error(), "minimum <= startup <= maximum")

	plan, err = planCustomization(CustomizationParams{
		DynamicMemory:   boolp(true),
		MinimumMemoryGB: intp(2),
		MaximumMemoryGB: intp(16),
	}, vm)
	require.NoError(t, err)
	require.Equal(t, []string{"dynamic_memory", "minimum_memory_gb"}, plan.offline)
}

func TestCustomizeOnlineChange(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStateRunning)

	params := CustomizationParams{
		Name:                       "web01",
		Notes:                      stringp("web tier"),
		CheckpointType:             stringp("standard"),
		EnableAutomaticCheckpoints: boolp(true),
	}

	result, err := vd.Customize(ctx, params)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, "web tier", result.VMCustomizationInfo.Notes)
	require.Equal(t, "Standard", result.VMCustomizationInfo.CheckpointType)
	require.Equal(t, []string{"setvm " + vm.ID}, fp.calls)

	result, err = vd.Customize(ctx, params)
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Len(t, fp.calls, 1)
}

func TestCustomizeRequiresForce(t *testing.T) {
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	fp.addVM("web01", vmStateRunning)

	_, err := vd.Customize(context.Background(), CustomizationParams{Name: "web01", ProcessorCount: intp(4)})
	require.ErrorIs(t, err, ErrRequiresPowerOff)
	require.Contains(t, err.Error(), "processor_count")
	require.Empty(t, fp.calls)
}

func TestCustomizeForcedRestoresState(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStateRunning)

	params := CustomizationParams{Name: "web01", ProcessorCount: intp(4), Force: true}

	result, err := vd.Customize(ctx, params)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, 4, result.VMCustomizationInfo.ProcessorCount)
	require.Equal(t, vmStateRunning, result.VMCustomizationInfo.State)
	require.Equal(t, []string{
		"stopvm " + vm.ID,
		"setvm " + vm.ID,
		"startvm " + vm.ID,
	}, fp.calls)

	result, err = vd.Customize(ctx, params)
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Len(t, fp.calls, 3)
}

func TestCustomizeRestoresAfterFailure(t *testing.T) {
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStateRunning)
	fp.setErr = errors.New("Set-VM: the operation failed")

	_, err := vd.Customize(context.Background(), CustomizationParams{Name: "web01", ProcessorCount: intp(4), Force: true})
	require.ErrorIs(t, err, fp.setErr)

	var hverr *Error
	require.ErrorAs(t, err, &hverr)
	require.Equal(t, KindProvider, hverr.Kind)
	require.Equal(t, vmStateRunning, fp.vms[vm.ID].State)
	require.Equal(t, "startvm "+vm.ID, fp.calls[len(fp.calls)-1])
}

func TestCustomizeRestoreFailure(t *testing.T) {
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStatePaused)
	fp.setErr = errors.New("Set-VM: the operation failed")
	fp.startErr = errors.New("Start-VM: not enough memory")

	_, err := vd.Customize(context.Background(), CustomizationParams{VMID: vm.ID, ProcessorCount: intp(4), Force: true})

	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	require.Equal(t, vmStatePaused, restoreErr.State)
	require.ErrorIs(t, err, fp.setErr)
	require.ErrorIs(t, err, fp.startErr)

	var hverr *Error
	require.ErrorAs(t, err, &hverr)
	require.Equal(t, KindRestore, hverr.Kind)
	require.Equal(t, "turnoffvm "+vm.ID, fp.calls[0])
}

func TestCustomizePausedIsPausedAgain(t *testing.T) {
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStatePaused)

	result, err := vd.Customize(context.Background(), CustomizationParams{Name: "web01", ProcessorCount: intp(2), Force: true})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, vmStatePaused, fp.vms[vm.ID].State)
	require.Equal(t, []string{
		"turnoffvm " + vm.ID,
		"setvm " + vm.ID,
		"startvm " + vm.ID,
		"suspendvm " + vm.ID,
	}, fp.calls)
}

func TestCustomizeSavedVM(t *testing.T) {
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	fp.addVM("web01", vmStateSaved)

	_, err := vd.Customize(context.Background(), CustomizationParams{Name: "web01", ProcessorCount: intp(2), Force: true})
	require.ErrorIs(t, err, ErrRequiresPowerOff)
	require.Contains(t, err.Error(), "saved state")
	require.Empty(t, fp.calls)
}

func TestCustomizeRename(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStateOff)

	result, err := vd.Customize(ctx, CustomizationParams{VMID: vm.ID, NewVMName: stringp("web02")})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, "web02", result.VMCustomizationInfo.VMName)
	require.Equal(t, []string{"renamevm web02"}, fp.calls)

	result, err = vd.Customize(ctx, CustomizationParams{VMID: vm.ID, NewVMName: stringp("web02")})
	require.NoError(t, err)
	require.False(t, result.Changed)
}

func TestCustomizeRenameByName(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStateOff)

	params := CustomizationParams{
		Name:      "web01",
		NewVMName: stringp("web02"),
		Notes:     stringp("renamed"),
	}

	result, err := vd.Customize(ctx, params)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, "web02", result.VMCustomizationInfo.VMName)
	require.Equal(t, vm.ID, result.VMCustomizationInfo.VMID)
	require.Equal(t, []string{"setvm " + vm.ID, "renamevm web02"}, fp.calls)

	result, err = vd.Customize(ctx, params)
	require.NoError(t, err)
	require.False(t, result.Changed)
	require.Equal(t, "web02", result.VMCustomizationInfo.VMName)
	require.Len(t, fp.calls, 2)

	params.Notes = stringp("renamed twice")
	result, err = vd.Customize(ctx, params)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, "setvm "+vm.ID, fp.calls[2])

	_, err = vd.Customize(ctx, CustomizationParams{Name: "db01", NewVMName: stringp("db02")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCustomizeCheckMode(t *testing.T) {
	fp := newFakeProvider()
	vd := newTestDriver(fp, WithCheckMode(true))
	fp.addVM("web01", vmStateRunning)

	result, err := vd.Customize(context.Background(), CustomizationParams{Name: "web01", ProcessorCount: intp(4), Force: true})
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Empty(t, fp.calls)
}
