package hypervstate_test

import (
	"context"
	"os"
	"testing"

	"github.com/kuttiproject/hypervstate"
	"github.com/kuttiproject/kuttilog"
	"github.com/kuttiproject/workspace"
	"github.com/stretchr/testify/require"
)

// TestHyperVHost runs the modules against a real Hyper-V host. It needs
// an elevated session on Windows with the Hyper-V PowerShell module, and
// the name of a virtual switch in HYPERV_TEST_SWITCH.
func TestHyperVHost(t *testing.T) {
	if os.Getenv("HYPERV_TEST_SWITCH") == "" {
		t.Skip("HYPERV_TEST_SWITCH not set, skipping Hyper-V host test")
	}

	kuttilog.SetLogLevel(kuttilog.Debug)

	err := workspace.Set(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	vd, err := hypervstate.NewLocal(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "Ready", vd.Status(ctx))

	guest := hypervstate.GuestParams{
		Name:            "hypervstate-test",
		Switch:          os.Getenv("HYPERV_TEST_SWITCH"),
		StartupMemoryGB: 1,
		NewVHDX:         true,
		NewVHDXSizeGB:   1,
	}

	result, err := vd.Guest(ctx, guest)
	require.NoError(t, err)
	require.True(t, result.Changed)

	defer func() {
		guest.State = "absent"
		guest.RemoveVHDX = true
		_, err := vd.Guest(ctx, guest)
		require.NoError(t, err)
	}()

	result, err = vd.Guest(ctx, guest)
	require.NoError(t, err)
	require.False(t, result.Changed)

	customized, err := vd.Customize(ctx, hypervstate.CustomizationParams{
		Name:           guest.Name,
		ProcessorCount: intp(2),
		Notes:          stringp("created by hypervstate tests"),
	})
	require.NoError(t, err)
	require.True(t, customized.Changed)
	require.Equal(t, 2, customized.VMCustomizationInfo.ProcessorCount)

	dvd, err := vd.DvdDrive(ctx, hypervstate.DvdDriveParams{Name: guest.Name})
	require.NoError(t, err)
	require.True(t, dvd.Changed)

	vlan, err := vd.Vlan(ctx, hypervstate.VlanParams{Name: guest.Name, VlanID: intp(42)})
	require.NoError(t, err)
	require.True(t, vlan.Changed)
	require.Equal(t, 42, vlan.VlanConfiguration.AccessVlanID)

	power, err := vd.PowerState(ctx, hypervstate.PowerStateParams{Name: guest.Name, State: "poweroff"})
	require.NoError(t, err)
	require.False(t, power.Changed)
}

func intp(v int) *int {
	return &v
}

func stringp(v string) *string {
	return &v
}
