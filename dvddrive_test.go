package hypervstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const installISO = `C:\ISO\install.iso`

func TestDvdDriveParamsNormalize(t *testing.T) {
	p := DvdDriveParams{Name: "web01"}
	require.NoError(t, p.normalize())
	require.Equal(t, "present", p.State)

	p = DvdDriveParams{Name: "web01", ControllerNumber: intp(0)}
	require.ErrorIs(t, p.normalize(), ErrInvalidParams)

	p = DvdDriveParams{Name: "web01", ControllerNumber: intp(-1), ControllerLocation: intp(0)}
	require.ErrorIs(t, p.normalize(), ErrInvalidParams)
}

func TestPlanDvdDrive(t *testing.T) {
	drives := []DvdDrive{
		{ControllerNumber: 0, ControllerLocation: 1, Path: installISO},
		{ControllerNumber: 0, ControllerLocation: 2},
	}

	plan, err := planDvdDrive(DvdDriveParams{State: "present", Path: stringp(installISO)}, drives)
	require.NoError(t, err)
	require.Equal(t, dvdNone, plan.action)

	_, err = planDvdDrive(DvdDriveParams{State: "absent"}, drives)
	require.ErrorIs(t, err, ErrAmbiguous)

	plan, err = planDvdDrive(DvdDriveParams{
		State:              "absent",
		ControllerNumber:   intp(0),
		ControllerLocation: intp(2),
	}, drives)
	require.NoError(t, err)
	require.Equal(t, dvdRemove, plan.action)
	require.Equal(t, 2, plan.drive.ControllerLocation)

	plan, err = planDvdDrive(DvdDriveParams{
		State:              "present",
		ControllerNumber:   intp(0),
		ControllerLocation: intp(2),
		Path:               stringp(installISO),
	}, drives)
	require.NoError(t, err)
	require.Equal(t, dvdSet, plan.action)

	plan, err = planDvdDrive(DvdDriveParams{
		State:              "present",
		ControllerNumber:   intp(1),
		ControllerLocation: intp(0),
	}, drives)
	require.NoError(t, err)
	require.Equal(t, dvdAdd, plan.action)

	plan, err = planDvdDrive(DvdDriveParams{State: "absent"}, nil)
	require.NoError(t, err)
	require.Equal(t, dvdNone, plan.action)
}

func TestDvdDriveLifecycle(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	vd := newTestDriver(fp)
	vm := fp.addVM("web01", vmStateOff)

	present := DvdDriveParams{
		Name:               "web01",
		Path:               stringp(installISO),
		ControllerNumber:   intp(0),
		ControllerLocation: intp(1),
	}

	result, err := vd.DvdDrive(ctx, present)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, installISO, result.DvdDriveInfo.Path)

	result, err = vd.DvdDrive(ctx, present)
	require.NoError(t, err)
	require.False(t, result.Changed)

	eject := present
	eject.Path = stringp("")
	result, err = vd.DvdDrive(ctx, eject)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Empty(t, fp.dvds[vm.ID][0].Path)

	absent := DvdDriveParams{Name: "web01", State: "absent"}
	result, err = vd.DvdDrive(ctx, absent)
	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Empty(t, fp.dvds[vm.ID])

	result, err = vd.DvdDrive(ctx, absent)
	require.NoError(t, err)
	require.False(t, result.Changed)

	require.Equal(t, []string{
		"adddvddrive " + vm.ID,
		"setdvddrive " + vm.ID,
		"removedvddrive " + vm.ID + " 0:1",
	}, fp.calls)
}

func TestDvdDriveMissingVM(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	vd := newTestDriver(fp)

	result, err := vd.DvdDrive(ctx, DvdDriveParams{Name: "web01", State: "absent"})
	require.NoError(t, err)
	require.False(t, result.Changed)

	_, err = vd.DvdDrive(ctx, DvdDriveParams{Name: "web01"})
	require.ErrorIs(t, err, ErrNotFound)
}
