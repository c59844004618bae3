package hypervstate

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{invalidf("bad"), KindValidation},
		{errors.Wrap(ErrAmbiguous, "two"), KindIdentity},
		{errors.Wrap(ErrNotFound, "gone"), KindIdentity},
		{errors.Wrap(ErrSourceNotFound, "gone"), KindIdentity},
		{&ProviderError{Command: "getvhd", Kind: "NotFound"}, KindProvider},
		{errors.New("Convert-VHD failed"), KindProvider},
		{&RestoreError{State: "Running", RestoreErr: errors.New("no")}, KindRestore},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestFail(t *testing.T) {
	require.NoError(t, fail(guestModule, "virtual machine 'web01'", nil))

	err := fail(guestModule, "virtual machine 'web01'", invalidf("generation must be 1 or 2, got: %d", 3))
	require.EqualError(t, err, "hyperv_guest: virtual machine 'web01': generation must be 1 or 2, got: 3: invalid parameters")

	again := fail(diskModule, "disk", err)
	require.Same(t, err, again)
}

func TestProviderErrorIs(t *testing.T) {
	err := &ProviderError{Command: "convertvhd", Kind: "Exists", Message: "exists"}
	require.ErrorIs(t, err, ErrDestinationExists)
	require.ErrorIs(t, err, ErrProvider)
	require.NotErrorIs(t, err, ErrNotFound)

	err = &ProviderError{Command: "guestresponsive", Kind: "GuestUnresponsive"}
	require.ErrorIs(t, err, ErrGuestUnresponsive)
}

func TestRestoreErrorUnwrap(t *testing.T) {
	cause := errors.New("Set-VM failed")
	restore := errors.New("Start-VM failed")

	err := &RestoreError{State: "Running", Err: cause, RestoreErr: restore}
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, restore)
	require.Contains(t, err.Error(), "after failure: Set-VM failed")

	err = &RestoreError{State: "Running", RestoreErr: restore}
	require.NotErrorIs(t, err, cause)
	require.ErrorIs(t, err, restore)
}
