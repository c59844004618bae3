package hypervstate

import (
	"fmt"

	"github.com/pkg/errors"
)

// The Err* sentinels classify failures. Match them with errors.Is.
var (
	ErrInvalidParams         = errors.New("invalid parameters")
	ErrNotFound              = errors.New("not found")
	ErrAmbiguous             = errors.New("ambiguous identity")
	ErrSourceNotFound        = errors.New("source disk not found")
	ErrDestinationExists     = errors.New("destination already exists")
	ErrUnsupportedConversion = errors.New("unsupported disk conversion")
	ErrInvalidTransition     = errors.New("invalid power state transition")
	ErrGuestUnresponsive     = errors.New("guest is not responding")
	ErrTransitionTimeout     = errors.New("timed out waiting for power state")
	ErrRequiresPowerOff      = errors.New("change requires the virtual machine to be off")
	ErrProvider              = errors.New("hyper-v provider error")
)

// ErrorKind is the category of an Error.
type ErrorKind int

// The ErrorKind* constants follow the order in which failures can occur
// during a reconcile: parameters, identity, provider, restore.
const (
	KindValidation ErrorKind = iota
	KindIdentity
	KindProvider
	KindRestore
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindIdentity:
		return "identity"
	case KindRestore:
		return "restore"
	default:
		return "provider"
	}
}

// Error is returned by every Driver operation. It names the module and
// the resource that the operation was attempted on.
type Error struct {
	Kind     ErrorKind
	Module   string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Module, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Module, e.Resource, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RestoreError is returned when a forced operation stopped a virtual
// machine and could not bring it back to its previous power state.
// Err is the failure of the operation itself, and may be nil if the
// operation succeeded but the restore did not.
type RestoreError struct {
	State      string
	Err        error
	RestoreErr error
}

func (e *RestoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("could not restore power state %s: %v", e.State, e.RestoreErr)
	}
	return fmt.Sprintf(
		"could not restore power state %s: %v (after failure: %v)",
		e.State,
		e.RestoreErr,
		e.Err,
	)
}

func (e *RestoreError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.RestoreErr}
	}
	return []error{e.Err, e.RestoreErr}
}

// ProviderError is a failure reported by the interface script.
type ProviderError struct {
	Command string
	Kind    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Is maps the error kinds reported by the interface script onto the
// package sentinels.
func (e *ProviderError) Is(target error) bool {
	switch e.Kind {
	case "NotFound":
		return target == ErrNotFound || target == ErrProvider
	case "Exists":
		return target == ErrDestinationExists || target == ErrProvider
	case "Ambiguous":
		return target == ErrAmbiguous || target == ErrProvider
	case "GuestUnresponsive":
		return target == ErrGuestUnresponsive || target == ErrProvider
	}
	return target == ErrProvider
}

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidParams, format, args...)
}

func classify(err error) ErrorKind {
	var re *RestoreError
	switch {
	case errors.As(err, &re):
		return KindRestore
	case errors.Is(err, ErrInvalidParams):
		return KindValidation
	case errors.Is(err, ErrAmbiguous), errors.Is(err, ErrSourceNotFound):
		return KindIdentity
	case errors.Is(err, ErrNotFound):
		var pe *ProviderError
		if errors.As(err, &pe) {
			return KindProvider
		}
		return KindIdentity
	}
	return KindProvider
}

// fail wraps err in an *Error for module and resource. It returns nil if
// err is nil.
func fail(module string, resource string, err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	return &Error{
		Kind:     classify(err),
		Module:   module,
		Resource: resource,
		Err:      err,
	}
}
