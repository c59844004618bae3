package hypervstate

import "context"

// NewLocal returns a Driver for Hyper-V on this host, and checks that it
// is usable. If powershellpath is empty, powershell.exe or pwsh.exe is
// looked up on the path.
// The returned Driver is usable even if there is an error; its Status
// will be Error until the problem is fixed.
func NewLocal(ctx context.Context, powershellpath string, opts ...Option) (*Driver, error) {
	provider, err := NewLocalPowerShell(powershellpath)
	if err != nil {
		result := New(unavailable{err: err}, opts...)
		result.validate(ctx)
		return result, err
	}

	result := New(provider, opts...)
	if !result.validate(ctx) {
		return result, result
	}

	return result, nil
}

// unavailable stands in for a provider that could not be set up. Every
// operation fails its Check before reaching any other method.
type unavailable struct {
	Provider
	err error
}

func (u unavailable) Check(ctx context.Context) error {
	return u.err
}
