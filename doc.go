// Package hypervstate brings Microsoft Hyper-V virtual machines to a
// desired state. It uses the Hyper-V PowerShell module to talk to
// Hyper-V. It invokes Cmdlets from the module via an interface script,
// either on the local host or on a remote host over SSH.
//
// Each operation of a Driver reads the current state of one resource,
// compares it with the desired state, and applies only the difference:
//
//   - Guest creates or removes a virtual machine.
//   - Disk clones a virtual disk file, optionally removing the source.
//   - PowerState starts, stops, saves or turns off a virtual machine.
//   - Customize changes settings of an existing virtual machine.
//   - DvdDrive adds, changes or removes a DVD drive.
//   - Vlan sets the VLAN of a network adapter.
//
// Applying the same desired state twice changes nothing the second time,
// and the result says so. In check mode, operations report what they
// would change without changing it.
//
// Failures are returned as *Error, whose Kind tells a bad request, a
// virtual machine that could not be identified, a Hyper-V failure and a
// failure to restore power state apart.
package hypervstate
