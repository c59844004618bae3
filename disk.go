package hypervstate

import (
	"context"
	"fmt"
	"strings"

	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
)

const diskModule = "hyperv_disk"

// DiskParams describes a clone of a virtual disk file.
type DiskParams struct {
	// Path is the source VHDX file.
	Path string `yaml:"path" json:"path"`
	// DestinationPath is the VHDX file to create.
	DestinationPath string `yaml:"destination_path" json:"destination_path"`
	// Type is fixed, dynamic or differencing. Default is dynamic.
	// A differencing destination uses the source as its parent.
	Type string `yaml:"type" json:"type,omitempty"`
	// DeleteSource removes the source once the destination is verified.
	DeleteSource bool `yaml:"delete_source" json:"delete_source,omitempty"`
}

func (p *DiskParams) normalize() error {
	if p.Path == "" {
		return invalidf("path is required")
	}
	if p.DestinationPath == "" {
		return invalidf("destination_path is required")
	}
	if strings.EqualFold(p.Path, p.DestinationPath) {
		return invalidf("path and destination_path must be different")
	}

	if p.Type == "" {
		p.Type = "dynamic"
	}
	vhdtype, err := choice("type", p.Type, "fixed", "dynamic", "differencing")
	if err != nil {
		return err
	}
	p.Type = vhdtype

	if p.Type == "differencing" && p.DeleteSource {
		return fmt.Errorf(
			"%w: %w: a differencing disk needs its source as parent, so delete_source cannot be used",
			ErrInvalidParams,
			ErrUnsupportedConversion,
		)
	}

	return nil
}

// vhdType returns the VHDType enumeration name used by the Cmdlets.
func vhdType(choice string) string {
	switch choice {
	case "fixed":
		return "Fixed"
	case "differencing":
		return "Differencing"
	default:
		return "Dynamic"
	}
}

// VHDXInfo is the metadata snapshot returned by Disk.
type VHDXInfo struct {
	Path       string `json:"Path"`
	Size       int64  `json:"Size"`
	Type       string `json:"Type"`
	ParentPath string `json:"ParentPath,omitempty"`
}

func vhdxInfo(vhd *VHD) *VHDXInfo {
	if vhd == nil {
		return nil
	}

	return &VHDXInfo{
		Path:       vhd.Path,
		Size:       vhd.Size,
		Type:       vhd.VhdType,
		ParentPath: vhd.ParentPath,
	}
}

type diskPlan struct {
	clone        bool
	differencing bool
	deletesource bool
	// existing is a destination that already matches.
	existing *VHD
}

// planDisk decides what to do given the validated params and the
// observed source and destination, which are nil if missing.
// A destination that already has the requested type (and parent, for
// differencing disks) counts as a previous successful clone.
func planDisk(p DiskParams, source *VHD, destination *VHD) (diskPlan, error) {
	vhdtype := vhdType(p.Type)

	if destination != nil {
		matches := strings.EqualFold(destination.VhdType, vhdtype)
		if matches && p.Type == "differencing" {
			matches = strings.EqualFold(destination.ParentPath, p.Path)
		}
		if !matches {
			return diskPlan{}, errors.Wrapf(
				ErrDestinationExists,
				"%s is a %s disk, cannot clone to it",
				destination.Path,
				destination.VhdType,
			)
		}

		return diskPlan{
			existing:     destination,
			deletesource: p.DeleteSource && source != nil,
		}, nil
	}

	if source == nil {
		return diskPlan{}, errors.Wrapf(ErrSourceNotFound, "%s does not exist", p.Path)
	}

	return diskPlan{
		clone:        true,
		differencing: p.Type == "differencing",
		deletesource: p.DeleteSource,
	}, nil
}

func (vd *Driver) lookupVHD(ctx context.Context, path string) (*VHD, error) {
	vhd, err := vd.provider.GetVHD(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return vhd, nil
}

// Disk clones a virtual disk file.
// It does this by running the Cmdlet:
//
//	Convert-VHD -Path <path> -DestinationPath <destination_path> -VHDType <type>
//
// or, for a differencing disk:
//
//	New-VHD -Path <destination_path> -ParentPath <path> -Differencing
//
// through an interface script.
// If DeleteSource is set, the source is removed only after Test-VHD has
// verified the destination.
func (vd *Driver) Disk(ctx context.Context, params DiskParams) (*DiskResult, error) {
	resource := fmt.Sprintf("disk '%s'", params.Path)

	if err := params.normalize(); err != nil {
		return nil, fail(diskModule, resource, err)
	}

	if !vd.validate(ctx) {
		return nil, fail(diskModule, resource, vd)
	}

	source, err := vd.lookupVHD(ctx, params.Path)
	if err != nil {
		return nil, fail(diskModule, resource, err)
	}

	destination, err := vd.lookupVHD(ctx, params.DestinationPath)
	if err != nil {
		return nil, fail(diskModule, resource, err)
	}

	plan, err := planDisk(params, source, destination)
	if err != nil {
		return nil, fail(diskModule, resource, err)
	}

	if !plan.clone && !plan.deletesource {
		return &DiskResult{VHDXInfo: vhdxInfo(plan.existing)}, nil
	}

	if vd.checkmode {
		kuttilog.Printf(kuttilog.Info, "Would clone %s to %s.", params.Path, params.DestinationPath)
		return &DiskResult{Changed: true, VHDXInfo: vhdxInfo(plan.existing)}, nil
	}

	result := plan.existing
	if plan.clone {
		result, err = vd.cloneVHD(ctx, params, plan)
		if err != nil {
			return nil, fail(diskModule, resource, err)
		}
	}

	if plan.deletesource {
		err = vd.deleteSourceVHD(ctx, params)
		if err != nil {
			return nil, fail(diskModule, resource, err)
		}
	}

	return &DiskResult{Changed: true, VHDXInfo: vhdxInfo(result)}, nil
}

func (vd *Driver) cloneVHD(ctx context.Context, params DiskParams, plan diskPlan) (*VHD, error) {
	if plan.differencing {
		kuttilog.Printf(kuttilog.Info, "Creating differencing disk %s...", params.DestinationPath)
		vhd, err := vd.provider.NewDifferencingVHD(ctx, params.Path, params.DestinationPath)
		if err != nil {
			return nil, errors.Wrapf(err, "could not create differencing disk %s", params.DestinationPath)
		}
		return vhd, nil
	}

	kuttilog.Printf(kuttilog.Info, "Cloning %s to %s...", params.Path, params.DestinationPath)
	vhd, err := vd.provider.ConvertVHD(ctx, params.Path, params.DestinationPath, vhdType(params.Type))
	if err != nil {
		return nil, errors.Wrapf(err, "could not clone to %s", params.DestinationPath)
	}

	return vhd, nil
}

// deleteSourceVHD verifies the destination, then removes the source.
func (vd *Driver) deleteSourceVHD(ctx context.Context, params DiskParams) error {
	valid, err := vd.provider.TestVHD(ctx, params.DestinationPath)
	if err != nil {
		return errors.Wrapf(err, "could not verify %s, source was kept", params.DestinationPath)
	}
	if !valid {
		return errors.Wrapf(
			ErrProvider,
			"%s failed verification, source was kept",
			params.DestinationPath,
		)
	}

	kuttilog.Printf(kuttilog.Info, "Removing source disk %s...", params.Path)
	err = vd.provider.RemoveFile(ctx, params.Path)
	if err != nil {
		return errors.Wrapf(err, "could not remove source disk %s", params.Path)
	}

	return nil
}
