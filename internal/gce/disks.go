package gce

import (
	"context"
	"fmt"

	"google.golang.org/api/compute/v1"
)

// Timeouts holds the wait budget, in seconds, for each kind of request.
type Timeouts struct {
	DiskInsert    int
	DiskAttach    int
	DiskDetach    int
	DiskDelete    int
	Snapshot      int
	Image         int
	InstancePower int
}

// DefaultTimeouts returns budgets observed to cover normal GCE latencies.
// Inserts and deletes rarely take more than a few seconds; attach, detach
// and snapshot sometimes take over thirty.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		DiskInsert:    20,
		DiskAttach:    90,
		DiskDetach:    120,
		DiskDelete:    20,
		Snapshot:      120,
		Image:         120,
		InstancePower: 5 * 60,
	}
}

// DiskTypeURL returns the partial URL of a disk type in project and zone.
func DiskTypeURL(project, zone, diskType string) string {
	return fmt.Sprintf("projects/%s/zones/%s/diskTypes/%s", project, zone, diskType)
}

// DiskURL returns the full URL of a zonal disk.
func DiskURL(project, zone, disk string) string {
	return fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/zones/%s/disks/%s", project, zone, disk)
}

// SnapshotURL returns the partial URL of a global snapshot.
func SnapshotURL(project, snapshot string) string {
	return fmt.Sprintf("projects/%s/global/snapshots/%s", project, snapshot)
}

// CreateDisk creates an empty disk of sizeGiB and waits until it exists.
func (e *Executor) CreateDisk(ctx context.Context, name string, sizeGiB int64, description, diskType string) (*compute.Operation, error) {
	disk := &compute.Disk{
		Name:        name,
		SizeGb:      sizeGiB,
		Description: description,
		Type:        DiskTypeURL(e.project, e.zone, diskType),
	}
	return e.RunBlocking(ctx, "create disk "+name, e.timeouts.DiskInsert,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.InsertDisk(ctx, e.project, e.zone, disk)
		})
}

// AttachDisk attaches a non-boot disk to instance using the disk name as
// device name.
func (e *Executor) AttachDisk(ctx context.Context, instance, diskName string) (*compute.Operation, error) {
	attached := &compute.AttachedDisk{
		DeviceName: diskName,
		AutoDelete: false,
		Boot:       false,
		Source:     DiskURL(e.project, e.zone, diskName),
	}
	return e.RunBlocking(ctx, fmt.Sprintf("attach disk %s to %s", diskName, instance), e.timeouts.DiskAttach,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.AttachDisk(ctx, e.project, e.zone, instance, attached)
		})
}

// DetachDisk detaches the device from instance.
func (e *Executor) DetachDisk(ctx context.Context, instance, deviceName string) (*compute.Operation, error) {
	return e.RunBlocking(ctx, fmt.Sprintf("detach disk %s from %s", deviceName, instance), e.timeouts.DiskDetach,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.DetachDisk(ctx, e.project, e.zone, instance, deviceName)
		})
}

// SnapshotDisk snapshots diskName into a global snapshot.
func (e *Executor) SnapshotDisk(ctx context.Context, diskName, snapshotName, description string) (*compute.Operation, error) {
	snapshot := &compute.Snapshot{
		Name:        snapshotName,
		Description: description,
	}
	return e.RunBlocking(ctx, "snapshot disk "+diskName, e.timeouts.Snapshot,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.CreateSnapshot(ctx, e.project, e.zone, diskName, snapshot)
		})
}

// CreateImage registers an image. The resulting operation is global.
func (e *Executor) CreateImage(ctx context.Context, image *compute.Image) (*compute.Operation, error) {
	return e.RunBlocking(ctx, "create image "+image.Name, e.timeouts.Image,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.InsertImage(ctx, e.project, image)
		})
}

// DestroyDisk deletes a disk.
func (e *Executor) DestroyDisk(ctx context.Context, name string) (*compute.Operation, error) {
	return e.RunBlocking(ctx, "delete disk "+name, e.timeouts.DiskDelete,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.DeleteDisk(ctx, e.project, e.zone, name)
		})
}

// StartInstance boots a stopped instance.
func (e *Executor) StartInstance(ctx context.Context, instance string) (*compute.Operation, error) {
	return e.RunBlocking(ctx, "start instance "+instance, e.timeouts.InstancePower,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.StartInstance(ctx, e.project, e.zone, instance)
		})
}

// StopInstance shuts an instance down.
func (e *Executor) StopInstance(ctx context.Context, instance string) (*compute.Operation, error) {
	return e.RunBlocking(ctx, "stop instance "+instance, e.timeouts.InstancePower,
		func(ctx context.Context, api API) (*compute.Operation, error) {
			return api.StopInstance(ctx, e.project, e.zone, instance)
		})
}

// GetDisk reads a disk.
func (e *Executor) GetDisk(ctx context.Context, name string) (*compute.Disk, error) {
	return withLock(e, func(api API) (*compute.Disk, error) {
		return api.GetDisk(ctx, e.project, e.zone, name)
	})
}

// ListDisks returns every disk in the zone matching filter.
func (e *Executor) ListDisks(ctx context.Context, filter string) ([]*compute.Disk, error) {
	var disks []*compute.Disk
	token := ""
	for {
		page, err := withLock(e, func(api API) (*compute.DiskList, error) {
			return api.ListDisks(ctx, e.project, e.zone, filter, token)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list disks: %w", err)
		}
		disks = append(disks, page.Items...)
		if page.NextPageToken == "" {
			return disks, nil
		}
		token = page.NextPageToken
	}
}

// ListInstances returns every instance in the zone.
func (e *Executor) ListInstances(ctx context.Context) ([]*compute.Instance, error) {
	var instances []*compute.Instance
	token := ""
	for {
		page, err := withLock(e, func(api API) (*compute.InstanceList, error) {
			return api.ListInstances(ctx, e.project, e.zone, token)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		instances = append(instances, page.Items...)
		if page.NextPageToken == "" {
			return instances, nil
		}
		token = page.NextPageToken
	}
}
