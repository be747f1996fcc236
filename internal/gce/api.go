package gce

import (
	"context"
	"fmt"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

// Operation statuses reported by the compute API.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
)

// OperationGetter reads the latest state of an operation resource.
type OperationGetter interface {
	GetZoneOperation(ctx context.Context, project, zone, name string) (*compute.Operation, error)
	GetGlobalOperation(ctx context.Context, project, name string) (*compute.Operation, error)
}

// API is the subset of the compute API used to build images. Mutating
// calls return the operation resource describing the submitted request.
type API interface {
	OperationGetter

	InsertDisk(ctx context.Context, project, zone string, disk *compute.Disk) (*compute.Operation, error)
	DeleteDisk(ctx context.Context, project, zone, disk string) (*compute.Operation, error)
	GetDisk(ctx context.Context, project, zone, disk string) (*compute.Disk, error)
	ListDisks(ctx context.Context, project, zone, filter, pageToken string) (*compute.DiskList, error)
	CreateSnapshot(ctx context.Context, project, zone, disk string, snapshot *compute.Snapshot) (*compute.Operation, error)

	AttachDisk(ctx context.Context, project, zone, instance string, disk *compute.AttachedDisk) (*compute.Operation, error)
	DetachDisk(ctx context.Context, project, zone, instance, deviceName string) (*compute.Operation, error)
	ListInstances(ctx context.Context, project, zone, pageToken string) (*compute.InstanceList, error)
	StartInstance(ctx context.Context, project, zone, instance string) (*compute.Operation, error)
	StopInstance(ctx context.Context, project, zone, instance string) (*compute.Operation, error)

	InsertImage(ctx context.Context, project string, image *compute.Image) (*compute.Operation, error)
}

// serviceAPI implements API on top of the generated compute client.
type serviceAPI struct {
	service *compute.Service
}

// NewAPI creates a compute client. An empty credentialsFile falls back to
// application default credentials.
func NewAPI(ctx context.Context, credentialsFile string) (API, error) {
	opts := []option.ClientOption{option.WithScopes(compute.ComputeScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	return &serviceAPI{service: service}, nil
}

func (a *serviceAPI) GetZoneOperation(ctx context.Context, project, zone, name string) (*compute.Operation, error) {
	return a.service.ZoneOperations.Get(project, zone, name).Context(ctx).Do()
}

func (a *serviceAPI) GetGlobalOperation(ctx context.Context, project, name string) (*compute.Operation, error) {
	return a.service.GlobalOperations.Get(project, name).Context(ctx).Do()
}

func (a *serviceAPI) InsertDisk(ctx context.Context, project, zone string, disk *compute.Disk) (*compute.Operation, error) {
	return a.service.Disks.Insert(project, zone, disk).Context(ctx).Do()
}

func (a *serviceAPI) DeleteDisk(ctx context.Context, project, zone, disk string) (*compute.Operation, error) {
	return a.service.Disks.Delete(project, zone, disk).Context(ctx).Do()
}

func (a *serviceAPI) GetDisk(ctx context.Context, project, zone, disk string) (*compute.Disk, error) {
	return a.service.Disks.Get(project, zone, disk).Context(ctx).Do()
}

func (a *serviceAPI) ListDisks(ctx context.Context, project, zone, filter, pageToken string) (*compute.DiskList, error) {
	call := a.service.Disks.List(project, zone).Context(ctx)
	if filter != "" {
		call = call.Filter(filter)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (a *serviceAPI) CreateSnapshot(ctx context.Context, project, zone, disk string, snapshot *compute.Snapshot) (*compute.Operation, error) {
	return a.service.Disks.CreateSnapshot(project, zone, disk, snapshot).Context(ctx).Do()
}

func (a *serviceAPI) AttachDisk(ctx context.Context, project, zone, instance string, disk *compute.AttachedDisk) (*compute.Operation, error) {
	return a.service.Instances.AttachDisk(project, zone, instance, disk).Context(ctx).Do()
}

func (a *serviceAPI) DetachDisk(ctx context.Context, project, zone, instance, deviceName string) (*compute.Operation, error) {
	return a.service.Instances.DetachDisk(project, zone, instance, deviceName).Context(ctx).Do()
}

func (a *serviceAPI) ListInstances(ctx context.Context, project, zone, pageToken string) (*compute.InstanceList, error) {
	call := a.service.Instances.List(project, zone).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (a *serviceAPI) StartInstance(ctx context.Context, project, zone, instance string) (*compute.Operation, error) {
	return a.service.Instances.Start(project, zone, instance).Context(ctx).Do()
}

func (a *serviceAPI) StopInstance(ctx context.Context, project, zone, instance string) (*compute.Operation, error) {
	return a.service.Instances.Stop(project, zone, instance).Context(ctx).Do()
}

func (a *serviceAPI) InsertImage(ctx context.Context, project string, image *compute.Image) (*compute.Operation, error) {
	return a.service.Images.Insert(project, image).Context(ctx).Do()
}
