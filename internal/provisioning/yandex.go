package provisioning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bootimage/internal/config"
	"bootimage/internal/imaging"
	"bootimage/internal/logging"

	"github.com/google/uuid"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/operation"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// YandexAPI is the part of the Yandex Cloud compute API the builder uses.
// Every mutating call returns once its operation has finished.
type YandexAPI interface {
	CreateDisk(ctx context.Context, req *compute.CreateDiskRequest) (*compute.Disk, error)
	AttachDisk(ctx context.Context, req *compute.AttachInstanceDiskRequest) error
	DetachDisk(ctx context.Context, req *compute.DetachInstanceDiskRequest) error
	CreateSnapshot(ctx context.Context, req *compute.CreateSnapshotRequest) (*compute.Snapshot, error)
	CreateImage(ctx context.Context, req *compute.CreateImageRequest) (*compute.Image, error)
	DeleteDisk(ctx context.Context, req *compute.DeleteDiskRequest) error
	ListDisks(ctx context.Context, req *compute.ListDisksRequest) (*compute.ListDisksResponse, error)
}

type ycAPI struct {
	sdk *ycsdk.SDK
}

// NewYandexAPI creates a YandexAPI authenticated with an IAM token.
func NewYandexAPI(ctx context.Context, iamToken string) (YandexAPI, error) {
	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(iamToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}
	return &ycAPI{sdk: sdk}, nil
}

// wait blocks until the operation finishes and returns its response.
func (a *ycAPI) wait(ctx context.Context, pop *operation.Operation, err error) (proto.Message, error) {
	if err != nil {
		return nil, err
	}
	op, err := a.sdk.WrapOperation(pop, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for operation: %w", err)
	}
	return op.Response()
}

func (a *ycAPI) CreateDisk(ctx context.Context, req *compute.CreateDiskRequest) (*compute.Disk, error) {
	pop, err := a.sdk.Compute().Disk().Create(ctx, req)
	resp, err := a.wait(ctx, pop, err)
	if err != nil {
		return nil, err
	}
	disk, ok := resp.(*compute.Disk)
	if !ok {
		return nil, fmt.Errorf("unexpected create disk response %T", resp)
	}
	return disk, nil
}

func (a *ycAPI) AttachDisk(ctx context.Context, req *compute.AttachInstanceDiskRequest) error {
	pop, err := a.sdk.Compute().Instance().AttachDisk(ctx, req)
	_, err = a.wait(ctx, pop, err)
	return err
}

func (a *ycAPI) DetachDisk(ctx context.Context, req *compute.DetachInstanceDiskRequest) error {
	pop, err := a.sdk.Compute().Instance().DetachDisk(ctx, req)
	_, err = a.wait(ctx, pop, err)
	return err
}

func (a *ycAPI) CreateSnapshot(ctx context.Context, req *compute.CreateSnapshotRequest) (*compute.Snapshot, error) {
	pop, err := a.sdk.Compute().Snapshot().Create(ctx, req)
	resp, err := a.wait(ctx, pop, err)
	if err != nil {
		return nil, err
	}
	snapshot, ok := resp.(*compute.Snapshot)
	if !ok {
		return nil, fmt.Errorf("unexpected create snapshot response %T", resp)
	}
	return snapshot, nil
}

func (a *ycAPI) CreateImage(ctx context.Context, req *compute.CreateImageRequest) (*compute.Image, error) {
	pop, err := a.sdk.Compute().Image().Create(ctx, req)
	resp, err := a.wait(ctx, pop, err)
	if err != nil {
		return nil, err
	}
	image, ok := resp.(*compute.Image)
	if !ok {
		return nil, fmt.Errorf("unexpected create image response %T", resp)
	}
	return image, nil
}

func (a *ycAPI) DeleteDisk(ctx context.Context, req *compute.DeleteDiskRequest) error {
	pop, err := a.sdk.Compute().Disk().Delete(ctx, req)
	_, err = a.wait(ctx, pop, err)
	return err
}

func (a *ycAPI) ListDisks(ctx context.Context, req *compute.ListDisksRequest) (*compute.ListDisksResponse, error) {
	return a.sdk.Compute().Disk().List(ctx, req)
}

// YandexOptions tunes a YandexBuilder.
type YandexOptions struct {
	FolderID      string
	DiskType      string
	KeepDisk      bool
	DeviceTimeout time.Duration
	Workers       int
}

// YandexBuilder builds Yandex Cloud images from a disk attached to the
// local instance.
type YandexBuilder struct {
	api        YandexAPI
	tool       imaging.Tool
	devices    DeviceWaiter
	instanceID string
	zone       string
	opts       YandexOptions
}

// NewYandexBuilder creates a builder attaching disks to instanceID in zone.
func NewYandexBuilder(api YandexAPI, tool imaging.Tool, devices DeviceWaiter, instanceID, zone string, opts YandexOptions) *YandexBuilder {
	if opts.DiskType == "" {
		opts.DiskType = "network-hdd"
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 120 * time.Second
	}
	return &YandexBuilder{
		api:        api,
		tool:       tool,
		devices:    devices,
		instanceID: instanceID,
		zone:       zone,
		opts:       opts,
	}
}

func (b *YandexBuilder) labels(name string) map[string]string {
	return map[string]string{tagKey: name}
}

// Build creates the image req.Name from the local file req.Input.
func (b *YandexBuilder) Build(ctx context.Context, req Request) (*Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	logger := logging.Logger().With(
		zap.String("run_id", uuid.NewString()),
		zap.String("image", req.Name),
		zap.String("folder_id", b.opts.FolderID),
		zap.String("zone", b.zone),
	)

	done := logging.Step(logger, 1, "inspecting source image", zap.String("input", req.Input))
	size, err := b.tool.VirtualSize(ctx, req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to read image size: %w", err)
	}
	sizeGiB := imaging.SizeGiB(size)
	done()

	done = logging.Step(logger, 2, "creating disk", zap.Int64("size_gib", sizeGiB))
	disk, err := b.api.CreateDisk(ctx, &compute.CreateDiskRequest{
		FolderId:    b.opts.FolderID,
		Name:        req.Name,
		Description: DescriptionPrefix + req.Name,
		Labels:      b.labels(req.Name),
		TypeId:      b.opts.DiskType,
		ZoneId:      b.zone,
		Size:        sizeGiB * imaging.GiB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create disk: %w", err)
	}
	logger = logger.With(zap.String("disk_id", disk.Id))
	done()

	done = logging.Step(logger, 3, "attaching disk", zap.String("instance_id", b.instanceID))
	if err := b.api.AttachDisk(ctx, &compute.AttachInstanceDiskRequest{
		InstanceId: b.instanceID,
		AttachedDiskSpec: &compute.AttachedDiskSpec{
			Mode:       compute.AttachedDiskSpec_READ_WRITE,
			DeviceName: req.Name,
			AutoDelete: false,
			Disk: &compute.AttachedDiskSpec_DiskId{
				DiskId: disk.Id,
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to attach disk: %w", err)
	}
	device := imaging.VirtioDevicePath(req.Name)
	if err := b.devices.Wait(ctx, device, b.opts.DeviceTimeout); err != nil {
		return nil, fmt.Errorf("failed to wait for device: %w", err)
	}
	done()

	done = logging.Step(logger, 4, "copying image to disk", zap.String("device", device))
	if err := b.tool.ConvertRaw(ctx, req.Input, device); err != nil {
		return nil, fmt.Errorf("failed to copy image: %w", err)
	}
	done()

	done = logging.Step(logger, 5, "detaching disk")
	if err := b.api.DetachDisk(ctx, &compute.DetachInstanceDiskRequest{
		InstanceId: b.instanceID,
		Disk: &compute.DetachInstanceDiskRequest_DiskId{
			DiskId: disk.Id,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to detach disk: %w", err)
	}
	done()

	done = logging.Step(logger, 6, "creating snapshot", zap.String("snapshot", SnapshotName(req.Name)))
	snapshot, err := b.api.CreateSnapshot(ctx, &compute.CreateSnapshotRequest{
		FolderId:    b.opts.FolderID,
		DiskId:      disk.Id,
		Name:        SnapshotName(req.Name),
		Description: DescriptionPrefix + req.Name,
		Labels:      b.labels(req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot disk: %w", err)
	}
	done()

	done = logging.Step(logger, 7, "creating image", zap.String("snapshot_id", snapshot.Id))
	image, err := b.api.CreateImage(ctx, &compute.CreateImageRequest{
		FolderId:    b.opts.FolderID,
		Name:        req.Name,
		Description: DescriptionPrefix + req.Name,
		Labels:      b.labels(req.Name),
		Source: &compute.CreateImageRequest_SnapshotId{
			SnapshotId: snapshot.Id,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	done()

	if b.opts.KeepDisk {
		logger.Info("keeping intermediate disk")
	} else {
		done = logging.Step(logger, 8, "deleting intermediate disk")
		if err := b.api.DeleteDisk(ctx, &compute.DeleteDiskRequest{DiskId: disk.Id}); err != nil {
			return nil, fmt.Errorf("failed to delete disk: %w", err)
		}
		done()
	}

	took := time.Since(started)
	logger.Info("image created", zap.String("image_id", image.Id), zap.Duration("took", took))

	return &Image{
		Name:     req.Name,
		ID:       image.Id,
		Provider: config.ProviderYandexCloud,
		Source:   snapshot.Id,
		Took:     took,
	}, nil
}

// Cleanup deletes unattached disks labelled by earlier runs.
func (b *YandexBuilder) Cleanup(ctx context.Context) (int, error) {
	var ids []string
	req := &compute.ListDisksRequest{FolderId: b.opts.FolderID}
	for {
		resp, err := b.api.ListDisks(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("failed to list disks: %w", err)
		}
		for _, d := range resp.Disks {
			if _, ok := d.Labels[tagKey]; !ok && !strings.HasPrefix(d.Description, DescriptionPrefix) {
				continue
			}
			if len(d.InstanceIds) > 0 {
				logging.Logger().Info("skipping attached disk",
					zap.String("disk", d.Name),
					zap.Strings("instance_ids", d.InstanceIds))
				continue
			}
			ids = append(ids, d.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}
	logging.Logger().Info("found leftover disks", zap.Int("count", len(ids)))

	return deleteAll(ctx, b.opts.Workers, "disk", ids, func(ctx context.Context, id string) error {
		err := b.api.DeleteDisk(ctx, &compute.DeleteDiskRequest{DiskId: id})
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return err
	})
}
