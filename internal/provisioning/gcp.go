package provisioning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bootimage/internal/config"
	"bootimage/internal/gce"
	"bootimage/internal/imaging"
	"bootimage/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
)

// DeviceWaiter blocks until a block device shows up on the local host.
type DeviceWaiter interface {
	Wait(ctx context.Context, path string, timeout time.Duration) error
}

// GCPOptions tunes a GCPBuilder.
type GCPOptions struct {
	DiskType      string
	ImageSource   config.ImageSource
	KeepDisk      bool
	DeviceTimeout time.Duration
	Workers       int
}

// GCPBuilder builds Compute Engine images by writing the source image onto
// a disk attached to the local instance.
type GCPBuilder struct {
	exec     *gce.Executor
	tool     imaging.Tool
	devices  DeviceWaiter
	instance string
	opts     GCPOptions
}

// NewGCPBuilder creates a builder attaching disks to instance. exec must
// be scoped to the instance's project and zone.
func NewGCPBuilder(exec *gce.Executor, tool imaging.Tool, devices DeviceWaiter, instance string, opts GCPOptions) *GCPBuilder {
	if opts.DiskType == "" {
		opts.DiskType = "pd-standard"
	}
	if opts.ImageSource == "" {
		opts.ImageSource = config.ImageSourceSnapshot
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 120 * time.Second
	}
	return &GCPBuilder{
		exec:     exec,
		tool:     tool,
		devices:  devices,
		instance: instance,
		opts:     opts,
	}
}

// SnapshotName is the name of the snapshot taken for image name.
func SnapshotName(name string) string {
	return name + "-snap"
}

// Build creates the image req.Name from the local file req.Input.
func (b *GCPBuilder) Build(ctx context.Context, req Request) (*Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	logger := logging.Logger().With(
		zap.String("run_id", uuid.NewString()),
		zap.String("image", req.Name),
		zap.String("project", b.exec.Project()),
		zap.String("zone", b.exec.Zone()),
	)

	done := logging.Step(logger, 1, "inspecting source image", zap.String("input", req.Input))
	size, err := b.tool.VirtualSize(ctx, req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to read image size: %w", err)
	}
	sizeGiB := imaging.SizeGiB(size)
	done()

	diskName := req.Name
	done = logging.Step(logger, 2, "creating disk", zap.String("disk", diskName), zap.Int64("size_gib", sizeGiB))
	if _, err := b.exec.CreateDisk(ctx, diskName, sizeGiB, DescriptionPrefix+req.Name, b.opts.DiskType); err != nil {
		return nil, fmt.Errorf("failed to create disk: %w", err)
	}
	done()

	done = logging.Step(logger, 3, "attaching disk", zap.String("instance", b.instance))
	if _, err := b.exec.AttachDisk(ctx, b.instance, diskName); err != nil {
		return nil, fmt.Errorf("failed to attach disk: %w", err)
	}
	device := imaging.GoogleDevicePath(diskName)
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
	if _, err := b.exec.DetachDisk(ctx, b.instance, diskName); err != nil {
		return nil, fmt.Errorf("failed to detach disk: %w", err)
	}
	done()

	snapshot := SnapshotName(req.Name)
	done = logging.Step(logger, 6, "creating snapshot", zap.String("snapshot", snapshot))
	if _, err := b.exec.SnapshotDisk(ctx, diskName, snapshot, DescriptionPrefix+req.Name); err != nil {
		return nil, fmt.Errorf("failed to snapshot disk: %w", err)
	}
	done()

	image := &compute.Image{
		Name:        req.Name,
		Description: DescriptionPrefix + req.Name,
	}
	source := SnapshotName(req.Name)
	switch b.opts.ImageSource {
	case config.ImageSourceDisk:
		source = fmt.Sprintf("zones/%s/disks/%s", b.exec.Zone(), diskName)
		image.SourceDisk = source
	default:
		image.SourceSnapshot = gce.SnapshotURL(b.exec.Project(), snapshot)
	}
	done = logging.Step(logger, 7, "creating image", zap.String("source", source))
	op, err := b.exec.CreateImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	done()

	if b.opts.KeepDisk {
		logger.Info("keeping intermediate disk", zap.String("disk", diskName))
	} else {
		done = logging.Step(logger, 8, "deleting intermediate disk", zap.String("disk", diskName))
		if _, err := b.exec.DestroyDisk(ctx, diskName); err != nil {
			return nil, fmt.Errorf("failed to delete disk: %w", err)
		}
		done()
	}

	took := time.Since(started)
	logger.Info("image created", zap.Duration("took", took))

	return &Image{
		Name:     req.Name,
		ID:       imageID(op),
		Provider: config.ProviderGCP,
		Source:   source,
		Took:     took,
	}, nil
}

func imageID(op *compute.Operation) string {
	if op == nil {
		return ""
	}
	if op.TargetId != 0 {
		return fmt.Sprintf("%d", op.TargetId)
	}
	return op.TargetLink
}

// Cleanup deletes intermediate disks left behind by earlier runs. Disks
// still attached to an instance are skipped.
func (b *GCPBuilder) Cleanup(ctx context.Context) (int, error) {
	disks, err := b.exec.ListDisks(ctx, fmt.Sprintf(`description eq "%s.*"`, DescriptionPrefix))
	if err != nil {
		return 0, err
	}

	var names []string
	for _, d := range disks {
		if !strings.HasPrefix(d.Description, DescriptionPrefix) {
			continue
		}
		if len(d.Users) > 0 {
			logging.Logger().Info("skipping attached disk",
				zap.String("disk", d.Name),
				zap.Strings("users", d.Users))
			continue
		}
		names = append(names, d.Name)
	}
	logging.Logger().Info("found leftover disks", zap.Int("count", len(names)))

	return deleteAll(ctx, b.opts.Workers, "disk", names, func(ctx context.Context, name string) error {
		_, err := b.exec.DestroyDisk(ctx, name)
		if gce.IsNotFound(err) {
			return nil
		}
		return err
	})
}
