package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bootimage/internal/config"
	"bootimage/internal/imaging"
	"bootimage/internal/logging"
	"bootimage/internal/poll"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// tagKey marks volumes created by this tool.
const tagKey = "bootimage"

// EC2API is the subset of *ec2.Client the AWS builder uses.
type EC2API interface {
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	RegisterImage(ctx context.Context, params *ec2.RegisterImageInput, optFns ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error)
}

// EC2Devices finds where an attached EBS volume shows up locally.
type EC2Devices interface {
	DeviceWaiter
	ResolveEC2(ctx context.Context, requested, volumeID string) (string, error)
}

// NewEC2Client creates an EC2 client. Empty keys fall back to the default
// credential chain, which includes the instance profile.
func NewEC2Client(ctx context.Context, region, accessKey, secretKey string) (*ec2.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// AWSOptions tunes an AWSBuilder.
type AWSOptions struct {
	Config   config.AWSConfig
	Timeouts config.Timeouts
	KeepDisk bool
	Workers  int
}

// AWSBuilder builds AMIs from an EBS volume attached to the local instance.
type AWSBuilder struct {
	client           EC2API
	tool             imaging.Tool
	devices          EC2Devices
	instanceID       string
	availabilityZone string
	opts             AWSOptions
	sleep            poll.SleepFunc
}

// NewAWSBuilder creates a builder attaching volumes to instanceID in
// availabilityZone.
func NewAWSBuilder(client EC2API, tool imaging.Tool, devices EC2Devices, instanceID, availabilityZone string, opts AWSOptions) *AWSBuilder {
	if opts.Config.VolumeType == "" {
		opts.Config.VolumeType = string(types.VolumeTypeGp2)
	}
	if opts.Config.Device == "" {
		opts.Config.Device = "xvdf"
	}
	if opts.Config.Architecture == "" {
		opts.Config.Architecture = string(types.ArchitectureValuesX8664)
	}
	return &AWSBuilder{
		client:           client,
		tool:             tool,
		devices:          devices,
		instanceID:       instanceID,
		availabilityZone: availabilityZone,
		opts:             opts,
		sleep:            poll.Sleep,
	}
}

// Build registers the AMI req.Name from the local file req.Input.
func (b *AWSBuilder) Build(ctx context.Context, req Request) (*Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	logger := logging.Logger().With(
		zap.String("run_id", uuid.NewString()),
		zap.String("image", req.Name),
		zap.String("instance_id", b.instanceID),
		zap.String("availability_zone", b.availabilityZone),
	)

	done := logging.Step(logger, 1, "inspecting source image", zap.String("input", req.Input))
	size, err := b.tool.VirtualSize(ctx, req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to read image size: %w", err)
	}
	sizeGiB := imaging.SizeGiB(size)
	done()

	done = logging.Step(logger, 2, "creating volume", zap.Int64("size_gib", sizeGiB))
	created, err := b.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(b.availabilityZone),
		Size:             aws.Int32(int32(sizeGiB)),
		VolumeType:       types.VolumeType(b.opts.Config.VolumeType),
		ClientToken:      aws.String(uuid.NewString()),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeVolume,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(DescriptionPrefix + req.Name)},
					{Key: aws.String(tagKey), Value: aws.String(req.Name)},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	volumeID := aws.ToString(created.VolumeId)
	logger = logger.With(zap.String("volume_id", volumeID))
	if err := b.waitVolume(ctx, volumeID, types.VolumeStateAvailable, b.opts.Timeouts.DiskInsert); err != nil {
		return nil, err
	}
	done()

	done = logging.Step(logger, 3, "attaching volume", zap.String("device", b.opts.Config.Device))
	if _, err := b.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(b.opts.Config.Device),
		InstanceId: aws.String(b.instanceID),
		VolumeId:   aws.String(volumeID),
	}); err != nil {
		return nil, fmt.Errorf("failed to attach volume: %w", err)
	}
	if err := b.waitVolume(ctx, volumeID, types.VolumeStateInUse, b.opts.Timeouts.DiskAttach); err != nil {
		return nil, err
	}
	device, err := b.devices.ResolveEC2(ctx, b.opts.Config.Device, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	if err := b.devices.Wait(ctx, device, seconds(b.opts.Timeouts.Device)); err != nil {
		return nil, fmt.Errorf("failed to wait for device: %w", err)
	}
	done()

	done = logging.Step(logger, 4, "copying image to volume", zap.String("device", device))
	if err := b.tool.ConvertRaw(ctx, req.Input, device); err != nil {
		return nil, fmt.Errorf("failed to copy image: %w", err)
	}
	done()

	done = logging.Step(logger, 5, "detaching volume")
	if _, err := b.client.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
		return nil, fmt.Errorf("failed to detach volume: %w", err)
	}
	if err := b.waitVolume(ctx, volumeID, types.VolumeStateAvailable, b.opts.Timeouts.DiskDetach); err != nil {
		return nil, err
	}
	done()

	done = logging.Step(logger, 6, "creating snapshot")
	snap, err := b.client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String("snap-" + req.Name),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeSnapshot,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(SnapshotName(req.Name))},
					{Key: aws.String(tagKey), Value: aws.String(req.Name)},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	snapshotID := aws.ToString(snap.SnapshotId)
	if err := b.waitSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	done()

	if b.opts.KeepDisk {
		logger.Info("keeping intermediate volume")
	} else {
		done = logging.Step(logger, 7, "deleting volume")
		if _, err := b.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
			return nil, fmt.Errorf("failed to delete volume: %w", err)
		}
		done()
	}

	done = logging.Step(logger, 8, "registering image", zap.String("snapshot_id", snapshotID))
	registered, err := b.client.RegisterImage(ctx, &ec2.RegisterImageInput{
		Name:               aws.String(req.Name),
		Description:        aws.String(DescriptionPrefix + req.Name),
		Architecture:       types.ArchitectureValues(b.opts.Config.Architecture),
		RootDeviceName:     aws.String("xvda"),
		VirtualizationType: aws.String("hvm"),
		EnaSupport:         aws.Bool(true),
		BlockDeviceMappings: []types.BlockDeviceMapping{
			{
				DeviceName: aws.String("xvda"),
				Ebs: &types.EbsBlockDevice{
					SnapshotId:          aws.String(snapshotID),
					DeleteOnTermination: aws.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register image: %w", err)
	}
	done()

	took := time.Since(started)
	imageID := aws.ToString(registered.ImageId)
	logger.Info("image created", zap.String("image_id", imageID), zap.Duration("took", took))

	return &Image{
		Name:     req.Name,
		ID:       imageID,
		Provider: config.ProviderAWS,
		Source:   snapshotID,
		Took:     took,
	}, nil
}

func (b *AWSBuilder) waitVolume(ctx context.Context, volumeID string, want types.VolumeState, timeout int) error {
	err := poll.WaitFor(ctx, "volume "+volumeID, string(want), seconds(timeout), b.sleep, func(ctx context.Context) (string, error) {
		out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
		if err != nil {
			return "", fmt.Errorf("failed to describe volume: %w", err)
		}
		if len(out.Volumes) == 0 {
			return "", fmt.Errorf("volume %s not found", volumeID)
		}
		return string(out.Volumes[0].State), nil
	})
	if err != nil {
		return fmt.Errorf("failed to wait for volume %s to become %s: %w", volumeID, want, err)
	}
	return nil
}

func (b *AWSBuilder) waitSnapshot(ctx context.Context, snapshotID string) error {
	err := poll.WaitFor(ctx, "snapshot "+snapshotID, string(types.SnapshotStateCompleted), seconds(b.opts.Timeouts.Snapshot), b.sleep, func(ctx context.Context) (string, error) {
		out, err := b.client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}})
		if err != nil {
			return "", fmt.Errorf("failed to describe snapshot: %w", err)
		}
		if len(out.Snapshots) == 0 {
			return "", fmt.Errorf("snapshot %s not found", snapshotID)
		}
		s := out.Snapshots[0]
		if s.State == types.SnapshotStateError {
			return "", fmt.Errorf("snapshot %s failed: %s", snapshotID, aws.ToString(s.StateMessage))
		}
		return string(s.State), nil
	})
	if err != nil {
		return fmt.Errorf("failed to wait for snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// Cleanup deletes available volumes tagged by earlier runs.
func (b *AWSBuilder) Cleanup(ctx context.Context) (int, error) {
	var ids []string
	input := &ec2.DescribeVolumesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag-key"), Values: []string{tagKey}},
			{Name: aws.String("status"), Values: []string{string(types.VolumeStateAvailable)}},
		},
	}
	for {
		out, err := b.client.DescribeVolumes(ctx, input)
		if err != nil {
			return 0, fmt.Errorf("failed to list volumes: %w", err)
		}
		for _, v := range out.Volumes {
			ids = append(ids, aws.ToString(v.VolumeId))
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	logging.Logger().Info("found leftover volumes", zap.Int("count", len(ids)))

	return deleteAll(ctx, b.opts.Workers, "volume", ids, func(ctx context.Context, id string) error {
		_, err := b.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)})
		if isVolumeNotFound(err) {
			return nil
		}
		return err
	})
}

func isVolumeNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidVolume.NotFound"
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
