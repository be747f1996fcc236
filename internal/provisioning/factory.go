package provisioning

import (
	"context"
	"errors"
	"fmt"

	"bootimage/internal/config"
	"bootimage/internal/gce"
	"bootimage/internal/imaging"
	"bootimage/internal/logging"
	"bootimage/internal/metadata"

	"go.uber.org/zap"
)

// ImageBuilder is what the CLI drives.
type ImageBuilder interface {
	Builder
	Cleaner
}

// Dependencies are the collaborators NewBuilder wires into a builder. Nil
// fields are replaced with the real implementations.
type Dependencies struct {
	Metadata metadata.Service
	Tool     imaging.Tool
	Devices  EC2Devices
	GCE      gce.API
	EC2      EC2API
	Yandex   YandexAPI
	ExecOpts []gce.Option
}

// NewBuilder creates a builder based on config type (factory pattern).
// The local instance is resolved through the provider's metadata service.
func NewBuilder(ctx context.Context, cfg *config.Config, deps Dependencies) (ImageBuilder, error) {
	if deps.Tool == nil {
		deps.Tool = imaging.NewQemuImg(cfg.UseSudo)
	}
	if deps.Devices == nil {
		deps.Devices = imaging.NewDevices()
	}
	metadataTimeout := seconds(cfg.Timeouts.Metadata)

	switch cfg.Provider.Type {
	case config.ProviderGCP:
		if cfg.Provider.GCP == nil {
			return nil, fmt.Errorf("gcp config is nil")
		}
		if deps.Metadata == nil {
			deps.Metadata = metadata.New(metadata.FlavorGoogle, metadataTimeout)
		}
		return newGCPBuilder(ctx, cfg, deps)

	case config.ProviderAWS:
		if cfg.Provider.AWS == nil {
			return nil, fmt.Errorf("aws config is nil")
		}
		if deps.Metadata == nil {
			deps.Metadata = metadata.New(metadata.FlavorEC2, metadataTimeout)
		}
		instance, err := localInstance(ctx, deps.Metadata)
		if err != nil {
			return nil, err
		}
		awsCfg := *cfg.Provider.AWS
		if awsCfg.Region == "" {
			awsCfg.Region = instance.Region
		}
		if deps.EC2 == nil {
			client, err := NewEC2Client(ctx, awsCfg.Region, awsCfg.AccessKeyID, awsCfg.SecretAccessKey)
			if err != nil {
				return nil, err
			}
			deps.EC2 = client
		}
		return NewAWSBuilder(deps.EC2, deps.Tool, deps.Devices, instance.ID, instance.Zone, AWSOptions{
			Config:   awsCfg,
			Timeouts: cfg.Timeouts,
			KeepDisk: cfg.KeepDisk,
			Workers:  cfg.CleanupWorkers,
		}), nil

	case config.ProviderYandexCloud:
		if cfg.Provider.YandexCloud == nil {
			return nil, fmt.Errorf("yandex_cloud config is nil")
		}
		if deps.Metadata == nil {
			deps.Metadata = metadata.New(metadata.FlavorYandex, metadataTimeout)
		}
		instance, err := localInstance(ctx, deps.Metadata)
		if err != nil {
			return nil, err
		}
		if deps.Yandex == nil {
			api, err := NewYandexAPI(ctx, cfg.Provider.YandexCloud.IAMToken)
			if err != nil {
				return nil, err
			}
			deps.Yandex = api
		}
		return NewYandexBuilder(deps.Yandex, deps.Tool, deps.Devices, instance.ID, instance.Zone, YandexOptions{
			FolderID:      cfg.Provider.YandexCloud.FolderID,
			DiskType:      cfg.Provider.YandexCloud.DiskType,
			KeepDisk:      cfg.KeepDisk,
			DeviceTimeout: seconds(cfg.Timeouts.Device),
			Workers:       cfg.CleanupWorkers,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Provider.Type)
	}
}

func newGCPBuilder(ctx context.Context, cfg *config.Config, deps Dependencies) (*GCPBuilder, error) {
	gcpCfg := cfg.Provider.GCP
	instance, err := localInstance(ctx, deps.Metadata)
	if err != nil {
		return nil, err
	}
	project := gcpCfg.ProjectID
	if project == "" {
		project = instance.Project
	}
	zone := gcpCfg.Zone
	if zone == "" {
		zone = instance.Zone
	}
	if project == "" || zone == "" {
		return nil, fmt.Errorf("could not determine project and zone (project=%q, zone=%q)", project, zone)
	}

	if deps.GCE == nil {
		api, err := gce.NewAPI(ctx, gcpCfg.CredentialsPath)
		if err != nil {
			return nil, err
		}
		deps.GCE = api
	}

	opts := append([]gce.Option{gce.WithTimeouts(GCETimeouts(cfg.Timeouts))}, deps.ExecOpts...)
	exec := gce.NewExecutor(deps.GCE, project, zone, opts...)

	return NewGCPBuilder(exec, deps.Tool, deps.Devices, instance.ID, GCPOptions{
		DiskType:      gcpCfg.DiskType,
		ImageSource:   cfg.ImageSource,
		KeepDisk:      cfg.KeepDisk,
		DeviceTimeout: seconds(cfg.Timeouts.Device),
		Workers:       cfg.CleanupWorkers,
	}), nil
}

// GCETimeouts converts configured timeouts to executor budgets.
func GCETimeouts(t config.Timeouts) gce.Timeouts {
	return gce.Timeouts{
		DiskInsert:    t.DiskInsert,
		DiskAttach:    t.DiskAttach,
		DiskDetach:    t.DiskDetach,
		DiskDelete:    t.DiskDelete,
		Snapshot:      t.Snapshot,
		Image:         t.Image,
		InstancePower: t.InstancePower,
	}
}

var errNoInstance = errors.New("could not determine the local instance")

func localInstance(ctx context.Context, svc metadata.Service) (*metadata.Instance, error) {
	instance, err := svc.Instance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance metadata: %w", err)
	}
	if instance.ID == "" {
		return nil, errNoInstance
	}
	logging.Logger().Info("resolved local instance",
		zap.String("id", instance.ID),
		zap.String("zone", instance.Zone),
		zap.String("project", instance.Project))
	return instance, nil
}
