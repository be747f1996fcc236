package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ProviderType selects the cloud the image is built in.
type ProviderType string

const (
	ProviderGCP         ProviderType = "gcp"
	ProviderAWS         ProviderType = "aws"
	ProviderYandexCloud ProviderType = "yandex_cloud"
)

// ImageSource selects what a GCE image is registered from.
type ImageSource string

const (
	ImageSourceSnapshot ImageSource = "snapshot"
	ImageSourceDisk     ImageSource = "disk"
)

// Config contains application configuration
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Timeouts Timeouts       `yaml:"timeouts"`

	// ImageSource only applies to GCP.
	ImageSource ImageSource `yaml:"image_source"`

	// KeepDisk leaves the intermediate disk in place after the image is
	// registered.
	KeepDisk bool `yaml:"keep_disk"`

	// UseSudo runs the image copy through sudo.
	UseSudo bool `yaml:"use_sudo"`

	// CleanupWorkers bounds concurrent deletes in the cleanup command.
	CleanupWorkers int `yaml:"cleanup_workers"`
}

// ProviderConfig is a discriminated union keyed by Type.
type ProviderConfig struct {
	Type        ProviderType       `yaml:"type"`
	GCP         *GCPConfig         `yaml:"gcp,omitempty"`
	AWS         *AWSConfig         `yaml:"aws,omitempty"`
	YandexCloud *YandexCloudConfig `yaml:"yandex_cloud,omitempty"`
}

// GCPConfig holds Google Compute Engine settings. ProjectID and Zone
// default to the values reported by the metadata server.
type GCPConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	ProjectID       string `yaml:"project_id"`
	Zone            string `yaml:"zone"`
	DiskType        string `yaml:"disk_type"`
}

// AWSConfig holds EC2 settings. Empty credentials use the default chain.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	VolumeType      string `yaml:"volume_type"`
	Device          string `yaml:"device"`
	Architecture    string `yaml:"architecture"`
}

// YandexCloudConfig holds Yandex Cloud settings.
type YandexCloudConfig struct {
	IAMToken string `yaml:"iam_token"`
	FolderID string `yaml:"folder_id"`
	DiskType string `yaml:"disk_type"`
}

// Timeouts are wait budgets in seconds.
type Timeouts struct {
	DiskInsert    int `yaml:"disk_insert"`
	DiskAttach    int `yaml:"disk_attach"`
	DiskDetach    int `yaml:"disk_detach"`
	DiskDelete    int `yaml:"disk_delete"`
	Snapshot      int `yaml:"snapshot"`
	Image         int `yaml:"image"`
	InstancePower int `yaml:"instance_power"`
	Device        int `yaml:"device"`
	Metadata      int `yaml:"metadata"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type: ProviderGCP,
		},
		Timeouts: Timeouts{
			DiskInsert:    20,
			DiskAttach:    90,
			DiskDetach:    120,
			DiskDelete:    20,
			Snapshot:      120,
			Image:         120,
			InstancePower: 300,
			Device:        120,
			Metadata:      3,
		},
		ImageSource:    ImageSourceSnapshot,
		UseSudo:        true,
		CleanupWorkers: 4,
	}
}

// Load loads configuration from the YAML file named by CONFIG_PATH
// (default bootimage.yaml). A missing file is not an error.
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "bootimage.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.expandEnv()
	config.applyEnvOverrides()
	config.applyProviderDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) expandEnv() {
	if g := c.Provider.GCP; g != nil {
		g.CredentialsPath = os.ExpandEnv(g.CredentialsPath)
		g.ProjectID = os.ExpandEnv(g.ProjectID)
		g.Zone = os.ExpandEnv(g.Zone)
	}
	if a := c.Provider.AWS; a != nil {
		a.Region = os.ExpandEnv(a.Region)
		a.AccessKeyID = os.ExpandEnv(a.AccessKeyID)
		a.SecretAccessKey = os.ExpandEnv(a.SecretAccessKey)
	}
	if y := c.Provider.YandexCloud; y != nil {
		y.IAMToken = os.ExpandEnv(y.IAMToken)
		y.FolderID = os.ExpandEnv(y.FolderID)
	}
}

// applyEnvOverrides lets credentials come from the environment so they
// never have to be written to the config file.
func (c *Config) applyEnvOverrides() {
	switch c.Provider.Type {
	case ProviderGCP:
		if c.Provider.GCP == nil {
			c.Provider.GCP = &GCPConfig{}
		}
		if path := os.Getenv("GCE_SERVICE_ACCOUNT_FILE"); path != "" {
			c.Provider.GCP.CredentialsPath = path
		}
	case ProviderAWS:
		if c.Provider.AWS == nil {
			c.Provider.AWS = &AWSConfig{}
		}
		if region := os.Getenv("AWS_REGION"); region != "" {
			c.Provider.AWS.Region = region
		}
	case ProviderYandexCloud:
		if c.Provider.YandexCloud == nil {
			c.Provider.YandexCloud = &YandexCloudConfig{}
		}
		if token := os.Getenv("YC_TOKEN"); token != "" {
			c.Provider.YandexCloud.IAMToken = token
		}
		if folderID := os.Getenv("YC_FOLDER_ID"); folderID != "" {
			c.Provider.YandexCloud.FolderID = folderID
		}
	}
}

func (c *Config) applyProviderDefaults() {
	if g := c.Provider.GCP; g != nil && g.DiskType == "" {
		g.DiskType = "pd-standard"
	}
	if a := c.Provider.AWS; a != nil {
		if a.VolumeType == "" {
			a.VolumeType = "gp2"
		}
		if a.Device == "" {
			a.Device = "xvdf"
		}
		if a.Architecture == "" {
			a.Architecture = "x86_64"
		}
	}
	if y := c.Provider.YandexCloud; y != nil && y.DiskType == "" {
		y.DiskType = "network-hdd"
	}
	if c.ImageSource == "" {
		c.ImageSource = ImageSourceSnapshot
	}
	if c.CleanupWorkers <= 0 {
		c.CleanupWorkers = 1
	}
}

// Validate checks that the selected provider is fully configured.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case ProviderGCP:
		if c.Provider.GCP == nil {
			return fmt.Errorf("provider.gcp section is required for provider type %q", c.Provider.Type)
		}
	case ProviderAWS:
		if c.Provider.AWS == nil {
			return fmt.Errorf("provider.aws section is required for provider type %q", c.Provider.Type)
		}
	case ProviderYandexCloud:
		if c.Provider.YandexCloud == nil {
			return fmt.Errorf("provider.yandex_cloud section is required for provider type %q", c.Provider.Type)
		}
		if c.Provider.YandexCloud.IAMToken == "" {
			return fmt.Errorf("IAM token is required (set provider.yandex_cloud.iam_token in config file or YC_TOKEN environment variable)")
		}
		if c.Provider.YandexCloud.FolderID == "" {
			return fmt.Errorf("folder ID is required (set provider.yandex_cloud.folder_id in config file or YC_FOLDER_ID environment variable)")
		}
	default:
		return fmt.Errorf("unsupported provider type: %q", c.Provider.Type)
	}

	switch c.ImageSource {
	case ImageSourceSnapshot, ImageSourceDisk:
	default:
		return fmt.Errorf("unsupported image_source: %q", c.ImageSource)
	}

	t := c.Timeouts
	for name, v := range map[string]int{
		"disk_insert":    t.DiskInsert,
		"disk_attach":    t.DiskAttach,
		"disk_detach":    t.DiskDetach,
		"disk_delete":    t.DiskDelete,
		"snapshot":       t.Snapshot,
		"image":          t.Image,
		"instance_power": t.InstancePower,
		"device":         t.Device,
		"metadata":       t.Metadata,
	} {
		if v <= 0 {
			return fmt.Errorf("timeouts.%s must be positive, got %d", name, v)
		}
	}
	return nil
}
