package imaging

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"bootimage/internal/logging"
	"bootimage/internal/poll"

	"go.uber.org/zap"
)

// Devices locates block devices appearing after an attach.
type Devices struct {
	Runner Runner
	Sleep  poll.SleepFunc
	Exists func(path string) bool
}

// NewDevices returns a Devices checking the local filesystem.
func NewDevices() *Devices {
	return &Devices{
		Runner: ExecRunner{},
		Sleep:  poll.Sleep,
		Exists: pathExists,
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// Wait blocks until path exists, checking once per second for at most
// timeout.
func (d *Devices) Wait(ctx context.Context, path string, timeout time.Duration) error {
	steps := poll.Steps(int(timeout/time.Second), time.Second)
	_, err := poll.Until(ctx, "device "+path+" to appear", steps, d.Sleep, func(context.Context) (bool, bool, error) {
		if d.Exists(path) {
			return true, true, nil
		}
		logging.Logger().Debug("waiting for device to attach", zap.String("device", path))
		return false, false, nil
	})
	return err
}

// ResolveEC2 maps the device name requested at attach time to the path
// the kernel exposes. NVMe based instances ignore the requested name, so
// the volume is located through its udev serial link instead.
func (d *Devices) ResolveEC2(ctx context.Context, requested, volumeID string) (string, error) {
	out, err := d.Runner.Run(ctx, "lsblk", "--noheadings", "--nodeps", "--output", "NAME")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "nvme") {
			return EBSDevicePath(volumeID), nil
		}
	}
	if !strings.HasPrefix(requested, "/dev/") {
		requested = "/dev/" + requested
	}
	return requested, nil
}

// EBSDevicePath is where udev links an EBS volume on NVMe based
// instances. The serial is the volume ID without its dash.
func EBSDevicePath(volumeID string) string {
	return "/dev/disk/by-id/nvme-Amazon_Elastic_Block_Store_" + strings.ReplaceAll(volumeID, "-", "")
}

// GoogleDevicePath is where GCE exposes a disk attached with deviceName.
func GoogleDevicePath(deviceName string) string {
	return "/dev/disk/by-id/google-" + deviceName
}

// VirtioDevicePath is where Yandex Cloud exposes a disk attached with
// deviceName.
func VirtioDevicePath(deviceName string) string {
	return "/dev/disk/by-id/virtio-" + deviceName
}
