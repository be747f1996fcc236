// Package imaging wraps the local tooling used to inspect a source image
// and write it onto an attached block device.
package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"bootimage/internal/logging"

	"go.uber.org/zap"
)

// GiB is the unit disks are sized in.
const GiB int64 = 1 << 30

// SizeGiB returns the number of whole GiB needed to hold size bytes.
func SizeGiB(size int64) int64 {
	return (size + GiB - 1) / GiB
}

// ToolError reports a failed external command.
type ToolError struct {
	Command string
	Output  string
	Err     error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed: %v: %s", e.Command, e.Err, logging.Truncate(e.Output))
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run executes name with args. Standard error is captured into the
// returned *ToolError on failure.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &ToolError{
			Command: strings.Join(append([]string{name}, args...), " "),
			Output:  stderr.String(),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

// Tool inspects and converts disk images.
type Tool interface {
	VirtualSize(ctx context.Context, path string) (int64, error)
	ConvertRaw(ctx context.Context, src, dst string) error
}

// QemuImg implements Tool with qemu-img.
type QemuImg struct {
	Runner Runner
	// Sudo prefixes the write to the block device with sudo.
	Sudo bool
}

// NewQemuImg returns a qemu-img tool running on the local host.
func NewQemuImg(sudo bool) *QemuImg {
	return &QemuImg{Runner: ExecRunner{}, Sudo: sudo}
}

type imageInfo struct {
	VirtualSize int64  `json:"virtual-size"`
	Format      string `json:"format"`
}

// VirtualSize returns the size of the disk the image expands to.
func (q *QemuImg) VirtualSize(ctx context.Context, path string) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("failed to stat image: %w", err)
	}
	out, err := q.Runner.Run(ctx, "qemu-img", "info", "--output=json", path)
	if err != nil {
		return 0, err
	}
	var info imageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("failed to parse qemu-img info output: %w", err)
	}
	if info.VirtualSize <= 0 {
		return 0, fmt.Errorf("qemu-img reported no virtual size for %s", path)
	}
	logging.Logger().Debug("inspected source image",
		zap.String("path", path),
		zap.String("format", info.Format),
		zap.Int64("virtual_size", info.VirtualSize))
	return info.VirtualSize, nil
}

// ConvertRaw writes src onto dst in raw format.
func (q *QemuImg) ConvertRaw(ctx context.Context, src, dst string) error {
	args := []string{"convert", "-O", "raw", src, dst}
	name := "qemu-img"
	if q.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	_, err := q.Runner.Run(ctx, name, args...)
	return err
}
