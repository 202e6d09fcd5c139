// Package volume provisions ephemeral, block-device-backed filesystems
// for a single build session. Each Volume is a preallocated file formatted as
// ext4 and attached to a loop device, so the container runtime can bind
// it as the build user's home directory with predictable disk-quota
// behavior instead of sharing the host filesystem directly.
package volume

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Volume is a loop-device-backed ext4 filesystem. The zero value is not
// usable; construct one with New.
type Volume struct {
	device string
	file   *os.File
	path   string
}

// New allocates a file of the given size (fallocate syntax, e.g.
// "8G") inside basePath, formats it as ext4, and attaches it to a free
// loop device. On any failure after the file is created, the file is
// removed before returning the error.
func New(ctx context.Context, basePath, size string) (*Volume, error) {
	file, err := os.CreateTemp(basePath, "inkforge-volume-*")
	if err != nil {
		return nil, fmt.Errorf("create backing file: %w", err)
	}
	path := file.Name()

	v := &Volume{file: file, path: path}

	if err := runQuiet(ctx, "fallocate", "-l", size, path); err != nil {
		v.cleanup()
		return nil, fmt.Errorf("fallocate: %w", err)
	}

	if err := runQuiet(ctx, "mkfs.ext4", path); err != nil {
		v.cleanup()
		return nil, fmt.Errorf("mkfs.ext4: %w", err)
	}

	device, err := loopSetup(ctx, path)
	if err != nil {
		v.cleanup()
		return nil, fmt.Errorf("losetup: %w", err)
	}
	v.device = device

	return v, nil
}

// Device returns the loop device path backing this Volume (e.g.
// "/dev/loop0"), suitable for use as a container bind-mount source.
func (v *Volume) Device() string {
	return v.device
}

// Close detaches the loop device and removes the backing file. It
// attempts both steps even if the first fails, returning the first
// error encountered.
func (v *Volume) Close(ctx context.Context) error {
	var firstErr error

	if v.device != "" {
		if err := runQuiet(ctx, "losetup", "-d", v.device); err != nil {
			firstErr = fmt.Errorf("loop-delete: %w", err)
		}
	}

	if v.file != nil {
		_ = v.file.Close()
		if err := os.Remove(v.path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove backing file: %w", err)
		}
	}

	return firstErr
}

func (v *Volume) cleanup() {
	if v.file != nil {
		_ = v.file.Close()
		_ = os.Remove(v.path)
	}
}

func runQuiet(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

func loopSetup(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "losetup", "-f", "--show", path)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return extractLoopDevice(out)
}

// extractLoopDevice parses the whitespace-tokenized stdout of a
// device-attach command, taking the last token and stripping a trailing
// period if present. losetup -f --show prints a bare device path with
// no trailing period, but the parsing convention is kept identical to
// the udisksctl-derived form it replaces so both can share this helper
// if a udisks-backed driver is ever added back.
func extractLoopDevice(output []byte) (string, error) {
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return "", fmt.Errorf("no device path in output")
	}
	device := strings.TrimSuffix(fields[len(fields)-1], ".")
	if device == "" {
		return "", fmt.Errorf("empty device path")
	}
	return device, nil
}
