package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Permission negotiates access to the capture device.
type Permission interface {
	RequestRecordPermission(ctx context.Context) (bool, error)
}

// StaticPermission answers every request with the same decision.
type StaticPermission bool

func (p StaticPermission) RequestRecordPermission(context.Context) (bool, error) {
	return bool(p), nil
}

// DevicePermission grants access when the device node can be opened for reading.
type DevicePermission struct {
	Path string
}

func (p DevicePermission) RequestRecordPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f, err := os.Open(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("probe capture device: %w", err)
	}
	_ = f.Close()
	return true, nil
}

// PermissionFromConfig maps the recorder.permission setting.
func PermissionFromConfig(mode, path string) (Permission, error) {
	switch mode {
	case "", "granted":
		return StaticPermission(true), nil
	case "denied":
		return StaticPermission(false), nil
	case "device":
		return DevicePermission{Path: path}, nil
	default:
		return nil, fmt.Errorf("unknown permission mode %q", mode)
	}
}
