package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupportedDevice marks a device path outside the /dev/video{N} shape.
var ErrUnsupportedDevice = errors.New("UNSUPPORTED")

// CameraIDForDevice maps /dev/video{N} to camera{N}. The mapping is pure and
// reversible; any other device-path shape is rejected.
func CameraIDForDevice(devicePath string) (string, error) {
	base := filepath.Base(devicePath)
	if !strings.HasPrefix(base, "video") {
		return "", fmt.Errorf("%w: device path %q", ErrUnsupportedDevice, devicePath)
	}
	n := base[len("video"):]
	if !allDigits(n) {
		return "", fmt.Errorf("%w: device path %q", ErrUnsupportedDevice, devicePath)
	}
	return "camera" + n, nil
}

// DevicePathForCamera is the inverse of CameraIDForDevice.
func DevicePathForCamera(cameraID string) (string, error) {
	if !strings.HasPrefix(cameraID, "camera") {
		return "", fmt.Errorf("%w: camera id %q", ErrUnsupportedDevice, cameraID)
	}
	n := cameraID[len("camera"):]
	if !allDigits(n) {
		return "", fmt.Errorf("%w: camera id %q", ErrUnsupportedDevice, cameraID)
	}
	return "/dev/video" + n, nil
}

// IsCameraID reports whether s is a well-formed camera identifier.
func IsCameraID(s string) bool {
	_, err := DevicePathForCamera(s)
	return err == nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
