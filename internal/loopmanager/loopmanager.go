// Package loopmanager lists, adds, and removes loopback devices over a
// backing file, on top of github.com/freddierice/go-losetup/v2 -- a
// direct dependency of the teacher this broker was adapted from.
package loopmanager

import (
	"fmt"

	losetup "github.com/freddierice/go-losetup/v2"
)

// List returns every currently bound loopback device, as a mapping of
// loop device path to the backing file it is bound to.
func List() (map[string]string, error) {
	devices, err := losetup.ScanDevices()
	if err != nil {
		return nil, fmt.Errorf("loopmanager: scan devices: %w", err)
	}

	out := make(map[string]string, len(devices))
	for path, dev := range devices {
		out[path] = dev.BackingFile()
	}

	return out, nil
}

// Add binds the next free loop device to file and returns its path. The
// path is the one reported by the attach call itself; the device list is
// not re-read afterwards.
func Add(file string) (string, error) {
	dev, err := losetup.Attach(file, 0, false)
	if err != nil {
		return "", fmt.Errorf("loopmanager: attach %s: %w", file, err)
	}

	return dev.Path(), nil
}

// Remove detaches the loop device at path.
func Remove(path string) error {
	devices, err := losetup.ScanDevices()
	if err != nil {
		return fmt.Errorf("loopmanager: scan devices: %w", err)
	}

	dev, ok := devices[path]
	if !ok {
		return fmt.Errorf("loopmanager: %s is not a bound loop device", path)
	}

	if err := dev.Detach(); err != nil {
		return fmt.Errorf("loopmanager: detach %s: %w", path, err)
	}

	return nil
}
