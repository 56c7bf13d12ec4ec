// Package rbdmodel holds the data types shared across the broker: the
// per-host configuration a LocalDevice produces, the pair that makes up
// a mirror, and the parsed view of the kernel RBD status file.
package rbdmodel

import "fmt"

// HostConfig is one side of a mirror, immutable once produced by a
// LocalDevice.
type HostConfig struct {
	Name        string `json:"name"`
	DevicePath  string `json:"device_path"`
	BackingDisk string `json:"backing_disk"`
	Endpoint    string `json:"endpoint"` // ip:port
	MetaDisk    string `json:"meta_disk"`
}

// MirrorConfig identifies a mirror by UUID; Hosts[0] is the local side
// from the view of the writer, Hosts[1] is the peer side. Two
// MirrorConfigs differing only in host order denote the same mirror
// from opposite viewpoints.
type MirrorConfig struct {
	UUID  string        `json:"uuid"`
	Hosts [2]HostConfig `json:"hosts"`
}

// Flipped returns the same mirror as seen from the other side.
func (m MirrorConfig) Flipped() MirrorConfig {
	return MirrorConfig{
		UUID:  m.UUID,
		Hosts: [2]HostConfig{m.Hosts[1], m.Hosts[0]},
	}
}

// StatusView is the structured result of parsing the kernel RBD status
// file: a version string plus a mapping minor -> key/value attributes.
type StatusView struct {
	Version string
	Devices map[int]map[string]string
}

// NewStatusView returns an empty, ready-to-populate StatusView.
func NewStatusView() StatusView {
	return StatusView{Devices: map[int]map[string]string{}}
}

// ConnState returns devices[minor]["cs"] ("" if the minor or key is
// absent). Named per the original status-file vocabulary
// (Unconfigured, StandAlone, Connected, ...).
func (v StatusView) ConnState(minor int) string {
	return v.Devices[minor]["cs"]
}

// DiskState returns devices[minor]["ds"].
func (v StatusView) DiskState(minor int) string {
	return v.Devices[minor]["ds"]
}

func (m MirrorConfig) String() string {
	return fmt.Sprintf("mirror %s [%s <-> %s]", m.UUID, m.Hosts[0].Endpoint, m.Hosts[1].Endpoint)
}
