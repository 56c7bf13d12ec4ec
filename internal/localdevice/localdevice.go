// Package localdevice bundles the resources one side of a mirror
// exclusively owns: a reserved minor, a sparse meta-disk file, a
// loopback device bound to it, and a reserved (ip, port). All are
// acquired atomically -- any step that fails unwinds every
// successfully-completed step before the failure propagates -- and
// released together on destruction or replacement.
package localdevice

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loopholelabs/rbdbroker/internal/hostprobe"
	"github.com/loopholelabs/rbdbroker/internal/loopmanager"
	"github.com/loopholelabs/rbdbroker/internal/metasize"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

// Deps lets callers substitute the OS-facing primitives with fakes for
// testing; DefaultDeps wires the real hostprobe/loopmanager packages.
type Deps struct {
	FreeMinor      func() (int, error)
	Hostname       func() (string, error)
	SectorSize     func(disk string) (uint64, error)
	SectorCount    func(disk string) (uint64, error)
	MakeSparseFile func(path string, size uint64) (string, error)
	LoopAdd        func(file string) (string, error)
	LoopRemove     func(path string) error
	ReplicationIP  func() (string, error)
	FreePort       func(ip string) (int, error)
}

// DefaultDeps wires Deps to the real hostprobe/loopmanager packages;
// freeMinor is supplied by the caller's RBDControl.FreeMinor.
func DefaultDeps(freeMinor func() (int, error)) Deps {
	return Deps{
		FreeMinor:      freeMinor,
		Hostname:       hostprobe.Hostname,
		SectorSize:     hostprobe.SectorSize,
		SectorCount:    hostprobe.SectorCount,
		MakeSparseFile: hostprobe.MakeSparseFile,
		LoopAdd:        loopmanager.Add,
		LoopRemove:     loopmanager.Remove,
		ReplicationIP:  hostprobe.ReplicationIP,
		FreePort:       hostprobe.FreePort,
	}
}

// LocalDevice is the exclusive owner of one minor, one sparse meta-disk
// file, one loopback device, and one reserved (ip, port). It is never
// shared; Release must be called exactly once by the owning Peer.
type LocalDevice struct {
	deps Deps

	rbdPrefix string
	disk      string

	minor    int
	metaFile string
	loopPath string
	ip       string
	port     int

	mu       sync.Mutex
	released bool
}

// New constructs a LocalDevice, acquiring (minor, meta-file, loop, ip,
// port) in that order. metaDir is the directory sparse backing files
// are created in.
func New(deps Deps, rbdPrefix, disk, metaDir string) (dev *LocalDevice, err error) {
	dev = &LocalDevice{
		deps:      deps,
		rbdPrefix: rbdPrefix,
		disk:      disk,
	}

	// Unwind whatever has been acquired so far if a later step fails.
	// The error returns below set the named result dev to nil before this
	// deferred call runs, so it holds its own reference.
	acquired := dev
	defer func() {
		if err != nil {
			acquired.release()
		}
	}()

	dev.minor, err = deps.FreeMinor()
	if err != nil {
		return nil, fmt.Errorf("localdevice: free_minor: %w", err)
	}

	bps, err := deps.SectorSize(disk)
	if err != nil {
		return nil, fmt.Errorf("localdevice: sector_size: %w", err)
	}

	sectors, err := deps.SectorCount(disk)
	if err != nil {
		return nil, fmt.Errorf("localdevice: sector_count: %w", err)
	}

	size := metasize.Size(bps, sectors)

	metaPath := filepath.Join(metaDir, fmt.Sprintf("rbdbroker-meta-%d.img", dev.minor))
	dev.metaFile, err = deps.MakeSparseFile(metaPath, size)
	if err != nil {
		return nil, fmt.Errorf("localdevice: make_sparse_file: %w", err)
	}

	dev.loopPath, err = deps.LoopAdd(dev.metaFile)
	if err != nil {
		return nil, fmt.Errorf("localdevice: loop add: %w", err)
	}

	dev.ip, err = deps.ReplicationIP()
	if err != nil {
		return nil, fmt.Errorf("localdevice: replication_ip: %w", err)
	}

	dev.port, err = deps.FreePort(dev.ip)
	if err != nil {
		return nil, fmt.Errorf("localdevice: free_port: %w", err)
	}

	return dev, nil
}

// HostConfig renders the device's HostConfig view.
func (dev *LocalDevice) HostConfig() (rbdmodel.HostConfig, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	name, err := dev.deps.Hostname()
	if err != nil {
		return rbdmodel.HostConfig{}, err
	}

	return rbdmodel.HostConfig{
		Name:        name,
		DevicePath:  fmt.Sprintf("%s/%d", dev.rbdPrefix, dev.minor),
		BackingDisk: dev.disk,
		Endpoint:    fmt.Sprintf("%s:%d", dev.ip, dev.port),
		MetaDisk:    dev.loopPath,
	}, nil
}

// Release detaches the loopback device and unlinks the meta-disk file,
// in that order (the reverse of acquiring file-then-loop). Idempotent.
func (dev *LocalDevice) Release() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	return dev.release()
}

// release is the unlocked implementation shared by New's rollback path
// and the public Release.
func (dev *LocalDevice) release() error {
	if dev.released {
		return nil
	}
	dev.released = true

	var firstErr error

	if dev.loopPath != "" {
		if err := dev.deps.LoopRemove(dev.loopPath); err != nil {
			firstErr = err
		}
		dev.loopPath = ""
	}

	if dev.metaFile != "" {
		if err := os.Remove(dev.metaFile); err != nil && firstErr == nil {
			firstErr = err
		}
		dev.metaFile = ""
	}

	return firstErr
}
