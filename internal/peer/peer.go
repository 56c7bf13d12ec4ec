// Package peer implements one stateful endpoint of a mirror
// negotiation: the RBD control wrapper plus the LocalDevice it has most
// recently allocated for itself.
package peer

import (
	"fmt"
	"sync"

	"github.com/loopholelabs/rbdbroker/internal/localdevice"
	"github.com/loopholelabs/rbdbroker/internal/rbdcontrol"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

// Peer exposes version_exchange, soft_allocate, start, and stop to a
// Negotiator, whether addressed in-process or via the RPC shim.
type Peer struct {
	UUID string

	rbd       rbdcontrol.Control
	disk      string
	rbdPrefix string
	metaDir   string
	localDeps func() localdevice.Deps

	mu            sync.Mutex
	currentLocal  *localdevice.LocalDevice
	activeMirrors map[string]rbdmodel.MirrorConfig
}

// New constructs a Peer. localDeps is called fresh for every
// SoftAllocate so that FreeMinor always consults the current rbd state
// (tests may override it; production wires localdevice.DefaultDeps).
func New(rbd rbdcontrol.Control, disk, rbdPrefix, metaDir, uuid string, localDeps func() localdevice.Deps) *Peer {
	if localDeps == nil {
		localDeps = func() localdevice.Deps {
			return localdevice.DefaultDeps(rbd.FreeMinor)
		}
	}

	return &Peer{
		UUID:          uuid,
		rbd:           rbd,
		disk:          disk,
		rbdPrefix:     rbdPrefix,
		metaDir:       metaDir,
		localDeps:     localDeps,
		activeMirrors: map[string]rbdmodel.MirrorConfig{},
	}
}

// VersionExchange returns this Peer's RBD version. theirVersion is
// informational only in this core protocol.
func (p *Peer) VersionExchange(theirVersion string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rbd.Version()
}

// SoftAllocate constructs a fresh LocalDevice, destroying the previous
// one first if one exists. Two successive calls from the same client
// are legal: "that config didn't work, give me a different one."
func (p *Peer) SoftAllocate() (rbdmodel.HostConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentLocal != nil {
		if err := p.currentLocal.Release(); err != nil {
			return rbdmodel.HostConfig{}, fmt.Errorf("peer: release previous local device: %w", err)
		}
		p.currentLocal = nil
	}

	dev, err := localdevice.New(p.localDeps(), p.rbdPrefix, p.disk, p.metaDir)
	if err != nil {
		return rbdmodel.HostConfig{}, err
	}
	p.currentLocal = dev

	return dev.HostConfig()
}

// Start assembles a MirrorConfig from (my, their) and brings it up
// through this Peer's RBDControl.
func (p *Peer) Start(my, their rbdmodel.HostConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mc := rbdmodel.MirrorConfig{UUID: p.UUID, Hosts: [2]rbdmodel.HostConfig{my, their}}

	if err := p.rbd.Start(mc); err != nil {
		return "", err
	}

	p.activeMirrors[mc.UUID] = mc

	return "OK", nil
}

// Stop is symmetric with Start.
func (p *Peer) Stop(my, their rbdmodel.HostConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mc := rbdmodel.MirrorConfig{UUID: p.UUID, Hosts: [2]rbdmodel.HostConfig{my, their}}

	if err := p.rbd.Stop(mc); err != nil {
		return "", err
	}

	delete(p.activeMirrors, mc.UUID)

	return "OK", nil
}

// Close releases the Peer's current LocalDevice (if any) and stops
// every mirror it has brought up, per the Peer lifecycle: destroyed
// when the client disposes it.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error

	for _, mc := range p.activeMirrors {
		if err := p.rbd.Stop(mc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.activeMirrors = map[string]rbdmodel.MirrorConfig{}

	if p.currentLocal != nil {
		if err := p.currentLocal.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.currentLocal = nil
	}

	return firstErr
}
