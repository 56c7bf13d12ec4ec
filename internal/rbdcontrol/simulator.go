package rbdcontrol

import (
	"sync"

	"github.com/loopholelabs/rbdbroker/internal/errs"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

// Simulator models the RBDControl contract in-process, without a kernel
// driver or control tool. It is the basis of the negotiation's retry
// tests: Start raises the same transient errors a real driver would
// for a colliding minor or port, Stop is idempotent.
type Simulator struct {
	version string

	mu       sync.Mutex
	configs  map[string]rbdmodel.MirrorConfig
	nextFree int

	freeMinorFunc func() (int, error)
}

// NewSimulator returns a Simulator reporting version as its Version().
// If freeMinor is nil, FreeMinor returns 1, 2, 3, ... (the simplest
// advisory allocator a test double needs).
func NewSimulator(version string, freeMinor func() (int, error)) *Simulator {
	return &Simulator{
		version:       version,
		configs:       map[string]rbdmodel.MirrorConfig{},
		nextFree:      1,
		freeMinorFunc: freeMinor,
	}
}

func (s *Simulator) Version() (string, error) {
	return s.version, nil
}

func (s *Simulator) FreeMinor() (int, error) {
	if s.freeMinorFunc != nil {
		return s.freeMinorFunc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.nextFree
	s.nextFree++

	return m, nil
}

// Start inserts mc if no tracked config collides on minor or port;
// otherwise it raises the matching transient error. Every tracked
// config is checked, including one already keyed under mc.UUID -- a
// negotiation has exactly one uuid for both its hosts, so skipping the
// self-uuid entry would make the R == L case (spec's "outer loop
// fires at least once" property) structurally undetectable: the one
// entry this simulator ever holds for that uuid is the very mirror
// being negotiated.
func (s *Simulator) Start(mc rbdmodel.MirrorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	minor := minorOf(mc)
	port := portOf(mc)

	for _, other := range s.configs {
		if minorOf(other) == minor {
			return &errs.MinorInUse{Minor: minor}
		}

		if portOf(other) == port {
			return &errs.PortInUse{Port: port}
		}
	}

	s.configs[mc.UUID] = mc

	return nil
}

// Stop removes mc if present; a no-op otherwise.
func (s *Simulator) Stop(mc rbdmodel.MirrorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.configs, mc.UUID)

	return nil
}

// Configs returns a snapshot of the currently tracked mirror configs,
// for assertions in tests ("afterwards each simulator has exactly one
// MirrorConfig whose uuid matches").
func (s *Simulator) Configs() map[string]rbdmodel.MirrorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]rbdmodel.MirrorConfig, len(s.configs))
	for k, v := range s.configs {
		out[k] = v
	}

	return out
}
