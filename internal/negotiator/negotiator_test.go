package negotiator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/loopholelabs/rbdbroker/internal/errs"
	"github.com/loopholelabs/rbdbroker/internal/localdevice"
	"github.com/loopholelabs/rbdbroker/internal/peer"
	"github.com/loopholelabs/rbdbroker/internal/rbdcontrol"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

// minorFromDevicePath extracts the trailing minor number off a
// "/dev/rbd/<minor>"-shaped path, the inverse of the formatting
// localdevice uses to build DevicePath.
func minorFromDevicePath(path string) (int, error) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return 0, fmt.Errorf("malformed device path %q", path)
	}
	return strconv.Atoi(path[idx+1:])
}

func mirrorConfigFor(uuid string, minor, port int) rbdmodel.MirrorConfig {
	return rbdmodel.MirrorConfig{
		UUID: uuid,
		Hosts: [2]rbdmodel.HostConfig{
			{
				Name:        "seed-local",
				DevicePath:  fmt.Sprintf("/dev/rbd/%d", minor),
				BackingDisk: "/dev/sdb",
				Endpoint:    fmt.Sprintf("10.0.0.1:%d", port),
				MetaDisk:    "/dev/loop99",
			},
			{
				Name:        "seed-remote",
				DevicePath:  fmt.Sprintf("/dev/rbd/%d", minor),
				BackingDisk: "/dev/sdb",
				Endpoint:    fmt.Sprintf("10.0.0.2:%d", port),
				MetaDisk:    "/dev/loop98",
			},
		},
	}
}

// fakeLocalDeps builds a localdevice.Deps over in-memory state, keyed
// by host name, so two Peers backed by the same counters model "the
// same host" (the localhost negotiation case) while two Peers with
// independent counters model two distinct hosts.
type fakeLocalDeps struct {
	mu       sync.Mutex
	loopNext int
	hostname string
	ip       string
	portNext int
}

func newFakeLocalDeps(hostname, ip string, startPort int) *fakeLocalDeps {
	return &fakeLocalDeps{hostname: hostname, ip: ip, portNext: startPort}
}

func (f *fakeLocalDeps) deps(freeMinor func() (int, error)) localdevice.Deps {
	return localdevice.Deps{
		FreeMinor:   freeMinor,
		Hostname:    func() (string, error) { return f.hostname, nil },
		SectorSize:  func(string) (uint64, error) { return 512, nil },
		SectorCount: func(string) (uint64, error) { return 1 << 20, nil },
		MakeSparseFile: func(path string, size uint64) (string, error) {
			return path, nil // no real filesystem touched by these tests
		},
		LoopAdd: func(file string) (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.loopNext++
			return fmt.Sprintf("/dev/loop%d", f.loopNext), nil
		},
		LoopRemove:    func(string) error { return nil },
		ReplicationIP: func() (string, error) { return f.ip, nil },
		FreePort: func(string) (int, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			p := f.portNext
			f.portNext++
			return p, nil
		},
	}
}

func newTestPeer(version, uuid, disk, rbdPrefix string, deps *fakeLocalDeps) (*peer.Peer, *rbdcontrol.Simulator) {
	sim := rbdcontrol.NewSimulator(version, nil)

	p := peer.New(sim, disk, rbdPrefix, "", uuid, func() localdevice.Deps {
		return deps.deps(sim.FreeMinor)
	})

	return p, sim
}

func TestNegotiateLiveness(t *testing.T) {
	lDeps := newFakeLocalDeps("host-a", "10.0.0.1", 7789)
	rDeps := newFakeLocalDeps("host-b", "10.0.0.2", 7789)

	l, lSim := newTestPeer("8.4.5", "mirror-1", "/dev/sdb", "/dev/rbd", lDeps)
	r, rSim := newTestPeer("8.4.5", "mirror-1", "/dev/sdb", "/dev/rbd", rDeps)

	if err := Negotiate(l, r, nil); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	if len(lSim.Configs()) != 1 {
		t.Errorf("local simulator configs = %d, want 1", len(lSim.Configs()))
	}
	if len(rSim.Configs()) != 1 {
		t.Errorf("remote simulator configs = %d, want 1", len(rSim.Configs()))
	}

	for uuid := range lSim.Configs() {
		if uuid != "mirror-1" {
			t.Errorf("local config uuid = %q, want mirror-1", uuid)
		}
	}
}

func TestNegotiateLocalhost(t *testing.T) {
	// R == L: same physical peer used on both sides, modeling the
	// degenerate case where both hosts are identical. FreeMinor here
	// scans the simulator's own tracked configs for the lowest unused
	// minor, the way a real MinorAllocator would, rather than handing
	// out a private monotonically-increasing counter value -- nothing
	// in sim.Configs() changes between local's and remote's
	// soft_allocate calls in this call, so the two draws legitimately
	// collide, which is what makes the outer loop's retry reachable.
	deps := newFakeLocalDeps("host-a", "127.0.0.1", 7789)

	var (
		sim            *rbdcontrol.Simulator
		freeMinorCalls int
	)

	freeMinor := func() (int, error) {
		freeMinorCalls++

		used := map[int]bool{}
		for _, mc := range sim.Configs() {
			if m, err := minorFromDevicePath(mc.Hosts[0].DevicePath); err == nil {
				used[m] = true
			}
		}

		for m := 1; ; m++ {
			if !used[m] {
				return m, nil
			}
		}
	}

	sim = rbdcontrol.NewSimulator("8.4.5", freeMinor)

	p := peer.New(sim, "/dev/sdb", "/dev/rbd", "", "mirror-1", func() localdevice.Deps {
		return deps.deps(sim.FreeMinor)
	})

	if err := Negotiate(p, p, nil); err != nil {
		t.Fatalf("Negotiate(L, L): %v", err)
	}

	if len(sim.Configs()) != 1 {
		t.Errorf("configs = %d, want 1", len(sim.Configs()))
	}

	if freeMinorCalls <= 2 {
		t.Errorf("free_minor called %d times, want >2 (expected the outer loop to retry after a minor collision)", freeMinorCalls)
	}
}

func TestNegotiateVersionMismatch(t *testing.T) {
	lDeps := newFakeLocalDeps("host-a", "10.0.0.1", 7789)
	rDeps := newFakeLocalDeps("host-b", "10.0.0.2", 7789)

	l, lSim := newTestPeer("a", "mirror-1", "/dev/sdb", "/dev/rbd", lDeps)
	r, rSim := newTestPeer("b", "mirror-1", "/dev/sdb", "/dev/rbd", rDeps)

	err := Negotiate(l, r, nil)

	var mismatch *errs.VersionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *errs.VersionMismatch", err)
	}

	if mismatch.Local != "a" || mismatch.Remote != "b" {
		t.Errorf("mismatch = %+v, want Local=a Remote=b", mismatch)
	}

	if len(lSim.Configs()) != 0 || len(rSim.Configs()) != 0 {
		t.Errorf("expected no mirrors on version mismatch, got local=%v remote=%v", lSim.Configs(), rSim.Configs())
	}
}

func TestNegotiateInnerLoopRetriesOnLocalMinorCollision(t *testing.T) {
	lDeps := newFakeLocalDeps("host-a", "10.0.0.1", 7789)
	rDeps := newFakeLocalDeps("host-b", "10.0.0.2", 7789)

	l, lSim := newTestPeer("8.4.5", "mirror-1", "/dev/sdb", "/dev/rbd", lDeps)
	r, rSim := newTestPeer("8.4.5", "mirror-1", "/dev/sdb", "/dev/rbd", rDeps)

	// Seed L's simulator with an unrelated mirror already occupying
	// minor 1 / port 8080, so L's own first soft_allocate (which
	// returns minor 1 via the simulator's naive counter) collides.
	if err := lSim.Start(mirrorConfigFor("unrelated-mirror", 1, 8080)); err != nil {
		t.Fatalf("seed Start: %v", err)
	}

	if err := Negotiate(l, r, nil); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	cfgs := lSim.Configs()
	if len(cfgs) != 2 {
		t.Fatalf("local configs = %d, want 2 (seed + new mirror)", len(cfgs))
	}

	mc, ok := cfgs["mirror-1"]
	if !ok {
		t.Fatalf("mirror-1 not found in %v", cfgs)
	}

	if mc.Hosts[0].DevicePath == "/dev/rbd/1" {
		t.Errorf("expected the retried allocation to land on a minor other than 1, got %s", mc.Hosts[0].DevicePath)
	}

	if len(rSim.Configs()) != 1 {
		t.Errorf("remote configs = %d, want 1", len(rSim.Configs()))
	}
}
