package rpcshim

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loopholelabs/rbdbroker/internal/localdevice"
	"github.com/loopholelabs/rbdbroker/internal/negotiator"
	"github.com/loopholelabs/rbdbroker/internal/peer"
	"github.com/loopholelabs/rbdbroker/internal/rbdcontrol"
)

func fakeLocalDeps(hostname, ip string, startPort int) func(freeMinor func() (int, error)) localdevice.Deps {
	loopNext := 0
	port := startPort

	return func(freeMinor func() (int, error)) localdevice.Deps {
		return localdevice.Deps{
			FreeMinor:   freeMinor,
			Hostname:    func() (string, error) { return hostname, nil },
			SectorSize:  func(string) (uint64, error) { return 512, nil },
			SectorCount: func(string) (uint64, error) { return 1 << 20, nil },
			MakeSparseFile: func(path string, size uint64) (string, error) {
				return path, nil
			},
			LoopAdd: func(file string) (string, error) {
				loopNext++
				return fmt.Sprintf("/dev/loop%d", loopNext), nil
			},
			LoopRemove:    func(string) error { return nil },
			ReplicationIP: func() (string, error) { return ip, nil },
			FreePort: func(string) (int, error) {
				port++
				return port, nil
			},
		}
	}
}

// newShimServer starts an httptest.Server whose factory mints Peers
// backed by a fresh Simulator per make call, mirroring how rbdbrokerd
// wires production Peers.
func newShimServer(t *testing.T, hostname, ip string) (*httptest.Server, *Shim) {
	t.Helper()

	deps := fakeLocalDeps(hostname, ip, 7789)

	factory := func(disk, uuid string) *peer.Peer {
		sim := rbdcontrol.NewSimulator("8.4.5", nil)
		return peer.New(sim, disk, "/dev/rbd", "", uuid, func() localdevice.Deps {
			return deps(sim.FreeMinor)
		})
	}

	shim := New(factory, nil)
	srv := httptest.NewServer(shim)

	t.Cleanup(func() {
		shim.Close()
		srv.Close()
	})

	return srv, shim
}

func TestShimFactoryMakeAndList(t *testing.T) {
	srv, _ := newShimServer(t, "host-a", "10.0.0.1")

	client, err := Make(http.DefaultClient, srv.URL, "/dev/sdb", "mirror-1")
	if err != nil {
		t.Fatalf("Make: %v", err)
	}
	if client.Path == "" {
		t.Fatalf("Make returned empty path")
	}

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET / status = %d, want 200", resp.StatusCode)
	}
}

func TestShimUnknownPathIs404(t *testing.T) {
	srv, _ := newShimServer(t, "host-a", "10.0.0.1")

	resp, err := http.Post(srv.URL+"/peers/does-not-exist", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// TestNegotiateOverRPCMatchesInProcess checks the "RPC transparency"
// property at the level of the Negotiator's result: driving it against
// two Clients addressing two shims completes without error, as it does
// for two in-process Peers in negotiator_test.go's
// TestNegotiateLiveness. The shims' simulators are not reachable from
// here, so their resulting configs are not inspected.
func TestNegotiateOverRPCMatchesInProcess(t *testing.T) {
	lSrv, _ := newShimServer(t, "host-a", "10.0.0.1")
	rSrv, _ := newShimServer(t, "host-b", "10.0.0.2")

	lClient, err := Make(http.DefaultClient, lSrv.URL, "/dev/sdb", "mirror-1")
	if err != nil {
		t.Fatalf("Make local: %v", err)
	}
	rClient, err := Make(http.DefaultClient, rSrv.URL, "/dev/sdb", "mirror-1")
	if err != nil {
		t.Fatalf("Make remote: %v", err)
	}

	if err := negotiator.Negotiate(lClient, rClient, nil); err != nil {
		t.Fatalf("Negotiate over RPC: %v", err)
	}
}
