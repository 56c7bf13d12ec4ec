package localdevice

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeLoops models the global loopback-device pool so the cleanup
// property (pre-construction count == post-destruction count) can be
// asserted without touching the real kernel facility.
type fakeLoops struct {
	mu    sync.Mutex
	bound map[string]string // loop path -> backing file
	next  int
}

func newFakeLoops() *fakeLoops {
	return &fakeLoops{bound: map[string]string{}}
}

func (f *fakeLoops) add(file string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join("/dev", "loopfake"+itoa(f.next))
	f.next++
	f.bound[path] = file

	return path, nil
}

func (f *fakeLoops) remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.bound[path]; !ok {
		return errors.New("not bound")
	}
	delete(f.bound, path)

	return nil
}

func (f *fakeLoops) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.bound)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}

	neg := i < 0
	if neg {
		i = -i
	}

	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}

func fakeDeps(loops *fakeLoops, minor int) Deps {
	return Deps{
		FreeMinor:   func() (int, error) { return minor, nil },
		Hostname:    func() (string, error) { return "testhost", nil },
		SectorSize:  func(string) (uint64, error) { return 512, nil },
		SectorCount: func(string) (uint64, error) { return 16 * (1 << 20), nil },
		MakeSparseFile: func(path string, size uint64) (string, error) {
			f, err := os.Create(path)
			if err != nil {
				return "", err
			}
			defer f.Close()

			if err := f.Truncate(int64(size)); err != nil {
				return "", err
			}

			return path, nil
		},
		LoopAdd:       loops.add,
		LoopRemove:    loops.remove,
		ReplicationIP: func() (string, error) { return "10.0.0.1", nil },
		FreePort:      func(string) (int, error) { return 7789, nil },
	}
}

func TestNewAndRelease(t *testing.T) {
	dir := t.TempDir()
	loops := newFakeLoops()

	before := loops.count()

	dev, err := New(fakeDeps(loops, 1), "/dev/rbd", "/dev/sdb", dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if loops.count() != before+1 {
		t.Fatalf("loop count after New = %d, want %d", loops.count(), before+1)
	}

	cfg, err := dev.HostConfig()
	if err != nil {
		t.Fatalf("HostConfig: %v", err)
	}

	if cfg.DevicePath != "/dev/rbd/1" {
		t.Errorf("DevicePath = %q, want /dev/rbd/1", cfg.DevicePath)
	}
	if cfg.Endpoint != "10.0.0.1:7789" {
		t.Errorf("Endpoint = %q, want 10.0.0.1:7789", cfg.Endpoint)
	}

	if err := dev.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if loops.count() != before {
		t.Errorf("loop count after Release = %d, want %d", loops.count(), before)
	}

	// Idempotent.
	if err := dev.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestNewRollsBackOnLateFailure(t *testing.T) {
	dir := t.TempDir()
	loops := newFakeLoops()

	deps := fakeDeps(loops, 1)
	deps.FreePort = func(string) (int, error) { return 0, errors.New("no free port") }

	before := loops.count()

	_, err := New(deps, "/dev/rbd", "/dev/sdb", dir)
	if err == nil {
		t.Fatal("New: want error, got nil")
	}

	if loops.count() != before {
		t.Errorf("loop count after failed New = %d, want %d (rollback)", loops.count(), before)
	}
}
