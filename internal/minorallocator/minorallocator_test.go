package minorallocator

import (
	"testing"

	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

func view(devices map[int]map[string]string) rbdmodel.StatusView {
	return rbdmodel.StatusView{Devices: devices}
}

func TestAllocateEmpty(t *testing.T) {
	if got := Allocate(view(map[int]map[string]string{})); got != 1 {
		t.Errorf("Allocate(empty) = %d, want 1", got)
	}
}

func TestAllocateReclaimsUnconfiguredHole(t *testing.T) {
	v := view(map[int]map[string]string{
		1: {"cs": "Connected"},
		2: {"cs": "Unconfigured"},
		3: {"cs": "Connected"},
	})

	if got := Allocate(v); got != 2 {
		t.Errorf("Allocate = %d, want 2", got)
	}
}

func TestAllocateAllTaken(t *testing.T) {
	v := view(map[int]map[string]string{
		1: {"cs": "Connected"},
		2: {"cs": "Connected"},
		3: {"cs": "Connected"},
	})

	if got := Allocate(v); got != 4 {
		t.Errorf("Allocate = %d, want 4", got)
	}
}
