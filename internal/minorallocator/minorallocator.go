// Package minorallocator picks the next free RBD device minor from a
// parsed StatusView.
package minorallocator

import "github.com/loopholelabs/rbdbroker/internal/rbdmodel"

// Allocate returns the smallest m >= 1 such that m is absent from
// view.Devices or view.Devices[m]["cs"] == "Unconfigured". Scan order is
// ascending so holes left by unconfigured devices are reclaimed first.
//
// The result is advisory: another actor may claim the same minor
// between this call and the caller's attempt to use it, in which case
// the caller re-queries and retries (see errs.MinorInUse).
func Allocate(view rbdmodel.StatusView) int {
	for m := 1; ; m++ {
		attrs, exists := view.Devices[m]
		if !exists || attrs["cs"] == "Unconfigured" {
			return m
		}
	}
}
