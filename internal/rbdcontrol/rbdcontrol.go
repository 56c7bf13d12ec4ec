// Package rbdcontrol drives the kernel RBD through its control tool (or,
// in the Simulator variant, models the same contract in-process). Real
// and simulated variants satisfy one capability set so a Peer can be
// built against either.
package rbdcontrol

import "github.com/loopholelabs/rbdbroker/internal/rbdmodel"

// Control is the duck-typed capability set both the real driver and the
// simulator satisfy.
type Control interface {
	// Version returns the driver's version string.
	Version() (string, error)

	// FreeMinor returns an advisory free minor number. RealControl
	// returns the lowest minor not presently configured or marked
	// Unconfigured; Simulator's default is a plain counter.
	FreeMinor() (int, error)

	// Start brings mc up through create-md/attach/syncer/connect. On
	// success mc is in the connected set. Failure is *errs.MinorInUse
	// or *errs.PortInUse (transient); any other error, such as
	// *errs.CommandFailure, is fatal.
	Start(mc rbdmodel.MirrorConfig) error

	// Stop tears mc down. Idempotent: a mirror already absent is a
	// no-op, a partially-up mirror is cleanly torn down.
	Stop(mc rbdmodel.MirrorConfig) error
}
