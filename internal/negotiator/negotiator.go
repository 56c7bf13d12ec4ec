// Package negotiator implements the retry loop that drives a local Peer
// against a remote Peer to mirror activation: the core algorithm of the
// broker. It is expressed as an explicit two-level state machine rather
// than exception control flow -- the inner loop reallocates the local
// side on a transient failure, the outer loop handles the localhost
// case where the remote side only discovers a collision after the
// local side is already up.
package negotiator

import (
	"fmt"

	"github.com/loopholelabs/rbdbroker/internal/errs"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
	"go.uber.org/zap"
)

// Endpoint is the capability set the Negotiator drives -- satisfied by
// an in-process *peer.Peer or by an RPC client addressing a remote one.
type Endpoint interface {
	VersionExchange(theirVersion string) (string, error)
	SoftAllocate() (rbdmodel.HostConfig, error)
	Start(my, their rbdmodel.HostConfig) (string, error)
	Stop(my, their rbdmodel.HostConfig) (string, error)
}

// MaxOuterIterations bounds the outer loop as a sanity backstop; a
// genuine transient race resolves within a handful of iterations (the
// simulator tests terminate within 2), so this only guards against a
// permanently misconfigured environment described in spec.md §4.9.
const MaxOuterIterations = 1000

// Negotiate drives local against remote until both sides agree on a
// MirrorConfig and it is fully up, or a fatal error occurs. On a fatal
// error, any mirror started on the local side during this call is
// stopped before the error is returned.
func Negotiate(local, remote Endpoint, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	localVersion, err := local.VersionExchange("")
	if err != nil {
		return fmt.Errorf("negotiator: local version_exchange: %w", err)
	}

	remoteVersion, err := remote.VersionExchange(localVersion)
	if err != nil {
		return fmt.Errorf("negotiator: remote version_exchange: %w", err)
	}

	if localVersion != remoteVersion {
		return &errs.VersionMismatch{Local: localVersion, Remote: remoteVersion}
	}

	var (
		otherCfg rbdmodel.HostConfig
		haveOther bool
		myCfg    rbdmodel.HostConfig
	)

	for outer := 0; outer < MaxOuterIterations; outer++ {
		localUp := false

		for !localUp {
			var err error
			myCfg, err = local.SoftAllocate()
			if err != nil {
				return fmt.Errorf("negotiator: local soft_allocate: %w", err)
			}

			if !haveOther {
				otherCfg, err = remote.SoftAllocate()
				if err != nil {
					return fmt.Errorf("negotiator: remote soft_allocate: %w", err)
				}
				haveOther = true
			}

			if _, err := local.Start(myCfg, otherCfg); err != nil {
				if errs.IsTransient(err) {
					logger.Debug("negotiator: local start hit a transient conflict, retrying", zap.Error(err))
					continue
				}

				if _, stopErr := local.Stop(myCfg, otherCfg); stopErr != nil {
					logger.Warn("negotiator: failed to stop local side after fatal local start error", zap.Error(stopErr))
				}

				return fmt.Errorf("negotiator: local start: %w", err)
			}

			localUp = true
		}

		if _, err := remote.Start(otherCfg, myCfg); err == nil {
			return nil
		} else if errs.IsTransient(err) {
			logger.Debug("negotiator: remote start hit a transient conflict, reallocating and retrying", zap.Error(err))

			otherCfg, err = remote.SoftAllocate()
			if err != nil {
				_, _ = local.Stop(myCfg, otherCfg)
				return fmt.Errorf("negotiator: remote soft_allocate after retry: %w", err)
			}

			if _, err := local.Stop(myCfg, otherCfg); err != nil {
				return fmt.Errorf("negotiator: local stop before outer retry: %w", err)
			}

			continue
		} else {
			if _, stopErr := local.Stop(myCfg, otherCfg); stopErr != nil {
				logger.Warn("negotiator: failed to stop local side after fatal remote error", zap.Error(stopErr))
			}

			return fmt.Errorf("negotiator: remote start: %w", err)
		}
	}

	return fmt.Errorf("negotiator: exceeded %d outer iterations without converging", MaxOuterIterations)
}
