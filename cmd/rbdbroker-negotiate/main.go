// Command rbdbroker-negotiate drives one negotiation to completion
// between two Peers hosted by rbdbrokerd (possibly the same process
// twice, for the localhost degenerate case), or between two in-process
// Peers when -local-sim/-remote-sim are set. Each simulated side has its
// own RBD simulator; its LocalDevice still uses the real host probes
// and loop devices.
package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/loopholelabs/rbdbroker/internal/negotiator"
	"github.com/loopholelabs/rbdbroker/internal/peer"
	"github.com/loopholelabs/rbdbroker/internal/rbdcontrol"
	"github.com/loopholelabs/rbdbroker/internal/rpcshim"
	"go.uber.org/zap"
)

func main() {
	localAddr := flag.String("local-addr", "", "base URL of the rbdbrokerd hosting the local Peer, e.g. http://host-a:7790")
	remoteAddr := flag.String("remote-addr", "", "base URL of the rbdbrokerd hosting the remote Peer, e.g. http://host-b:7790")

	localSim := flag.Bool("local-sim", false, "drive an in-process simulated local Peer instead of -local-addr")
	remoteSim := flag.Bool("remote-sim", false, "drive an in-process simulated remote Peer instead of -remote-addr")

	disk := flag.String("disk", "/dev/sdb", "backing disk passed to both Peers' make() call")
	uuid := flag.String("uuid", "", "mirror uuid; required")

	timeout := flag.Duration("timeout", 2*time.Minute, "overall negotiation timeout")

	devMode := flag.Bool("dev", false, "use a human-readable development logger")

	flag.Parse()

	if *uuid == "" {
		flag.Usage()
		panic("rbdbroker-negotiate: -uuid is required")
	}

	var logger *zap.Logger
	var err error
	if *devMode {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	httpClient := &http.Client{Timeout: *timeout}

	local, err := endpoint(httpClient, *localSim, *localAddr, *disk, *uuid)
	if err != nil {
		logger.Fatal("rbdbroker-negotiate: building local endpoint", zap.Error(err))
	}

	remote, err := endpoint(httpClient, *remoteSim, *remoteAddr, *disk, *uuid)
	if err != nil {
		logger.Fatal("rbdbroker-negotiate: building remote endpoint", zap.Error(err))
	}

	if err := negotiator.Negotiate(local, remote, logger); err != nil {
		logger.Fatal("rbdbroker-negotiate: negotiation failed", zap.Error(err))
	}

	logger.Info("rbdbroker-negotiate: mirror is up", zap.String("uuid", *uuid))
}

func endpoint(httpClient *http.Client, sim bool, addr, disk, uuid string) (negotiator.Endpoint, error) {
	if sim {
		control := rbdcontrol.NewSimulator("8.4.5", nil)
		return peer.New(control, disk, "/dev/rbd", "", uuid, nil), nil
	}

	if addr == "" {
		panic("rbdbroker-negotiate: either an -addr flag or the matching -sim flag is required for each side")
	}

	return rpcshim.Make(httpClient, addr, disk, uuid)
}
