// Command rbdbrokerd hosts the RpcShim HTTP server: a Negotiator on
// another host (or another rbdbrokerd process on this one, in the
// localhost case) addresses Peers created under this process by URL.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopholelabs/rbdbroker/internal/peer"
	"github.com/loopholelabs/rbdbroker/internal/rbdcontrol"
	"github.com/loopholelabs/rbdbroker/internal/rpcshim"
	"go.uber.org/zap"
)

func main() {
	listenAddr := flag.String("listen-addr", ":7790", "address the RpcShim HTTP server listens on")

	simulate := flag.Bool("simulate", false, "use the in-process RBDControl simulator instead of the real control tool")
	simVersion := flag.String("sim-version", "8.4.5", "version string the simulator reports (only with -simulate)")

	rbdTool := flag.String("rbd-tool", "rbdadm", "path to the RBD control tool binary")
	confDir := flag.String("conf-dir", rbdcontrol.DefaultConfDir, "directory the real control wrapper writes generated configuration files to")
	statusPath := flag.String("status-path", "/proc/rbd", "path to the kernel RBD status file")

	devMode := flag.Bool("dev", false, "use a human-readable development logger instead of the production JSON logger")

	flag.Parse()

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

	factory := func(disk, uuid string) *peer.Peer {
		var control rbdcontrol.Control
		if *simulate {
			control = rbdcontrol.NewSimulator(*simVersion, nil)
		} else {
			control = rbdcontrol.NewRealControl(*rbdTool, *confDir, *statusPath, logger)
		}

		return peer.New(control, disk, "/dev/rbd", "", uuid, nil)
	}

	shim := rpcshim.New(factory, logger)
	defer shim.Close()

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: shim,
	}

	go func() {
		logger.Info("rbdbrokerd: listening", zap.String("addr", *listenAddr), zap.Bool("simulate", *simulate))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("rbdbrokerd: server exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("rbdbrokerd: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("rbdbrokerd: graceful shutdown failed", zap.Error(err))
	}
}
