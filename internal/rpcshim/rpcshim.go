// Package rpcshim transports a Peer over HTTP: a process-wide registry
// maps generated paths to Peer instances behind one factory path whose
// only operation is make(disk, uuid) -> path. It is deliberately built
// on net/http and encoding/json rather than the teacher's panrpc stack
// -- see DESIGN.md for why a stream-oriented RPC registry doesn't fit
// a POST-per-call, GET-listing, 404-on-absent-path contract.
package rpcshim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/rbdbroker/internal/errs"
	"github.com/loopholelabs/rbdbroker/internal/peer"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
	"go.uber.org/zap"
)

// IdleTimeout is how long a Peer may sit unused before the reaper
// releases it and drops it from the registry.
const IdleTimeout = 5 * time.Minute

// PeerFactory builds a fresh Peer for a (disk, uuid) pair. Production
// wires this to a closure over a real or simulated RBDControl;
// tests wire it to something backed by rbdcontrol.Simulator.
type PeerFactory func(disk, uuid string) *peer.Peer

type entry struct {
	peer *peer.Peer
	disk string
	uuid string

	mu       sync.Mutex
	lastUsed time.Time
}

// Shim is an http.Handler exposing a Peer registry. The zero value is
// not usable; construct with New.
type Shim struct {
	factory PeerFactory
	logger  *zap.Logger

	mu    sync.RWMutex
	peers map[string]*entry

	stop chan struct{}
}

// New constructs a Shim and starts its idle-reaping goroutine. Call
// Close to stop the reaper.
func New(factory PeerFactory, logger *zap.Logger) *Shim {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Shim{
		factory: factory,
		logger:  logger,
		peers:   map[string]*entry{},
		stop:    make(chan struct{}),
	}

	go s.reapLoop()

	return s
}

// Close stops the reaper; it does not close registered Peers.
func (s *Shim) Close() {
	close(s.stop)
}

func (s *Shim) reapLoop() {
	ticker := time.NewTicker(IdleTimeout / 5)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapIdle(time.Now())
		}
	}
}

func (s *Shim) reapIdle(now time.Time) {
	s.mu.Lock()
	var stale []*entry
	var stalePaths []string
	for path, e := range s.peers {
		e.mu.Lock()
		idle := now.Sub(e.lastUsed)
		e.mu.Unlock()

		if idle >= IdleTimeout {
			stale = append(stale, e)
			stalePaths = append(stalePaths, path)
		}
	}
	for _, path := range stalePaths {
		delete(s.peers, path)
	}
	s.mu.Unlock()

	for i, e := range stale {
		if err := e.peer.Close(); err != nil {
			s.logger.Warn("rpcshim: failed to close idle peer", zap.String("path", stalePaths[i]), zap.Error(err))
		}
		s.logger.Debug("rpcshim: reaped idle peer", zap.String("path", stalePaths[i]))
	}
}

// ServeHTTP dispatches "/" (the factory path) to handleFactory and
// everything else to handlePeer.
func (s *Shim) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		s.handleFactory(w, r)
		return
	}

	s.handlePeer(w, r)
}

type makeRequest struct {
	Disk string `json:"disk"`
	UUID string `json:"uuid"`
}

type makeResponse struct {
	Path string `json:"path"`
}

func (s *Shim) handleFactory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRegistry(w)

	case http.MethodPost:
		var req makeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("rpcshim: decode make request: %v", err), http.StatusBadRequest)
			return
		}

		path := "/peers/" + shortuuid.New()

		p := s.factory(req.Disk, req.UUID)

		s.mu.Lock()
		s.peers[path] = &entry{peer: p, disk: req.Disk, uuid: req.UUID, lastUsed: time.Now()}
		s.mu.Unlock()

		s.logger.Debug("rpcshim: registered new peer", zap.String("path", path), zap.String("uuid", req.UUID))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(makeResponse{Path: path})

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "rpcshim: method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Shim) listRegistry(w http.ResponseWriter) {
	s.mu.RLock()
	paths := make([]string, 0, len(s.peers))
	for path := range s.peers {
		paths = append(paths, path)
	}
	s.mu.RUnlock()
	sort.Strings(paths)

	var b strings.Builder
	fmt.Fprintf(&b, "rbdbroker peer registry (%d entries)\n", len(paths))
	for _, path := range paths {
		s.mu.RLock()
		e := s.peers[path]
		s.mu.RUnlock()
		if e == nil {
			continue
		}
		fmt.Fprintf(&b, "  %s  uuid=%s disk=%s\n", path, e.uuid, e.disk)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

type rpcRequest struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Fault  *rpcFault       `json:"fault,omitempty"`
}

// rpcFault carries enough structure for the client to reconstruct the
// typed error kinds (errs.MinorInUse, errs.PortInUse, errs.VersionMismatch)
// that the Negotiator's retry loop and version check depend on -- a bare
// string rendering would make IsTransient and the version identity
// unreachable across the wire.
type rpcFault struct {
	Kind    string `json:"kind"`
	Minor   int    `json:"minor,omitempty"`
	Port    int    `json:"port,omitempty"`
	Local   string `json:"local,omitempty"`
	Remote  string `json:"remote,omitempty"`
	Message string `json:"message"`
}

func faultFor(err error) *rpcFault {
	switch e := err.(type) {
	case *errs.MinorInUse:
		return &rpcFault{Kind: "minor_in_use", Minor: e.Minor, Message: e.Error()}
	case *errs.PortInUse:
		return &rpcFault{Kind: "port_in_use", Port: e.Port, Message: e.Error()}
	case *errs.VersionMismatch:
		return &rpcFault{Kind: "version_mismatch", Local: e.Local, Remote: e.Remote, Message: e.Error()}
	default:
		return &rpcFault{Kind: "error", Message: err.Error()}
	}
}

func (s *Shim) handlePeer(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	e, ok := s.peers[r.URL.Path]
	s.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "rpcshim: method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("rpcshim: decode rpc request: %v", err), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.lastUsed = time.Now()
	result, opErr := dispatch(e.peer, req.Operation, req.Args)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if opErr != nil {
		_ = json.NewEncoder(w).Encode(rpcResponse{Fault: faultFor(opErr)})
		return
	}

	_ = json.NewEncoder(w).Encode(rpcResponse{Result: result})
}

type versionExchangeArgs struct {
	TheirVersion string `json:"their_version"`
}

type startStopArgs struct {
	My    rbdmodel.HostConfig `json:"my"`
	Their rbdmodel.HostConfig `json:"their"`
}

// dispatch invokes the named operation against p with args decoded from
// raw, returning its JSON-encoded result.
func dispatch(p *peer.Peer, operation string, raw json.RawMessage) (json.RawMessage, error) {
	switch operation {
	case "version_exchange":
		var args versionExchangeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("rpcshim: decode version_exchange args: %w", err)
		}
		version, err := p.VersionExchange(args.TheirVersion)
		if err != nil {
			return nil, err
		}
		return json.Marshal(version)

	case "soft_allocate":
		cfg, err := p.SoftAllocate()
		if err != nil {
			return nil, err
		}
		return json.Marshal(cfg)

	case "start":
		var args startStopArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("rpcshim: decode start args: %w", err)
		}
		status, err := p.Start(args.My, args.Their)
		if err != nil {
			return nil, err
		}
		return json.Marshal(status)

	case "stop":
		var args startStopArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("rpcshim: decode stop args: %w", err)
		}
		status, err := p.Stop(args.My, args.Their)
		if err != nil {
			return nil, err
		}
		return json.Marshal(status)

	default:
		return nil, fmt.Errorf("rpcshim: unknown operation %q", operation)
	}
}
