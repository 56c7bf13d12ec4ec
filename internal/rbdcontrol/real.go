package rbdcontrol

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/loopholelabs/rbdbroker/internal/configwriter"
	"github.com/loopholelabs/rbdbroker/internal/errs"
	"github.com/loopholelabs/rbdbroker/internal/minorallocator"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
	"github.com/loopholelabs/rbdbroker/internal/statusparser"
	"go.uber.org/zap"
)

// DefaultConfDir is where the real driver writes generated
// configuration files, keyed by mirror uuid.
const DefaultConfDir = "/var/run/sm/rbd"

// verbs, in the fixed order Start must issue them. The composite
// up/down commands are never used: a failing `up` would fall back to a
// `down` that could tear down a stranger's mirror.
const (
	verbCreateMD = "create-md"
	verbAttach   = "attach"
	verbSyncer   = "syncer"
	verbConnect  = "connect"

	verbDisconnect = "disconnect"
	verbDetach     = "detach"
)

// RealControl drives the RBD control tool against a live kernel driver.
type RealControl struct {
	Tool       string // path to the RBD control tool binary
	ConfDir    string // defaults to DefaultConfDir
	StatusPath string // path to the kernel status file, e.g. /proc/drbd

	Logger *zap.Logger

	mu        sync.Mutex
	configs   map[string]rbdmodel.MirrorConfig
	attached  map[string]bool
	connected map[string]bool
}

// NewRealControl constructs a RealControl. confDir defaults to
// DefaultConfDir when empty.
func NewRealControl(tool, confDir, statusPath string, logger *zap.Logger) *RealControl {
	if confDir == "" {
		confDir = DefaultConfDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RealControl{
		Tool:       tool,
		ConfDir:    confDir,
		StatusPath: statusPath,
		Logger:     logger,

		configs:   map[string]rbdmodel.MirrorConfig{},
		attached:  map[string]bool{},
		connected: map[string]bool{},
	}
}

// Version runs the control tool with no verb and returns its reported
// version string, taken from the first line of output.
func (c *RealControl) Version() (string, error) {
	out, err := exec.Command(c.Tool, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("rbdcontrol: version: %w", err)
	}

	line, _, _ := strings.Cut(string(out), "\n")

	return strings.TrimSpace(line), nil
}

// FreeMinor reads the kernel status file and returns the lowest free
// minor.
func (c *RealControl) FreeMinor() (int, error) {
	f, err := os.Open(c.StatusPath)
	if err != nil {
		return 0, fmt.Errorf("rbdcontrol: open status file: %w", err)
	}
	defer f.Close()

	view, err := statusparser.Parse(f)
	if err != nil {
		return 0, fmt.Errorf("rbdcontrol: parse status file: %w", err)
	}

	return minorallocator.Allocate(view), nil
}

func (c *RealControl) confPath(uuid string) string {
	return filepath.Join(c.ConfDir, uuid)
}

// Start issues create-md, attach, syncer, connect in order against a
// freshly generated configuration file.
func (c *RealControl) Start(mc rbdmodel.MirrorConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.ConfDir, 0o755); err != nil {
		return fmt.Errorf("rbdcontrol: mkdir %s: %w", c.ConfDir, err)
	}

	confFile := c.confPath(mc.UUID)
	if err := os.WriteFile(confFile, []byte(configwriter.Render(mc)), 0o644); err != nil {
		return fmt.Errorf("rbdcontrol: write %s: %w", confFile, err)
	}

	c.configs[mc.UUID] = mc

	if err := c.run(confFile, verbCreateMD, mc); err != nil {
		return err
	}

	if err := c.run(confFile, verbAttach, mc); err != nil {
		return err
	}
	c.attached[mc.UUID] = true

	if err := c.run(confFile, verbSyncer, mc); err != nil {
		return err
	}

	if err := c.run(confFile, verbConnect, mc); err != nil {
		return err
	}
	c.connected[mc.UUID] = true

	return nil
}

// Stop tears mc down non-recursively: disconnect-then-remove if
// connected, detach-then-remove if attached, and always drops the
// tracked config and unlinks the generated file.
func (c *RealControl) Stop(mc rbdmodel.MirrorConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	confFile := c.confPath(mc.UUID)

	var firstErr error

	if c.connected[mc.UUID] {
		if err := c.run(confFile, verbDisconnect, mc); err != nil {
			firstErr = err
		}
		delete(c.connected, mc.UUID)
	}

	if c.attached[mc.UUID] {
		if err := c.run(confFile, verbDetach, mc); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.attached, mc.UUID)
	}

	delete(c.configs, mc.UUID)

	if err := os.Remove(confFile); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// run invokes `<tool> -c <confFile> <verb> <uuid>`, classifying any
// failure per the stderr-suffix table.
func (c *RealControl) run(confFile, verb string, mc rbdmodel.MirrorConfig) error {
	cmd := exec.Command(c.Tool, "-c", confFile, verb, mc.UUID)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.Logger.Debug("rbdcontrol: invoking control tool",
		zap.String("tool", c.Tool),
		zap.String("verb", verb),
		zap.String("uuid", mc.UUID),
	)

	err := cmd.Run()
	if err == nil {
		return nil
	}

	out := stderr.String()
	c.Logger.Debug("rbdcontrol: control tool failed",
		zap.String("verb", verb),
		zap.String("uuid", mc.UUID),
		zap.String("stderr", out),
		zap.Error(err),
	)

	switch {
	case strings.HasSuffix(out, "is configured!\n"):
		return &errs.MinorInUse{Minor: minorOf(mc)}

	case strings.HasSuffix(out, "Local address(port) already in use.\n"):
		return &errs.PortInUse{Port: portOf(mc)}

	default:
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}

		return &errs.CommandFailure{Verb: verb, Code: code, Stderr: out}
	}
}

// minorOf extracts the integer minor from "<prefix>/<minor>" in the
// local side's device path.
func minorOf(mc rbdmodel.MirrorConfig) int {
	base := filepath.Base(mc.Hosts[0].DevicePath)

	m, err := strconv.Atoi(base)
	if err != nil {
		return -1
	}

	return m
}

// portOf extracts the integer port from the local side's "ip:port"
// endpoint.
func portOf(mc rbdmodel.MirrorConfig) int {
	_, portStr, err := splitHostPort(mc.Hosts[0].Endpoint)
	if err != nil {
		return -1
	}

	p, err := strconv.Atoi(portStr)
	if err != nil {
		return -1
	}

	return p
}

func splitHostPort(endpoint string) (host, port string, err error) {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("rbdcontrol: malformed endpoint %q", endpoint)
	}

	return endpoint[:idx], endpoint[idx+1:], nil
}
