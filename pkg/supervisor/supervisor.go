// Package supervisor manages the auxiliary proxy-forwarding process
// used by the delegated testing strategy. It owns the process handle,
// its control-plane state and its temp config directory; other
// components only ever see the data-plane address and the proxy-switch
// capability.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"proxy-speedtest/pkg/models"
)

// State is the supervisor's lifecycle position.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateWaitingReady State = "waiting-ready"
	StateReady        State = "ready"
	StateSwitching    State = "switching"
	StateStopping     State = "stopping"
)

var (
	// ErrProcessLaunch means the forwarder process could not be
	// spawned or exited before becoming ready.
	ErrProcessLaunch = errors.New("forwarder process failed to launch")
	// ErrReadyTimeout means the control-plane health check never
	// succeeded within the readiness window. Fatal for a delegated
	// session: no per-proxy outcomes are produced.
	ErrReadyTimeout = errors.New("forwarder did not become ready in time")
	// ErrProxySwitch means a proxy-selection call failed. Only the
	// current proxy's outcome is affected; the supervisor stays ready.
	ErrProxySwitch = errors.New("proxy switch failed")
	// ErrNotReady is returned for control calls issued outside Ready.
	ErrNotReady = errors.New("supervisor is not ready")
)

// Options configures a supervisor.
type Options struct {
	// Binary is the forwarder executable. Empty means search the PATH
	// and a few conventional locations.
	Binary string
	// TempDir is the parent for per-session config directories.
	// Empty means the system default.
	TempDir string

	ReadyTimeout  time.Duration
	PollInterval  time.Duration
	SwitchTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ReadyTimeout == 0 {
		out.ReadyTimeout = 5 * time.Second
	}
	if out.PollInterval == 0 {
		out.PollInterval = 100 * time.Millisecond
	}
	if out.SwitchTimeout == 0 {
		out.SwitchTimeout = 5 * time.Second
	}
	return out
}

// handle bundles everything the supervisor exclusively owns about a
// running forwarder instance.
type handle struct {
	cmd        *exec.Cmd
	waitCh     chan error
	controlURL string
	dataAddr   string
	configDir  string
}

// Supervisor drives one forwarder instance per session.
type Supervisor struct {
	opts   Options
	client *http.Client

	mu     sync.Mutex
	state  State
	handle *handle
}

// New builds a supervisor in the Stopped state.
func New(opts Options) *Supervisor {
	o := opts.withDefaults()
	return &Supervisor{
		opts:   o,
		client: &http.Client{Timeout: o.SwitchTimeout},
		state:  StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DataPlaneAddr returns the local address that forwards traffic to the
// active proxy. Empty unless the supervisor has been started.
func (s *Supervisor) DataPlaneAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.dataAddr
}

// Start materializes the config artifact, spawns the forwarder and
// waits for its control plane to report ready. On any failure the
// process is killed and the temp directory removed before returning.
func (s *Supervisor) Start(ctx context.Context, proxies []models.Proxy) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("cannot start supervisor in state %q", s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	h, err := s.launch(proxies)
	if err != nil {
		s.setState(StateStopped)
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.state = StateWaitingReady
	s.mu.Unlock()

	if err := s.waitReady(ctx); err != nil {
		s.Stop()
		return err
	}

	s.setState(StateReady)
	slog.Info("Forwarder ready",
		"control", h.controlURL,
		"dataPlane", h.dataAddr)
	return nil
}

func (s *Supervisor) launch(proxies []models.Proxy) (*handle, error) {
	binary := s.opts.Binary
	if binary == "" {
		var err error
		binary, err = findBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProcessLaunch, err)
		}
	}

	controlPort, mixedPort, err := pickPorts()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessLaunch, err)
	}

	dir, err := os.MkdirTemp(s.opts.TempDir, "proxy-speedtest-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessLaunch, err)
	}

	data, err := renderConfig(proxies, controlPort, mixedPort)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrProcessLaunch, err)
	}
	cfgPath, err := writeConfig(dir, data)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrProcessLaunch, err)
	}

	cmd := exec.Command(binary, "-f", cfgPath, "-d", dir)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	slog.Debug("Spawning forwarder",
		"binary", binary,
		"config", cfgPath,
		"controlPort", controlPort,
		"mixedPort", mixedPort)

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrProcessLaunch, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	return &handle{
		cmd:        cmd,
		waitCh:     waitCh,
		controlURL: fmt.Sprintf("http://127.0.0.1:%d", controlPort),
		dataAddr:   fmt.Sprintf("127.0.0.1:%d", mixedPort),
		configDir:  dir,
	}, nil
}

// waitReady polls the control-plane health endpoint until it answers,
// the process dies, or the readiness window closes.
func (s *Supervisor) waitReady(ctx context.Context) error {
	h := s.currentHandle()
	if h == nil {
		return ErrNotReady
	}

	deadline := time.After(s.opts.ReadyTimeout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-h.waitCh:
			// Put the exit status back for Stop.
			h.waitCh <- err
			return fmt.Errorf("%w: process exited early: %v", ErrProcessLaunch, err)
		case <-deadline:
			return fmt.Errorf("%w (waited %s)", ErrReadyTimeout, s.opts.ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.healthCheck(ctx, h) {
				return nil
			}
		}
	}
}

func (s *Supervisor) healthCheck(ctx context.Context, h *handle) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PollInterval*5)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.controlURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// SwitchProxy selects the named proxy as the active target of the
// selector group. A failed switch leaves the supervisor Ready; the
// caller records it against the current proxy only.
func (s *Supervisor) SwitchProxy(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.state != StateReady || s.handle == nil {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.state = StateSwitching
	h := s.handle
	s.mu.Unlock()

	defer s.setState(StateReady)

	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxySwitch, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SwitchTimeout)
	defer cancel()

	url := h.controlURL + "/proxies/" + SelectorGroup
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxySwitch, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxySwitch, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: control API returned status %d", ErrProxySwitch, resp.StatusCode)
	}

	slog.Debug("Switched active proxy", "proxy", name)
	return nil
}

// Stop terminates the process and deletes the temp config directory.
// It runs on every exit path and is safe to invoke repeatedly.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.state = StateStopping
	s.mu.Unlock()

	if h != nil {
		if h.cmd != nil && h.cmd.Process != nil {
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.Warn("Failed to kill forwarder process", "error", err)
			}
			select {
			case <-h.waitCh:
			case <-time.After(3 * time.Second):
				slog.Warn("Timed out waiting for forwarder to exit")
			}
		}
		if h.configDir != "" {
			if err := os.RemoveAll(h.configDir); err != nil {
				slog.Warn("Failed to remove temp config dir", "dir", h.configDir, "error", err)
			}
		}
		slog.Debug("Forwarder stopped", "configDir", h.configDir)
	}

	s.setState(StateStopped)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) currentHandle() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// pickPorts reserves two distinct free localhost ports by asking the
// OS, one for the control plane and one for the mixed data-plane port.
func pickPorts() (control, mixed int, err error) {
	control, err = freePort()
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < 5; i++ {
		mixed, err = freePort()
		if err != nil {
			return 0, 0, err
		}
		if mixed != control {
			return control, mixed, nil
		}
	}
	return 0, 0, fmt.Errorf("could not find two distinct free ports")
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// findBinary locates the forwarder executable on the PATH or in a few
// conventional install locations.
func findBinary() (string, error) {
	names := []string{"mihomo", "clash-meta", "clash"}

	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	dirs := []string{"/usr/local/bin", "/usr/bin", "/opt/homebrew/bin", "."}
	for _, dir := range dirs {
		for _, name := range names {
			full := filepath.Join(dir, name)
			if info, err := os.Stat(full); err == nil && !info.IsDir() {
				return full, nil
			}
		}
	}

	return "", fmt.Errorf("forwarder binary not found (tried %v)", names)
}
