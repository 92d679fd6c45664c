package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"proxy-speedtest/pkg/models"
)

func testProxies() []models.Proxy {
	return []models.Proxy{
		{Name: "ss-1", Type: models.TypeShadowsocks, Server: "a.example.com", Port: 8388,
			Params: map[string]any{"cipher": "aes-256-gcm", "password": "pw"}},
		{Name: "vmess-1", Type: models.TypeVMess, Server: "b.example.com", Port: 443,
			Params: map[string]any{"uuid": "u"}},
	}
}

func TestRenderConfig(t *testing.T) {
	data, err := renderConfig(testProxies(), 9090, 7890)
	if err != nil {
		t.Fatalf("renderConfig() error = %v", err)
	}

	var cfg map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}

	if got := cfg["external-controller"]; got != "127.0.0.1:9090" {
		t.Errorf("external-controller = %v, want 127.0.0.1:9090", got)
	}
	if got := cfg["mixed-port"]; got != 7890 {
		t.Errorf("mixed-port = %v, want 7890", got)
	}

	proxies, ok := cfg["proxies"].([]any)
	if !ok || len(proxies) != 2 {
		t.Fatalf("proxies = %v, want 2 entries", cfg["proxies"])
	}
	first := proxies[0].(map[string]any)
	if first["name"] != "ss-1" || first["cipher"] != "aes-256-gcm" {
		t.Errorf("first proxy = %v, want name ss-1 with cipher", first)
	}

	groups, ok := cfg["proxy-groups"].([]any)
	if !ok || len(groups) != 1 {
		t.Fatalf("proxy-groups = %v, want 1 group", cfg["proxy-groups"])
	}
	group := groups[0].(map[string]any)
	if group["name"] != SelectorGroup || group["type"] != "select" {
		t.Errorf("selector group = %v", group)
	}

	rules, _ := cfg["rules"].([]any)
	if len(rules) != 1 || rules[0] != "MATCH,"+SelectorGroup {
		t.Errorf("rules = %v, want [MATCH,%s]", rules, SelectorGroup)
	}
}

func TestPickPortsDistinct(t *testing.T) {
	control, mixed, err := pickPorts()
	if err != nil {
		t.Fatalf("pickPorts() error = %v", err)
	}
	if control == mixed {
		t.Errorf("pickPorts() returned identical ports %d", control)
	}
	if control == 0 || mixed == 0 {
		t.Errorf("pickPorts() = %d, %d, want non-zero", control, mixed)
	}
}

// fakeHandle spawns a long-lived placeholder process so teardown has a
// real PID to kill, and binds the handle's control URL to srv.
func fakeHandle(t *testing.T, srv *httptest.Server) *handle {
	t.Helper()

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start placeholder process: %v", err)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	dir, err := os.MkdirTemp("", "supervisor-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("proxies: []\n"), 0o600); err != nil {
		t.Fatalf("failed to seed config file: %v", err)
	}

	controlURL := ""
	if srv != nil {
		controlURL = srv.URL
	}

	return &handle{
		cmd:        cmd,
		waitCh:     waitCh,
		controlURL: controlURL,
		dataAddr:   "127.0.0.1:7890",
		configDir:  dir,
	}
}

func TestWaitReadySucceeds(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	s := New(Options{ReadyTimeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})
	s.handle = fakeHandle(t, srv)
	defer s.Stop()

	// Flip to healthy after a few failed polls.
	go func() {
		time.Sleep(100 * time.Millisecond)
		ready.Store(true)
	}()

	if err := s.waitReady(context.Background()); err != nil {
		t.Fatalf("waitReady() error = %v", err)
	}
}

func TestWaitReadyTimeoutCleansUp(t *testing.T) {
	// No control server at all: health checks can never succeed.
	s := New(Options{ReadyTimeout: 300 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	h := fakeHandle(t, nil)
	h.controlURL = "http://127.0.0.1:1" // nothing listens here
	s.handle = h
	s.state = StateWaitingReady

	err := s.waitReady(context.Background())
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("waitReady() error = %v, want ErrReadyTimeout", err)
	}

	s.Stop()

	if _, statErr := os.Stat(h.configDir); !os.IsNotExist(statErr) {
		t.Errorf("temp config dir %s still exists after Stop()", h.configDir)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %q, want %q", s.State(), StateStopped)
	}

	// The placeholder process must be gone.
	select {
	case <-h.waitCh:
	case <-time.After(time.Second):
		t.Error("process still running after Stop()")
	}
}

func TestWaitReadyDetectsEarlyExit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(Options{ReadyTimeout: 2 * time.Second, PollInterval: 20 * time.Millisecond})
	h := fakeHandle(t, srv)
	s.handle = h
	defer s.Stop()

	// Kill the process out from under the supervisor.
	h.cmd.Process.Kill()

	err := s.waitReady(context.Background())
	if !errors.Is(err, ErrProcessLaunch) {
		t.Fatalf("waitReady() error = %v, want ErrProcessLaunch", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Options{})
	h := fakeHandle(t, nil)
	s.handle = h
	s.state = StateReady

	s.Stop()
	s.Stop() // second invocation must be a no-op

	if s.State() != StateStopped {
		t.Errorf("state = %q, want %q", s.State(), StateStopped)
	}
	if _, err := os.Stat(h.configDir); !os.IsNotExist(err) {
		t.Errorf("temp config dir still exists after double Stop()")
	}
}

func TestSwitchProxy(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			gotPath = r.URL.Path
			buf := make([]byte, 256)
			n, _ := r.Body.Read(buf)
			gotBody = string(buf[:n])
			if strings.Contains(gotBody, "bad-proxy") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{})
	s.handle = fakeHandle(t, srv)
	s.state = StateReady
	defer s.Stop()

	if err := s.SwitchProxy(context.Background(), "ss-1"); err != nil {
		t.Fatalf("SwitchProxy() error = %v", err)
	}
	if gotPath != "/proxies/"+SelectorGroup {
		t.Errorf("switch path = %q, want /proxies/%s", gotPath, SelectorGroup)
	}
	if !strings.Contains(gotBody, `"name":"ss-1"`) {
		t.Errorf("switch body = %q, want name ss-1", gotBody)
	}
	if s.State() != StateReady {
		t.Errorf("state after switch = %q, want %q", s.State(), StateReady)
	}

	// A failed switch reports ErrProxySwitch and leaves Ready intact.
	err := s.SwitchProxy(context.Background(), "bad-proxy")
	if !errors.Is(err, ErrProxySwitch) {
		t.Fatalf("SwitchProxy(bad) error = %v, want ErrProxySwitch", err)
	}
	if s.State() != StateReady {
		t.Errorf("state after failed switch = %q, want %q", s.State(), StateReady)
	}
}

func TestSwitchProxyRequiresReady(t *testing.T) {
	s := New(Options{})
	if err := s.SwitchProxy(context.Background(), "ss-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("SwitchProxy() error = %v, want ErrNotReady", err)
	}
}

func TestStartWithMissingBinary(t *testing.T) {
	s := New(Options{Binary: "/nonexistent/forwarder-binary"})
	err := s.Start(context.Background(), testProxies())
	if !errors.Is(err, ErrProcessLaunch) {
		t.Fatalf("Start() error = %v, want ErrProcessLaunch", err)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %q, want %q", s.State(), StateStopped)
	}
}
