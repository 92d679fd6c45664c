package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProxyType identifies the protocol a proxy speaks. The set is closed:
// loaders reject unknown kinds instead of carrying them as opaque strings.
type ProxyType string

const (
	TypeShadowsocks ProxyType = "ss"
	TypeVMess       ProxyType = "vmess"
	TypeVLESS       ProxyType = "vless"
	TypeTrojan      ProxyType = "trojan"
	TypeHysteria    ProxyType = "hysteria"
	TypeHysteria2   ProxyType = "hysteria2"
	TypeWireGuard   ProxyType = "wireguard"
	TypeSocks5      ProxyType = "socks5"
	TypeHTTP        ProxyType = "http"
	TypeHTTPS       ProxyType = "https"
	TypeAnyTLS      ProxyType = "anytls"
)

// ParseProxyType normalizes a proxy kind string from a config file.
func ParseProxyType(s string) (ProxyType, error) {
	switch strings.ToLower(s) {
	case "ss", "shadowsocks":
		return TypeShadowsocks, nil
	case "vmess":
		return TypeVMess, nil
	case "vless":
		return TypeVLESS, nil
	case "trojan":
		return TypeTrojan, nil
	case "hysteria":
		return TypeHysteria, nil
	case "hysteria2":
		return TypeHysteria2, nil
	case "wireguard", "wg":
		return TypeWireGuard, nil
	case "socks5", "socks":
		return TypeSocks5, nil
	case "http":
		return TypeHTTP, nil
	case "https":
		return TypeHTTPS, nil
	case "anytls":
		return TypeAnyTLS, nil
	default:
		return "", fmt.Errorf("unknown proxy type: %q", s)
	}
}

// SupportsDirectMeasurement reports whether the engine can apply this
// protocol's handshake itself. Everything else is measured either as a
// direct-connection baseline or through the supervised forwarder.
func (t ProxyType) SupportsDirectMeasurement() bool {
	switch t {
	case TypeShadowsocks, TypeSocks5, TypeHTTP, TypeHTTPS:
		return true
	default:
		return false
	}
}

// Proxy describes one test target. The engine only ever reads it.
type Proxy struct {
	Name   string
	Type   ProxyType
	Server string
	Port   int
	// Params carries protocol-specific settings from the source config
	// (cipher, password, uuid, sni, ...). Values are whatever the YAML
	// decoder produced; consumers pick out the keys they understand.
	Params map[string]any
}

// Addr returns the host:port of the proxy server.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Server, p.Port)
}

// ParamString returns a string-typed parameter or "".
func (p *Proxy) ParamString(key string) string {
	if v, ok := p.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Strategy selects how proxies are measured.
type Strategy string

const (
	// StrategyDirect measures each proxy with the engine's own
	// connection handling, concurrently.
	StrategyDirect Strategy = "direct"
	// StrategyDelegated routes all traffic through the supervised
	// forwarding process, one proxy at a time.
	StrategyDelegated Strategy = "delegated"
)

// Session holds the per-run configuration and the ordered descriptor
// list. It is created when an orchestrator run starts and discarded when
// it completes.
type Session struct {
	ID       string
	Proxies  []Proxy
	Strategy Strategy

	ServerURL string

	Concurrency      int
	ChunkConcurrency int

	LatencySamples int
	LatencyTimeout time.Duration
	ConnectTimeout time.Duration

	DownloadSize    int64
	UploadSize      int64
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration

	FastMode bool

	// ResolveEgress looks up the exit IP and location of each working
	// proxy after its latency test.
	ResolveEgress bool

	MaxLatency       time.Duration
	MinDownloadSpeed float64
	MinUploadSpeed   float64
}

// NewSession assigns a fresh ID and fills defaults for unset knobs.
func NewSession(proxies []Proxy, strategy Strategy) *Session {
	s := &Session{
		ID:               uuid.NewString(),
		Proxies:          proxies,
		Strategy:         strategy,
		ServerURL:        "https://speed.cloudflare.com",
		Concurrency:      4,
		ChunkConcurrency: 4,
		LatencySamples:   6,
		LatencyTimeout:   5 * time.Second,
		ConnectTimeout:   5 * time.Second,
		DownloadSize:     50 * 1024 * 1024,
		UploadSize:       20 * 1024 * 1024,
		DownloadTimeout:  10 * time.Second,
		UploadTimeout:    30 * time.Second,
	}
	return s
}
