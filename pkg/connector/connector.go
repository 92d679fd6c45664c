// Package connector produces usable HTTP channels for proxy descriptors.
//
// A channel is an *http.Client wired to reach the measurement server in
// one of three ways: through the proxy's own handshake (protocols the
// engine natively understands), through a baseline direct connection
// (everything else under the direct strategy), or through the supervised
// forwarding process's local data-plane address (delegated strategy).
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"

	"proxy-speedtest/pkg/config"
	"proxy-speedtest/pkg/models"
)

// ChannelMode tags how a channel reaches the target server.
type ChannelMode string

const (
	// ModeNative applies the proxy's own protocol handshake.
	ModeNative ChannelMode = "native"
	// ModeFallbackDirect is a baseline direct connection. Numbers
	// measured this way do not reflect the proxy.
	ModeFallbackDirect ChannelMode = "fallback-direct"
	// ModeDelegated routes through the supervised forwarding process.
	ModeDelegated ChannelMode = "delegated"
)

// Channel is a ready-to-use network path to the measurement server.
// Per-operation deadlines are the caller's business (request contexts);
// the channel only enforces the connect timeout.
type Channel struct {
	Client *http.Client
	Mode   ChannelMode
}

// Close releases idle connections held by the channel.
func (c *Channel) Close() {
	c.Client.CloseIdleConnections()
}

// ConnectionError wraps a failure to build a channel for a proxy.
type ConnectionError struct {
	Proxy string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection setup for %q failed: %v", e.Proxy, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsTimeout reports whether err (anywhere in its chain) is a deadline
// or I/O timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Connector acquires a channel for one proxy descriptor.
type Connector interface {
	Acquire(ctx context.Context, p *models.Proxy) (*Channel, error)
}

// Direct builds channels with the engine's own connection handling.
type Direct struct {
	connectTimeout time.Duration
}

// NewDirect returns a connector for the direct strategy.
func NewDirect(connectTimeout time.Duration) *Direct {
	return &Direct{connectTimeout: connectTimeout}
}

// Acquire builds a channel for the proxy. Natively supported protocols
// get the real handshake; others fall back to a baseline direct
// connection tagged ModeFallbackDirect.
func (d *Direct) Acquire(_ context.Context, p *models.Proxy) (*Channel, error) {
	if !p.Type.SupportsDirectMeasurement() {
		return &Channel{
			Client: &http.Client{Transport: d.baseTransport(nil)},
			Mode:   ModeFallbackDirect,
		}, nil
	}

	switch p.Type {
	case models.TypeHTTP, models.TypeHTTPS:
		proxyURL, err := config.BuildTransportURL(p)
		if err != nil {
			return nil, &ConnectionError{Proxy: p.Name, Err: err}
		}
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, &ConnectionError{Proxy: p.Name, Err: err}
		}
		tr := d.baseTransport(nil)
		tr.Proxy = http.ProxyURL(u)
		return &Channel{Client: &http.Client{Transport: tr}, Mode: ModeNative}, nil

	default:
		// Shadowsocks and SOCKS5 go through outline-sdk stream dialers.
		transportURL, err := config.BuildTransportURL(p)
		if err != nil {
			return nil, &ConnectionError{Proxy: p.Name, Err: err}
		}
		var dialer transport.StreamDialer
		dialer, err = configurl.NewDefaultConfigToDialer().NewStreamDialer(transportURL)
		if err != nil {
			return nil, &ConnectionError{Proxy: p.Name, Err: fmt.Errorf("could not create dialer: %w", err)}
		}

		dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network != "tcp" && network != "tcp4" && network != "tcp6" {
				return nil, fmt.Errorf("protocol not supported: %v", network)
			}
			ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
			defer cancel()
			conn, err := dialer.DialStream(ctx, addr)
			if err != nil {
				return nil, &ConnectionError{Proxy: p.Name, Err: err}
			}
			return conn, nil
		}

		tr := d.baseTransport(dialContext)
		return &Channel{Client: &http.Client{Transport: tr}, Mode: ModeNative}, nil
	}
}

func (d *Direct) baseTransport(dialContext func(context.Context, string, string) (net.Conn, error)) *http.Transport {
	if dialContext == nil {
		dialer := &net.Dialer{Timeout: d.connectTimeout}
		dialContext = dialer.DialContext
	}
	return &http.Transport{
		DialContext: dialContext,
		// Measurement targets frequently sit behind self-signed or
		// mismatched certificates; verification is not the point here.
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives: false,
	}
}

// Delegated builds channels through the supervised process's fixed
// local data-plane address, regardless of proxy protocol. The caller is
// responsible for having selected the proxy as active first.
type Delegated struct {
	proxyURL       *url.URL
	connectTimeout time.Duration
}

// NewDelegated returns a connector bound to the data-plane address
// (host:port of the forwarder's mixed port).
func NewDelegated(dataPlaneAddr string, connectTimeout time.Duration) *Delegated {
	return &Delegated{
		proxyURL:       &url.URL{Scheme: "http", Host: dataPlaneAddr},
		connectTimeout: connectTimeout,
	}
}

// Acquire returns a channel through the data-plane address. The proxy
// descriptor only matters for error attribution.
func (d *Delegated) Acquire(_ context.Context, _ *models.Proxy) (*Channel, error) {
	dialer := &net.Dialer{Timeout: d.connectTimeout}
	tr := &http.Transport{
		Proxy:           http.ProxyURL(d.proxyURL),
		DialContext:     dialer.DialContext,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Channel{Client: &http.Client{Transport: tr}, Mode: ModeDelegated}, nil
}
