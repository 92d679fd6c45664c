// Package probe implements the latency and bandwidth measurements that
// produce the engine's metrics. Probes are strategy-agnostic: they work
// over whatever channel the caller acquired, whether that channel speaks
// the proxy's protocol directly or routes through the supervised
// forwarder.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"proxy-speedtest/pkg/connector"
	"proxy-speedtest/pkg/models"
)

// ErrLatencyUnavailable signals that every latency sample failed. The
// caller records an error outcome instead of a spurious zero latency.
var ErrLatencyUnavailable = errors.New("latency unavailable: all samples failed")

const sampleInterval = 100 * time.Millisecond

// LatencyProbe measures round-trip time with repeated tiny requests.
type LatencyProbe struct {
	serverURL string
	samples   int
	timeout   time.Duration
}

// NewLatencyProbe configures a probe. samples must be >= 1; timeout
// bounds each individual attempt.
func NewLatencyProbe(serverURL string, samples int, timeout time.Duration) *LatencyProbe {
	if samples < 1 {
		samples = 1
	}
	return &LatencyProbe{
		serverURL: serverURL,
		samples:   samples,
		timeout:   timeout,
	}
}

// Run performs the configured number of round-trip attempts over the
// channel. A timed-out or failed attempt counts toward packet loss and
// the probe continues; only external cancellation aborts the loop.
func (p *LatencyProbe) Run(ctx context.Context, ch *connector.Channel) (*models.LatencyMeasurement, error) {
	durations := make([]time.Duration, 0, p.samples)
	failed := 0

	for i := 0; i < p.samples; i++ {
		if i > 0 {
			select {
			case <-time.After(sampleInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		if err := p.ping(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			slog.Debug("Ping failed", "attempt", i+1, "error", err)
			continue
		}
		rtt := time.Since(start)
		durations = append(durations, rtt)
		slog.Debug("Ping completed", "attempt", i+1, "rtt", rtt)
	}

	if len(durations) == 0 {
		return nil, fmt.Errorf("%w (%d attempts)", ErrLatencyUnavailable, p.samples)
	}

	min, max := minMaxDuration(durations)
	return &models.LatencyMeasurement{
		Avg:        meanDuration(durations),
		Min:        min,
		Max:        max,
		Jitter:     jitter(durations),
		PacketLoss: float64(failed) / float64(p.samples),
		Successful: len(durations),
		Total:      p.samples,
	}, nil
}

func (p *LatencyProbe) ping(ctx context.Context, ch *connector.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/__down?bytes=0", nil)
	if err != nil {
		return err
	}

	resp, err := ch.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}
