// Package orchestrator schedules per-proxy test pipelines and collects
// their outcomes. The direct strategy runs pipelines concurrently under
// a limit; the delegated strategy drives the supervised forwarder one
// proxy at a time. Both preserve input ordering in their output.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"proxy-speedtest/pkg/connector"
	"proxy-speedtest/pkg/ipinfo"
	"proxy-speedtest/pkg/models"
	"proxy-speedtest/pkg/probe"
)

// egressLookupTimeout bounds the optional exit-point lookup so a slow
// lookup service cannot stall a pipeline.
const egressLookupTimeout = 10 * time.Second

// LatencyRunner abstracts the latency probe.
type LatencyRunner interface {
	Run(ctx context.Context, ch *connector.Channel) (*models.LatencyMeasurement, error)
}

// BandwidthRunner abstracts the bandwidth probe.
type BandwidthRunner interface {
	Run(ctx context.Context, acquire probe.AcquireFunc, dir probe.Direction, size int64, concurrency int) (*models.BandwidthMeasurement, error)
}

// ProgressFunc is an optional sink the orchestrator pushes each
// completed outcome into as its slot fills. It runs on the pipeline's
// goroutine and should return quickly.
type ProgressFunc func(models.Outcome)

// Orchestrator runs the direct strategy.
type Orchestrator struct {
	session   *models.Session
	conn      connector.Connector
	latency   LatencyRunner
	bandwidth BandwidthRunner
	progress  ProgressFunc
}

// New builds a direct-strategy orchestrator.
func New(session *models.Session, conn connector.Connector, latency LatencyRunner, bandwidth BandwidthRunner) *Orchestrator {
	return &Orchestrator{
		session:   session,
		conn:      conn,
		latency:   latency,
		bandwidth: bandwidth,
	}
}

// SetProgress installs the progress sink.
func (o *Orchestrator) SetProgress(fn ProgressFunc) {
	o.progress = fn
}

// Run tests every proxy in the session, at most Concurrency pipelines
// at a time. The returned slice has exactly one outcome per descriptor,
// in descriptor order, regardless of completion order. Per-proxy
// failures are captured into their slot; they never abort siblings.
func (o *Orchestrator) Run(ctx context.Context) ([]models.Outcome, error) {
	proxies := o.session.Proxies
	outcomes := make([]models.Outcome, len(proxies))

	limit := o.session.Concurrency
	if limit < 1 {
		limit = 1
	}

	slog.Info("Starting speed test",
		"proxies", len(proxies),
		"concurrency", limit,
		"fastMode", o.session.FastMode)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range proxies {
		i := i
		p := &proxies[i]
		g.Go(func() error {
			outcomes[i] = runPipeline(gctx, o.session, o.conn, o.latency, o.bandwidth, p)
			if o.progress != nil {
				o.progress(outcomes[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slog.Info("Speed test completed", "proxies", len(outcomes))
	return outcomes, nil
}

// runPipeline executes one proxy's test sequence: latency, then unless
// fast mode is on, bandwidth download and upload. Bandwidth failures
// degrade the outcome (zero speed) but do not turn a measured proxy
// into an error outcome; the invariant is error iff nothing was
// measured.
func runPipeline(ctx context.Context, session *models.Session, conn connector.Connector, latency LatencyRunner, bandwidth BandwidthRunner, p *models.Proxy) models.Outcome {
	start := time.Now()

	ch, err := conn.Acquire(ctx, p)
	if err != nil {
		slog.Warn("Channel acquisition failed", "proxy", p.Name, "error", err)
		return models.Failed(p, err)
	}
	defer ch.Close()

	lat, err := latency.Run(ctx, ch)
	if err != nil {
		slog.Warn("Latency test failed", "proxy", p.Name, "error", err)
		return models.Failed(p, err)
	}

	outcome := models.Outcome{
		ProxyName:      p.Name,
		ProxyType:      p.Type,
		DirectFallback: ch.Mode == connector.ModeFallbackDirect,
		Latency:        lat,
		Timestamp:      start,
	}

	if session.ResolveEgress {
		lctx, cancel := context.WithTimeout(ctx, egressLookupTimeout)
		egress, err := ipinfo.Lookup(lctx, ch.Client)
		cancel()
		if err != nil {
			slog.Debug("Egress lookup failed", "proxy", p.Name, "error", err)
		} else {
			outcome.Egress = egress
		}
	}

	if session.FastMode {
		return outcome
	}
	// A proxy already beyond the latency threshold is not worth moving
	// megabytes through; the filter stage reports it either way.
	if session.MaxLatency > 0 && lat.Avg > session.MaxLatency {
		slog.Debug("Skipping bandwidth test, latency above threshold",
			"proxy", p.Name, "latency", lat.Avg)
		return outcome
	}

	acquire := func(ctx context.Context) (*connector.Channel, error) {
		return conn.Acquire(ctx, p)
	}

	if session.DownloadSize > 0 {
		dl, err := bandwidth.Run(ctx, acquire, probe.Download, session.DownloadSize, session.ChunkConcurrency)
		if err != nil {
			slog.Warn("Download test failed", "proxy", p.Name, "error", err)
		} else {
			outcome.Download = dl
		}
	}

	if session.UploadSize > 0 {
		ul, err := bandwidth.Run(ctx, acquire, probe.Upload, session.UploadSize, 1)
		if err != nil {
			slog.Warn("Upload test failed", "proxy", p.Name, "error", err)
		} else {
			outcome.Upload = ul
		}
	}

	return outcome
}
