package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"proxy-speedtest/pkg/connector"
	"proxy-speedtest/pkg/models"
)

// Forwarder is the supervisor capability surface the delegated strategy
// needs: lifecycle, the data-plane address, and proxy selection. The
// process handle itself never crosses this boundary.
type Forwarder interface {
	Start(ctx context.Context, proxies []models.Proxy) error
	Stop()
	DataPlaneAddr() string
	SwitchProxy(ctx context.Context, name string) error
}

// settleDelay gives the forwarder a moment to apply a proxy switch
// before traffic flows.
const settleDelay = 500 * time.Millisecond

// Delegated runs the delegated strategy: every proxy, regardless of
// protocol, is measured through the supervised forwarder. Because the
// forwarder's selection state is mutually exclusive, proxies are tested
// strictly one at a time.
type Delegated struct {
	session   *models.Session
	forwarder Forwarder
	latency   LatencyRunner
	bandwidth BandwidthRunner
	progress  ProgressFunc
	settle    time.Duration

	// newConnector builds the channel factory bound to the forwarder's
	// data-plane address once it is known.
	newConnector func(dataAddr string) connector.Connector
}

// NewDelegated builds a delegated-strategy orchestrator around a
// forwarder.
func NewDelegated(session *models.Session, fwd Forwarder, latency LatencyRunner, bandwidth BandwidthRunner) *Delegated {
	return &Delegated{
		session:   session,
		forwarder: fwd,
		latency:   latency,
		bandwidth: bandwidth,
		settle:    settleDelay,
		newConnector: func(dataAddr string) connector.Connector {
			return connector.NewDelegated(dataAddr, session.ConnectTimeout)
		},
	}
}

// SetProgress installs the progress sink.
func (d *Delegated) SetProgress(fn ProgressFunc) {
	d.progress = fn
}

// Run starts the forwarder, then tests each proxy in order. If the
// forwarder never becomes ready the whole session fails with zero
// outcomes. Once it is ready, switch failures and probe failures are
// local to their proxy. The forwarder is torn down on every exit path.
func (d *Delegated) Run(ctx context.Context) ([]models.Outcome, error) {
	if err := d.forwarder.Start(ctx, d.session.Proxies); err != nil {
		return nil, fmt.Errorf("delegated session aborted: %w", err)
	}
	defer d.forwarder.Stop()

	conn := d.newConnector(d.forwarder.DataPlaneAddr())

	slog.Info("Starting delegated speed test",
		"proxies", len(d.session.Proxies),
		"dataPlane", d.forwarder.DataPlaneAddr())

	outcomes := make([]models.Outcome, len(d.session.Proxies))
	for i := range d.session.Proxies {
		p := &d.session.Proxies[i]

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcomes[i] = d.testOne(ctx, conn, p)
		if d.progress != nil {
			d.progress(outcomes[i])
		}
	}

	slog.Info("Delegated speed test completed", "proxies", len(outcomes))
	return outcomes, nil
}

func (d *Delegated) testOne(ctx context.Context, conn connector.Connector, p *models.Proxy) models.Outcome {
	if err := d.forwarder.SwitchProxy(ctx, p.Name); err != nil {
		slog.Warn("Proxy switch failed", "proxy", p.Name, "error", err)
		return models.Failed(p, err)
	}

	select {
	case <-time.After(d.settle):
	case <-ctx.Done():
		return models.Failed(p, ctx.Err())
	}

	return runPipeline(ctx, d.session, conn, d.latency, d.bandwidth, p)
}
