package models

import (
	"strings"
	"time"
)

// LatencyMeasurement is the result of one latency probe invocation.
// Avg/Min/Max and Jitter are computed over successful samples only;
// they are zero when Successful is zero, in which case the probe
// reports an error instead of a measurement.
//
// Jitter is the mean absolute difference between temporally consecutive
// successful samples. Both testing strategies use this formula.
type LatencyMeasurement struct {
	Avg        time.Duration
	Min        time.Duration
	Max        time.Duration
	Jitter     time.Duration
	PacketLoss float64
	Successful int
	Total      int
}

// ChunkOutcome records the fate of one bandwidth chunk.
type ChunkOutcome struct {
	Index    int
	Bytes    int64
	Attempts int
	Err      error
}

// BandwidthMeasurement is the result of one bandwidth probe invocation.
// Bytes counts only chunks that fully completed; Speed is Bytes divided
// by the wall-clock duration of the whole concurrent operation.
type BandwidthMeasurement struct {
	Bytes    int64
	Duration time.Duration
	Speed    float64
	Chunks   []ChunkOutcome
}

// EgressInfo describes the exit point the measurement traffic left
// from, as seen by an external lookup service.
type EgressInfo struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
}

// ASN splits the lookup service's "org" field into an AS number and
// organization name where possible.
func (e *EgressInfo) ASN() (number, org string) {
	parts := strings.SplitN(e.Org, " ", 2)
	if len(parts) == 2 && strings.HasPrefix(parts[0], "AS") {
		return strings.TrimPrefix(parts[0], "AS"), parts[1]
	}
	return "", e.Org
}

// Outcome is the per-proxy result of a speed test session.
//
// Invariant: Err is non-nil iff no numeric measurement is present.
// A failed proxy never carries partial latency or bandwidth figures.
type Outcome struct {
	ProxyName string
	ProxyType ProxyType
	// DirectFallback marks outcomes measured over a baseline direct
	// connection because the protocol has no native handshake support
	// and no forwarder was in play. Such numbers do not reflect the
	// proxy itself.
	DirectFallback bool

	Latency  *LatencyMeasurement
	Download *BandwidthMeasurement
	Upload   *BandwidthMeasurement

	// Egress is filled only when the session asks for egress resolution
	// and the lookup succeeded. A lookup failure never fails the proxy.
	Egress *EgressInfo

	Err       error
	Timestamp time.Time
}

// Failed builds an error outcome with no numeric fields.
func Failed(p *Proxy, err error) Outcome {
	return Outcome{
		ProxyName: p.Name,
		ProxyType: p.Type,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// OK reports whether the outcome carries at least a latency measurement
// and no error.
func (o *Outcome) OK() bool {
	return o.Err == nil && o.Latency != nil
}

// DownloadSpeed returns the download speed in bytes per second, zero if
// the download test did not run or failed.
func (o *Outcome) DownloadSpeed() float64 {
	if o.Download == nil {
		return 0
	}
	return o.Download.Speed
}

// UploadSpeed returns the upload speed in bytes per second, zero if the
// upload test did not run or failed.
func (o *Outcome) UploadSpeed() float64 {
	if o.Upload == nil {
		return 0
	}
	return o.Upload.Speed
}
