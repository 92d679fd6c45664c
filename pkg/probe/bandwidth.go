package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"proxy-speedtest/pkg/connector"
	"proxy-speedtest/pkg/models"
)

// ErrAllChunksFailed signals that a bandwidth test moved zero bytes:
// every chunk exhausted its retry budget.
var ErrAllChunksFailed = errors.New("all bandwidth chunks failed")

// ChunkError marks one chunk that failed all of its attempts. Its bytes
// are never credited to the aggregate, even if an earlier attempt
// streamed part of the body.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Direction selects the transfer direction of a bandwidth test.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

const (
	chunkRetries = 3
	backoffUnit  = 500 * time.Millisecond
)

// AcquireFunc hands the probe a fresh channel. Every chunk attempt gets
// its own channel and buffer; a partially-consumed response is never
// carried into a retry.
type AcquireFunc func(ctx context.Context) (*connector.Channel, error)

// BandwidthProbe measures throughput with a chunked concurrent transfer.
type BandwidthProbe struct {
	serverURL       string
	downloadTimeout time.Duration
	uploadTimeout   time.Duration
	retries         int
	backoff         time.Duration
}

// NewBandwidthProbe configures a probe. The timeouts bound each chunk
// attempt in their direction.
func NewBandwidthProbe(serverURL string, downloadTimeout, uploadTimeout time.Duration) *BandwidthProbe {
	return &BandwidthProbe{
		serverURL:       serverURL,
		downloadTimeout: downloadTimeout,
		uploadTimeout:   uploadTimeout,
		retries:         chunkRetries,
		backoff:         backoffUnit,
	}
}

// Run transfers size bytes split across concurrency chunks. Each chunk
// is retried up to chunkRetries times with a linearly growing delay.
// Partial chunk failure degrades throughput, it does not fail the test;
// only a fully failed transfer returns ErrAllChunksFailed.
func (p *BandwidthProbe) Run(ctx context.Context, acquire AcquireFunc, dir Direction, size int64, concurrency int) (*models.BandwidthMeasurement, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	if size < int64(concurrency) {
		concurrency = 1
	}

	chunkSize := size / int64(concurrency)
	chunks := make([]models.ChunkOutcome, concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()

	for i := 0; i < concurrency; i++ {
		i := i
		n := chunkSize
		if i == concurrency-1 {
			n = size - chunkSize*int64(concurrency-1)
		}

		g.Go(func() error {
			// Each goroutine owns its own slot; chunk failures are
			// recorded there, never propagated, so a failed chunk
			// cannot cancel its siblings.
			chunks[i] = p.runChunk(gctx, acquire, dir, i, n)
			return nil
		})
	}

	_ = g.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var total int64
	failed := 0
	for _, c := range chunks {
		if c.Err != nil {
			failed++
			continue
		}
		total += c.Bytes
	}

	if failed == len(chunks) {
		return nil, fmt.Errorf("%w: %d/%d chunks", ErrAllChunksFailed, failed, len(chunks))
	}

	speed := 0.0
	if elapsed > 0 {
		speed = float64(total) / elapsed.Seconds()
	}

	slog.Debug("Bandwidth transfer completed",
		"direction", dir,
		"bytes", total,
		"duration", elapsed,
		"failedChunks", failed)

	return &models.BandwidthMeasurement{
		Bytes:    total,
		Duration: elapsed,
		Speed:    speed,
		Chunks:   chunks,
	}, nil
}

func (p *BandwidthProbe) runChunk(ctx context.Context, acquire AcquireFunc, dir Direction, index int, size int64) models.ChunkOutcome {
	var lastErr error

	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * p.backoff):
			case <-ctx.Done():
				return models.ChunkOutcome{Index: index, Attempts: attempt - 1,
					Err: &ChunkError{Index: index, Attempts: attempt - 1, Err: ctx.Err()}}
			}
		}

		n, err := p.transferOnce(ctx, acquire, dir, size)
		if err == nil {
			return models.ChunkOutcome{Index: index, Bytes: n, Attempts: attempt}
		}
		lastErr = err
		slog.Debug("Chunk attempt failed",
			"chunk", index, "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	return models.ChunkOutcome{
		Index:    index,
		Attempts: p.retries,
		Err:      &ChunkError{Index: index, Attempts: p.retries, Err: lastErr},
	}
}

// transferOnce performs a single chunk attempt over a channel of its
// own. Bytes only count when the body completes; a mid-stream failure
// credits nothing.
func (p *BandwidthProbe) transferOnce(ctx context.Context, acquire AcquireFunc, dir Direction, size int64) (int64, error) {
	timeout := p.downloadTimeout
	if dir == Upload {
		timeout = p.uploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	switch dir {
	case Upload:
		return p.uploadOnce(ctx, ch, size)
	default:
		return p.downloadOnce(ctx, ch, size)
	}
}

func (p *BandwidthProbe) downloadOnce(ctx context.Context, ch *connector.Channel, size int64) (int64, error) {
	url := fmt.Sprintf("%s/__down?bytes=%d", p.serverURL, size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := ch.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil && n < size {
		return 0, fmt.Errorf("body read failed after %d bytes: %w", n, err)
	}
	// A decode hiccup after the full payload arrived does not discard
	// the bytes already confirmed received.
	return n, nil
}

func (p *BandwidthProbe) uploadOnce(ctx context.Context, ch *connector.Channel, size int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/__up", newZeroReader(size))
	if err != nil {
		return 0, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := ch.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return size, nil
}

// zeroReader streams size zero bytes without allocating the payload.
type zeroReader struct {
	remaining int64
}

func newZeroReader(size int64) *zeroReader {
	return &zeroReader{remaining: size}
}

func (z *zeroReader) Read(buf []byte) (int, error) {
	if z.remaining <= 0 {
		return 0, io.EOF
	}
	n := int64(len(buf))
	if n > z.remaining {
		n = z.remaining
	}
	for i := int64(0); i < n; i++ {
		buf[i] = 0
	}
	z.remaining -= n
	return int(n), nil
}
