package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"proxy-speedtest/pkg/connector"
)

// speedServer fakes the measurement endpoint. failFunc decides, per
// download request, whether to reject it; it sees the requested size
// and how many times that size has been requested so far.
func speedServer(t *testing.T, failFunc func(size int64, attempt int) bool) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	attempts := map[int64]int{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/__down":
			size, _ := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)

			mu.Lock()
			attempts[size]++
			n := attempts[size]
			mu.Unlock()

			if failFunc != nil && failFunc(size, n) {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
			io.CopyN(w, newZeroReader(size), size)
		case "/__up":
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func acquireFrom(srv *httptest.Server) AcquireFunc {
	return func(ctx context.Context) (*connector.Channel, error) {
		return &connector.Channel{Client: srv.Client(), Mode: connector.ModeFallbackDirect}, nil
	}
}

func fastProbe(url string) *BandwidthProbe {
	p := NewBandwidthProbe(url, 5*time.Second, 5*time.Second)
	p.backoff = time.Millisecond
	return p
}

func TestBandwidthAllChunksSucceed(t *testing.T) {
	srv := speedServer(t, nil)
	defer srv.Close()

	const size = int64(256 * 1024)
	p := fastProbe(srv.URL)
	m, err := p.Run(context.Background(), acquireFrom(srv), Download, size, 4)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if m.Bytes != size {
		t.Errorf("Bytes = %d, want %d", m.Bytes, size)
	}
	if m.Speed <= 0 {
		t.Errorf("Speed = %v, want > 0", m.Speed)
	}
	if len(m.Chunks) != 4 {
		t.Errorf("got %d chunks, want 4", len(m.Chunks))
	}
	for _, c := range m.Chunks {
		if c.Err != nil {
			t.Errorf("chunk %d unexpectedly failed: %v", c.Index, c.Err)
		}
		if c.Attempts != 1 {
			t.Errorf("chunk %d took %d attempts, want 1", c.Index, c.Attempts)
		}
	}
}

func TestBandwidthOneChunkPermanentlyFails(t *testing.T) {
	// Odd total size gives the last chunk a distinct size, which the
	// fake server rejects on every attempt.
	const size = int64(200_001)
	const failingChunkSize = int64(100_001)

	srv := speedServer(t, func(sz int64, _ int) bool { return sz == failingChunkSize })
	defer srv.Close()

	p := fastProbe(srv.URL)
	m, err := p.Run(context.Background(), acquireFrom(srv), Download, size, 2)
	if err != nil {
		t.Fatalf("Run() error = %v, partial chunk failure must not fail the test", err)
	}

	if m.Bytes != 100_000 {
		t.Errorf("Bytes = %d, want 100000 (failed chunk contributes nothing)", m.Bytes)
	}
	if m.Speed <= 0 {
		t.Errorf("Speed = %v, want > 0", m.Speed)
	}

	var chunkErr *ChunkError
	if !errors.As(m.Chunks[1].Err, &chunkErr) {
		t.Fatalf("chunk 1 error = %v, want *ChunkError", m.Chunks[1].Err)
	}
	if chunkErr.Attempts != chunkRetries {
		t.Errorf("chunk 1 attempts = %d, want %d", chunkErr.Attempts, chunkRetries)
	}
	if m.Chunks[1].Bytes != 0 {
		t.Errorf("failed chunk credited %d bytes, want 0", m.Chunks[1].Bytes)
	}
}

func TestBandwidthAllChunksFail(t *testing.T) {
	srv := speedServer(t, func(int64, int) bool { return true })
	defer srv.Close()

	p := fastProbe(srv.URL)
	_, err := p.Run(context.Background(), acquireFrom(srv), Download, 200_000, 2)
	if !errors.Is(err, ErrAllChunksFailed) {
		t.Fatalf("Run() error = %v, want ErrAllChunksFailed", err)
	}
}

func TestBandwidthChunkRetryThenSucceed(t *testing.T) {
	// First attempt for every size fails, the retry succeeds.
	srv := speedServer(t, func(_ int64, attempt int) bool { return attempt == 1 })
	defer srv.Close()

	const size = int64(64 * 1024)
	p := fastProbe(srv.URL)
	m, err := p.Run(context.Background(), acquireFrom(srv), Download, size, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if m.Bytes != size {
		t.Errorf("Bytes = %d, want %d", m.Bytes, size)
	}
	if m.Chunks[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", m.Chunks[0].Attempts)
	}
}

func TestBandwidthUpload(t *testing.T) {
	srv := speedServer(t, nil)
	defer srv.Close()

	const size = int64(128 * 1024)
	p := fastProbe(srv.URL)
	m, err := p.Run(context.Background(), acquireFrom(srv), Upload, size, 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if m.Bytes != size {
		t.Errorf("Bytes = %d, want %d", m.Bytes, size)
	}
	if m.Speed <= 0 {
		t.Errorf("Speed = %v, want > 0", m.Speed)
	}
}

func TestBandwidthAcquireFailureRetries(t *testing.T) {
	srv := speedServer(t, nil)
	defer srv.Close()

	failures := 0
	acquire := func(ctx context.Context) (*connector.Channel, error) {
		if failures < 1 {
			failures++
			return nil, errors.New("simulated connect failure")
		}
		return &connector.Channel{Client: srv.Client(), Mode: connector.ModeFallbackDirect}, nil
	}

	p := fastProbe(srv.URL)
	m, err := p.Run(context.Background(), acquire, Download, 64*1024, 1)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if m.Chunks[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (channel re-acquired per attempt)", m.Chunks[0].Attempts)
	}
}

func TestZeroReader(t *testing.T) {
	z := newZeroReader(100)
	buf := make([]byte, 64)

	n, err := z.Read(buf)
	if n != 64 || err != nil {
		t.Fatalf("first Read() = %d, %v, want 64, nil", n, err)
	}
	n, err = z.Read(buf)
	if n != 36 || err != nil {
		t.Fatalf("second Read() = %d, %v, want 36, nil", n, err)
	}
	if _, err = z.Read(buf); err != io.EOF {
		t.Fatalf("third Read() err = %v, want io.EOF", err)
	}
}
