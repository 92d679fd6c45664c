package orchestrator

import (
	"errors"
	"testing"
	"time"

	"proxy-speedtest/pkg/models"
)

func TestApplyFilters(t *testing.T) {
	session := models.NewSession(nil, models.StrategyDirect)
	session.MaxLatency = 200 * time.Millisecond
	session.MinDownloadSpeed = 1024 * 1024 // 1 MB/s
	session.MinUploadSpeed = 512 * 1024    // 0.5 MB/s

	good := models.Outcome{
		ProxyName: "good",
		Latency:   &models.LatencyMeasurement{Avg: 80 * time.Millisecond, Successful: 6, Total: 6},
		Download:  &models.BandwidthMeasurement{Speed: 5 * 1024 * 1024},
		Upload:    &models.BandwidthMeasurement{Speed: 2 * 1024 * 1024},
	}
	laggy := models.Outcome{
		ProxyName: "laggy",
		Latency:   &models.LatencyMeasurement{Avg: 900 * time.Millisecond, Successful: 6, Total: 6},
		Download:  &models.BandwidthMeasurement{Speed: 5 * 1024 * 1024},
		Upload:    &models.BandwidthMeasurement{Speed: 2 * 1024 * 1024},
	}
	slow := models.Outcome{
		ProxyName: "slow",
		Latency:   &models.LatencyMeasurement{Avg: 80 * time.Millisecond, Successful: 6, Total: 6},
		Download:  &models.BandwidthMeasurement{Speed: 100 * 1024},
		Upload:    &models.BandwidthMeasurement{Speed: 100 * 1024},
	}
	broken := models.Outcome{
		ProxyName: "broken",
		Err:       errors.New("connect refused"),
	}

	verdicts := ApplyFilters(session, []models.Outcome{good, laggy, slow, broken})

	wantPass := []bool{true, false, false, false}
	for i, want := range wantPass {
		if verdicts[i].Pass != want {
			t.Errorf("verdicts[%d] (%s) Pass = %v, want %v (reasons: %v)",
				i, verdicts[i].ProxyName, verdicts[i].Pass, want, verdicts[i].Reasons)
		}
	}

	// The slow proxy fails both speed checks.
	if len(verdicts[2].Reasons) != 2 {
		t.Errorf("slow proxy reasons = %v, want both speed limits named", verdicts[2].Reasons)
	}
}

func TestApplyFiltersFastModeSkipsSpeed(t *testing.T) {
	session := models.NewSession(nil, models.StrategyDirect)
	session.FastMode = true
	session.MinDownloadSpeed = 1024 * 1024

	// Fast mode never measures bandwidth, so zero speed must not fail
	// the proxy.
	out := models.Outcome{
		ProxyName: "ping-only",
		Latency:   &models.LatencyMeasurement{Avg: 80 * time.Millisecond, Successful: 6, Total: 6},
	}

	verdicts := ApplyFilters(session, []models.Outcome{out})
	if !verdicts[0].Pass {
		t.Errorf("Pass = false in fast mode, reasons: %v", verdicts[0].Reasons)
	}
}

func TestApplyFiltersNoThresholds(t *testing.T) {
	session := models.NewSession(nil, models.StrategyDirect)

	out := models.Outcome{
		ProxyName: "anything",
		Latency:   &models.LatencyMeasurement{Avg: 3 * time.Second, Successful: 1, Total: 6},
	}

	verdicts := ApplyFilters(session, []models.Outcome{out})
	if !verdicts[0].Pass {
		t.Errorf("Pass = false with no thresholds set, reasons: %v", verdicts[0].Reasons)
	}
}
