package orchestrator

import (
	"fmt"
	"time"

	"proxy-speedtest/pkg/models"
)

// Verdict is the result of applying the session's threshold filters to
// one outcome. Filtering is a reporting concern: the unfiltered outcome
// set is always retained alongside these verdicts.
type Verdict struct {
	ProxyName string
	Pass      bool
	Reasons   []string
}

// ApplyFilters evaluates the session's latency and speed thresholds
// against each outcome, in order. Speed thresholds are not applied in
// fast mode, which never measures bandwidth.
func ApplyFilters(session *models.Session, outcomes []models.Outcome) []Verdict {
	verdicts := make([]Verdict, len(outcomes))

	for i := range outcomes {
		o := &outcomes[i]
		v := Verdict{ProxyName: o.ProxyName, Pass: true}

		if o.Err != nil {
			v.Pass = false
			v.Reasons = append(v.Reasons, fmt.Sprintf("test failed: %v", o.Err))
			verdicts[i] = v
			continue
		}

		if session.MaxLatency > 0 && o.Latency != nil && o.Latency.Avg > session.MaxLatency {
			v.Pass = false
			v.Reasons = append(v.Reasons, fmt.Sprintf("latency %s above limit %s",
				o.Latency.Avg.Round(time.Millisecond), session.MaxLatency))
		}

		if !session.FastMode {
			if session.MinDownloadSpeed > 0 && o.DownloadSpeed() < session.MinDownloadSpeed {
				v.Pass = false
				v.Reasons = append(v.Reasons, fmt.Sprintf("download %.2f MB/s below limit %.2f MB/s",
					o.DownloadSpeed()/(1024*1024), session.MinDownloadSpeed/(1024*1024)))
			}
			if session.MinUploadSpeed > 0 && o.UploadSpeed() < session.MinUploadSpeed {
				v.Pass = false
				v.Reasons = append(v.Reasons, fmt.Sprintf("upload %.2f MB/s below limit %.2f MB/s",
					o.UploadSpeed()/(1024*1024), session.MinUploadSpeed/(1024*1024)))
			}
		}

		verdicts[i] = v
	}

	return verdicts
}
