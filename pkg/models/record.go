package models

import (
	"time"

	"github.com/uptrace/bun"
)

// OutcomeRecord is the persisted form of an Outcome.
type OutcomeRecord struct {
	bun.BaseModel `bun:"table:outcomes,alias:o"`

	ID        int64     `bun:",pk,autoincrement"`
	SessionID string    `bun:",notnull"`
	Strategy  string    `bun:",notnull"`
	ProxyName string    `bun:",notnull"`
	ProxyType string    `bun:",notnull"`
	Fallback  bool      `bun:",notnull,default:false"`
	Time      time.Time `bun:",notnull"`

	LatencyMs  int64
	JitterMs   int64
	PacketLoss float64

	DownloadBytes int64
	DownloadSpeed float64
	UploadBytes   int64
	UploadSpeed   float64

	EgressIP      string
	EgressCountry string
	EgressOrg     string

	ErrorMsg string

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// NewOutcomeRecord flattens an Outcome for storage.
func NewOutcomeRecord(sessionID string, strategy Strategy, o *Outcome) *OutcomeRecord {
	r := &OutcomeRecord{
		SessionID: sessionID,
		Strategy:  string(strategy),
		ProxyName: o.ProxyName,
		ProxyType: string(o.ProxyType),
		Fallback:  o.DirectFallback,
		Time:      o.Timestamp,
	}
	if o.Latency != nil {
		r.LatencyMs = o.Latency.Avg.Milliseconds()
		r.JitterMs = o.Latency.Jitter.Milliseconds()
		r.PacketLoss = o.Latency.PacketLoss
	}
	if o.Download != nil {
		r.DownloadBytes = o.Download.Bytes
		r.DownloadSpeed = o.Download.Speed
	}
	if o.Upload != nil {
		r.UploadBytes = o.Upload.Bytes
		r.UploadSpeed = o.Upload.Speed
	}
	if o.Egress != nil {
		r.EgressIP = o.Egress.IP
		r.EgressCountry = o.Egress.Country
		r.EgressOrg = o.Egress.Org
	}
	if o.Err != nil {
		r.ErrorMsg = o.Err.Error()
	}
	return r
}
