// Package telemetry accumulates per-sync counters in the shape of the
// sync ping: one Engine per synced collection, rolled up into a
// SyncTelemetryPing per session.
package telemetry

import (
	"encoding/json"
	"time"
)

// EngineIncoming counts what happened to fetched records.
type EngineIncoming struct {
	Applied    uint32 `json:"applied,omitempty"`
	Failed     uint32 `json:"failed,omitempty"`
	NewFailed  uint32 `json:"newFailed,omitempty"`
	Reconciled uint32 `json:"reconciled,omitempty"`
}

// IsEmpty reports whether nothing was recorded.
func (i EngineIncoming) IsEmpty() bool { return i == EngineIncoming{} }

// ApplyCount adds n applied records.
func (i *EngineIncoming) ApplyCount(n uint32) { i.Applied += n }

// FailCount adds n records that failed to apply.
func (i *EngineIncoming) FailCount(n uint32) { i.Failed += n }

// ReconcileCount adds n records merged with local changes.
func (i *EngineIncoming) ReconcileCount(n uint32) { i.Reconciled += n }

// EngineOutgoing counts one upload attempt.
type EngineOutgoing struct {
	Sent   int `json:"sent,omitempty"`
	Failed int `json:"failed,omitempty"`
}

// Failure is a JSON-ready reason for a failed engine or sync.
type Failure struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// Engine is the telemetry for syncing one collection.
type Engine struct {
	Name          string           `json:"name"`
	When          float64          `json:"when,omitempty"`
	Took          int64            `json:"took,omitempty"`
	Incoming      *EngineIncoming  `json:"incoming,omitempty"`
	Outgoing      []EngineOutgoing `json:"outgoing,omitempty"`
	FailureReason *Failure         `json:"failureReason,omitempty"`

	started time.Time
}

// NewEngine starts the clock for one collection's sync.
func NewEngine(name string) *Engine {
	now := time.Now()
	return &Engine{
		Name:    name,
		When:    float64(now.UnixMilli()) / 1000.0,
		started: now,
	}
}

// RecordIncoming folds one fetch's counters in.
func (e *Engine) RecordIncoming(inc EngineIncoming) {
	if inc.IsEmpty() {
		return
	}
	if e.Incoming == nil {
		e.Incoming = &EngineIncoming{}
	}
	e.Incoming.Applied += inc.Applied
	e.Incoming.Failed += inc.Failed
	e.Incoming.NewFailed += inc.NewFailed
	e.Incoming.Reconciled += inc.Reconciled
}

// RecordOutgoing appends one upload attempt.
func (e *Engine) RecordOutgoing(out EngineOutgoing) {
	e.Outgoing = append(e.Outgoing, out)
}

// RecordFailure notes the first failure; later ones are dropped.
func (e *Engine) RecordFailure(f Failure) {
	if e.FailureReason == nil {
		e.FailureReason = &f
	}
}

// Finished stamps the engine's duration.
func (e *Engine) Finished() {
	e.Took = time.Since(e.started).Milliseconds()
}

// SyncTelemetry is one whole-session record: every engine synced plus any
// session-level failure.
type SyncTelemetry struct {
	When          float64   `json:"when,omitempty"`
	Took          int64     `json:"took,omitempty"`
	Engines       []*Engine `json:"engines,omitempty"`
	FailureReason *Failure  `json:"failureReason,omitempty"`

	started time.Time
}

// NewSyncTelemetry starts the clock for a session.
func NewSyncTelemetry() *SyncTelemetry {
	now := time.Now()
	return &SyncTelemetry{
		When:    float64(now.UnixMilli()) / 1000.0,
		started: now,
	}
}

// AddEngine records one finished engine.
func (s *SyncTelemetry) AddEngine(e *Engine) {
	e.Finished()
	s.Engines = append(s.Engines, e)
}

// RecordFailure notes the first session-level failure.
func (s *SyncTelemetry) RecordFailure(f Failure) {
	if s.FailureReason == nil {
		s.FailureReason = &f
	}
}

// Finished stamps the session duration.
func (s *SyncTelemetry) Finished() {
	s.Took = time.Since(s.started).Milliseconds()
}

// SyncTelemetryPing is the submission unit: a batch of sync sessions for
// one (hashed) user.
type SyncTelemetryPing struct {
	Version int              `json:"version"`
	UID     string           `json:"uid,omitempty"`
	Syncs   []*SyncTelemetry `json:"syncs,omitempty"`
}

// NewSyncTelemetryPing returns an empty v1 ping.
func NewSyncTelemetryPing() *SyncTelemetryPing {
	return &SyncTelemetryPing{Version: 1}
}

// SetUID records the hashed user id the ping belongs to.
func (p *SyncTelemetryPing) SetUID(uid string) { p.UID = uid }

// AddSync appends one finished session.
func (p *SyncTelemetryPing) AddSync(s *SyncTelemetry) {
	s.Finished()
	p.Syncs = append(p.Syncs, s)
}

// String renders the ping as JSON for logging or submission.
func (p *SyncTelemetryPing) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}
