// Package liveness derives the rig's ON/OFF state from its heartbeat.
package liveness

import (
	"context"
	"time"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
)

// Config holds heartbeat lookup settings
type Config struct {
	Path   string        // heartbeat path, epoch seconds
	Window time.Duration // maximum heartbeat age reported as ON
}

// DefaultConfig returns the standard heartbeat settings
func DefaultConfig() Config {
	return Config{
		Path:   store.PathLastSeen,
		Window: rig.DefaultLivenessWindow,
	}
}

// Result is the raw heartbeat lookup. Err is set for not found, parse
// failures and transport failures alike; all of them yield OFF.
type Result struct {
	LastSeen *int64
	Err      error
}

// Monitor reads the heartbeat through a shared store client
type Monitor struct {
	store  store.Store
	config Config
}

// New creates a monitor
func New(s store.Store, config Config) *Monitor {
	if config.Window <= 0 {
		config.Window = rig.DefaultLivenessWindow
	}
	return &Monitor{store: s, config: config}
}

// Fetch reads the heartbeat. It blocks until the store call resolves.
func (m *Monitor) Fetch(ctx context.Context) Result {
	v, err := m.store.Get(ctx, m.config.Path)
	if err != nil {
		return Result{Err: err}
	}
	n, err := v.Int()
	if err != nil {
		return Result{Err: err}
	}
	return Result{LastSeen: &n}
}

// Verdict evaluates r as of now. Call it when the result is processed,
// not when the request was issued.
func (m *Monitor) Verdict(r Result, now time.Time) rig.LivenessVerdict {
	if r.Err != nil {
		return rig.Evaluate(nil, now.Unix(), m.config.Window)
	}
	return rig.Evaluate(r.LastSeen, now.Unix(), m.config.Window)
}

// Notice evaluates r as of now and wraps the verdict in a notice
func (m *Monitor) Notice(r Result, now time.Time) notice.Notice {
	return notice.Liveness(m.Verdict(r, now), r.Err)
}

// Check performs one synchronous lookup and evaluation
func (m *Monitor) Check(ctx context.Context, now func() time.Time) (rig.LivenessVerdict, error) {
	r := m.Fetch(ctx)
	return m.Verdict(r, now()), r.Err
}
