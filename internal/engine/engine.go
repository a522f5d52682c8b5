// Package engine keeps the panel's view of the rig in sync with the store,
// polling telemetry and the heartbeat on independent schedules.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agsys/rigpanel/internal/liveness"
	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/telemetry"
)

// Config holds engine configuration
type Config struct {
	TelemetryInterval time.Duration
	LivenessInterval  time.Duration
	CallTimeout       time.Duration // per store call, 0 lets a hung call never resolve
	Debug             bool
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		TelemetryInterval: 5 * time.Second,
		LivenessInterval:  5 * time.Second,
	}
}

// Publisher receives the engine's notices
type Publisher interface {
	Publish(notice.Notice)
}

// ticker abstracts time.Ticker for tests
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// run is the state of one Start..Stop cycle. Completions are delivered to
// the run that issued them, so nothing from an old run reaches a new one.
type run struct {
	gen     uint64
	ctx     context.Context // cancelled by Stop
	cancel  context.CancelFunc
	calls   context.Context // parent of store calls, not cancelled by Stop
	results chan completion
}

// completion is one resolved store call
type completion struct {
	telemetry *telemetry.Result
	liveness  *liveness.Result
}

// Engine owns the snapshot and the two poll schedules
type Engine struct {
	config    Config
	telemetry *telemetry.Poller
	liveness  *liveness.Monitor
	pub       Publisher

	now       func() time.Time
	newTicker func(time.Duration) ticker

	mu       sync.RWMutex
	snapshot rig.Snapshot

	lifecycle sync.Mutex
	current   *run
	gen       uint64
	wg        sync.WaitGroup
}

// New creates a new engine instance
func New(config Config, poller *telemetry.Poller, monitor *liveness.Monitor, pub Publisher) *Engine {
	if config.TelemetryInterval <= 0 {
		config.TelemetryInterval = DefaultConfig().TelemetryInterval
	}
	if config.LivenessInterval <= 0 {
		config.LivenessInterval = DefaultConfig().LivenessInterval
	}
	return &Engine{
		config:    config,
		telemetry: poller,
		liveness:  monitor,
		pub:       pub,
		now:       time.Now,
		newTicker: func(d time.Duration) ticker { return realTicker{time.NewTicker(d)} },
	}
}

// Start starts both schedules and fires their first tick immediately.
// Calling Start on a running engine does nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.current != nil {
		if e.current.ctx.Err() == nil {
			return nil
		}
		// The parent context ended; reap the old loop before restarting.
		e.current.cancel()
		e.wg.Wait()
	}

	e.gen++
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		gen:     e.gen,
		ctx:     runCtx,
		cancel:  cancel,
		calls:   ctx,
		results: make(chan completion),
	}
	e.current = r

	tel := e.newTicker(e.config.TelemetryInterval)
	live := e.newTicker(e.config.LivenessInterval)

	e.wg.Add(1)
	go e.loop(r, tel, live)

	log.Printf("Engine started (telemetry every %v, liveness every %v)",
		e.config.TelemetryInterval, e.config.LivenessInterval)
	return nil
}

// Stop stops both schedules. Calls still in flight may complete but their
// results are discarded. Calling Stop on a stopped engine does nothing.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.current == nil {
		return nil
	}
	e.current.cancel()
	e.current = nil
	e.wg.Wait()

	log.Println("Engine stopped")
	return nil
}

// Running reports whether the schedules are active
func (e *Engine) Running() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.current != nil && e.current.ctx.Err() == nil
}

// Snapshot returns a copy of the latest known rig state
func (e *Engine) Snapshot() rig.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// loop is the single owner of the snapshot. It drives both tickers and
// applies completions in the order they arrive.
func (e *Engine) loop(r *run, tel, live ticker) {
	defer e.wg.Done()
	defer tel.Stop()
	defer live.Stop()

	e.pollTelemetry(r)
	e.pollLiveness(r)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-tel.C():
			e.pollTelemetry(r)
		case <-live.C():
			e.pollLiveness(r)
		case c := <-r.results:
			e.apply(r, c)
		}
	}
}

// pollTelemetry issues one fetch per sensor without waiting for either
func (e *Engine) pollTelemetry(r *run) {
	e.debugf("Telemetry tick (run %d)", r.gen)
	for _, id := range rig.Sensors {
		go func(id rig.SensorID) {
			ctx, cancel := e.callContext(r)
			defer cancel()
			res := e.telemetry.Fetch(ctx, id)
			e.deliver(r, completion{telemetry: &res})
		}(id)
	}
}

// pollLiveness issues one heartbeat fetch without waiting for it
func (e *Engine) pollLiveness(r *run) {
	e.debugf("Liveness tick (run %d)", r.gen)
	go func() {
		ctx, cancel := e.callContext(r)
		defer cancel()
		res := e.liveness.Fetch(ctx)
		e.deliver(r, completion{liveness: &res})
	}()
}

func (e *Engine) callContext(r *run) (context.Context, context.CancelFunc) {
	if e.config.CallTimeout > 0 {
		return context.WithTimeout(r.calls, e.config.CallTimeout)
	}
	return context.WithCancel(r.calls)
}

// deliver hands a completion to the loop, or drops it once the run is over
func (e *Engine) deliver(r *run, c completion) {
	select {
	case r.results <- c:
	case <-r.ctx.Done():
		e.debugf("Discarding completion from stopped run %d", r.gen)
	}
}

// apply mutates the snapshot and emits the notice for one completion
func (e *Engine) apply(r *run, c completion) {
	if r.ctx.Err() != nil {
		return
	}

	var n notice.Notice
	switch {
	case c.telemetry != nil:
		res := c.telemetry
		if res.Outcome == telemetry.Ok {
			e.mu.Lock()
			e.snapshot = e.snapshot.WithReading(res.Reading)
			e.mu.Unlock()
		}
		n = res.Notice()
	case c.liveness != nil:
		n = e.liveness.Notice(*c.liveness, e.now())
		e.mu.Lock()
		e.snapshot = e.snapshot.WithLiveness(*n.Liveness)
		e.mu.Unlock()
	default:
		return
	}

	e.debugf("%s: %s", n.Kind, n.Message())
	if e.pub != nil {
		e.pub.Publish(n)
	}
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.config.Debug {
		log.Printf(format, args...)
	}
}
