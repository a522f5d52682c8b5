// Package sink forwards engine and command notices to external systems.
// Each sink runs on its own bus subscription behind its own circuit
// breaker, so a slow or failing sink never holds up the others.
package sink

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agsys/rigpanel/internal/notice"
)

// Sink publishes notices to one external system
type Sink interface {
	Name() string
	Publish(ctx context.Context, n notice.Notice) error
	Close() error
}

// Observer receives breaker state changes and publish failures
type Observer interface {
	SetSinkState(sink string, state int)
	SinkError(sink string)
}

// Config holds breaker and timeout settings shared by all sinks
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	PublishTimeout   time.Duration
}

// DefaultConfig returns default sink settings
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		PublishTimeout:   5 * time.Second,
	}
}

// Fanout runs one worker per sink
type Fanout struct {
	config  Config
	obs     Observer
	workers []*worker
	wg      sync.WaitGroup
}

type worker struct {
	sink    Sink
	cb      *gobreaker.CircuitBreaker
	sub     *notice.Subscription
	timeout time.Duration
	obs     Observer
}

// NewFanout creates an empty fanout. obs may be nil.
func NewFanout(config Config, obs Observer) *Fanout {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &Fanout{config: config, obs: obs}
}

// Add registers a sink. Call before Start.
func (f *Fanout) Add(s Sink) {
	f.workers = append(f.workers, &worker{
		sink:    s,
		cb:      f.newBreaker(s.Name()),
		timeout: f.config.PublishTimeout,
		obs:     f.obs,
	})
}

// Len returns the number of registered sinks
func (f *Fanout) Len() int {
	return len(f.workers)
}

// newBreaker builds the per-sink breaker
func (f *Fanout) newBreaker(name string) *gobreaker.CircuitBreaker {
	fails := f.config.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: f.config.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= fails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Sink %s breaker %s -> %s", name, from, to)
			if f.obs != nil {
				f.obs.SetSinkState(name, int(to))
			}
		},
	})
}

// Start subscribes every sink to bus and begins forwarding
func (f *Fanout) Start(ctx context.Context, bus *notice.Bus) {
	for _, w := range f.workers {
		w.sub = bus.Subscribe("sink:" + w.sink.Name())
		if f.obs != nil {
			f.obs.SetSinkState(w.sink.Name(), int(gobreaker.StateClosed))
		}
		f.wg.Add(1)
		go f.run(ctx, w)
	}
	if len(f.workers) > 0 {
		log.Printf("Started %d notice sinks", len(f.workers))
	}
}

// Stop unsubscribes, waits for queued notices to drain and closes sinks
func (f *Fanout) Stop() error {
	for _, w := range f.workers {
		if w.sub != nil {
			w.sub.Close()
		}
	}
	f.wg.Wait()

	var errs []error
	for _, w := range f.workers {
		if err := w.sink.Close(); err != nil {
			log.Printf("Error closing sink %s: %v", w.sink.Name(), err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) run(ctx context.Context, w *worker) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-w.sub.C:
			if !ok {
				return
			}
			if err := w.publish(ctx, n); err != nil && !errors.Is(err, gobreaker.ErrOpenState) {
				log.Printf("Failed to publish %s to %s: %v", n.Kind, w.sink.Name(), err)
			}
		}
	}
}

// publish sends one notice through the breaker
func (w *worker) publish(ctx context.Context, n notice.Notice) error {
	_, err := w.cb.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return nil, w.sink.Publish(pctx, n)
	})
	if err != nil && w.obs != nil {
		w.obs.SinkError(w.sink.Name())
	}
	return err
}
