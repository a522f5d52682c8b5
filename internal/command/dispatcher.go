// Package command writes user intents to the store as single
// fire-and-forget key-path writes.
package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/store"
)

// Config maps each command kind to its store path
type Config struct {
	ThresholdPath string
	PumpPath      string
	ServoPath     string
	Timeout       time.Duration // per-write timeout, 0 for none
}

// DefaultConfig returns the standard rig paths
func DefaultConfig() Config {
	return Config{
		ThresholdPath: store.PathMoistureThreshold,
		PumpPath:      store.PathPumpState,
		ServoPath:     store.PathServoPos,
	}
}

// ErrClosed is returned by Dispatch once the dispatcher is closed
var ErrClosed = errors.New("command dispatcher closed")

// Publisher receives command outcomes
type Publisher interface {
	Publish(notice.Notice)
}

// Dispatcher issues one Set per command. Writes are never retried,
// de-duplicated or ordered relative to each other.
type Dispatcher struct {
	store  store.Store
	config Config
	pub    Publisher

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher. pub may be nil.
func New(s store.Store, config Config, pub Publisher) *Dispatcher {
	return &Dispatcher{store: s, config: config, pub: pub}
}

// Path returns the store path written for c
func (d *Dispatcher) Path(c rig.Command) (string, error) {
	switch c.Kind {
	case rig.KindMoistureThreshold:
		return d.config.ThresholdPath, nil
	case rig.KindPumpState:
		return d.config.PumpPath, nil
	case rig.KindServoPosition:
		return d.config.ServoPath, nil
	}
	return "", fmt.Errorf("unknown command kind %q", c.Kind)
}

// Apply validates c, writes it and publishes the outcome. It blocks until
// the store acknowledges or fails the write.
func (d *Dispatcher) Apply(ctx context.Context, c rig.Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	path, err := d.Path(c)
	if err != nil {
		return err
	}

	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	if err := d.store.Set(ctx, path, c.Value()); err != nil {
		log.Printf("Failed to apply %s to %s: %v", c, path, err)
		d.publish(notice.Failed(c, err))
		return fmt.Errorf("set %s: %w", path, err)
	}

	d.publish(notice.Applied(c))
	return nil
}

// Dispatch validates c and writes it in the background. Only validation
// errors and ErrClosed are returned; the write outcome arrives as a notice.
func (d *Dispatcher) Dispatch(ctx context.Context, c rig.Command) error {
	if err := c.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.Apply(ctx, c)
	}()
	return nil
}

// Wait blocks until every dispatched write has resolved
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting new commands and waits for pending writes
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) publish(n notice.Notice) {
	if d.pub != nil {
		d.pub.Publish(n)
	}
}
