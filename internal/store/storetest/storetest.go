// Package storetest provides in-memory store.Store fakes for tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agsys/rigpanel/internal/store"
)

// SetCall records one Set issued against a fake
type SetCall struct {
	Path  string
	Value any
}

// Memory resolves every call immediately from an in-memory map.
// Paths with a configured error fail with that error.
type Memory struct {
	mu     sync.Mutex
	values map[string]store.Value
	errs   map[string]error
	sets   []SetCall
	gets   []string
}

// NewMemory creates an empty fake
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]store.Value),
		errs:   make(map[string]error),
	}
}

// Put stores raw JSON at path
func (m *Memory) Put(path, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = store.Value(raw)
	delete(m.errs, path)
}

// Delete removes path so that Get reports not found
func (m *Memory) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, path)
	delete(m.errs, path)
}

// Fail makes every call on path return err
func (m *Memory) Fail(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[path] = err
}

func (m *Memory) Get(ctx context.Context, path string) (store.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, path)
	if err, ok := m.errs[path]; ok {
		return nil, err
	}
	v, ok := m.values[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = append(m.sets, SetCall{Path: path, Value: value})
	if err, ok := m.errs[path]; ok {
		return err
	}
	v, err := store.Encode(value)
	if err != nil {
		return err
	}
	m.values[path] = v
	return nil
}

// Sets returns the Set calls seen so far
func (m *Memory) Sets() []SetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SetCall, len(m.sets))
	copy(out, m.sets)
	return out
}

// Gets returns the paths read so far
func (m *Memory) Gets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.gets))
	copy(out, m.gets)
	return out
}

// Call is a store call held open by Pending until the test resolves it
type Call struct {
	Path  string
	Value any
	done  chan outcome
}

type outcome struct {
	value store.Value
	err   error
}

// Resolve completes a Get call with raw JSON
func (c *Call) Resolve(raw string) {
	c.done <- outcome{value: store.Value(raw)}
}

// Fail completes the call with err
func (c *Call) Fail(err error) {
	c.done <- outcome{err: err}
}

// Pending holds every call open until the test resolves it, so tests can
// choose completion order.
type Pending struct {
	mu     sync.Mutex
	calls  []*Call
	notify chan struct{}
}

// NewPending creates a Pending fake
func NewPending() *Pending {
	return &Pending{notify: make(chan struct{}, 1)}
}

func (p *Pending) Get(ctx context.Context, path string) (store.Value, error) {
	return p.wait(ctx, p.add(path, nil))
}

func (p *Pending) Set(ctx context.Context, path string, value any) error {
	_, err := p.wait(ctx, p.add(path, value))
	return err
}

func (p *Pending) add(path string, value any) *Call {
	c := &Call{Path: path, Value: value, done: make(chan outcome, 1)}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return c
}

func (p *Pending) wait(ctx context.Context, c *Call) (store.Value, error) {
	select {
	case o := <-c.done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await removes and returns the oldest outstanding call on path, failing
// the test if none arrives within two seconds.
func (p *Pending) Await(t testing.TB, path string) *Call {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c := p.take(path); c != nil {
			return c
		}
		select {
		case <-p.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("Timed out waiting for call on %s", path)
			return nil
		}
	}
}

// Outstanding returns the number of calls on path not yet awaited
func (p *Pending) Outstanding(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Path == path {
			n++
		}
	}
	return n
}

func (p *Pending) take(path string) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.calls {
		if c.Path == path {
			p.calls = append(p.calls[:i], p.calls[i+1:]...)
			return c
		}
	}
	return nil
}
