// Package surfacetest provides an in-memory surface.Surface for tests.
package surfacetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"dex/internal/surface"
)

// Handler answers one op. The returned value is JSON-encoded.
type Handler func(args []any) (any, error)

// Fake is a scripted surface. Time is virtual: Sleep advances Now without
// blocking.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	visible   bool
	handlers  map[surface.OpName]Handler
	fetches   map[string]Handler
	patterns  map[string]string
	captured  map[string]surface.Capture
	onCapture func(surface.Capture)

	Navigations []string
	Invocations []surface.Op
	Reveals     int
	Hides       int
	Slept       time.Duration
}

// New returns a hidden fake whose clock starts at the Unix epoch.
func New() *Fake {
	return &Fake{
		now:      time.Unix(0, 0).UTC(),
		handlers: make(map[surface.OpName]Handler),
		fetches:  make(map[string]Handler),
		patterns: make(map[string]string),
		captured: make(map[string]surface.Capture),
	}
}

// Handle installs h for op.
func (f *Fake) Handle(op surface.OpName, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = h
	return f
}

// Value makes op always return v.
func (f *Fake) Value(op surface.OpName, v any) *Fake {
	return f.Handle(op, func([]any) (any, error) { return v, nil })
}

// Route answers OpFetch requests whose URL contains substr. Routes are
// matched before a generic OpFetch handler.
func (f *Fake) Route(substr string, h func(req surface.FetchRequest) (surface.FetchResponse, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[substr] = func(args []any) (any, error) {
		req, _ := args[0].(surface.FetchRequest)
		return h(req)
	}
	return f
}

// OnCapture registers the notification hook used by Deliver.
func (f *Fake) OnCapture(fn func(surface.Capture)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCapture = fn
}

// Deliver simulates a network response arriving for url.
func (f *Fake) Deliver(url string, body []byte) {
	f.mu.Lock()
	var hits []surface.Capture
	for key, pattern := range f.patterns {
		if strings.Contains(url, pattern) {
			c := surface.Capture{Key: key, URL: url, Body: body, At: f.now}
			f.captured[key] = c
			hits = append(hits, c)
		}
	}
	notify := f.onCapture
	f.mu.Unlock()

	if notify != nil {
		for _, c := range hits {
			notify(c)
		}
	}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.Slept += d
	return nil
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Navigations = append(f.Navigations, url)
	return nil
}

func (f *Fake) Invoke(ctx context.Context, op surface.Op) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Invocations = append(f.Invocations, op)
	h, ok := f.handlers[op.Name]
	if op.Name == surface.OpFetch && len(op.Args) == 1 {
		if req, isReq := op.Args[0].(surface.FetchRequest); isReq {
			for substr, rh := range f.fetches {
				if strings.Contains(req.URL, substr) {
					h, ok = rh, true
					break
				}
			}
		}
	}
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", surface.ErrUnknownOp, op.Name)
	}
	v, err := h(op.Args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (f *Fake) Reveal(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = true
	f.Reveals++
	return nil
}

func (f *Fake) Hide(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = false
	f.Hides++
	return nil
}

func (f *Fake) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func (f *Fake) Capture(key, pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns[key] = pattern
}

func (f *Fake) Captured(key string) (surface.Capture, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.captured[key]
	return c, ok
}

// Close satisfies the worker's browser contract.
func (f *Fake) Close() error { return nil }

var _ surface.Surface = (*Fake)(nil)
