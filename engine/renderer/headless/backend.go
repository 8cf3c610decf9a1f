// Package headless is an in-process implementation of the gpu capability
// interface. Work submitted to its queue runs on a separate goroutine, fences
// are real counters and, with the debug layer enabled, resource state and
// descriptor binding mistakes are reported as validation errors.
package headless

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

const DefaultAdapter = "Headless Adapter"

type Option func(*Backend)

// WithAdapters replaces the list of adapters the backend reports.
func WithAdapters(names ...string) Option {
	return func(b *Backend) {
		b.adapters = names
	}
}

// WithManualCompletion stops the queue from executing work on its own.
// Submissions only complete when Device.Advance is called.
func WithManualCompletion() Option {
	return func(b *Backend) {
		b.manual = true
	}
}

// WithLatency delays the completion of every submission.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) {
		b.latency = d
	}
}

type Backend struct {
	adapters []string
	debug    bool
	manual   bool
	latency  time.Duration
}

func New(opts ...Option) *Backend {
	b := &Backend{adapters: []string{DefaultAdapter}}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Name() string { return "headless" }

func (b *Backend) Adapters() []string {
	return slices.Clone(b.adapters)
}

func (b *Backend) EnableDebugLayer() error {
	b.debug = true
	core.LogDebug("headless debug layer enabled")
	return nil
}

func (b *Backend) CreateDevice(adapter string) (gpu.Device, error) {
	if len(b.adapters) == 0 {
		return nil, errors.Wrap(gpu.ErrAdapterNotFound, "no adapters available")
	}
	if adapter == "" {
		adapter = b.adapters[0]
	} else if !slices.Contains(b.adapters, adapter) {
		return nil, errors.Wrapf(gpu.ErrAdapterNotFound, "adapter %q", adapter)
	}
	return newDevice(adapter, b.debug, b.manual, b.latency), nil
}
