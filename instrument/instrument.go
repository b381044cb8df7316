// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package instrument // import "github.com/probescope/probescope/instrument"

import (
	"fmt"

	"github.com/probescope/probescope/bpfmaps"
)

// Counter is the program-facing handle of a declared counter metric.
// Increment is non-blocking, does not allocate and is safe from arbitrary
// concurrent call sites, which keeps it usable in probe-adjacent hot paths.
type Counter struct {
	desc    *Descriptor
	binding *bpfmaps.UserBinding
}

// NewCounter creates a counter handle backed by a fresh per-processor
// user binding.
func NewCounter(desc *Descriptor) (*Counter, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Kind != KindCounter {
		return nil, fmt.Errorf("metric %s: not a counter", desc.Name)
	}
	binding, err := bpfmaps.NewUserBinding(desc.Words())
	if err != nil {
		return nil, err
	}
	return &Counter{desc: desc, binding: binding}, nil
}

// Increment adds delta to the counter's current-processor slot.
func (c *Counter) Increment(delta uint64) {
	c.binding.Add(0, delta)
}

// Descriptor returns the declaration of the metric.
func (c *Counter) Descriptor() *Descriptor { return c.desc }

// Binding returns the binding backing the handle, for registration with a
// collector.
func (c *Counter) Binding() bpfmaps.Binding { return c.binding }

// Gauge is the program-facing handle of a declared gauge metric. Set stores
// the value into the current-processor slot; the published value is the sum
// of all slots (see KindGauge).
type Gauge struct {
	desc    *Descriptor
	binding *bpfmaps.UserBinding
}

// NewGauge creates a gauge handle backed by a fresh per-processor user
// binding.
func NewGauge(desc *Descriptor) (*Gauge, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Kind != KindGauge {
		return nil, fmt.Errorf("metric %s: not a gauge", desc.Name)
	}
	binding, err := bpfmaps.NewUserBinding(desc.Words())
	if err != nil {
		return nil, err
	}
	return &Gauge{desc: desc, binding: binding}, nil
}

// Set stores value into the gauge's current-processor slot.
func (g *Gauge) Set(value int64) {
	g.binding.Store(0, uint64(value))
}

// SetShared stores value into the shared fallback slot. A single periodic
// writer should prefer it over Set: with Set, thread migration between
// updates can leave a stale value behind in a previously written slot, and
// the slot sum would then double-count.
func (g *Gauge) SetShared(value int64) {
	g.binding.StoreSlot(g.binding.SlotCount()-1, 0, uint64(value))
}

// Descriptor returns the declaration of the metric.
func (g *Gauge) Descriptor() *Descriptor { return g.desc }

// Binding returns the binding backing the handle.
func (g *Gauge) Binding() bpfmaps.Binding { return g.binding }

// Histogram is the program-facing handle of a declared histogram metric.
type Histogram struct {
	desc    *Descriptor
	binding *bpfmaps.UserBinding
}

// NewHistogram creates a histogram handle backed by a fresh per-processor
// user binding sized for the configured buckets.
func NewHistogram(desc *Descriptor) (*Histogram, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Kind != KindHistogram {
		return nil, fmt.Errorf("metric %s: not a histogram", desc.Name)
	}
	binding, err := bpfmaps.NewUserBinding(desc.Words())
	if err != nil {
		return nil, err
	}
	return &Histogram{desc: desc, binding: binding}, nil
}

// Observe increments the bucket covering value in the current-processor
// slot. A value equal to a configured boundary falls into the bucket whose
// range starts at it.
func (h *Histogram) Observe(value int64) {
	h.binding.Add(h.desc.bucketIndex(value), 1)
}

// Descriptor returns the declaration of the metric.
func (h *Histogram) Descriptor() *Descriptor { return h.desc }

// Binding returns the binding backing the handle.
func (h *Histogram) Binding() bpfmaps.Binding { return h.binding }
