// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector periodically drains all registered bindings, merges the
// per-processor partial values and publishes the results into the registry.
package collector // import "github.com/probescope/probescope/collector"

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/probescope/probescope/bpfmaps"
	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/internal/xsync"
	"github.com/probescope/probescope/periodiccaller"
	"github.com/probescope/probescope/registry"
)

// defaultInterval is used when the configuration does not set one.
const defaultInterval = 1 * time.Second

// ErrDuplicateInstrument is returned when registering a metric whose
// name+labels identity is already registered.
var ErrDuplicateInstrument = errors.New("instrument already registered")

// Reporter is the external collaborator notified of advisory collection
// events. Implementations must not block.
type Reporter interface {
	// ReportLostBinding is called once when a binding's kernel resource
	// disappeared and its entry was frozen.
	ReportLostBinding(id instrument.ID, name string)
	// ReportMissedCycle is called when a due cycle was skipped because the
	// previous one was still running.
	ReportMissedCycle()
}

// Config bundles the collector configuration.
type Config struct {
	// Interval between collection cycles. Defaults to one second.
	Interval time.Duration
	// Registry receives the published samples. Required.
	Registry *registry.Registry
	// Reporter is notified of advisory events. Optional.
	Reporter Reporter
}

// registration ties a declared metric to the binding backing it.
// generation and frozen are only touched inside a collection cycle, which
// never runs concurrently with itself.
type registration struct {
	desc       *instrument.Descriptor
	binding    bpfmaps.Binding
	generation uint64
	frozen     bool
}

// Collector drains all registered bindings once per interval and publishes
// merged samples. At most one cycle runs at any time; a cycle that is due
// while the previous one still runs is skipped and counted, never queued.
type Collector struct {
	registry *registry.Registry
	reporter Reporter
	interval time.Duration

	registrations xsync.RWMutex[map[instrument.ID]*registration]

	// collecting enforces the non-overlap rule.
	collecting   atomic.Bool
	cycles       atomic.Uint64
	missedCycles atomic.Uint64

	// trigger requests an immediate cycle from the periodic loop.
	trigger chan bool
}

// New creates a collector publishing into cfg.Registry.
func New(cfg *Config) (*Collector, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry must be provided")
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return &Collector{
		registry:      cfg.Registry,
		reporter:      cfg.Reporter,
		interval:      interval,
		registrations: xsync.NewRWMutex(map[instrument.ID]*registration{}),
		trigger:       make(chan bool, 1),
	}, nil
}

// Register adds a metric and its backing binding to the collection set.
// The metric becomes visible in the registry after its first successful
// collection cycle, not before.
func (c *Collector) Register(desc *instrument.Descriptor, binding bpfmaps.Binding) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if binding.Words() != desc.Words() {
		return fmt.Errorf("metric %s: binding has %d words, metric needs %d",
			desc.Name, binding.Words(), desc.Words())
	}

	id := desc.ID()
	regs := c.registrations.WLock()
	defer c.registrations.WUnlock(&regs)

	if _, ok := (*regs)[id]; ok {
		return fmt.Errorf("metric %s: %w", desc.Name, ErrDuplicateInstrument)
	}
	(*regs)[id] = &registration{desc: desc, binding: binding}
	return nil
}

// Unregister removes the metric from the collection set and deletes its
// registry entry. Unknown ids are ignored.
func (c *Collector) Unregister(id instrument.ID) {
	regs := c.registrations.WLock()
	delete(*regs, id)
	c.registrations.WUnlock(&regs)

	c.registry.Remove(id)
}

// NewCounter declares a counter, registers it and returns its handle.
func (c *Collector) NewCounter(desc *instrument.Descriptor) (*instrument.Counter, error) {
	counter, err := instrument.NewCounter(desc)
	if err != nil {
		return nil, err
	}
	if err := c.Register(desc, counter.Binding()); err != nil {
		return nil, err
	}
	return counter, nil
}

// NewGauge declares a gauge, registers it and returns its handle.
func (c *Collector) NewGauge(desc *instrument.Descriptor) (*instrument.Gauge, error) {
	gauge, err := instrument.NewGauge(desc)
	if err != nil {
		return nil, err
	}
	if err := c.Register(desc, gauge.Binding()); err != nil {
		return nil, err
	}
	return gauge, nil
}

// NewHistogram declares a histogram, registers it and returns its handle.
func (c *Collector) NewHistogram(desc *instrument.Descriptor) (*instrument.Histogram, error) {
	hist, err := instrument.NewHistogram(desc)
	if err != nil {
		return nil, err
	}
	if err := c.Register(desc, hist.Binding()); err != nil {
		return nil, err
	}
	return hist, nil
}

// Start begins periodic collection until ctx is canceled. The returned
// function stops the periodic timer.
func (c *Collector) Start(ctx context.Context) func() {
	return periodiccaller.StartWithManualTrigger(ctx, c.interval, c.trigger,
		func(bool) { c.CollectNow() })
}

// TriggerCycle requests an immediate collection cycle from the periodic
// loop. It never blocks; if a trigger is already pending, it is a no-op.
func (c *Collector) TriggerCycle() {
	select {
	case c.trigger <- true:
	default:
	}
}

// CollectNow runs one collection cycle synchronously. It returns false if a
// cycle was already in progress, in which case the call is counted as a
// missed cycle.
func (c *Collector) CollectNow() bool {
	if !c.collecting.CompareAndSwap(false, true) {
		c.missedCycles.Add(1)
		log.Warnf("Collection cycle still running, skipping this interval")
		if c.reporter != nil {
			c.reporter.ReportMissedCycle()
		}
		return false
	}
	defer c.collecting.Store(false)

	// Drain every binding registered at the start of the cycle. The order
	// is map iteration order: unspecified and free to differ per cycle.
	var regs []*registration
	snapshot := c.registrations.RLock()
	for _, reg := range *snapshot {
		regs = append(regs, reg)
	}
	c.registrations.RUnlock(&snapshot)

	now := time.Now()
	for _, reg := range regs {
		if reg.frozen {
			continue
		}

		slots, err := reg.binding.ReadAllSlots()
		if err != nil {
			// A failing binding is isolated to its own entry; the
			// rest of the cycle continues.
			if errors.Is(err, bpfmaps.ErrAttachmentLost) {
				reg.frozen = true
				log.Warnf("Metric %s lost its binding, freezing entry: %v",
					reg.desc.Name, err)
				if c.reporter != nil {
					c.reporter.ReportLostBinding(reg.desc.ID(), reg.desc.Name)
				}
			} else {
				log.Errorf("Failed to read binding of metric %s: %v",
					reg.desc.Name, err)
			}
			continue
		}

		reg.generation++
		c.registry.Publish(reg.desc, merge(reg.desc, slots, now), reg.generation)
	}

	c.cycles.Add(1)
	return true
}

// Cycles returns the number of completed collection cycles.
func (c *Collector) Cycles() uint64 {
	return c.cycles.Load()
}

// MissedCycles returns the number of skipped cycles.
func (c *Collector) MissedCycles() uint64 {
	return c.missedCycles.Load()
}

// merge combines the per-processor slot values according to the metric's
// kind: counters and gauges sum across slots, histograms sum element-wise.
func merge(desc *instrument.Descriptor, slots [][]uint64, now time.Time) registry.Sample {
	sample := registry.Sample{Timestamp: now}

	switch desc.Kind {
	case instrument.KindCounter:
		var total uint64
		for _, words := range slots {
			total += words[0]
		}
		sample.Value = int64(total)
	case instrument.KindGauge:
		var total int64
		for _, words := range slots {
			total += int64(words[0])
		}
		sample.Value = total
	case instrument.KindHistogram:
		buckets := make([]uint64, desc.Words())
		for _, words := range slots {
			for w, v := range words {
				buckets[w] += v
			}
		}
		sample.Buckets = buckets
	}

	return sample
}
