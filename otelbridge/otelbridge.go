// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package otelbridge republishes registry entries through the OpenTelemetry
// metric API, so hosting applications with an existing OTel pipeline get the
// probe metrics without touching the registry directly. Counters are emitted
// as deltas between cycles, gauges as their latest value. Histogram entries
// stay registry-only: the push API has no way to replay aggregated bucket
// counts without fabricating observations.
package otelbridge // import "github.com/probescope/probescope/otelbridge"

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/periodiccaller"
	"github.com/probescope/probescope/registry"
)

const scopeName = "github.com/probescope/probescope"

type counterState struct {
	counter   metric.Int64Counter
	attrs     []attribute.KeyValue
	lastValue int64
	lastGen   uint64
}

type gaugeState struct {
	gauge   metric.Int64Gauge
	attrs   []attribute.KeyValue
	lastGen uint64
}

// Bridge pushes registry entries into an OTel meter. All state is only
// touched from the periodic goroutine.
type Bridge struct {
	meter    metric.Meter
	registry *registry.Registry

	counters map[instrument.ID]*counterState
	gauges   map[instrument.ID]*gaugeState
}

// New creates a bridge reading from reg and emitting through the globally
// registered meter provider.
func New(reg *registry.Registry) *Bridge {
	return &Bridge{
		meter:    otel.Meter(scopeName),
		registry: reg,
		counters: map[instrument.ID]*counterState{},
		gauges:   map[instrument.ID]*gaugeState{},
	}
}

// Start pushes the registry contents once per interval until ctx is
// canceled. The returned function stops the periodic timer.
func (b *Bridge) Start(ctx context.Context, interval time.Duration) func() {
	return periodiccaller.Start(ctx, interval, func() {
		b.push(ctx)
	})
}

// push emits every entry whose generation advanced since the last push.
// Frozen entries keep their generation and are therefore emitted exactly
// once more, with their final value.
func (b *Bridge) push(ctx context.Context) {
	for _, entry := range b.registry.Snapshot() {
		switch entry.Descriptor.Kind {
		case instrument.KindCounter:
			b.pushCounter(ctx, entry)
		case instrument.KindGauge:
			b.pushGauge(ctx, entry)
		}
	}
}

func (b *Bridge) pushCounter(ctx context.Context, entry *registry.Entry) {
	id := entry.Descriptor.ID()
	state, ok := b.counters[id]
	if !ok {
		counter, err := b.meter.Int64Counter(entry.Descriptor.Name,
			metric.WithUnit(entry.Descriptor.Unit))
		if err != nil {
			log.Errorf("Failed to create counter %s: %v",
				entry.Descriptor.Name, err)
			return
		}
		state = &counterState{
			counter: counter,
			attrs:   otelAttrs(entry.Descriptor.Labels),
		}
		b.counters[id] = state
	}

	if entry.Generation == state.lastGen {
		return
	}
	if delta := entry.Sample.Value - state.lastValue; delta > 0 {
		state.counter.Add(ctx, delta, metric.WithAttributes(state.attrs...))
	}
	state.lastValue = entry.Sample.Value
	state.lastGen = entry.Generation
}

func (b *Bridge) pushGauge(ctx context.Context, entry *registry.Entry) {
	id := entry.Descriptor.ID()
	state, ok := b.gauges[id]
	if !ok {
		gauge, err := b.meter.Int64Gauge(entry.Descriptor.Name,
			metric.WithUnit(entry.Descriptor.Unit))
		if err != nil {
			log.Errorf("Failed to create gauge %s: %v",
				entry.Descriptor.Name, err)
			return
		}
		state = &gaugeState{
			gauge: gauge,
			attrs: otelAttrs(entry.Descriptor.Labels),
		}
		b.gauges[id] = state
	}

	if entry.Generation == state.lastGen {
		return
	}
	state.gauge.Record(ctx, entry.Sample.Value,
		metric.WithAttributes(state.attrs...))
	state.lastGen = entry.Generation
}

func otelAttrs(labels []instrument.Label) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for _, l := range labels {
		attrs = append(attrs, attribute.String(l.Key, l.Value))
	}
	return attrs
}
