// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package otelbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/registry"
)

func TestPushTracksGenerations(t *testing.T) {
	reg := registry.New()
	counter := &instrument.Descriptor{
		Name:   "requests_total",
		Labels: []instrument.Label{{Key: "probe", Value: "do_sys_open"}},
		Kind:   instrument.KindCounter,
	}
	gauge := &instrument.Descriptor{
		Name: "queue_depth",
		Kind: instrument.KindGauge,
	}
	hist := &instrument.Descriptor{
		Name:       "latency",
		Kind:       instrument.KindHistogram,
		Boundaries: []int64{10, 100},
	}

	reg.Publish(counter, registry.Sample{Value: 5, Timestamp: time.Now()}, 1)
	reg.Publish(gauge, registry.Sample{Value: 3, Timestamp: time.Now()}, 1)
	reg.Publish(hist, registry.Sample{Buckets: []uint64{1, 2, 3}}, 1)

	b := New(reg)
	b.push(context.Background())

	require.Contains(t, b.counters, counter.ID())
	assert.Equal(t, int64(5), b.counters[counter.ID()].lastValue)
	assert.Equal(t, uint64(1), b.counters[counter.ID()].lastGen)

	require.Contains(t, b.gauges, gauge.ID())
	assert.Equal(t, uint64(1), b.gauges[gauge.ID()].lastGen)

	// Histograms stay registry-only.
	assert.NotContains(t, b.counters, hist.ID())
	assert.NotContains(t, b.gauges, hist.ID())

	// A later cycle only advances state for new generations.
	reg.Publish(counter, registry.Sample{Value: 12, Timestamp: time.Now()}, 2)
	b.push(context.Background())
	assert.Equal(t, int64(12), b.counters[counter.ID()].lastValue)
	assert.Equal(t, uint64(2), b.counters[counter.ID()].lastGen)
	assert.Equal(t, uint64(1), b.gauges[gauge.ID()].lastGen)
}

func TestPushUnchangedGenerationIsIdempotent(t *testing.T) {
	reg := registry.New()
	counter := &instrument.Descriptor{
		Name: "errors_total",
		Kind: instrument.KindCounter,
	}
	reg.Publish(counter, registry.Sample{Value: 7}, 3)

	b := New(reg)
	b.push(context.Background())
	state := b.counters[counter.ID()]
	require.Equal(t, int64(7), state.lastValue)

	// Same generation again: nothing changes.
	b.push(context.Background())
	assert.Equal(t, int64(7), state.lastValue)
	assert.Equal(t, uint64(3), state.lastGen)
}
