// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package proginfo

import (
	"testing"
	"time"

	cebpf "github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/registry"
)

func newPublisher(reg *registry.Registry) *publisher {
	return &publisher{
		registry: reg,
		descs:    map[cebpf.ProgramID]progDescs{},
		gens:     map[instrument.ID]uint64{},
	}
}

func TestPublishIncrementsGeneration(t *testing.T) {
	reg := registry.New()
	p := newPublisher(reg)

	desc := &instrument.Descriptor{
		Name: runCountMetric,
		Labels: []instrument.Label{
			{Key: "prog_id", Value: "7"},
		},
		Kind: instrument.KindCounter,
	}

	p.publish(desc, 10, time.Now())
	p.publish(desc, 25, time.Now())

	entry, ok := reg.Lookup(desc.ID())
	require.True(t, ok)
	assert.Equal(t, int64(25), entry.Sample.Value)
	assert.Equal(t, uint64(2), entry.Generation)
}

func TestUnloadedProgramsAreDropped(t *testing.T) {
	reg := registry.New()
	p := newPublisher(reg)

	labels := []instrument.Label{{Key: "prog_id", Value: "42"}}
	descs := progDescs{
		runTime: &instrument.Descriptor{
			Name: runTimeMetric, Labels: labels, Kind: instrument.KindCounter,
		},
		runCount: &instrument.Descriptor{
			Name: runCountMetric, Labels: labels, Kind: instrument.KindCounter,
		},
	}
	p.descs[42] = descs
	p.publish(descs.runTime, 100, time.Now())
	p.publish(descs.runCount, 3, time.Now())
	require.Equal(t, 2, reg.Len())

	// A cycle that does not see program 42 drops its entries.
	p.dropUnseen(map[cebpf.ProgramID]bool{})

	_, ok := reg.Lookup(descs.runTime.ID())
	assert.False(t, ok)
	_, ok = reg.Lookup(descs.runCount.ID())
	assert.False(t, ok)
	assert.Empty(t, p.descs)
	assert.Empty(t, p.gens)
}
