// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probescope/probescope/bpfmaps"
	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/registry"
)

// fakeBinding simulates a kernel binding with scripted slot values and
// failure injection.
type fakeBinding struct {
	slots   [][]uint64
	failErr error
	reads   int
	block   chan struct{}
}

func (f *fakeBinding) SlotCount() int { return len(f.slots) }
func (f *fakeBinding) Words() int     { return len(f.slots[0]) }
func (f *fakeBinding) Close() error   { return nil }

func (f *fakeBinding) ReadAllSlots() ([][]uint64, error) {
	if f.block != nil {
		<-f.block
	}
	f.reads++
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := make([][]uint64, len(f.slots))
	for s, words := range f.slots {
		out[s] = append([]uint64(nil), words...)
	}
	return out, nil
}

type recordingReporter struct {
	lost   []string
	missed int
}

func (r *recordingReporter) ReportLostBinding(_ instrument.ID, name string) {
	r.lost = append(r.lost, name)
}

func (r *recordingReporter) ReportMissedCycle() {
	r.missed++
}

func newTestCollector(t *testing.T, rep Reporter) (*Collector, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	c, err := New(&Config{Interval: time.Hour, Registry: reg, Reporter: rep})
	require.NoError(t, err)
	return c, reg
}

func TestFirstVisibilityAfterCycle(t *testing.T) {
	c, reg := newTestCollector(t, nil)

	counter, err := c.NewCounter(&instrument.Descriptor{
		Name: "events", Kind: instrument.KindCounter})
	require.NoError(t, err)

	// No entry before the first successful collection cycle.
	assert.Empty(t, reg.Snapshot())

	counter.Increment(3)
	require.True(t, c.CollectNow())

	entry, ok := reg.Lookup(counter.Descriptor().ID())
	require.True(t, ok)
	assert.Equal(t, int64(3), entry.Sample.Value)
	assert.Equal(t, uint64(1), entry.Generation)
}

func TestEndToEndCounter(t *testing.T) {
	c, reg := newTestCollector(t, nil)

	counter, err := c.NewCounter(&instrument.Descriptor{
		Name: "requests", Kind: instrument.KindCounter,
		Labels: []instrument.Label{{Key: "probe", Value: "sys_enter_read"}}})
	require.NoError(t, err)

	for range 1000 {
		counter.Increment(1)
	}

	require.True(t, c.CollectNow())
	entry, ok := reg.Lookup(counter.Descriptor().ID())
	require.True(t, ok)
	assert.Equal(t, int64(1000), entry.Sample.Value)
	assert.Equal(t, uint64(1), entry.Generation)

	// Re-collecting unchanged data is idempotent for the value, while
	// the generation keeps advancing.
	require.True(t, c.CollectNow())
	entry, ok = reg.Lookup(counter.Descriptor().ID())
	require.True(t, ok)
	assert.Equal(t, int64(1000), entry.Sample.Value)
	assert.Equal(t, uint64(2), entry.Generation)
}

func TestCombinationRules(t *testing.T) {
	c, reg := newTestCollector(t, nil)

	counterDesc := &instrument.Descriptor{Name: "c", Kind: instrument.KindCounter}
	require.NoError(t, c.Register(counterDesc, &fakeBinding{
		slots: [][]uint64{{5}, {7}, {1}}}))

	gaugeDesc := &instrument.Descriptor{Name: "g", Kind: instrument.KindGauge}
	require.NoError(t, c.Register(gaugeDesc, &fakeBinding{
		slots: [][]uint64{{uint64(10)}, {^uint64(0)}}})) // 10 + (-1)

	histDesc := &instrument.Descriptor{Name: "h", Kind: instrument.KindHistogram,
		Boundaries: []int64{0, 10}}
	require.NoError(t, c.Register(histDesc, &fakeBinding{
		slots: [][]uint64{{1, 2, 3}, {4, 5, 6}}}))

	require.True(t, c.CollectNow())

	entry, ok := reg.Lookup(counterDesc.ID())
	require.True(t, ok)
	assert.Equal(t, int64(13), entry.Sample.Value)

	entry, ok = reg.Lookup(gaugeDesc.ID())
	require.True(t, ok)
	assert.Equal(t, int64(9), entry.Sample.Value)

	entry, ok = reg.Lookup(histDesc.ID())
	require.True(t, ok)
	assert.Equal(t, []uint64{5, 7, 9}, entry.Sample.Buckets)
}

func TestAttachmentLostFreezesEntry(t *testing.T) {
	rep := &recordingReporter{}
	c, reg := newTestCollector(t, rep)

	desc := &instrument.Descriptor{Name: "flaky", Kind: instrument.KindCounter}
	binding := &fakeBinding{slots: [][]uint64{{11}}}
	require.NoError(t, c.Register(desc, binding))

	otherDesc := &instrument.Descriptor{Name: "healthy", Kind: instrument.KindCounter}
	require.NoError(t, c.Register(otherDesc, &fakeBinding{slots: [][]uint64{{1}}}))

	require.True(t, c.CollectNow())
	entry, ok := reg.Lookup(desc.ID())
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.Generation)

	// The binding goes away; its entry freezes at the last sample while
	// the rest of the cycle continues unharmed.
	binding.failErr = fmt.Errorf("map gone: %w", bpfmaps.ErrAttachmentLost)
	require.True(t, c.CollectNow())
	require.True(t, c.CollectNow())

	entry, ok = reg.Lookup(desc.ID())
	require.True(t, ok)
	assert.Equal(t, int64(11), entry.Sample.Value)
	assert.Equal(t, uint64(1), entry.Generation, "frozen entry must not advance")

	entry, ok = reg.Lookup(otherDesc.ID())
	require.True(t, ok)
	assert.Equal(t, uint64(3), entry.Generation)

	assert.Equal(t, []string{"flaky"}, rep.lost, "lost binding reported exactly once")

	// A frozen binding is not read again.
	reads := binding.reads
	require.True(t, c.CollectNow())
	assert.Equal(t, reads, binding.reads)
}

func TestMissedCycle(t *testing.T) {
	rep := &recordingReporter{}
	c, _ := newTestCollector(t, rep)

	desc := &instrument.Descriptor{Name: "slow", Kind: instrument.KindCounter}
	binding := &fakeBinding{slots: [][]uint64{{1}}, block: make(chan struct{})}
	require.NoError(t, c.Register(desc, binding))

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		c.CollectNow()
		close(done)
	}()

	<-started
	// Wait until the cycle is stuck inside the blocking read.
	require.Eventually(t, func() bool { return c.collecting.Load() },
		3*time.Second, time.Millisecond)

	assert.False(t, c.CollectNow(), "overlapping cycle must be skipped")
	assert.Equal(t, uint64(1), c.MissedCycles())
	assert.Equal(t, 1, rep.missed)

	close(binding.block)
	<-done
	assert.Equal(t, uint64(1), c.Cycles())
}

func TestDuplicateRegistration(t *testing.T) {
	c, _ := newTestCollector(t, nil)

	desc := &instrument.Descriptor{Name: "dup", Kind: instrument.KindCounter,
		Labels: []instrument.Label{{Key: "a", Value: "b"}}}
	require.NoError(t, c.Register(desc, &fakeBinding{slots: [][]uint64{{0}}}))

	same := &instrument.Descriptor{Name: "dup", Kind: instrument.KindCounter,
		Labels: []instrument.Label{{Key: "a", Value: "b"}}}
	err := c.Register(same, &fakeBinding{slots: [][]uint64{{0}}})
	assert.ErrorIs(t, err, ErrDuplicateInstrument)
}

func TestWordMismatch(t *testing.T) {
	c, _ := newTestCollector(t, nil)

	desc := &instrument.Descriptor{Name: "hist", Kind: instrument.KindHistogram,
		Boundaries: []int64{0, 10}}
	err := c.Register(desc, &fakeBinding{slots: [][]uint64{{0}}})
	assert.Error(t, err)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	c, reg := newTestCollector(t, nil)

	desc := &instrument.Descriptor{Name: "tmp", Kind: instrument.KindCounter}
	require.NoError(t, c.Register(desc, &fakeBinding{slots: [][]uint64{{2}}}))
	require.True(t, c.CollectNow())

	c.Unregister(desc.ID())
	_, ok := reg.Lookup(desc.ID())
	assert.False(t, ok)

	// Further cycles do not resurrect the entry.
	require.True(t, c.CollectNow())
	_, ok = reg.Lookup(desc.ID())
	assert.False(t, ok)
}

func TestPeriodicCollection(t *testing.T) {
	reg := registry.New()
	c, err := New(&Config{Interval: 5 * time.Millisecond, Registry: reg})
	require.NoError(t, err)

	counter, err := c.NewCounter(&instrument.Descriptor{
		Name: "ticks", Kind: instrument.KindCounter})
	require.NoError(t, err)
	counter.Increment(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := c.Start(ctx)
	defer stop()

	require.Eventually(t, func() bool {
		entry, ok := reg.Lookup(counter.Descriptor().ID())
		return ok && entry.Generation >= 2
	}, 3*time.Second, time.Millisecond)

	entry, _ := reg.Lookup(counter.Descriptor().ID())
	assert.Equal(t, int64(1), entry.Sample.Value)
}

func TestTriggerCycle(t *testing.T) {
	reg := registry.New()
	c, err := New(&Config{Interval: time.Hour, Registry: reg})
	require.NoError(t, err)

	counter, err := c.NewCounter(&instrument.Descriptor{
		Name: "manual", Kind: instrument.KindCounter})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := c.Start(ctx)
	defer stop()

	counter.Increment(2)
	c.TriggerCycle()

	require.Eventually(t, func() bool {
		entry, ok := reg.Lookup(counter.Descriptor().ID())
		return ok && entry.Sample.Value == 2
	}, 3*time.Second, time.Millisecond)
}
