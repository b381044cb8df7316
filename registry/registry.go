// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the concurrent, read-mostly store of aggregated metric
// values. The collector publishes new samples into it; exporters read
// consistent per-entry snapshots from it.
package registry // import "github.com/probescope/probescope/registry"

import (
	"sort"
	"sync"
	"time"

	"github.com/probescope/probescope/instrument"
)

// Sample is the merged value of one metric at a point in time: a scalar for
// counters and gauges, bucket counts for histograms. A sample is immutable
// once published and superseded, never mutated, by the next collection
// cycle.
type Sample struct {
	// Value is the scalar for counters and gauges.
	Value int64
	// Buckets are the per-bucket counts for histograms, nil otherwise.
	Buckets []uint64
	// Timestamp is the time the sample was merged.
	Timestamp time.Time
}

// Entry pairs a metric declaration with its most recently published sample.
// Entries handed out by Lookup and Snapshot must be treated as read-only.
type Entry struct {
	// Descriptor is the declaration of the metric.
	Descriptor *instrument.Descriptor
	// Sample is the most recently published value.
	Sample Sample
	// Generation increases strictly with every published sample of this
	// entry and is never reused. Readers use it to detect staleness
	// relative to the expected collection interval.
	Generation uint64
}

// Registry maps metric identities to their current entry. Publish, Lookup,
// Snapshot and Remove are all safe for concurrent use. Entries are replaced
// wholesale on publish, so a reader never observes a torn sample; there is
// no cross-entry atomicity, different entries may reflect different
// collection cycles at any instant.
//
// A concurrent map keyed by metric identity is used instead of one global
// lock so that unrelated metrics do not serialize against each other.
type Registry struct {
	entries sync.Map // instrument.ID -> *Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Publish stores a new entry for the metric, superseding any previous one.
// The first publish of a metric makes it visible to subsequent snapshots.
func (r *Registry) Publish(desc *instrument.Descriptor, sample Sample, generation uint64) {
	r.entries.Store(desc.ID(), &Entry{
		Descriptor: desc,
		Sample:     sample,
		Generation: generation,
	})
}

// Lookup returns the current entry of the metric, or false if it has not
// been published yet.
func (r *Registry) Lookup(id instrument.ID) (*Entry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Remove deletes the entry of the metric. Safe to call concurrently with
// Snapshot; an in-flight snapshot may or may not include the removed entry.
func (r *Registry) Remove(id instrument.ID) {
	r.entries.Delete(id)
}

// Len returns the current number of entries.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns all current entries ordered by metric name, then by the
// ordered label set. Each entry is per-entry consistent; entries of
// different metrics may stem from different collection cycles.
func (r *Registry) Snapshot() []*Entry {
	var entries []*Entry
	r.entries.Range(func(_, v any) bool {
		entries = append(entries, v.(*Entry))
		return true
	})

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Descriptor, entries[j].Descriptor
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return lessLabels(a.Labels, b.Labels)
	})

	return entries
}

func lessLabels(a, b []instrument.Label) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Key != b[i].Key {
			return a[i].Key < b[i].Key
		}
		if a[i].Value != b[i].Value {
			return a[i].Value < b[i].Value
		}
	}
	return len(a) < len(b)
}
