// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package instrument declares metrics and provides the program-facing
// handles used to record values into them.
package instrument // import "github.com/probescope/probescope/instrument"

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// Kind describes how values of a metric combine across processor slots.
type Kind uint8

const (
	// KindCounter is a monotonically increasing value, summed across slots.
	KindCounter Kind = iota
	// KindGauge is a snapshot value. Concurrent writers on different
	// processors cannot be totally ordered cheaply, so gauges are summed
	// across slots as well: a monotonic-free counter snapshot, not a true
	// last-value gauge.
	KindGauge
	// KindHistogram is a fixed set of bucket counts, summed element-wise
	// across slots.
	KindHistogram
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Label is a single key/value pair of a metric's label set.
type Label struct {
	Key   string
	Value string
}

// ID identifies a metric by its name and ordered label set.
type ID uint64

// Descriptor declares a metric. The label set and histogram boundaries are
// fixed at declaration time; a descriptor must not be modified once it has
// been registered.
type Descriptor struct {
	// Name of the metric, unique per name+labels within one registry.
	Name string
	// Labels is the ordered label set.
	Labels []Label
	// Kind of the metric.
	Kind Kind
	// Unit is free-form metadata, e.g. "nanoseconds".
	Unit string
	// Boundaries are the ascending histogram bucket boundaries. A value
	// equal to a boundary falls into the bucket starting at it, i.e.
	// bucket i covers [Boundaries[i-1], Boundaries[i]). Only set for
	// KindHistogram.
	Boundaries []int64
}

// Validate checks the descriptor for structural errors.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("metric name must not be empty")
	}
	for _, l := range d.Labels {
		if l.Key == "" {
			return fmt.Errorf("metric %s: empty label key", d.Name)
		}
	}
	switch d.Kind {
	case KindCounter, KindGauge:
		if len(d.Boundaries) != 0 {
			return fmt.Errorf("metric %s: boundaries are only valid for histograms", d.Name)
		}
	case KindHistogram:
		if len(d.Boundaries) == 0 {
			return fmt.Errorf("metric %s: histogram needs at least one boundary", d.Name)
		}
		for i := 1; i < len(d.Boundaries); i++ {
			if d.Boundaries[i-1] >= d.Boundaries[i] {
				return fmt.Errorf("metric %s: boundaries must be strictly ascending", d.Name)
			}
		}
	default:
		return fmt.Errorf("metric %s: unknown kind %d", d.Name, d.Kind)
	}
	return nil
}

// Words returns the number of 64-bit words backing one processor slot of
// this metric.
func (d *Descriptor) Words() int {
	if d.Kind == KindHistogram {
		return len(d.Boundaries) + 1
	}
	return 1
}

// ID returns the stable identity hash over name and ordered labels.
func (d *Descriptor) ID() ID {
	h := xxh3.New()
	_, _ = h.WriteString(d.Name)
	for _, l := range d.Labels {
		_, _ = h.Write([]byte{0xff})
		_, _ = h.WriteString(l.Key)
		_, _ = h.Write([]byte{0xfe})
		_, _ = h.WriteString(l.Value)
	}
	return ID(h.Sum64())
}

// bucketIndex returns the index of the bucket covering v: the number of
// boundaries less than or equal to v. Implemented as an allocation-free
// binary search so it is safe on record hot paths.
func (d *Descriptor) bucketIndex(v int64) int {
	lo, hi := 0, len(d.Boundaries)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.Boundaries[mid] <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
