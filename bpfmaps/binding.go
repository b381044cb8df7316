// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package bpfmaps provides typed user-space views over the per-processor
// value slots that instrumentation programs and instrument handles write to.
//
// A binding holds a fixed number of slots, one per logical processor,
// optionally plus a shared fallback slot. Each slot consists of a fixed
// number of 64-bit words: one for scalar counters and gauges, the bucket
// count for histograms. Slot writers never synchronize with the reader;
// a torn read of a single word is acceptable because counter updates are
// monotonic increments, and histogram bucket counts are documented as
// best-effort consistent under concurrent writes.
package bpfmaps // import "github.com/probescope/probescope/bpfmaps"

import "errors"

// ErrAttachmentLost is reported when the kernel resource backing a binding
// disappeared, e.g. because the owning program was detached by another actor.
// The condition is detected lazily on the next read, not proactively
// monitored.
var ErrAttachmentLost = errors.New("binding attachment lost")

// Binding is a typed view over per-processor value slots.
type Binding interface {
	// SlotCount returns the fixed number of slots. It never changes after
	// creation.
	SlotCount() int

	// Words returns the number of 64-bit words per slot.
	Words() int

	// ReadAllSlots returns the current raw value of every slot, indexed
	// [slot][word]. The returned slices are owned by the caller. Reads may
	// race with concurrent slot writes; single-word values are eventually
	// consistent. Fails with an error wrapping ErrAttachmentLost if the
	// underlying kernel resource was removed.
	ReadAllSlots() ([][]uint64, error)

	// Close releases the resources backing the binding.
	Close() error
}
