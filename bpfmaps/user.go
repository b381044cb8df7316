// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package bpfmaps // import "github.com/probescope/probescope/bpfmaps"

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// slotStride pads each slot to a multiple of 8 words (64 bytes) so that
// writers on different processors do not share a cache line.
const slotStride = 8

// UserBinding is a process-local binding for instrument handles that are
// updated from regular user-space code rather than from probe execution
// context. It mirrors the kernel per-processor layout: one slot per logical
// processor plus a designated shared fallback slot that is used whenever the
// current processor cannot be determined.
//
// All writes are atomic adds or stores. They never block, never allocate and
// are safe from arbitrary concurrent call sites.
type UserBinding struct {
	data   []uint64
	slots  int // including the fallback slot
	words  int
	stride int
}

// NewUserBinding creates a binding with one slot per logical processor plus
// the shared fallback slot, each holding <words> 64-bit values.
func NewUserBinding(words int) (*UserBinding, error) {
	if words <= 0 {
		return nil, fmt.Errorf("invalid word count %d", words)
	}
	stride := (words + slotStride - 1) / slotStride * slotStride
	slots := runtime.NumCPU() + 1
	return &UserBinding{
		data:   make([]uint64, slots*stride),
		slots:  slots,
		words:  words,
		stride: stride,
	}, nil
}

// SlotCount returns the number of slots, including the fallback slot.
func (b *UserBinding) SlotCount() int {
	return b.slots
}

// Words returns the number of 64-bit words per slot.
func (b *UserBinding) Words() int {
	return b.words
}

// currentSlot resolves the slot index for the calling thread's processor.
// If the processor cannot be determined, or the processor id exceeds the
// slot range, the shared fallback slot is returned.
func (b *UserBinding) currentSlot() int {
	cpu := getcpu()
	if cpu < 0 || cpu >= b.slots-1 {
		return b.slots - 1
	}
	return cpu
}

// Add atomically adds delta to the given word of the current processor's
// slot.
func (b *UserBinding) Add(word int, delta uint64) {
	b.AddSlot(b.currentSlot(), word, delta)
}

// Store atomically stores value into the given word of the current
// processor's slot.
func (b *UserBinding) Store(word int, value uint64) {
	b.StoreSlot(b.currentSlot(), word, value)
}

// AddSlot atomically adds delta to a word of a specific slot. It is intended
// for writers that already know their processor id.
func (b *UserBinding) AddSlot(slot, word int, delta uint64) {
	atomic.AddUint64(&b.data[slot*b.stride+word], delta)
}

// StoreSlot atomically stores value into a word of a specific slot.
func (b *UserBinding) StoreSlot(slot, word int, value uint64) {
	atomic.StoreUint64(&b.data[slot*b.stride+word], value)
}

// ReadAllSlots returns a copy of all slot values. It never fails: the
// backing memory lives as long as the binding itself.
func (b *UserBinding) ReadAllSlots() ([][]uint64, error) {
	out := make([][]uint64, b.slots)
	for s := range out {
		words := make([]uint64, b.words)
		base := s * b.stride
		for w := range words {
			words[w] = atomic.LoadUint64(&b.data[base+w])
		}
		out[s] = words
	}
	return out, nil
}

// Close implements Binding. User bindings hold no kernel resources.
func (b *UserBinding) Close() error {
	return nil
}
