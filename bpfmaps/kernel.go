// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package bpfmaps // import "github.com/probescope/probescope/bpfmaps"

import (
	"fmt"

	cebpf "github.com/cilium/ebpf"
)

// KernelBinding is a view over a kernel-resident per-CPU array map that is
// written by instrumentation programs. Each map entry corresponds to one
// word; the kernel keeps one value per possible CPU for every entry.
//
// The write side lives entirely in probe execution context and is never
// invoked from here. The eBPF runtime guarantees that a per-CPU value is
// only written by code executing on its owning processor, which eliminates
// write-write races by construction.
type KernelBinding struct {
	m     *cebpf.Map
	slots int
	words int
}

// NewKernelBinding wraps a loaded per-CPU map. The map's value size must be
// exactly 8 bytes; the word count is the map's entry count.
func NewKernelBinding(m *cebpf.Map) (*KernelBinding, error) {
	switch m.Type() {
	case cebpf.PerCPUArray, cebpf.PerCPUHash:
	default:
		return nil, fmt.Errorf("unsupported map type %s, need a per-CPU map", m.Type())
	}
	if m.ValueSize() != 8 {
		return nil, fmt.Errorf("unsupported value size %d, need 8 bytes", m.ValueSize())
	}

	slots, err := cebpf.PossibleCPU()
	if err != nil {
		return nil, fmt.Errorf("failed to determine number of possible CPUs: %w", err)
	}

	return &KernelBinding{
		m:     m,
		slots: slots,
		words: int(m.MaxEntries()),
	}, nil
}

// SlotCount returns the number of possible CPUs at creation time.
func (b *KernelBinding) SlotCount() int {
	return b.slots
}

// Words returns the number of map entries per slot.
func (b *KernelBinding) Words() int {
	return b.words
}

// ReadAllSlots drains the per-CPU values of every map entry and transposes
// them into per-slot word vectors. Any lookup failure is reported as
// ErrAttachmentLost: an array map entry cannot be absent, so a failing
// lookup means the kernel resource went away underneath us.
func (b *KernelBinding) ReadAllSlots() ([][]uint64, error) {
	out := make([][]uint64, b.slots)
	for s := range out {
		out[s] = make([]uint64, b.words)
	}

	var perCPU []uint64
	for w := 0; w < b.words; w++ {
		if err := b.m.Lookup(uint32(w), &perCPU); err != nil {
			return nil, fmt.Errorf("lookup of entry %d failed: %v: %w",
				w, err, ErrAttachmentLost)
		}
		for s := 0; s < b.slots && s < len(perCPU); s++ {
			out[s][w] = perCPU[s]
		}
	}

	return out, nil
}

// Close releases the user-space reference to the kernel map. The kernel
// frees the map once the last reference is gone.
func (b *KernelBinding) Close() error {
	return b.m.Close()
}
