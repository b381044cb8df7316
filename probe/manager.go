// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe loads compiled instrumentation programs, attaches them to
// kernel or user-space probe points and hands the programs' maps over to
// the sample collector.
package probe // import "github.com/probescope/probescope/probe"

import (
	"fmt"
	"sync/atomic"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	log "github.com/sirupsen/logrus"

	"github.com/probescope/probescope/bpfmaps"
	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/rlimit"
	"github.com/probescope/probescope/support"
)

// Registrar receives the bindings of a successfully attached probe. Pushing
// happens at attach time; the collector never scans for new bindings.
type Registrar interface {
	Register(desc *instrument.Descriptor, binding bpfmaps.Binding) error
	Unregister(id instrument.ID)
}

// Manager attaches and detaches instrumentation programs. Attach operations
// require elevated privilege; permission failures surface immediately and
// are never retried here.
type Manager struct {
	registrar Registrar
	symbols   *symbolResolver
}

// NewManager creates a manager pushing new bindings to the given registrar.
func NewManager(registrar Registrar) (*Manager, error) {
	symbols, err := newSymbolResolver(kallsymsPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		registrar: registrar,
		symbols:   symbols,
	}, nil
}

// Attach loads the descriptor's instrumentation object, attaches its
// program to the target probe point and registers the declared map bindings
// with the registrar. Failures are classified as ErrPermissionDenied,
// ErrSymbolNotFound or ErrVerificationFailed where possible.
func (m *Manager) Attach(desc *Descriptor) (*Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	// Resolve the target eagerly so a bad symbol fails before any kernel
	// resource is allocated.
	if err := m.resolveTarget(desc); err != nil {
		return nil, err
	}

	restoreRlimit, err := rlimit.MaximizeMemlock()
	if err != nil {
		return nil, fmt.Errorf("failed to adjust rlimit: %w", err)
	}
	defer restoreRlimit()

	spec, err := support.LoadCollectionSpec(desc.Object)
	if err != nil {
		return nil, err
	}

	coll, err := cebpf.NewCollection(spec)
	if err != nil {
		return nil, classifyAttachError(err)
	}

	prog, ok := coll.Programs[desc.Program]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("program %q not found in instrumentation object", desc.Program)
	}

	lnk, err := m.attachProgram(desc, prog)
	if err != nil {
		coll.Close()
		return nil, classifyAttachError(err)
	}

	handle := &Handle{
		link: lnk,
		coll: coll,
	}

	for _, mi := range desc.Instruments {
		ebpfMap, ok := coll.Maps[mi.Map]
		if !ok {
			m.rollback(handle)
			return nil, fmt.Errorf("map %q not found in instrumentation object", mi.Map)
		}
		binding, err := bpfmaps.NewKernelBinding(ebpfMap)
		if err != nil {
			m.rollback(handle)
			return nil, fmt.Errorf("map %q: %w", mi.Map, err)
		}
		if err := m.registrar.Register(mi.Instrument, binding); err != nil {
			m.rollback(handle)
			return nil, err
		}
		handle.ids = append(handle.ids, mi.Instrument.ID())
	}

	log.Debugf("Attached %s probe to %s with %d instruments",
		desc.Kind, desc.Symbol, len(desc.Instruments))
	return handle, nil
}

// resolveTarget verifies that the probe target exists. There is no lazy
// resolution: an unknown symbol fails the attach.
func (m *Manager) resolveTarget(desc *Descriptor) error {
	switch desc.Kind {
	case KProbe, KRetProbe:
		return m.symbols.resolve(desc.Symbol)
	case Tracepoint:
		return tracepointExists(desc.Group, desc.Symbol)
	case UProbe, URetProbe:
		// Symbol lookup inside the executable happens during attach;
		// here only the binary's existence is checked.
		if _, err := link.OpenExecutable(desc.ExecutablePath); err != nil {
			return classifyAttachError(err)
		}
	}
	return nil
}

// attachProgram wires the loaded program into its probe point.
func (m *Manager) attachProgram(desc *Descriptor, prog *cebpf.Program) (link.Link, error) {
	switch desc.Kind {
	case KProbe:
		return link.Kprobe(desc.Symbol, prog, nil)
	case KRetProbe:
		return link.Kretprobe(desc.Symbol, prog, nil)
	case Tracepoint:
		return link.Tracepoint(desc.Group, desc.Symbol, prog, nil)
	case UProbe, URetProbe:
		ex, err := link.OpenExecutable(desc.ExecutablePath)
		if err != nil {
			return nil, err
		}
		if desc.Kind == UProbe {
			return ex.Uprobe(desc.Symbol, prog, nil)
		}
		return ex.Uretprobe(desc.Symbol, prog, nil)
	}
	return nil, fmt.Errorf("unknown probe kind %d", desc.Kind)
}

// rollback undoes a partially completed attach: already registered
// instruments are unregistered, then the kernel resources are released.
func (m *Manager) rollback(h *Handle) {
	for _, id := range h.ids {
		m.registrar.Unregister(id)
	}
	h.ids = nil
	h.Detach()
}

// Handle represents one attached probe. It owns the program link and the
// loaded collection, including the maps feeding the registered instruments.
type Handle struct {
	link     link.Link
	coll     *cebpf.Collection
	ids      []instrument.ID
	detached atomic.Bool
}

// InstrumentIDs returns the ids of the instruments registered by this
// probe, e.g. for explicit removal from the collector after detach.
func (h *Handle) InstrumentIDs() []instrument.ID {
	return append([]instrument.ID(nil), h.ids...)
}

// Detach detaches the probe and releases its kernel resources. Registered
// instruments stay with the collector: their next read observes the lost
// attachment and their registry entries freeze at the last published
// sample. Detach is idempotent; detaching an already-detached handle is a
// no-op.
func (h *Handle) Detach() {
	if !h.detached.CompareAndSwap(false, true) {
		return
	}
	if h.link != nil {
		if err := h.link.Close(); err != nil {
			log.Errorf("Failed to close probe link: %v", err)
		}
	}
	if h.coll != nil {
		h.coll.Close()
	}
}
