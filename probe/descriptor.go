// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package probe // import "github.com/probescope/probescope/probe"

import (
	"errors"
	"fmt"

	"github.com/probescope/probescope/instrument"
)

// Kind selects the probe point type an instrumentation program is attached
// to.
type Kind uint8

const (
	// KProbe attaches to the entry of a kernel function.
	KProbe Kind = iota
	// KRetProbe attaches to the return of a kernel function.
	KRetProbe
	// UProbe attaches to the entry of a user-space function.
	UProbe
	// URetProbe attaches to the return of a user-space function.
	URetProbe
	// Tracepoint attaches to a static kernel tracepoint.
	Tracepoint
)

// String returns the lower-case name of the probe kind.
func (k Kind) String() string {
	switch k {
	case KProbe:
		return "kprobe"
	case KRetProbe:
		return "kretprobe"
	case UProbe:
		return "uprobe"
	case URetProbe:
		return "uretprobe"
	case Tracepoint:
		return "tracepoint"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MapInstrument ties a map declared in the instrumentation object to the
// metric it backs.
type MapInstrument struct {
	// Map is the name of the per-CPU map inside the object.
	Map string
	// Instrument declares the metric fed by the map.
	Instrument *instrument.Descriptor
}

// Descriptor identifies a single instrumentation point together with the
// compiled program to attach there and the metrics its maps feed. A
// descriptor is immutable once attached.
type Descriptor struct {
	// Kind of the probe point.
	Kind Kind
	// Symbol is the target kernel or user-space function, or the
	// tracepoint name for Tracepoint probes.
	Symbol string
	// Group is the tracepoint group, e.g. "syscalls". Only used for
	// Tracepoint probes.
	Group string
	// ExecutablePath is the binary containing Symbol. Only used for
	// UProbe and URetProbe.
	ExecutablePath string
	// Program names the program inside the object to attach.
	Program string
	// Object is the compiled instrumentation object blob produced by an
	// external toolchain. It is not interpreted beyond ELF structure;
	// the kernel verifier judges the bytecode at load time.
	Object []byte
	// Instruments lists the metric bindings the object's maps feed.
	Instruments []MapInstrument
}

// Validate checks the descriptor for structural errors.
func (d *Descriptor) Validate() error {
	if d.Symbol == "" {
		return errors.New("probe symbol must not be empty")
	}
	if d.Program == "" {
		return errors.New("program name must not be empty")
	}
	if len(d.Object) == 0 {
		return errors.New("instrumentation object must not be empty")
	}
	switch d.Kind {
	case KProbe, KRetProbe:
	case Tracepoint:
		if d.Group == "" {
			return errors.New("tracepoint probes need a group")
		}
	case UProbe, URetProbe:
		if d.ExecutablePath == "" {
			return errors.New("user-space probes need an executable path")
		}
	default:
		return fmt.Errorf("unknown probe kind %d", d.Kind)
	}
	for _, mi := range d.Instruments {
		if mi.Map == "" {
			return errors.New("instrument binding needs a map name")
		}
		if mi.Instrument == nil {
			return errors.New("instrument binding needs a metric declaration")
		}
		if err := mi.Instrument.Validate(); err != nil {
			return err
		}
	}
	return nil
}
