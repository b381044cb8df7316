// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package proginfo publishes the kernel's own accounting of loaded
// instrumentation programs as registry entries. The kernel aggregates run
// time and run count per program, so these metrics bypass the per-processor
// merge path and go straight into the registry.
//
// The kernel only accounts these numbers while stats collection is on, see
// package bpfstats.
package proginfo // import "github.com/probescope/probescope/proginfo"

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	cebpf "github.com/cilium/ebpf"
	log "github.com/sirupsen/logrus"

	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/periodiccaller"
	"github.com/probescope/probescope/registry"
)

const (
	runTimeMetric  = "ebpf_prog_run_time_nanoseconds"
	runCountMetric = "ebpf_prog_run_count"
)

// publisher walks the loaded programs and republishes their stats. All state
// is only touched from the periodic goroutine.
type publisher struct {
	registry *registry.Registry

	// descs caches the descriptors per program so entry identities stay
	// stable across cycles.
	descs map[cebpf.ProgramID]progDescs
	// gens holds the per-entry generation counters.
	gens map[instrument.ID]uint64
}

type progDescs struct {
	runTime  *instrument.Descriptor
	runCount *instrument.Descriptor
}

// Start publishes run-time statistics of all loaded programs into the
// registry once per interval, until ctx is canceled. The returned function
// stops the periodic timer.
func Start(ctx context.Context, interval time.Duration,
	reg *registry.Registry) func() {
	p := &publisher{
		registry: reg,
		descs:    map[cebpf.ProgramID]progDescs{},
		gens:     map[instrument.ID]uint64{},
	}
	return periodiccaller.Start(ctx, interval, p.publishAll)
}

func (p *publisher) publishAll() {
	now := time.Now()
	seen := map[cebpf.ProgramID]bool{}

	var id cebpf.ProgramID
	for {
		var err error
		id, err = cebpf.ProgramGetNextID(id)
		if err != nil {
			// ENOENT terminates the walk.
			if !errors.Is(err, os.ErrNotExist) {
				log.Errorf("Failed to iterate loaded programs: %v", err)
			}
			break
		}
		seen[id] = true
		p.publishOne(id, now)
	}

	p.dropUnseen(seen)
}

// dropUnseen removes the entries of programs that have been unloaded since
// the previous cycle.
func (p *publisher) dropUnseen(seen map[cebpf.ProgramID]bool) {
	for progID, descs := range p.descs {
		if seen[progID] {
			continue
		}
		p.registry.Remove(descs.runTime.ID())
		p.registry.Remove(descs.runCount.ID())
		delete(p.gens, descs.runTime.ID())
		delete(p.gens, descs.runCount.ID())
		delete(p.descs, progID)
	}
}

func (p *publisher) publishOne(id cebpf.ProgramID, now time.Time) {
	prog, err := cebpf.NewProgramFromID(id)
	if err != nil {
		// The program may have been unloaded between the walk and the
		// open. Not an error worth reporting.
		return
	}
	defer prog.Close()

	info, err := prog.Info()
	if err != nil {
		log.Errorf("Failed to query info of program %d: %v", id, err)
		return
	}

	descs, ok := p.descs[id]
	if !ok {
		labels := []instrument.Label{
			{Key: "prog_id", Value: strconv.FormatUint(uint64(id), 10)},
			{Key: "prog_name", Value: info.Name},
			{Key: "prog_type", Value: info.Type.String()},
		}
		descs = progDescs{
			runTime: &instrument.Descriptor{
				Name:   runTimeMetric,
				Labels: labels,
				Kind:   instrument.KindCounter,
				Unit:   "ns",
			},
			runCount: &instrument.Descriptor{
				Name:   runCountMetric,
				Labels: labels,
				Kind:   instrument.KindCounter,
			},
		}
		p.descs[id] = descs
	}

	if runTime, ok := info.Runtime(); ok {
		p.publish(descs.runTime, int64(runTime), now)
	}
	if runCount, ok := info.RunCount(); ok {
		p.publish(descs.runCount, int64(runCount), now)
	}
}

func (p *publisher) publish(desc *instrument.Descriptor, value int64,
	now time.Time) {
	id := desc.ID()
	p.gens[id]++
	p.registry.Publish(desc, registry.Sample{
		Value:     value,
		Timestamp: now,
	}, p.gens[id])
}
