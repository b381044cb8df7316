//go:build linux

// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package bpfmaps // import "github.com/probescope/probescope/bpfmaps"

import "golang.org/x/sys/unix"

// getcpu returns the id of the processor the calling thread currently runs
// on, or -1 if it cannot be determined. Goroutines migrate between
// processors, so the result is only a placement hint. Correctness does not
// depend on it: all slot writes are atomic.
func getcpu() int {
	cpu, _, err := unix.Getcpu()
	if err != nil {
		return -1
	}
	return cpu
}
