//go:build !linux

// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package bpfmaps // import "github.com/probescope/probescope/bpfmaps"

// getcpu always reports an unknown processor on platforms without a
// getcpu(2) equivalent, routing all writes to the shared fallback slot.
func getcpu() int {
	return -1
}
