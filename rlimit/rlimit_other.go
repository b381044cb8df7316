//go:build !linux

// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package rlimit adjusts process resource limits around kernel resource
// allocations.
package rlimit // import "github.com/probescope/probescope/rlimit"

// MaximizeMemlock is a no-op on platforms without a memlock resource limit.
func MaximizeMemlock() (func(), error) {
	return func() {}, nil
}
