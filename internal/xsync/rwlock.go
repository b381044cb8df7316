// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides concurrency primitives that tie protected data to
// the lock guarding it.
package xsync // import "github.com/probescope/probescope/internal/xsync"

import "sync"

// RWMutex is a thin wrapper around sync.RWMutex that hides away the data it
// protects to ensure it's not accidentally accessed without actually holding
// the lock.
//
// There is no direct pointer to the guarded value: callers go through
// RLock/WLock and hand the returned pointer back to the matching unlock,
// which invalidates it.
type RWMutex[T any] struct {
	guarded T
	mutex   sync.RWMutex
}

// NewRWMutex creates a new read-write mutex guarding the given value.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{
		guarded: guarded,
	}
}

// RLock locks the mutex for reading, returning a pointer to the protected
// data. The caller must not write through the returned pointer and must not
// retain it past the matching RUnlock.
func (mtx *RWMutex[T]) RLock() *T {
	mtx.mutex.RLock()
	return &mtx.guarded
}

// RUnlock unlocks the mutex after previously being locked by RLock.
// Pass a reference to the pointer returned from RLock to ensure it is
// invalidated.
func (mtx *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	mtx.mutex.RUnlock()
}

// WLock locks the mutex for writing, returning a pointer to the protected
// data. The caller must not retain the pointer past the matching WUnlock.
func (mtx *RWMutex[T]) WLock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// WUnlock unlocks the mutex after previously being locked by WLock.
// Pass a reference to the pointer returned from WLock to ensure it is
// invalidated.
func (mtx *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
