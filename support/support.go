// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package support loads compiled instrumentation objects produced by an
// external toolchain.
package support // import "github.com/probescope/probescope/support"

import (
	"bytes"
	"errors"
	"fmt"

	cebpf "github.com/cilium/ebpf"
)

// LoadCollectionSpec is a wrapper around ebpf.LoadCollectionSpecFromReader
// and loads the map and program definitions from a compiled object blob.
// The blob is treated as opaque; nothing beyond ELF structure is validated
// here, the kernel verifier decides at load time whether the programs are
// acceptable.
func LoadCollectionSpec(object []byte) (*cebpf.CollectionSpec, error) {
	if len(object) == 0 {
		return nil, errors.New("empty instrumentation object")
	}
	spec, err := cebpf.LoadCollectionSpecFromReader(bytes.NewReader(object))
	if err != nil {
		return nil, fmt.Errorf("failed to load collection spec: %w", err)
	}
	return spec, nil
}
