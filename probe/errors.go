// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package probe // import "github.com/probescope/probescope/probe"

import (
	"errors"
	"fmt"
	"os"

	cebpf "github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

var (
	// ErrPermissionDenied is returned when attaching requires privileges
	// the process does not have. The attach is not retried; privilege
	// escalation is the caller's problem.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSymbolNotFound is returned when the target kernel or user symbol
	// cannot be resolved at attach time. Resolution is eager, there is no
	// deferred retry.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrVerificationFailed is returned when the kernel verifier rejects
	// an instrumentation program. The verifier log is passed through
	// opaquely in the error message.
	ErrVerificationFailed = errors.New("program verification failed")
)

// classifyAttachError maps kernel errors observed during load/attach onto
// the attach error taxonomy. Unrecognized errors pass through unchanged.
func classifyAttachError(err error) error {
	var ve *cebpf.VerifierError
	if errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, ve)
	}
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) ||
		errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if errors.Is(err, unix.ENOENT) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrSymbolNotFound, err)
	}
	return err
}
