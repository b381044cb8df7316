// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package bpfstats toggles the kernel's collection of per-program run-time
// statistics. The kernel only accounts run time and run count of
// instrumentation programs while stats collection is enabled, either through
// the BPF_ENABLE_STATS syscall (kernel 5.8+) or the bpf_stats_enabled
// sysctl.
package bpfstats // import "github.com/probescope/probescope/bpfstats"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	cebpf "github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/probescope/probescope/probe"
)

// ErrNotSupported is returned when the running kernel does not implement
// BPF_ENABLE_STATS. Some distributions backport the feature, so the kernel
// version alone is not a reliable indicator; callers should fall back to
// the sysctl in this case.
var ErrNotSupported = errors.New("BPF_ENABLE_STATS not supported by kernel")

// procfsStatsPath is the sysctl file controlling stats collection. A
// variable so tests can redirect it.
var procfsStatsPath = "/proc/sys/kernel/bpf_stats_enabled"

// Enable turns on run-time stats collection via BPF_ENABLE_STATS. The
// returned closer holds the file descriptor reference; stats collection
// stops once the last reference is released.
func Enable() (io.Closer, error) {
	fd, err := cebpf.EnableStats(uint32(unix.BPF_STATS_RUN_TIME))
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil, ErrNotSupported
		}
		if errors.Is(err, unix.EPERM) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", probe.ErrPermissionDenied, err)
		}
		return nil, err
	}
	return fd, nil
}

// EnableProcfs turns on stats collection through the sysctl. Unlike Enable,
// the setting outlives the process unless explicitly disabled again.
func EnableProcfs() error {
	if err := os.WriteFile(procfsStatsPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("failed to enable stats via %s: %w", procfsStatsPath, err)
	}
	return nil
}

// DisableProcfs turns off stats collection through the sysctl.
func DisableProcfs() error {
	if err := os.WriteFile(procfsStatsPath, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("failed to disable stats via %s: %w", procfsStatsPath, err)
	}
	return nil
}

// EnabledProcfs reports whether stats collection is currently enabled
// through the sysctl.
func EnabledProcfs() (bool, error) {
	data, err := os.ReadFile(procfsStatsPath)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", procfsStatsPath, err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}
