// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

// Package selfmetrics reports the process's own resource usage through the
// regular instrument path: CPU time, maximum RSS, goroutine count and heap
// size all flow through collector-registered instruments, so they appear in
// the registry via ordinary collection cycles.
package selfmetrics // import "github.com/probescope/probescope/selfmetrics"

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"

	"github.com/probescope/probescope/collector"
	"github.com/probescope/probescope/instrument"
	"github.com/probescope/probescope/periodiccaller"
)

// procSelfStat is a variable so tests can redirect it.
var procSelfStat = "/proc/self/stat"

// monitor is only ever driven by the single periodic goroutine.
type monitor struct {
	clkTCK uint64

	cpuUsage   *instrument.Gauge
	userTime   *instrument.Counter
	systemTime *instrument.Counter
	maxRSS     *instrument.Gauge
	goroutines *instrument.Gauge
	heapAlloc  *instrument.Gauge

	prevTicks    uint64
	prevTime     time.Time
	prevUserMS   uint64
	prevSystemMS uint64
}

// Start registers the self-telemetry instruments with the collector and
// updates them once per interval until ctx is canceled. The returned
// function stops the periodic updates; the instruments stay registered.
func Start(ctx context.Context, interval time.Duration,
	c *collector.Collector) (func(), error) {
	m, err := newMonitor(c)
	if err != nil {
		return nil, err
	}
	return periodiccaller.Start(ctx, interval, m.report), nil
}

func newMonitor(c *collector.Collector) (*monitor, error) {
	clkTCK, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil {
		return nil, fmt.Errorf("failed to determine clock tick rate: %w", err)
	}

	m := &monitor{
		clkTCK:   uint64(clkTCK),
		prevTime: time.Now(),
	}

	if m.cpuUsage, err = c.NewGauge(&instrument.Descriptor{
		Name: "probescope_cpu_usage_percent",
		Kind: instrument.KindGauge,
		Unit: "%",
	}); err != nil {
		return nil, err
	}
	if m.userTime, err = c.NewCounter(&instrument.Descriptor{
		Name: "probescope_cpu_user_milliseconds",
		Kind: instrument.KindCounter,
		Unit: "ms",
	}); err != nil {
		return nil, err
	}
	if m.systemTime, err = c.NewCounter(&instrument.Descriptor{
		Name: "probescope_cpu_system_milliseconds",
		Kind: instrument.KindCounter,
		Unit: "ms",
	}); err != nil {
		return nil, err
	}
	if m.maxRSS, err = c.NewGauge(&instrument.Descriptor{
		Name: "probescope_max_rss_kilobytes",
		Kind: instrument.KindGauge,
		Unit: "KiB",
	}); err != nil {
		return nil, err
	}
	if m.goroutines, err = c.NewGauge(&instrument.Descriptor{
		Name: "probescope_goroutines",
		Kind: instrument.KindGauge,
	}); err != nil {
		return nil, err
	}
	if m.heapAlloc, err = c.NewGauge(&instrument.Descriptor{
		Name: "probescope_heap_alloc_bytes",
		Kind: instrument.KindGauge,
		Unit: "bytes",
	}); err != nil {
		return nil, err
	}

	// Prime the deltas so the first report does not attribute the whole
	// process lifetime to one interval.
	if utime, stime, err := readSelfCPUTicks(); err == nil {
		m.prevTicks = utime + stime
		m.prevUserMS = utime * 1000 / m.clkTCK
		m.prevSystemMS = stime * 1000 / m.clkTCK
	}

	return m, nil
}

func (m *monitor) report() {
	now := time.Now()

	if utime, stime, err := readSelfCPUTicks(); err != nil {
		log.Errorf("Failed to read CPU times: %v", err)
	} else {
		total := utime + stime
		if dt := now.Sub(m.prevTime).Seconds(); dt > 0 && total >= m.prevTicks {
			usage := float64(total-m.prevTicks) / float64(m.clkTCK) / dt * 100
			m.cpuUsage.SetShared(int64(usage + 0.5))
		}
		m.prevTicks = total
		m.prevTime = now

		userMS := utime * 1000 / m.clkTCK
		systemMS := stime * 1000 / m.clkTCK
		if userMS >= m.prevUserMS {
			m.userTime.Increment(userMS - m.prevUserMS)
			m.prevUserMS = userMS
		}
		if systemMS >= m.prevSystemMS {
			m.systemTime.Increment(systemMS - m.prevSystemMS)
			m.prevSystemMS = systemMS
		}
	}

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		log.Errorf("Failed to read rusage: %v", err)
	} else {
		m.maxRSS.SetShared(int64(ru.Maxrss))
	}

	m.goroutines.SetShared(int64(runtime.NumGoroutine()))

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.heapAlloc.SetShared(int64(ms.HeapAlloc))
}

// readSelfCPUTicks parses the process's user and system CPU time, in clock
// ticks, from procfs. The command name in the stat line may contain spaces
// and parentheses, so fields are counted from the last closing parenthesis.
func readSelfCPUTicks() (utime, stime uint64, err error) {
	data, err := os.ReadFile(procSelfStat)
	if err != nil {
		return 0, 0, err
	}

	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, 0, fmt.Errorf("malformed stat line in %s", procSelfStat)
	}

	// Fields after the command name start with the process state; utime and
	// stime are the 12th and 13th of them.
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("truncated stat line in %s", procSelfStat)
	}
	if utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad utime in %s: %w", procSelfStat, err)
	}
	if stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad stime in %s: %w", procSelfStat, err)
	}
	return utime, stime, nil
}
