// Copyright The Probescope Authors
// SPDX-License-Identifier: Apache-2.0

package probe // import "github.com/probescope/probescope/probe"

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

const (
	kallsymsPath = "/proc/kallsyms"

	// symbolCacheSize bounds the number of cached lookups. Attach targets
	// are few; the cache mostly avoids rescanning kallsyms when the same
	// probe set is attached repeatedly.
	symbolCacheSize = 4096
)

// tracefsPaths are the mount points under which tracepoint definitions are
// searched, in order. Newer kernels expose tracefs without debugfs.
var tracefsPaths = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// symbolResolver answers whether a kernel symbol exists, backed by
// /proc/kallsyms with an LRU over past lookups. Negative results are cached
// as well: kallsyms does not change for the symbols we target, and a stale
// negative entry only delays an attach until the cache rolls over.
type symbolResolver struct {
	path  string
	cache *freelru.SyncedLRU[string, bool]
}

func newSymbolResolver(path string) (*symbolResolver, error) {
	cache, err := freelru.NewSynced[string, bool](symbolCacheSize, hashString)
	if err != nil {
		return nil, err
	}
	return &symbolResolver{path: path, cache: cache}, nil
}

// resolve returns nil if the kernel symbol exists, ErrSymbolNotFound
// otherwise.
func (r *symbolResolver) resolve(symbol string) error {
	if found, ok := r.cache.Get(symbol); ok {
		if found {
			return nil
		}
		return fmt.Errorf("kernel symbol %s: %w", symbol, ErrSymbolNotFound)
	}

	found, err := r.scan(symbol)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", r.path, err)
	}
	r.cache.Add(symbol, found)

	if !found {
		return fmt.Errorf("kernel symbol %s: %w", symbol, ErrSymbolNotFound)
	}
	return nil
}

// scan walks the kallsyms file looking for an exact symbol name match.
// Lines have the form "<address> <type> <name> [module]".
func (r *symbolResolver) scan(symbol string) (bool, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[2] == symbol {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// tracepointExists checks that the tracepoint group/name is known to the
// kernel by probing its tracefs event directory.
func tracepointExists(group, name string) error {
	for _, root := range tracefsPaths {
		if _, err := os.Stat(root + "/events/" + group + "/" + name); err == nil {
			return nil
		}
	}
	return fmt.Errorf("tracepoint %s/%s: %w", group, name, ErrSymbolNotFound)
}
