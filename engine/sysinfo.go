package engine

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	mib = 1 << 20
	gib = 1 << 30

	// Execution contexts may use half of host memory between them, sized as
	// if contextsSharingMemory of them run queries at once.
	contextMemoryShareDivisor = 2
	contextsSharingMemory     = 8
	minContextMemory          = 256 * mib

	// Applied when host memory is unknown.
	fallbackContextMemoryLimit = "1GB"
)

// hostMemoryBytes returns MemTotal from /proc/meminfo, or 0 off Linux.
func hostMemoryBytes() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok || name != "MemTotal" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) != 2 || fields[1] != "kB" {
			return 0
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

var contextMemoryLimit = sync.OnceValue(func() string {
	return memoryLimitFor(hostMemoryBytes())
})

// memoryLimitFor is the DuckDB memory_limit given to each execution context
// on a host with totalBytes of memory.
func memoryLimitFor(totalBytes uint64) string {
	if totalBytes == 0 {
		return fallbackContextMemoryLimit
	}
	budget := max(totalBytes/contextMemoryShareDivisor/contextsSharingMemory, minContextMemory)
	if budget >= gib {
		return fmt.Sprintf("%dGB", budget/gib)
	}
	return fmt.Sprintf("%dMB", budget/mib)
}

var validMemoryLimit = regexp.MustCompile(`(?i)^\d+\s*(KB|MB|GB|TB)$`)

// ValidateMemoryLimit reports whether v can be passed to SET memory_limit.
// Only plain sizes are accepted since the value is spliced into the statement.
func ValidateMemoryLimit(v string) bool {
	return validMemoryLimit.MatchString(v)
}
