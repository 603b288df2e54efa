package resource

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// meminfoPath is a variable so tests can point it at a fixture.
var meminfoPath = "/proc/meminfo"

// DiscoverNodeCapacity probes the host for CPU and memory capacity. Non-zero
// overrides win over probed values, letting operators cap what the agent
// advertises to the manager.
func DiscoverNodeCapacity(cpuCoresOverride int, memoryBytesOverride int64) (SlotSet, error) {
	cores := cpuCoresOverride
	if cores <= 0 {
		cores = runtime.NumCPU()
	}

	memBytes := memoryBytesOverride
	if memBytes <= 0 {
		probed, err := probeTotalMemory()
		if err != nil {
			return nil, fmt.Errorf("failed to probe host memory: %w", err)
		}
		memBytes = probed
	}

	return SlotSet{
		SlotCPU:    decimal.NewFromInt(int64(cores)),
		SlotMemory: decimal.NewFromInt(memBytes),
	}, nil
}

// probeTotalMemory reads MemTotal from /proc/meminfo.
func probeTotalMemory() (int64, error) {
	f, err := os.Open(meminfoPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed MemTotal line %q: %w", line, err)
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found in %s", meminfoPath)
}
