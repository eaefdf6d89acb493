package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/kart-io/watchtower/pkg/autoscaler"
	"github.com/kart-io/watchtower/pkg/httppool"
	"github.com/kart-io/watchtower/pkg/instance"
	"github.com/kart-io/watchtower/pkg/queue"
)

// Sink receives each assembled snapshot. Implementations live in pkg/sink;
// the interface is declared on the consuming side so the collector stays
// independent of any particular destination.
type Sink interface {
	Publish(ctx context.Context, snap *Snapshot) error
}

// RuntimeStats samples the Go runtime at collection time.
type RuntimeStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64 `json:"heap_sys_bytes"`
	GCCycles       uint32 `json:"gc_cycles"`
}

// Snapshot is a point-in-time view of the whole runtime: queue state, every
// instance, pool utilization, recent scaling decisions and process stats.
// Snapshots are assembled fresh on every collection and never mutated
// afterwards; consumers treat them as read-only.
type Snapshot struct {
	Timestamp time.Time                   `json:"timestamp"`
	Queue     queue.Metrics               `json:"queue"`
	Instances []instance.Snapshot         `json:"instances"`
	Pools     map[string]httppool.Metrics `json:"pools,omitempty"`
	Scaling   []autoscaler.Decision       `json:"scaling,omitempty"`
	Runtime   RuntimeStats                `json:"runtime"`
}

func readRuntime() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		GCCycles:       ms.NumGC,
	}
}
