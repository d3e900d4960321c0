// Package metrics implements the gateway's optional memory-metrics
// provider (spec.md §6, "Memory metrics JSON"). It reports the gateway
// process's own memory health — the BMS firmware's heap is not observable
// over the register protocol this gateway speaks, so this is strictly a
// host-side supplement, not a projection of device state.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthStatus classifies a memory sample per the §6 thresholds.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Thresholds for HealthStatus classification (spec.md §6: "critical < 10
// KiB free; warning < 50 KiB free OR fragmentation > 50%").
const (
	CriticalFreeBytes = 10 * 1024
	WarningFreeBytes  = 50 * 1024
	WarningFragmentationPct = 50.0
)

// HeapInfo is the nested Go-runtime heap detail in the §6 schema's
// "heap_info" field.
type HeapInfo struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64 `json:"heap_sys_bytes"`
	HeapIdleBytes  uint64 `json:"heap_idle_bytes"`
	HeapInuseBytes uint64 `json:"heap_inuse_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// Snapshot is the §6 memory metrics JSON shape.
type Snapshot struct {
	TimestampMs             int64        `json:"timestamp_ms"`
	TotalFreeBytes          uint64       `json:"total_free_bytes"`
	LargestFreeBlock        uint64       `json:"largest_free_block"`
	FragmentationPercentage float64      `json:"fragmentation_percentage"`
	MinimumFreeEver         uint64       `json:"minimum_free_ever"`
	AllocationFailures      uint64       `json:"allocation_failures"`
	TotalAllocatedBytes     uint64       `json:"total_allocated_bytes"`
	TotalHeapSize           uint64       `json:"total_heap_size"`
	HealthStatus            HealthStatus `json:"health_status"`
	HeapInfo                HeapInfo     `json:"heap_info"`
}

// Provider samples host and process memory and classifies the result.
// Its gauges live in a private prometheus.Registry with no HTTP
// exposition (an HTTP server is an explicit spec non-goal); Gather()
// exposes the registry's metric families for any in-process consumer that
// wants Prometheus's own encoding instead of the plain Snapshot.
type Provider struct {
	registry *prometheus.Registry

	totalFree      prometheus.Gauge
	largestFree    prometheus.Gauge
	fragmentation  prometheus.Gauge
	minimumFree    prometheus.Gauge
	allocFailures  prometheus.Gauge
	totalAllocated prometheus.Gauge
	totalHeapSize  prometheus.Gauge

	minFreeEver uint64
	sampled     bool

	nowFn func() time.Time
}

// New creates a Provider and registers its gauges.
func New() *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		totalFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybms_gateway_memory_total_free_bytes",
			Help: "Available host memory, in bytes.",
		}),
		largestFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybms_gateway_memory_largest_free_block_bytes",
			Help: "Approximate largest contiguous free block, in bytes.",
		}),
		fragmentation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybms_gateway_memory_fragmentation_percentage",
			Help: "Approximate host memory fragmentation percentage.",
		}),
		minimumFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybms_gateway_memory_minimum_free_ever_bytes",
			Help: "Lowest total_free_bytes observed since process start.",
		}),
		allocFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybms_gateway_memory_allocation_failures_total",
			Help: "Allocation failures observed (always 0: the Go runtime aborts rather than failing an allocation).",
		}),
		totalAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybms_gateway_memory_heap_alloc_bytes",
			Help: "Gateway process heap bytes currently allocated.",
		}),
		totalHeapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tinybms_gateway_memory_heap_sys_bytes",
			Help: "Gateway process heap bytes obtained from the OS.",
		}),
		minFreeEver: ^uint64(0),
		nowFn:       time.Now,
	}
	p.registry.MustRegister(p.totalFree, p.largestFree, p.fragmentation,
		p.minimumFree, p.allocFailures, p.totalAllocated, p.totalHeapSize)
	return p
}

// Sample reads current host and process memory and returns a classified
// Snapshot.
func (p *Provider) Sample() (Snapshot, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, err
	}

	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)

	// gopsutil's VirtualMemory does not expose a free-block histogram, so
	// largest_free_block and fragmentation_percentage are approximated
	// from Available/Free: the gap between the two is host-level
	// allocator overhead the gateway cannot otherwise observe.
	totalFree := vm.Available
	largestFreeBlock := vm.Free
	var fragmentationPct float64
	if totalFree > 0 {
		fragmentationPct = 100 * (1 - float64(largestFreeBlock)/float64(totalFree))
		if fragmentationPct < 0 {
			fragmentationPct = 0
		}
	}

	if !p.sampled || totalFree < p.minFreeEver {
		p.minFreeEver = totalFree
	}
	p.sampled = true

	p.totalFree.Set(float64(totalFree))
	p.largestFree.Set(float64(largestFreeBlock))
	p.fragmentation.Set(fragmentationPct)
	p.minimumFree.Set(float64(p.minFreeEver))
	p.allocFailures.Set(0)
	p.totalAllocated.Set(float64(rt.HeapAlloc))
	p.totalHeapSize.Set(float64(rt.HeapSys))

	snap := Snapshot{
		TimestampMs:             p.nowFn().UnixMilli(),
		TotalFreeBytes:          totalFree,
		LargestFreeBlock:        largestFreeBlock,
		FragmentationPercentage: fragmentationPct,
		MinimumFreeEver:         p.minFreeEver,
		AllocationFailures:      0,
		TotalAllocatedBytes:     rt.HeapAlloc,
		TotalHeapSize:           rt.HeapSys,
		HealthStatus:            classify(totalFree, fragmentationPct),
		HeapInfo: HeapInfo{
			HeapAllocBytes: rt.HeapAlloc,
			HeapSysBytes:   rt.HeapSys,
			HeapIdleBytes:  rt.HeapIdle,
			HeapInuseBytes: rt.HeapInuse,
			NumGC:          rt.NumGC,
		},
	}
	return snap, nil
}

// Gather exposes the provider's registry in Prometheus's own metric
// family encoding, for any consumer that prefers it over Snapshot.
func (p *Provider) Gather() ([]*dto.MetricFamily, error) {
	return p.registry.Gather()
}

func classify(totalFree uint64, fragmentationPct float64) HealthStatus {
	if totalFree < CriticalFreeBytes {
		return HealthCritical
	}
	if totalFree < WarningFreeBytes || fragmentationPct > WarningFragmentationPct {
		return HealthWarning
	}
	return HealthOK
}
