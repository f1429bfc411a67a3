package logger

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type flowStat struct {
	events int64
	bytes  int64
}

var (
	warnCount  sync.Map // component -> *int64
	errorCount sync.Map // component -> *int64
	flows      sync.Map // flow name -> *flowStat
)

func recordWarn(component string) {
	incr(&warnCount, component)
}

func recordError(component string) {
	incr(&errorCount, component)
}

func incr(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordFlow counts one event of size bytes on a named flow such as
// "binance_ws" or "bus_liquidation". Flows show up in the periodic report.
func RecordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.events, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// ReportSink receives each runtime report after it is logged. main wires it to
// the metrics package so reports also reach CloudWatch.
type ReportSink func(Fields)

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration, sinks ...ReportSink) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fields := buildReport(ctx)
				log.WithComponent("report").WithFields(fields).Info("runtime report")
				for _, sink := range sinks {
					if sink != nil {
						sink(fields)
					}
				}
			}
		}
	}()
}

func buildReport(ctx context.Context) Fields {
	cpuPct := 0.0
	if samples, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(samples) > 0 {
		cpuPct = samples[0]
	}
	memoryMB := int64(0)
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memoryMB = int64(vm.Used) / 1024 / 1024
	}
	var sent, recv uint64
	if counters, err := gnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		sent = counters[0].BytesSent
		recv = counters[0].BytesRecv
	}

	return Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memoryMB,
		"net_bytes_sent": int64(sent),
		"net_bytes_recv": int64(recv),
		"warns":          snapshotCounts(&warnCount),
		"errors":         snapshotCounts(&errorCount),
		"flows":          snapshotFlows(),
	}
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func snapshotFlows() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		fs := v.(*flowStat)
		out[k.(string)] = map[string]int64{
			"events": atomic.LoadInt64(&fs.events),
			"bytes":  atomic.LoadInt64(&fs.bytes),
		}
		return true
	})
	return out
}

// FlowNames lists the flows seen so far, sorted.
func FlowNames() []string {
	var names []string
	flows.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// TotalCount sums a per-component counter map, optionally restricted to
// components with the given prefix.
func TotalCount(counts map[string]int64, prefix string) int64 {
	var total int64
	for component, n := range counts {
		if prefix == "" || strings.HasPrefix(component, prefix) {
			total += n
		}
	}
	return total
}
