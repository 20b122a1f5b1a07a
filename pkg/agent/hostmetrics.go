package agent

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/gridfarm/worker-agent/pkg/observability"
)

// hostMetrics samples host utilization on an interval and emits one
// Metrics/System event per sample. Throughput figures are rates computed
// from the deltas between consecutive cumulative counter readings.
type hostMetrics struct {
	interval time.Duration
	logger   *zap.Logger
	events   *observability.EventStream

	mu   sync.Mutex
	prev counterSample

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// counterSample holds one reading of the cumulative counters rates are
// derived from.
type counterSample struct {
	at        time.Time
	netSent   uint64
	netRecv   uint64
	diskRead  uint64
	diskWrite uint64
}

// byteRates converts two cumulative samples into per-second byte rates.
// Rates are zero until two samples exist, and clamp to zero when a counter
// moves backwards after a reset.
func byteRates(prev, cur counterSample) (sent, recv, read, write float64) {
	if prev.at.IsZero() {
		return 0, 0, 0, 0
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0, 0, 0
	}
	rate := func(now, then uint64) float64 {
		if now < then {
			return 0
		}
		return float64(now-then) / dt
	}
	return rate(cur.netSent, prev.netSent),
		rate(cur.netRecv, prev.netRecv),
		rate(cur.diskRead, prev.diskRead),
		rate(cur.diskWrite, prev.diskWrite)
}

func newHostMetrics(interval time.Duration, logger *zap.Logger, events *observability.EventStream) *hostMetrics {
	return &hostMetrics{
		interval: interval,
		logger:   logger,
		events:   events,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop. The first report fires after one full
// interval so its rates are meaningful.
func (h *hostMetrics) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.started = true
		h.prime()
		go h.run(ctx)
	})
}

// Stop halts sampling and waits for the loop to exit.
func (h *hostMetrics) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	if h.started {
		<-h.doneCh
	}
}

func (h *hostMetrics) run(ctx context.Context) {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.report(ctx)
		}
	}
}

// prime takes the baseline counter reading the first report diffs against.
func (h *hostMetrics) prime() {
	h.mu.Lock()
	h.prev = readCounters()
	h.mu.Unlock()
}

// report gathers one sample and emits it.
func (h *hostMetrics) report(ctx context.Context) {
	cur := readCounters()

	h.mu.Lock()
	prev := h.prev
	h.prev = cur
	h.mu.Unlock()

	sent, recv, read, write := byteRates(prev, cur)

	metadata := map[string]interface{}{
		"network_sent_bps": sent,
		"network_recv_bps": recv,
		"disk_read_bps":    read,
		"disk_write_bps":   write,
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		metadata["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metadata["memory_total_bytes"] = vm.Total
		metadata["memory_used_bytes"] = vm.Used
		metadata["memory_percent"] = vm.UsedPercent
	}
	if swap, err := mem.SwapMemory(); err == nil {
		metadata["swap_used_bytes"] = swap.Used
	}
	if usage, err := disk.Usage("/"); err == nil {
		metadata["disk_total_bytes"] = usage.Total
		metadata["disk_used_bytes"] = usage.Used
		metadata["disk_percent"] = usage.UsedPercent
	}

	h.logger.Debug("Host metrics sampled",
		zap.Float64("network_sent_bps", sent),
		zap.Float64("network_recv_bps", recv),
		zap.Float64("disk_read_bps", read),
		zap.Float64("disk_write_bps", write))

	h.events.RecordEvent(ctx, observability.Event{
		Type:     observability.EventMetricsSystem,
		Severity: observability.SeverityInfo,
		Message:  "Host metrics",
		Metadata: metadata,
		Success:  true,
	})
}

// readCounters reads the cumulative network and disk counters, summed across
// devices. Failures leave the affected counters at zero.
func readCounters() counterSample {
	sample := counterSample{at: time.Now()}

	if stats, err := psnet.IOCounters(false); err == nil && len(stats) > 0 {
		sample.netSent = stats[0].BytesSent
		sample.netRecv = stats[0].BytesRecv
	}
	if counters, err := disk.IOCounters(); err == nil {
		for _, c := range counters {
			sample.diskRead += c.ReadBytes
			sample.diskWrite += c.WriteBytes
		}
	}
	return sample
}
