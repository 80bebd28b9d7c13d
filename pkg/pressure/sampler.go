package pressure

import (
	"context"
	"flag"
	"log/slog"
	"runtime/metrics"
	"time"
)

var (
	heapLimit = flag.Int64("pressure_heap_limit_bytes", 0,
		"Heap size treated as the memory limit by the heap sampler; 0 disables sampling.")
	sampleInterval = flag.Duration("pressure_sample_interval", time.Second, "Interval between heap samples.")
	moderateRatio  = flag.Float64("pressure_moderate_ratio", 0.75,
		"Heap to limit ratio from which memory pressure is moderate.")
	criticalRatio = flag.Float64("pressure_critical_ratio", 0.9,
		"Heap to limit ratio from which memory pressure is critical.")
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// SamplerOptions configures a HeapSampler.
type SamplerOptions struct {
	LimitBytes    int64
	Interval      time.Duration
	ModerateRatio float64
	CriticalRatio float64
}

// SamplerOptionsFromFlags builds SamplerOptions from the command line flags.
func SamplerOptionsFromFlags() SamplerOptions {
	return SamplerOptions{
		LimitBytes:    *heapLimit,
		Interval:      *sampleInterval,
		ModerateRatio: *moderateRatio,
		CriticalRatio: *criticalRatio,
	}
}

// Enabled returns true if the options describe a usable sampler.
func (o SamplerOptions) Enabled() bool {
	return o.LimitBytes > 0 && o.Interval > 0
}

// HeapSampler turns the Go heap size into pressure signals, for hosts that don't notify about memory pressure.
type HeapSampler struct {
	opts     SamplerOptions
	readHeap func() uint64
}

// NewHeapSampler creates a sampler reading the live heap from runtime/metrics.
func NewHeapSampler(opts SamplerOptions) *HeapSampler {
	return &HeapSampler{opts: opts, readHeap: readHeapObjects}
}

func readHeapObjects() uint64 {
	samples := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(samples)
	if samples[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return samples[0].Value.Uint64()
}

// levelFor maps a heap size to a pressure level.
func (s *HeapSampler) levelFor(heapBytes uint64) Level {
	ratio := float64(heapBytes) / float64(s.opts.LimitBytes)
	switch {
	case ratio >= s.opts.CriticalRatio:
		return LevelCritical
	case ratio >= s.opts.ModerateRatio:
		return LevelModerate
	default:
		return LevelNormal
	}
}

// Run samples the heap every interval and calls `onSignal` when the level changes. It blocks until `ctx` is done.
func (s *HeapSampler) Run(ctx context.Context, onSignal func(Level)) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	last := LevelNormal
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			heapBytes := s.readHeap()
			sampledHeap.Set(float64(heapBytes))
			if level := s.levelFor(heapBytes); level != last {
				slog.Debug("Heap pressure level changed.", "heap", heapBytes, "limit", s.opts.LimitBytes,
					"level", level.String())
				last = level
				onSignal(level)
			}
		}
	}
}
