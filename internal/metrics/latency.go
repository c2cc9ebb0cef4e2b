package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker tracks latency quantiles using DDSketch.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker. relativeAccuracy is the
// accuracy of quantile estimates (0.01 = 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given stage.
func (lt *LatencyTracker) Record(stage string, duration time.Duration) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[stage]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[stage] = sketch
	}

	// milliseconds
	_ = sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// Since records the time elapsed since start.
func (lt *LatencyTracker) Since(stage string, start time.Time) {
	lt.Record(stage, time.Since(start))
}

// Stats summarizes one stage.
type Stats struct {
	Stage string
	Count int64
	Min   float64
	P50   float64
	P90   float64
	P99   float64
	Max   float64
}

// Stats returns the summary of stage.
func (lt *LatencyTracker) Stats(stage string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(stage)
}

func (lt *LatencyTracker) statsLocked(stage string) (Stats, error) {
	sketch, exists := lt.sketches[stage]
	if !exists {
		return Stats{}, fmt.Errorf("no data for stage: %s", stage)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Stage: stage}, nil
	}

	lo, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	hi, _ := sketch.GetMaxValue()

	return Stats{
		Stage: stage,
		Count: int64(count),
		Min:   lo,
		P50:   p50,
		P90:   p90,
		P99:   p99,
		Max:   hi,
	}, nil
}

// AllStats returns the summary of every stage, sorted by name.
func (lt *LatencyTracker) AllStats() []Stats {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for stage := range lt.sketches {
		if s, err := lt.statsLocked(stage); err == nil {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Stage < stats[j].Stage })
	return stats
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Stage)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Stage, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
