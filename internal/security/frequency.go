package security

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Sink receives events; *Bus satisfies it.
type Sink interface {
	Emit(event models.SecurityEvent)
}

// FrequencyMonitor watches the number of executed trades in a rolling window and emits
// one high-severity event each time the count crosses above the threshold. It re-arms
// once the windowed count falls back to the threshold or below.
type FrequencyMonitor struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	trades    []time.Time
	tripped   bool
	sink      Sink
}

// NewFrequencyMonitor creates a monitor. Zero values select 20 trades per 5 minutes.
func NewFrequencyMonitor(window time.Duration, threshold int, sink Sink) *FrequencyMonitor {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 20
	}
	return &FrequencyMonitor{window: window, threshold: threshold, sink: sink}
}

// RecordTrade registers a trade at the given time and reports whether this trade
// crossed the threshold.
func (f *FrequencyMonitor) RecordTrade(strategy string, at time.Time) bool {
	f.mu.Lock()
	// reports from concurrent units can arrive out of order; keep trades sorted
	i := sort.Search(len(f.trades), func(i int) bool { return f.trades[i].After(at) })
	f.trades = append(f.trades, time.Time{})
	copy(f.trades[i+1:], f.trades[i:])
	f.trades[i] = at
	count := f.pruneLocked(f.trades[len(f.trades)-1])

	crossed := false
	switch {
	case count > f.threshold && !f.tripped:
		f.tripped = true
		crossed = true
	case count <= f.threshold:
		f.tripped = false
	}
	f.mu.Unlock()

	if crossed && f.sink != nil {
		f.sink.Emit(NewEvent(models.EventTradingFrequency, models.SeverityHigh,
			fmt.Sprintf("unusual trading frequency: %d trades within %s", count, f.window), at,
			map[string]string{
				"count":     strconv.Itoa(count),
				"window":    f.window.String(),
				"threshold": strconv.Itoa(f.threshold),
				"strategy":  strategy,
			}))
	}
	return crossed
}

// Count returns the number of trades inside the window ending at now.
func (f *FrequencyMonitor) Count(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := f.pruneLocked(now)
	if count <= f.threshold {
		f.tripped = false
	}
	return count
}

// pruneLocked drops trades at or before now-window. trades is sorted by time.
func (f *FrequencyMonitor) pruneLocked(now time.Time) int {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.trades) && !f.trades[i].After(cutoff) {
		i++
	}
	f.trades = f.trades[i:]
	return len(f.trades)
}
