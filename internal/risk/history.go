package risk

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	defaultHistoryWindow     = 120
	defaultHistoryResolution = time.Minute
	minCorrelationReturns    = 3
)

// PriceHistory keeps a rolling window of bucketed prices per token.
// Each bucket holds the last price observed within one resolution step.
type PriceHistory struct {
	mu         sync.RWMutex
	window     int
	resolution time.Duration
	series     map[string]*priceSeries
}

type priceSeries struct {
	buckets []int64 // ascending
	prices  map[int64]float64
}

// NewPriceHistory creates a history keeping window buckets of the given resolution.
// Zero values select 120 one-minute buckets.
func NewPriceHistory(window int, resolution time.Duration) *PriceHistory {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	if resolution <= 0 {
		resolution = defaultHistoryResolution
	}
	return &PriceHistory{
		window:     window,
		resolution: resolution,
		series:     make(map[string]*priceSeries),
	}
}

// RecordPrice stores a price observation. Non-positive prices are ignored.
func (h *PriceHistory) RecordPrice(token string, price float64, at time.Time) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	bucket := at.Truncate(h.resolution).Unix()

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.series[token]
	if !ok {
		s = &priceSeries{prices: make(map[int64]float64)}
		h.series[token] = s
	}
	if _, seen := s.prices[bucket]; seen {
		s.prices[bucket] = price
		return
	}

	s.buckets = append(s.buckets, bucket)
	s.prices[bucket] = price
	if n := len(s.buckets); n > 1 && s.buckets[n-2] > bucket {
		sort.Slice(s.buckets, func(i, j int) bool { return s.buckets[i] < s.buckets[j] })
	}
	for len(s.buckets) > h.window {
		delete(s.prices, s.buckets[0])
		s.buckets = s.buckets[1:]
	}
}

// Len returns the number of buckets held for token.
func (h *PriceHistory) Len(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.series[token]; ok {
		return len(s.buckets)
	}
	return 0
}

// Correlation returns the Pearson correlation of simple returns between a and b over
// the buckets both series share. ok is false when there is not enough overlap.
func (h *PriceHistory) Correlation(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}

	h.mu.RLock()
	sa, okA := h.series[a]
	sb, okB := h.series[b]
	if !okA || !okB {
		h.mu.RUnlock()
		return 0, false
	}
	var pa, pb []float64
	for _, bucket := range sa.buckets {
		if vb, shared := sb.prices[bucket]; shared {
			pa = append(pa, sa.prices[bucket])
			pb = append(pb, vb)
		}
	}
	h.mu.RUnlock()

	ra, rb := returns(pa), returns(pb)
	if len(ra) < minCorrelationReturns {
		return 0, false
	}
	return pearson(ra, rb)
}

func returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

func pearson(x, y []float64) (float64, bool) {
	mx, my := mean(x), mean(y)
	var cov, vx, vy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}
