// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stats implements the statistics collectors quantizers use to observe tensor values during
// calibration and derive the range an encoding must cover.
//
// Collectors accumulate across Update calls until Reset. They are not safe for concurrent use.
package stats

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"
)

// Collector observes values and summarizes them as a [min, max] range.
type Collector interface {
	// Reset discards everything observed so far.
	Reset()

	// Update observes more values. NaN values are ignored.
	Update(values []float32)

	// Range returns the range of the observed values. ok is false if nothing was observed.
	Range() (minValue, maxValue float64, ok bool)
}

// MinMaxOf returns the smallest and largest non-NaN value of values. ok is false if there are none.
func MinMaxOf[T constraints.Float](values []T) (minValue, maxValue T, ok bool) {
	for _, v := range values {
		if v != v {
			continue
		}
		if !ok {
			minValue, maxValue, ok = v, v, true
			continue
		}
		minValue = min(minValue, v)
		maxValue = max(maxValue, v)
	}
	return
}

// MinMax tracks the absolute minimum and maximum observed values.
type MinMax struct {
	minValue, maxValue float64
	observed           bool
}

// NewMinMax returns an empty MinMax collector.
func NewMinMax() *MinMax { return &MinMax{} }

// Reset implements Collector.
func (c *MinMax) Reset() { *c = MinMax{} }

// Update implements Collector.
func (c *MinMax) Update(values []float32) {
	lo, hi, ok := MinMaxOf(values)
	if !ok {
		return
	}
	if !c.observed {
		c.minValue, c.maxValue, c.observed = float64(lo), float64(hi), true
		return
	}
	c.minValue = math.Min(c.minValue, float64(lo))
	c.maxValue = math.Max(c.maxValue, float64(hi))
}

// Range implements Collector.
func (c *MinMax) Range() (minValue, maxValue float64, ok bool) {
	return c.minValue, c.maxValue, c.observed
}

// DefaultPercentile used by NewPercentile when percentile is 0.
const DefaultPercentile = 99.99

// DefaultPercentileCapacity is the number of values a Percentile collector keeps.
const DefaultPercentileCapacity = 1 << 16

// percentileSeed makes the sampling, and hence the encodings, reproducible.
const percentileSeed = 0x9e3779b97f4a7c15

// Percentile discards outliers: the range goes from the (100-p)-th to the p-th percentile of the
// observed values.
//
// Memory is bounded: once more values than its capacity were observed, the percentiles are
// estimated from a uniform sample of them (reservoir sampling with a fixed seed).
type Percentile struct {
	percentile float64
	capacity   int
	values     []float64
	seen       int64
	sorted     bool
	rng        *rand.Rand
}

// NewPercentile returns a Percentile collector for p in (50, 100]. p == 0 selects
// DefaultPercentile.
func NewPercentile(p float64) (*Percentile, error) {
	if p == 0 {
		p = DefaultPercentile
	}
	if err := ValidatePercentile(p); err != nil {
		return nil, err
	}
	c := &Percentile{percentile: p, capacity: DefaultPercentileCapacity}
	c.Reset()
	return c, nil
}

// ValidatePercentile returns an error if p is not in (50, 100].
func ValidatePercentile(p float64) error {
	if !(p > 50 && p <= 100) {
		return errors.Errorf("percentile must be in (50, 100], got %g", p)
	}
	return nil
}

// WithCapacity sets the maximum number of values kept, and resets the collector. It returns c.
func (c *Percentile) WithCapacity(capacity int) *Percentile {
	c.capacity = max(capacity, 1)
	c.values = nil
	c.Reset()
	return c
}

// Reset implements Collector.
func (c *Percentile) Reset() {
	c.values = c.values[:0]
	c.seen = 0
	c.sorted = false
	c.rng = rand.New(rand.NewPCG(percentileSeed, uint64(c.capacity)))
}

// Update implements Collector.
func (c *Percentile) Update(values []float32) {
	for _, v := range values {
		if v != v {
			continue
		}
		c.seen++
		if len(c.values) < c.capacity {
			c.values = append(c.values, float64(v))
			continue
		}
		// Sorting only permutes the sample, so any kept position can be replaced.
		if j := c.rng.Int64N(c.seen); j < int64(c.capacity) {
			c.values[j] = float64(v)
		}
	}
	c.sorted = false
}

// Range implements Collector.
func (c *Percentile) Range() (minValue, maxValue float64, ok bool) {
	if len(c.values) == 0 {
		return 0, 0, false
	}
	if !c.sorted {
		slices.Sort(c.values)
		c.sorted = true
	}
	high := c.percentile / 100
	low := 1 - high
	minValue = stat.Quantile(low, stat.Empirical, c.values, nil)
	maxValue = stat.Quantile(high, stat.Empirical, c.values, nil)
	return minValue, maxValue, true
}
