// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stats

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinMaxOf(t *testing.T) {
	lo, hi, ok := MinMaxOf([]float32{3, float32(math.NaN()), -2, 5})
	assert.True(t, ok)
	assert.Equal(t, float32(-2), lo)
	assert.Equal(t, float32(5), hi)

	_, _, ok = MinMaxOf([]float64{math.NaN()})
	assert.False(t, ok)
}

func TestMinMax(t *testing.T) {
	var c Collector = NewMinMax()
	_, _, ok := c.Range()
	assert.False(t, ok)

	c.Update([]float32{-1, 0.5})
	c.Update([]float32{2, 0})
	lo, hi, ok := c.Range()
	assert.True(t, ok)
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 2.0, hi)

	c.Reset()
	_, _, ok = c.Range()
	assert.False(t, ok)
	c.Update([]float32{7})
	lo, hi, _ = c.Range()
	assert.Equal(t, 7.0, lo)
	assert.Equal(t, 7.0, hi)
}

func TestPercentile(t *testing.T) {
	c := must.M1(NewPercentile(90))
	values := make([]float32, 0, 101)
	for ii := 0; ii <= 100; ii++ {
		values = append(values, float32(ii))
	}
	// A single far outlier must be discarded.
	values = append(values, 10_000)
	c.Update(values)
	lo, hi, ok := c.Range()
	assert.True(t, ok)
	assert.InDelta(t, 10.0, lo, 1.0)
	assert.InDelta(t, 91.0, hi, 1.0)

	c.Reset()
	_, _, ok = c.Range()
	assert.False(t, ok)

	assert.Equal(t, DefaultPercentile, must.M1(NewPercentile(0)).percentile)
	assert.NotNil(t, must.M1(NewPercentile(100)))
	for _, p := range []float64{50, 10, -1, 100.5, math.NaN()} {
		_, err := NewPercentile(p)
		assert.Error(t, err, "percentile %g", p)
	}
}

func TestPercentileBounded(t *testing.T) {
	const numValues = 10_000
	values := make([]float32, numValues)
	for ii := range values {
		values[ii] = float32(ii)
	}
	newCollector := func() *Percentile {
		return must.M1(NewPercentile(95)).WithCapacity(500)
	}
	c := newCollector()
	for start := 0; start < numValues; start += 1000 {
		c.Update(values[start : start+1000])
	}
	assert.Len(t, c.values, 500)
	assert.Equal(t, int64(numValues), c.seen)
	lo, hi, ok := c.Range()
	require.True(t, ok)
	assert.InDelta(t, 500.0, lo, 400.0)
	assert.InDelta(t, 9500.0, hi, 400.0)

	// Sampling is reproducible, including after a Reset.
	other := newCollector()
	other.Update(values)
	lo2, hi2, _ := other.Range()
	assert.Equal(t, lo, lo2)
	assert.Equal(t, hi, hi2)
	other.Reset()
	other.Update(values)
	lo3, hi3, _ := other.Range()
	assert.Equal(t, lo, lo3)
	assert.Equal(t, hi, hi3)
}
