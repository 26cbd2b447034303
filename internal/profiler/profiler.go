// Copyright 2025 James Ross
package profiler

import (
	"sort"

	"github.com/rodrigowb4ey/dataset-processor/internal/parser"
)

// MaxOutlierExamples is the fixed cap on examples emitted per outlier
// field, resolving the spec's open question in favor of 5 (see DESIGN.md).
const MaxOutlierExamples = 5

// NumericStats is the {min, mean, max} triple for a qualifying field.
type NumericStats struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

// OutlierExample is one sample outside the IQR fence, in first-seen order.
type OutlierExample struct {
	RowIndex int64   `json:"row_index"`
	Value    float64 `json:"value"`
}

// FieldOutliers is the per-field outlier summary.
type FieldOutliers struct {
	Count    int64            `json:"count"`
	Examples []OutlierExample `json:"examples"`
}

// Anomalies is the duplicates + outliers section of a Report.
type Anomalies struct {
	DuplicatesCount int64                    `json:"duplicates_count"`
	Outliers        map[string]FieldOutliers `json:"outliers"`
}

// Report is the full §6 report JSON payload, minus the envelope fields
// (dataset_id, generated_at) the pipeline stamps on afterward.
type Report struct {
	RowCount   int64                   `json:"row_count"`
	NullCounts map[string]int64        `json:"null_counts"`
	Numeric    map[string]NumericStats `json:"numeric"`
	Anomalies  Anomalies               `json:"anomalies"`
}

// fieldAccumulator tracks per-field null/numeric/min/mean/max state with a
// Welford-style running mean, plus the raw numeric sample set (bounded by
// the parser's row cap) needed for the second-pass outlier detection.
type fieldAccumulator struct {
	nullCount  int64
	numericOK  bool
	sawNumeric bool
	count      int64
	mean       float64
	min, max   float64
	samples    []sample
}

type sample struct {
	rowIndex int64
	value    float64
}

// Profiler accumulates a Report across a single streamed pass over rows,
// plus exact-duplicate detection via a fingerprint map. Outlier detection
// is computed on demand from the retained per-field numeric samples,
// acting as the documented second pass.
type Profiler struct {
	rowCount   int64
	fields     []string
	fieldIndex map[string]int
	accs       []*fieldAccumulator
	seen       map[uint64][]canonicalEntry
}

type canonicalEntry struct {
	canon string
	count int64
}

func New() *Profiler {
	return &Profiler{
		fieldIndex: make(map[string]int),
		seen:       make(map[uint64][]canonicalEntry),
	}
}

// Add folds one row into the running accumulators. rowIndex is the
// parser's 0-based index, used verbatim in outlier examples.
func (p *Profiler) Add(rowIndex int64, row parser.Row) {
	p.rowCount++

	present := make(map[string]bool, len(row.Fields))
	for _, field := range row.Fields {
		present[field] = true
		idx, ok := p.fieldIndex[field]
		if !ok {
			idx = len(p.fields)
			p.fieldIndex[field] = idx
			p.fields = append(p.fields, field)
			p.accs = append(p.accs, &fieldAccumulator{numericOK: true})
		}
		acc := p.accs[idx]
		cell, _ := row.Get(field)

		if cell.IsBlank() {
			acc.nullCount++
			continue
		}
		f, numeric := cell.Numeric()
		if !numeric {
			acc.numericOK = false
			continue
		}
		acc.sawNumeric = true
		acc.count++
		if acc.count == 1 {
			acc.mean = f
			acc.min = f
			acc.max = f
		} else {
			acc.mean += (f - acc.mean) / float64(acc.count)
			if f < acc.min {
				acc.min = f
			}
			if f > acc.max {
				acc.max = f
			}
		}
		acc.samples = append(acc.samples, sample{rowIndex: rowIndex, value: f})
	}

	// A field absent from this row's Fields entirely (heterogeneous JSON
	// objects) is still null for this row, same as a blank cell.
	for i, field := range p.fields {
		if !present[field] {
			p.accs[i].nullCount++
		}
	}

	p.recordForDuplicates(row)
}

func (p *Profiler) recordForDuplicates(row parser.Row) {
	canon := row.Canonical()
	h := fnv1a(canon)
	bucket := p.seen[h]
	for i := range bucket {
		if bucket[i].canon == canon {
			bucket[i].count++
			p.seen[h] = bucket
			return
		}
	}
	p.seen[h] = append(bucket, canonicalEntry{canon: canon, count: 1})
}

// Stats finalizes row_count, null_counts, and numeric from the rows seen
// so far. Safe to call once all rows have been added.
func (p *Profiler) Stats() (rowCount int64, nullCounts map[string]int64, numeric map[string]NumericStats) {
	nullCounts = make(map[string]int64, len(p.fields))
	numeric = make(map[string]NumericStats, len(p.fields))
	for i, field := range p.fields {
		acc := p.accs[i]
		nullCounts[field] = acc.nullCount
		if acc.numericOK && acc.sawNumeric {
			numeric[field] = NumericStats{Min: acc.min, Mean: acc.mean, Max: acc.max}
		}
	}
	return p.rowCount, nullCounts, numeric
}

// Anomalies computes the duplicate count and, for every field that
// qualifies as numeric with >=4 samples and a strictly positive IQR, the
// outlier summary. This is the profiler's documented second pass.
func (p *Profiler) Anomalies() Anomalies {
	var dupCount int64
	for _, bucket := range p.seen {
		for _, entry := range bucket {
			if entry.count > 1 {
				dupCount += entry.count - 1
			}
		}
	}

	outliers := make(map[string]FieldOutliers)
	for i, field := range p.fields {
		acc := p.accs[i]
		if !acc.numericOK || !acc.sawNumeric || len(acc.samples) < 4 {
			continue
		}
		fo, ok := computeOutliers(acc.samples)
		if ok {
			outliers[field] = fo
		}
	}

	return Anomalies{DuplicatesCount: dupCount, Outliers: outliers}
}

// computeOutliers applies the IQR fence to samples, which must already be
// in first-seen (row) order; examples are emitted in that same order,
// capped at MaxOutlierExamples.
func computeOutliers(samples []sample) (FieldOutliers, bool) {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.value
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return FieldOutliers{}, false
	}
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	var count int64
	var examples []OutlierExample
	for _, s := range samples {
		if s.value < lower || s.value > upper {
			count++
			if len(examples) < MaxOutlierExamples {
				examples = append(examples, OutlierExample{RowIndex: s.rowIndex, Value: s.value})
			}
		}
	}
	if count == 0 {
		return FieldOutliers{}, false
	}
	return FieldOutliers{Count: count, Examples: examples}, true
}

// percentile computes the linear-interpolation percentile over an
// already-sorted slice, matching the glossary's IQR definition.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
