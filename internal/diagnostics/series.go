package diagnostics

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Series is an append-only sequence of samples. Flush writes the samples added
// since the previous flush, so repeated flushes to one file never duplicate
// rows.
type Series struct {
	mu      sync.Mutex
	name    string
	values  []float64
	flushed int
}

// NewSeries returns an empty series.
func NewSeries(name string) *Series {
	return &Series{name: name}
}

// Name of the series.
func (s *Series) Name() string { return s.name }

// Append adds a sample.
func (s *Series) Append(v float64) {
	s.mu.Lock()
	s.values = append(s.values, v)
	s.mu.Unlock()
}

// Len is the number of samples.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Values returns a copy of all samples.
func (s *Series) Values() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// Flush writes pending samples as "index,value" CSV rows.
func (s *Series) Flush(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cw := csv.NewWriter(w)
	for i := s.flushed; i < len(s.values); i++ {
		row := []string{
			strconv.Itoa(i),
			strconv.FormatFloat(s.values[i], 'g', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	s.flushed = len(s.values)
	return nil
}

// SeriesSummary describes a series.
type SeriesSummary struct {
	Count  int     `json:"count" yaml:"count"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"std_dev" yaml:"std_dev"`
	Last   float64 `json:"last" yaml:"last"`
}

// Summary computes descriptive statistics over all samples. An empty series
// yields a zero summary.
func (s *Series) Summary() SeriesSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.values)
	if n == 0 {
		return SeriesSummary{}
	}
	sum := SeriesSummary{
		Count: n,
		Min:   floats.Min(s.values),
		Max:   floats.Max(s.values),
		Mean:  stat.Mean(s.values, nil),
		Last:  s.values[n-1],
	}
	if n > 1 {
		sum.StdDev = stat.StdDev(s.values, nil)
	}
	return sum
}
