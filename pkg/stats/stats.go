// Package stats keeps a windowed running mean and standard deviation over
// signed samples, rejecting outliers once the window is full. Used by the
// summary reporter for delay and round-trip figures.
package stats

import (
	"math/big"

	"github.com/ddirect/container/fifo"
	"golang.org/x/exp/constraints"
)

type Running[T constraints.Signed] struct {
	sum        big.Int
	sum2       big.Int
	t1         big.Int
	t2         big.Int
	t3         big.Int
	window     fifo.Fifo[T]
	maxSamples int
	maxSpread  float64
	mean       T
	stdDev     T
}

// New sizes the window and sets the accepted spread around the mean, as a
// factor of the standard deviation, applied once the window is full.
func New[T constraints.Signed](maxSamples int, maxSpread float64) *Running[T] {
	return &Running[T]{
		maxSamples: maxSamples,
		maxSpread:  maxSpread,
	}
}

// Add feeds one sample. Returns false when the window is full and the
// sample fell outside the accepted spread, in which case it was discarded.
func (s *Running[T]) Add(x T) bool {
	spread := T(float64(s.stdDev) * s.maxSpread)
	inRange := x >= s.mean-spread && x <= s.mean+spread

	if s.Count() >= s.maxSamples {
		if !inRange {
			return false
		}
		s.drop()
	}

	t := s.t1.SetInt64(int64(x))
	s.sum.Add(&s.sum, t)
	s.sum2.Add(&s.sum2, t.Mul(t, t))
	s.window.Enqueue(x)
	s.mean = s.computeMean()
	s.stdDev = s.computeStdDev()
	return true
}

// Reset discards the window and all accumulated state.
func (s *Running[T]) Reset() {
	for s.Count() > 0 {
		s.drop()
	}
	s.mean = 0
	s.stdDev = 0
}

func (s *Running[T]) drop() {
	if x, ok := s.window.Dequeue(); ok {
		t := s.t1.SetInt64(int64(x))
		s.sum.Sub(&s.sum, t)
		s.sum2.Sub(&s.sum2, t.Mul(t, t))
	}
}

func (s *Running[T]) computeMean() T {
	n := s.Count()
	if n < 1 {
		return 0
	}
	return T(s.t2.Div(&s.sum, s.t1.SetUint64(uint64(n))).Int64())
}

func (s *Running[T]) computeStdDev() T {
	n := uint64(s.Count())
	if n < 2 {
		return 0
	}
	// Sqrt((n*sum2 - sum*sum) / (n*(n-1)))
	t1 := &s.t1
	t2 := &s.t2
	t3 := &s.t3

	t1.SetUint64(n)
	t2.Sub(t2.Mul(t1, &s.sum2), t3.Mul(&s.sum, &s.sum))
	t3.Mul(t1, t3.SetUint64(n-1))

	return T(t2.Div(t2, t3).Sqrt(t2).Uint64())
}

func (s *Running[T]) Count() int {
	return s.window.Len()
}

func (s *Running[T]) Mean() T {
	return s.mean
}

func (s *Running[T]) StdDev() T {
	return s.stdDev
}
