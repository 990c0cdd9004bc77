package distributed

import "github.com/pkg/errors"

// ErrorStat counts classification mistakes over some set of examples.
type ErrorStat struct {
	Wrong int64
	Total int64
}

// Add accumulates one batch worth of results.
func (s *ErrorStat) Add(wrong, total int64) {
	s.Wrong += wrong
	s.Total += total
}

// Rate is the error rate, wrong/total. Zero when no examples were seen.
func (s ErrorStat) Rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Wrong) / float64(s.Total)
}

// Aggregate sums the per-worker statistic across the whole job and
// returns the global one. Counts are summed before any division: the
// resulting Rate is exactly Σwrong/Σtotal, which differs from averaging
// per-worker rates whenever shards are uneven.
//
// A failed reduction means the workers have desynchronized; the error
// is returned as-is for the caller to treat as fatal.
func Aggregate(c Collective, name string, local ErrorStat) (ErrorStat, error) {
	reduced, err := c.AllReduceSum(name, []float32{float32(local.Wrong), float32(local.Total)})
	if err != nil {
		return ErrorStat{}, errors.WithMessagef(err, "aggregating %q error counts", name)
	}
	return ErrorStat{Wrong: int64(reduced[0]), Total: int64(reduced[1])}, nil
}
