package indicator

import "math"

// computeSMA fills s for input indices [from, len(in)).
// in is valid from inStart; SMA[i] = mean(in[i-period+1 .. i]) once
// period inputs are available.
//
// Each value is summed directly over its window rather than rolled, so a
// full pass and an incremental pass give bit-identical results.
func computeSMA(s *Series, in []float64, inStart, period, from int) {
	s.start = inStart + period - 1
	from = s.truncate(min(from, len(in)))
	for i := from; i < len(in); i++ {
		if i < s.start {
			s.vals = append(s.vals, math.NaN())
			continue
		}
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += in[j]
		}
		s.vals = append(s.vals, sum/float64(period))
	}
}
