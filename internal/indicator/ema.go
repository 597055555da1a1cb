package indicator

import "math"

// computeEMA fills s for input indices [from, len(in)).
// EMA[inStart] is seeded with in[inStart]; afterwards
// EMA[i] = in[i]*k + EMA[i-1]*(1-k) with k = 2/(period+1).
func computeEMA(s *Series, in []float64, inStart, period, from int) {
	k := 2.0 / float64(period+1)
	s.start = inStart
	from = s.truncate(min(from, len(in)))
	for i := from; i < len(in); i++ {
		switch {
		case i < inStart:
			s.vals = append(s.vals, math.NaN())
		case i == inStart:
			s.vals = append(s.vals, in[i])
		default:
			s.vals = append(s.vals, in[i]*k+s.vals[i-1]*(1-k))
		}
	}
}
