package indicator

// Spec describes an attached indicator so the attached set can be persisted
// and rebuilt on restart.
type Spec struct {
	Handle string  `json:"handle" yaml:"-"`
	Kind   Kind    `json:"kind" yaml:"kind"`
	Params Params  `json:"params" yaml:",inline"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Build constructs the indicator s describes.
func (s Spec) Build() (Indicator, error) {
	return New(s.Kind, s.Params)
}
