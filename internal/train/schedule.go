package train

// Schedule produces the learning rate for each optimizer step: linear warmup
// from zero to the base rate over warmup steps, then linear decay to zero
// over the remaining steps.
type Schedule struct {
	base   float64
	warmup int
	total  int
}

func NewSchedule(base float64, warmup, total int) *Schedule {
	if warmup >= total {
		warmup = total - 1
	}
	if warmup < 0 {
		warmup = 0
	}
	return &Schedule{base: base, warmup: warmup, total: total}
}

// At returns the learning rate for the given zero-based step.
func (s *Schedule) At(step int) float64 {
	if step < s.warmup {
		return s.base * float64(step) / float64(s.warmup)
	}
	if step >= s.total {
		return 0
	}
	return s.base * float64(s.total-step) / float64(s.total-s.warmup)
}
