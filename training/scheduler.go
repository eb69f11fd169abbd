package training

// ReduceLROnPlateau reduces the learning rate when a monitored metric has
// stopped improving for a patience window of evaluation cycles. State lives
// on the CPU side of the loop; Step is called once per validation cycle with
// the validation mean loss.
type ReduceLROnPlateau struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of non-improving cycles tolerated before reduction
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badCycles   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateau creates a plateau-based scheduler.
func NewReduceLROnPlateau(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 2
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min" // Default: minimize loss
	}

	return &ReduceLROnPlateau{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records one evaluation cycle's metric and returns the learning rate
// to use from here on.
func (s *ReduceLROnPlateau) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badCycles = 0
	} else {
		s.badCycles++
		// Patience cycles are tolerated; the reduction happens on the
		// cycle after the window is exhausted.
		if s.badCycles > s.Patience {
			s.currentLR *= s.Factor
			s.badCycles = 0
		}
	}

	return s.currentLR
}
