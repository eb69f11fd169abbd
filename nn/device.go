package nn

// Device identifies the compute backend that runs forward and backward
// passes. It is injected into the training loop at construction instead of
// being probed implicitly at call sites.
type Device int

const (
	// CPU runs all tensor math on the host.
	CPU Device = iota
	// Accelerator marks an external accelerated backend. The pure-Go build
	// has none, so BestAvailable never returns it, but collaborators that
	// wrap native backends can.
	Accelerator
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case Accelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// BestAvailable returns the most capable device compiled into this binary.
func BestAvailable() Device {
	return CPU
}
