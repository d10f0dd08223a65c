package monitor

// Poller waits for readiness on a set of descriptors
type Poller interface {
	Add(fd int) error
	Remove(fd int) error
	// Wait blocks for at most msec milliseconds and returns the ready descriptors
	Wait(msec int) ([]int, error)
	Close() error
}
