package pin

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Affinity sets CPU affinity of the calling thread with
// sched_setaffinity.
type Affinity struct{}

// Pin implements Pinner.
func (Affinity) Pin(cores Cores) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cores {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("set affinity %v: %w", cores, err)
	}
	return nil
}

// Default returns pinner of the platform.
func Default() Pinner {
	return Affinity{}
}
