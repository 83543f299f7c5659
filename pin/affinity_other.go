//go:build !linux

package pin

// Default returns pinner of the platform. Affinity is not supported on
// this platform, so threads are not pinned.
func Default() Pinner {
	return Nop{}
}
