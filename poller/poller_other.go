//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package poller

// New returns the platform Poller.
func New() (Poller, error) {
	return nil, ErrUnsupported
}
