//go:build unix

package tin

import (
	"os/signal"

	"golang.org/x/sys/unix"
)

// ignoreSIGPIPE stops writes to closed pipes and sockets from killing the
// process, so they fail with EPIPE instead.
func ignoreSIGPIPE() {
	signal.Ignore(unix.SIGPIPE)
}
