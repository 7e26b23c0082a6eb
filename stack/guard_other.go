//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package stack

type guardedStack struct{}

func allocGuarded(int) (Stack, error) { return nil, ErrGuardUnsupported }

func (*guardedStack) Bytes() []byte { return nil }
func (*guardedStack) Size() int     { return 0 }
func (*guardedStack) Guarded() bool { return true }
func (*guardedStack) free() error   { return ErrStackFreed }
