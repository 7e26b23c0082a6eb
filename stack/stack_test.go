package stack

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundPages(t *testing.T) {
	for _, tc := range [...]struct {
		size, page, want int
	}{
		{1, 4096, 2},
		{4096, 4096, 2},
		{4097, 4096, 3},
		{64 << 10, 4096, 17},
		{0, 4096, 2},
	} {
		assert.Equal(t, tc.want, roundPages(tc.size, tc.page), "size=%d", tc.size)
	}
}

func TestDefaultProvider_Heap(t *testing.T) {
	p := NewProvider()

	s, err := p.Allocate(1024, false)
	require.NoError(t, err)
	assert.False(t, s.Guarded())
	assert.Equal(t, 1024, s.Size())
	assert.Len(t, s.Bytes(), 1024)

	// the region is writable
	b := s.Bytes()
	b[0], b[len(b)-1] = 1, 2

	assert.Equal(t, Stats{Allocated: 1, Bytes: 1024}, p.Stats())

	require.NoError(t, p.Free(s))
	assert.ErrorIs(t, p.Free(s), ErrStackFreed)
	assert.Equal(t, Stats{Allocated: 1, Freed: 1}, p.Stats())
}

func TestDefaultProvider_InvalidSize(t *testing.T) {
	_, err := NewProvider().Allocate(0, false)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

type foreignStack struct{}

func (foreignStack) Bytes() []byte { return nil }
func (foreignStack) Size() int     { return 0 }
func (foreignStack) Guarded() bool { return false }

func TestDefaultProvider_ForeignStack(t *testing.T) {
	assert.ErrorIs(t, NewProvider().Free(foreignStack{}), ErrForeignStack)
}

func TestDefaultProvider_Guarded(t *testing.T) {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "netbsd", "openbsd", "dragonfly", "windows":
	default:
		_, err := NewProvider().Allocate(4096, true)
		assert.ErrorIs(t, err, ErrGuardUnsupported)
		return
	}

	page := os.Getpagesize()
	p := NewProvider()

	s, err := p.Allocate(page+1, true)
	require.NoError(t, err)
	assert.True(t, s.Guarded())
	assert.GreaterOrEqual(t, s.Size(), page+1)
	assert.Zero(t, s.Size()%page)

	b := s.Bytes()
	for i := range b {
		b[i] = byte(i)
	}
	assert.Equal(t, byte(7), b[7])

	require.NoError(t, p.Free(s))
	assert.Nil(t, s.Bytes())
	assert.ErrorIs(t, p.Free(s), ErrStackFreed)
	assert.Equal(t, uint64(1), p.Stats().Freed)
	assert.Zero(t, p.Stats().Bytes)
}
