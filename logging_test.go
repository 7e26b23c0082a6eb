package tin

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for use by concurrent workers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) Lines() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return strings.Split(strings.TrimSpace(x.buf.String()), "\n")
}

func newBufferLogger(w *syncBuffer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func countLines(lines []string, substr string) int {
	var n int
	for _, line := range lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestLogging_Lifecycle(t *testing.T) {
	var buf syncBuffer
	rt, err := New(WithParallelism(1), WithLogger(newBufferLogger(&buf, logiface.LevelInformational)))
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	lines := buf.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"msg":"runtime started"`)
	assert.Contains(t, lines[0], `"component":"tin"`)
	assert.Contains(t, lines[0], `"parallelism":`)
	assert.Contains(t, lines[1], `"msg":"runtime shut down"`)
}

func TestLogging_TaskPanicked(t *testing.T) {
	var buf syncBuffer
	rt, err := New(WithParallelism(1), WithLogger(newBufferLogger(&buf, logiface.LevelWarning)))
	require.NoError(t, err)

	task, err := rt.Spawn(func(*Task) { panic("oops") }, WithTaskName("doomed"))
	require.NoError(t, err)
	require.Error(t, task.Join(nil))
	require.NoError(t, rt.Close())

	lines := buf.Lines()
	require.Equal(t, 1, countLines(lines, `"msg":"task panicked"`))
	assert.Contains(t, lines[0], `"name":"doomed"`)
	assert.Contains(t, lines[0], `"panic":"oops"`)
	assert.Contains(t, lines[0], `"lvl":"err"`)
}

func TestLogging_RateLimited(t *testing.T) {
	var buf syncBuffer
	rt, err := New(WithParallelism(2), WithLogger(newBufferLogger(&buf, logiface.LevelWarning)))
	require.NoError(t, err)

	const n = 50
	for range n {
		task, err := rt.Spawn(func(*Task) { panic("again") })
		require.NoError(t, err)
		require.Error(t, task.Join(nil))
	}
	require.NoError(t, rt.Close())

	logged := countLines(buf.Lines(), `"msg":"task panicked"`)
	assert.GreaterOrEqual(t, logged, 1)
	assert.LessOrEqual(t, logged, logRates[time.Second])
	assert.Equal(t, uint64(n), rt.Stats().Panicked)
}

func TestLogging_Disabled(t *testing.T) {
	rt, err := New(WithLogger(nil))
	require.NoError(t, err)
	task, err := rt.Spawn(func(*Task) { panic("quiet") })
	require.NoError(t, err)
	require.Error(t, task.Join(nil))
	require.NoError(t, rt.Close())
}

func TestLogging_TimerDropped(t *testing.T) {
	var buf syncBuffer
	rt, err := New(WithParallelism(1), WithLogger(newBufferLogger(&buf, logiface.LevelDebug)))
	require.NoError(t, err)
	task, err := rt.Spawn(func(*Task) {})
	require.NoError(t, err)
	require.NoError(t, task.Join(nil))
	require.NoError(t, rt.Close())

	spawned := rt.Stats().Spawned
	// a firing that loses the race with shutdown
	x := &Timer{rt: rt, tm: newTimer(), fn: func(*Task) { t.Error("timer ran after shutdown") }}
	x.fire(task, nil, 0)

	lines := buf.Lines()
	require.Equal(t, 1, countLines(lines, `"msg":"timer firing dropped"`))
	for _, line := range lines {
		if strings.Contains(line, `"msg":"timer firing dropped"`) {
			assert.Contains(t, line, `"lvl":"debug"`)
			assert.Contains(t, line, ErrRuntimeClosed.Error())
		}
	}
	assert.Equal(t, spawned, rt.Stats().Spawned)
}
