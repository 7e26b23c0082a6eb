package tinsync

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/go-tin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuntime(t *testing.T, parallelism int) *tin.Runtime {
	t.Helper()
	rt, err := tin.New(tin.WithParallelism(parallelism))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

// spawnN spawns n tasks running fn(task, i), and returns them.
func spawnN(t *testing.T, rt *tin.Runtime, n int, fn func(task *tin.Task, i int)) []*tin.Task {
	t.Helper()
	tasks := make([]*tin.Task, n)
	for i := range tasks {
		task, err := rt.Spawn(func(task *tin.Task) { fn(task, i) })
		require.NoError(t, err)
		tasks[i] = task
	}
	return tasks
}

func joinAll(t *testing.T, tasks []*tin.Task) {
	t.Helper()
	for _, task := range tasks {
		require.NoError(t, task.Join(nil))
	}
}

// waitParked waits until every task is waiting.
func waitParked(t *testing.T, tasks ...*tin.Task) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, task := range tasks {
			if task.State() != tin.TaskWaiting {
				return false
			}
		}
		return true
	}, waitTimeout, pollInterval)
}

// fatalChildEnv names the test a child process runs to completion, or to the
// fatal error expected of it.
const fatalChildEnv = "TINSYNC_FATAL_CHILD"

// expectFatalExit runs fn in a child process, which must exit with status 2
// after writing want to stderr. Call it at most once per test.
func expectFatalExit(t *testing.T, want string, fn func()) {
	t.Helper()
	if os.Getenv(fatalChildEnv) == t.Name() {
		fn()
		os.Exit(0)
	}

	parts := strings.Split(t.Name(), "/")
	for i, part := range parts {
		parts[i] = "^" + regexp.QuoteMeta(part) + "$"
	}
	cmd := exec.Command(os.Args[0], "-test.run="+strings.Join(parts, "/"), "-test.count=1")
	cmd.Env = append(os.Environ(), fatalChildEnv+"="+t.Name())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, "child exited cleanly, stderr:\n%s", stderr.String())
	assert.Equal(t, 2, exitErr.ExitCode(), "stderr:\n%s", stderr.String())
	assert.Contains(t, stderr.String(), want)
}

var parallelisms = []int{1, 2, 8}

const (
	waitTimeout  = 5 * time.Second
	pollInterval = time.Millisecond
)
