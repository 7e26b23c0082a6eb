package tin

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Log categories, used to rate limit repeated warnings.
const (
	logCategoryPoll    = "poll"
	logCategoryPanic   = "panic"
	logCategoryOffload = "offload"
)

// logRates bounds how often a single category may log.
var logRates = map[time.Duration]int{
	time.Second: 10,
	time.Minute: 100,
}

// defaultLogger writes warnings and above to stderr, as JSON lines.
func defaultLogger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithLevel(logiface.LevelWarning),
	).Logger()
}

// logState is the per-runtime logging configuration.
type logState struct {
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newLogState(logger *logiface.Logger[logiface.Event]) logState {
	return logState{
		logger: logger.Clone().
			Str("component", "tin").
			Logger(),
		limiter: catrate.NewLimiter(logRates),
	}
}

// allow reports whether a rate limited event in the given category may be
// logged now.
func (x *logState) allow(category string) bool {
	_, ok := x.limiter.Allow(category)
	return ok
}

func (rt *Runtime) logTaskPanicked(t *Task, v any) {
	if !rt.log.allow(logCategoryPanic) {
		return
	}
	b := rt.log.logger.Err().
		Uint64("task", t.id).
		Str("name", t.name)
	if err, ok := v.(error); ok {
		b = b.Err(err)
	} else {
		b = b.Str("panic", fmt.Sprint(v))
	}
	b.Log("task panicked")
}

func (rt *Runtime) logPollError(op string, err error) {
	if !rt.log.allow(logCategoryPoll) {
		return
	}
	rt.log.logger.Warning().
		Str("op", op).
		Err(err).
		Log("poller error")
}

func (rt *Runtime) logOffloadPanicked(t *Task, v any) {
	if !rt.log.allow(logCategoryOffload) {
		return
	}
	rt.log.logger.Err().
		Uint64("task", t.id).
		Str("panic", fmt.Sprint(v)).
		Log("offloaded function panicked")
}

func (rt *Runtime) logTimerDropped(err error) {
	rt.log.logger.Debug().
		Err(err).
		Log("timer firing dropped")
}

func (rt *Runtime) logFatal(err *FatalError) {
	rt.log.logger.Crit().
		Str("stack", string(err.Stack)).
		Log(err.Message)
}

func (rt *Runtime) logWorker(w *worker, msg string) {
	rt.log.logger.Debug().
		Int("worker", int(w.id)).
		Log(msg)
}

func (rt *Runtime) logStarted() {
	rt.log.logger.Info().
		Int("parallelism", rt.config.Parallelism).
		Int("max_workers", rt.config.MaxWorkers).
		Int("stack_size", rt.config.StackSize).
		Bool("stack_guard", rt.config.StackGuard).
		Log("runtime started")
}

func (rt *Runtime) logShutdown(elapsed time.Duration, err error) {
	b := rt.log.logger.Info().
		Dur("elapsed", elapsed).
		Uint64("tasks_spawned", rt.stats.spawned.Load())
	if err != nil {
		b = b.Err(err)
	}
	b.Log("runtime shut down")
}
