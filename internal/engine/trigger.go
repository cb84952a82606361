package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronTrigger implements Trigger with an in-process cron runner.
// The tick chain skips a tick while the previous one is still running,
// so overlapping steps are structurally impossible rather than merely
// assumed absent.
type CronTrigger struct {
	mu     sync.Mutex
	runner *cron.Cron
	logger *slog.Logger
}

// NewCronTrigger creates a CronTrigger.
func NewCronTrigger(logger *slog.Logger) *CronTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronTrigger{logger: logger}
}

// Register schedules fn at the given fixed interval. Any existing
// registration is cleared first, so repeated start/cancel cycles never
// accumulate duplicate ticks.
func (t *CronTrigger) Register(fn func(), interval time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()

	cl := cronLogger{l: t.logger}
	runner := cron.New(cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))
	if _, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), fn); err != nil {
		return fmt.Errorf("scheduling trigger: %w", err)
	}
	runner.Start()
	t.runner = runner
	return nil
}

// Unregister stops the trigger. Idempotent.
func (t *CronTrigger) Unregister() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *CronTrigger) stopLocked() {
	if t.runner != nil {
		t.runner.Stop()
		t.runner = nil
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}

// Compile-time check that CronTrigger implements Trigger.
var _ Trigger = (*CronTrigger)(nil)
