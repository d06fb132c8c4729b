package coordinator

import (
	"errors"
	"runtime/debug"
	"time"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// loop owns the periodic ticker and the debounce timer. Every scheduled
// cycle runs on this goroutine with the coordinator's context, so Close
// cancels it.
func (c *Coordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.syncInterval())
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	arm := func(d time.Duration) {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.NewTimer(d)
		debounceC = debounce.C
	}
	disarm := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounceC = nil
	}
	defer disarm()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-c.kick:
			arm(c.config.DebounceInterval)

		case <-c.cancelDebounce:
			disarm()

		case <-c.retry:
			if wait := c.backoffRemaining(); wait > 0 {
				arm(wait)
			}

		case <-debounceC:
			debounceC = nil
			if wait := c.backoffRemaining(); wait > 0 {
				arm(wait)
				continue
			}
			c.runScheduled("debounce")

		case <-ticker.C:
			if c.backoffRemaining() > 0 {
				continue
			}
			c.runScheduled("timer")

		case <-c.online:
			disarm()
			c.runScheduled("online")

		case <-c.interval:
			ticker.Reset(c.syncInterval())
		}
	}
}

func (c *Coordinator) syncInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.SyncInterval
}

// runScheduled runs a cycle on behalf of a background trigger. Nothing
// escapes: errors are already recorded in SyncState, panics are logged.
func (c *Coordinator) runScheduled(reason string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("Panic in %s-triggered sync: %v\n%s", reason, r, debug.Stack())
		}
	}()

	res, err := c.TriggerSync(c.ctx)
	switch {
	case err != nil && errors.Is(err, c.ctx.Err()):
		// Shutting down.
	case err != nil:
		if syncerr.IsRetryable(err) {
			c.logger.Printf("%s-triggered sync failed, retrying in %s", reason, c.backoffRemaining().Round(time.Millisecond))
		}
	case res.Outcome == OutcomeCompleted:
		c.logger.Printf("%s-triggered sync %s", reason, res)
	}
}
