package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GoCodeAlone/lexagent/agenterr"
	"github.com/GoCodeAlone/lexagent/internal/metrics"
	"github.com/GoCodeAlone/lexagent/realtime"
	"github.com/GoCodeAlone/lexagent/task"
)

// WaitOptions configures WaitForTask.
type WaitOptions struct {
	// Interval between polls. Defaults to the client's PollInterval.
	Interval time.Duration
	// OnUpdate is called with each snapshot whose status or progress changed.
	OnUpdate func(*task.Task)
}

// WaitForTask polls a task on a fixed interval until it reaches COMPLETED or
// FAILED and returns the terminal snapshot. The first poll is immediate and
// only one request is in flight at a time, so snapshots are applied in the
// order they were requested. Polling stops on a terminal status, when ctx
// ends, on a non-retryable error, or after more than MaxPollErrors
// consecutive transient failures.
func (c *Client) WaitForTask(ctx context.Context, id string, opts WaitOptions) (*task.Task, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	logger := c.logger.With(zap.String("task_id", id))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		last     *task.Task
		failures int
	)
	for {
		metrics.PollTicks.Inc()
		t, err := c.GetTask(ctx, id)
		switch {
		case err == nil:
			failures = 0
			if changed(last, t) {
				logger.Debug("task update", zap.String("status", string(t.Status)), zap.Int("progress", t.Progress))
				if opts.OnUpdate != nil {
					opts.OnUpdate(t)
				}
			}
			last = t
			if t.Status.IsTerminal() {
				return t, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		case !agenterr.IsRetryable(err):
			return last, err
		default:
			failures++
			logger.Warn("poll failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures > c.cfg.MaxPollErrors {
				return last, fmt.Errorf("polling task %s: giving up after %d consecutive failures: %w", id, failures, err)
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TrackOptions configures Track.
type TrackOptions struct {
	// Channel, when set, supplies task_update events. Run must be driven
	// by the caller.
	Channel *realtime.Channel
	// PollInterval for the fallback poll. Defaults to the client's
	// PollInterval, or five times it when a Channel is supplied.
	PollInterval time.Duration
	OnUpdate     func(*task.Task)
}

// Track follows a task to a terminal status using realtime events when a
// channel is available and polling as a fallback. Updates from either
// source are applied only if they move the task forward, so a late poll
// response never overwrites a newer pushed state.
func (c *Client) Track(ctx context.Context, id string, opts TrackOptions) (*task.Task, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := opts.PollInterval
	if interval <= 0 {
		interval = c.cfg.PollInterval
		if opts.Channel != nil {
			interval *= 5
		}
	}

	updates := make(chan *task.Task, 16)
	send := func(t *task.Task) {
		select {
		case updates <- t:
		case <-ctx.Done():
		}
	}

	if opts.Channel != nil {
		unsubscribe := opts.Channel.Subscribe(realtime.EventTaskUpdate, func(ev realtime.Event) {
			t, err := ev.Task()
			if err != nil {
				c.logger.Warn("bad task update event", zap.Error(err))
				return
			}
			if t.ID == id {
				send(t)
			}
		})
		defer unsubscribe()
	}

	type result struct {
		t   *task.Task
		err error
	}
	pollDone := make(chan result, 1)
	go func() {
		t, err := c.WaitForTask(ctx, id, WaitOptions{Interval: interval, OnUpdate: send})
		pollDone <- result{t, err}
	}()

	var current *task.Task
	apply := func(t *task.Task) bool {
		if !newer(current, t) {
			return false
		}
		current = t
		if opts.OnUpdate != nil {
			opts.OnUpdate(t)
		}
		return t.Status.IsTerminal()
	}

	for {
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case t := <-updates:
			if apply(t) {
				return current, nil
			}
		case r := <-pollDone:
			// Drain anything the poller or stream queued first.
			for drained := false; !drained; {
				select {
				case t := <-updates:
					if apply(t) {
						return current, nil
					}
				default:
					drained = true
				}
			}
			if r.err != nil {
				return current, r.err
			}
			apply(r.t)
			return current, nil
		}
	}
}

func changed(prev, next *task.Task) bool {
	return prev == nil || prev.Status != next.Status || prev.Progress != next.Progress
}

// newer reports whether next moves the task forward from cur.
func newer(cur, next *task.Task) bool {
	if cur == nil {
		return true
	}
	if cur.Status.IsTerminal() {
		return false
	}
	if next.Status == cur.Status {
		return next.Progress > cur.Progress
	}
	return task.CanTransition(cur.Status, next.Status)
}
