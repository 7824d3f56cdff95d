// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sync2 holds small concurrency helpers that don't belong to
// any one domain package.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle is a controllable recurring event: it calls a function on a
// fixed interval and can additionally be paused, resumed, or
// triggered out of band.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan interface{}
	quit    chan struct{}

	init sync.Once
}

type (
	cyclePause    struct{}
	cycleContinue struct{}
	cycleTrigger  struct {
		done chan struct{}
	}
)

// NewCycle returns a Cycle that fires every interval once started.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval changes the interval to use on the next Run. It has no
// effect on an already-running cycle; use ChangeInterval for that.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) sendControl(message interface{}) {
	select {
	case cycle.control <- message:
	case <-cycle.quit:
	}
}

// Run blocks, calling fn immediately and then once per interval,
// until ctx is cancelled or fn returns an error.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.quit = make(chan struct{})
	defer close(cycle.quit)

	currentInterval := cycle.interval

	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()
	cycle.control = make(chan interface{})

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case nil:
				return nil

			case time.Duration:
				currentInterval = message
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cyclePause:
				cycle.ticker.Stop()
				select {
				case <-cycle.ticker.C:
				default:
				}

			case cycleContinue:
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					message.done <- struct{}{}
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends the cycle permanently. Run returns nil once it observes
// the stop.
func (cycle *Cycle) Stop() {
	cycle.sendControl(nil)
}

// ChangeInterval changes the ticker interval of an already-running
// cycle.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(interval)
}

// Pause stops the ticker without ending Run.
func (cycle *Cycle) Pause() {
	cycle.sendControl(cyclePause{})
}

// Restart resets the ticker to fire interval from now.
func (cycle *Cycle) Restart() {
	cycle.sendControl(cycleContinue{})
}

// Trigger schedules an out-of-band run of fn as soon as the current
// one (if any) completes.
func (cycle *Cycle) Trigger() {
	cycle.sendControl(cycleTrigger{})
}

// TriggerWait is like Trigger but blocks until that run completes.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done: done})
	select {
	case <-done:
	case <-cycle.quit:
	}
}
