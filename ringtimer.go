// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"sync"
	"time"
)

// TimerState reports the lifecycle of one ring timer.
type TimerState int

const (
	TimerInactive TimerState = iota
	TimerArmed
	TimerFired
	TimerCleared
)

func (s TimerState) String() string {
	switch s {
	case TimerArmed:
		return "armed"
	case TimerFired:
		return "fired"
	case TimerCleared:
		return "cleared"
	}
	return "inactive"
}

type ringTimer struct {
	state TimerState
	gen   uint64
	t     *time.Timer
}

// ringTimers owns the two one-shot ring countdowns, one per side. Arming an
// armed timer cancels the previous handle first, so at most one callback per
// side can ever be in flight. The generation counter makes a late AfterFunc
// from a replaced handle a no-op.
type ringTimers struct {
	mu     sync.Mutex
	d      time.Duration
	timers [2]ringTimer
	onFire func(side Side)
}

func newRingTimers(d time.Duration, onFire func(side Side)) *ringTimers {
	return &ringTimers{d: d, onFire: onFire}
}

func (rt *ringTimers) idx(side Side) int {
	if side == SideCallee {
		return 1
	}
	return 0
}

// Arm starts the countdown for side. A previously armed timer for the same
// side is cleared first, never stacked.
func (rt *ringTimers) Arm(side Side) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	tm := &rt.timers[rt.idx(side)]
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.gen++
	gen := tm.gen
	tm.state = TimerArmed
	tm.t = time.AfterFunc(rt.d, func() {
		rt.fired(side, gen)
	})
}

// Clear cancels the countdown for side. Clearing an inactive, fired or
// already cleared timer is a no-op.
func (rt *ringTimers) Clear(side Side) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	tm := &rt.timers[rt.idx(side)]
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
	tm.gen++
	if tm.state == TimerArmed {
		tm.state = TimerCleared
	}
}

// ClearAll cancels both countdowns.
func (rt *ringTimers) ClearAll() {
	rt.Clear(SideCaller)
	rt.Clear(SideCallee)
}

func (rt *ringTimers) State(side Side) TimerState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.timers[rt.idx(side)].state
}

func (rt *ringTimers) fired(side Side, gen uint64) {
	rt.mu.Lock()
	tm := &rt.timers[rt.idx(side)]
	if tm.state != TimerArmed || tm.gen != gen {
		rt.mu.Unlock()
		return
	}
	tm.state = TimerFired
	tm.t = nil
	rt.mu.Unlock()

	rt.onFire(side)
}
