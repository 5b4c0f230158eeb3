// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reactor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/iotcoap/core/corelog"
)

// Loop is the default single-goroutine Reactor implementation.
type Loop struct {
	Log corelog.Logger

	mu       sync.Mutex
	timers   timerHeap
	idle     []*idleEntry
	nextID   uint64
	posted   chan func()
	wake     chan struct{}
	running  bool
}

// NewLoop constructs an idle Loop. Call Run to drive it.
func NewLoop(log corelog.Logger) *Loop {
	return &Loop{
		Log:    log,
		posted: make(chan func(), 256),
		wake:   make(chan struct{}, 1),
	}
}

type timerEntry struct {
	at    time.Time
	cb    func()
	index int
	dead  bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type timerHandle struct {
	l *Loop
	e *timerEntry
}

func (t *timerHandle) Cancel() {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.e.index >= 0 {
		t.e.dead = true
	}
}

// ScheduleAfter arms a one-shot timer. See Reactor.ScheduleAfter.
func (l *Loop) ScheduleAfter(d time.Duration, cb func()) Handle {
	l.mu.Lock()
	e := &timerEntry{at: time.Now().Add(d), cb: cb}
	heap.Push(&l.timers, e)
	l.mu.Unlock()
	l.nudge()
	return &timerHandle{l: l, e: e}
}

type idleEntry struct {
	cb   func()
	dead bool
}

type idleHandle struct{ e *idleEntry }

func (h *idleHandle) Cancel() { h.e.dead = true }

// ScheduleIdle queues cb for the next time the loop has no other work ready.
func (l *Loop) ScheduleIdle(cb func()) Handle {
	l.mu.Lock()
	e := &idleEntry{cb: cb}
	l.idle = append(l.idle, e)
	l.mu.Unlock()
	l.nudge()
	return &idleHandle{e: e}
}

type fdHandle struct{ cancel context.CancelFunc }

func (h *fdHandle) Cancel() { h.cancel() }

// WatchFD arms a readiness watch. See Reactor.WatchFD.
func (l *Loop) WatchFD(w Waitable, events Events, cb func(Events) FDAction) Handle {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			ev, err := w.Ready(ctx, events)
			if err != nil {
				return
			}
			result := make(chan FDAction, 1)
			l.PostEvent(func() { result <- cb(ev) })
			select {
			case action := <-result:
				if action == Stop {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &fdHandle{cancel: cancel}
}

// PostEvent is safe to call from any goroutine. See Reactor.PostEvent.
func (l *Loop) PostEvent(cb func()) {
	l.posted <- cb
	l.nudge()
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	for {
		select {
		case <-stop:
			return
		case cb := <-l.posted:
			l.safeCall(cb)
			continue
		default:
		}

		wait := l.nextTimerWait()
		var timerC <-chan time.Time
		var t *time.Timer
		if wait >= 0 {
			t = time.NewTimer(wait)
			timerC = t.C
		}

		select {
		case <-stop:
			if t != nil {
				t.Stop()
			}
			return
		case cb := <-l.posted:
			if t != nil {
				t.Stop()
			}
			l.safeCall(cb)
		case <-timerC:
			l.fireDueTimers()
		case <-l.wake:
			if t != nil {
				t.Stop()
			}
		}

		l.fireDueTimers()
		l.runOneIdleIfQuiet()
	}
}

func (l *Loop) nextTimerWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].at)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) fireDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].at.After(now) {
			l.mu.Unlock()
			return
		}
		e := heap.Pop(&l.timers).(*timerEntry)
		l.mu.Unlock()
		if !e.dead {
			l.safeCall(e.cb)
		}
	}
}

func (l *Loop) runOneIdleIfQuiet() {
	select {
	case cb := <-l.posted:
		l.safeCall(cb)
		return
	default:
	}
	l.mu.Lock()
	if len(l.idle) == 0 {
		l.mu.Unlock()
		return
	}
	e := l.idle[0]
	l.idle = l.idle[1:]
	l.mu.Unlock()
	if !e.dead {
		l.safeCall(e.cb)
	}
}

// safeCall runs cb, logging (not propagating) any panic: a handler
// misbehaving must never take the whole reactor down.
func (l *Loop) safeCall(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			corelog.Logf(l.Log, "reactor: callback panicked: %v", r)
		}
	}()
	cb()
}
