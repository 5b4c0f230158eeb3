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

// Package reactor defines the event loop abstraction the rest of the core
// consumes: timers, one-shot idle callbacks, FD/socket readiness watches and
// a cross-goroutine wakeup. The core never blocks anywhere except inside the
// reactor's own I/O wait.
package reactor

import (
	"context"
	"time"
)

// Events a watched file descriptor / socket can be interested in.
type Events int

const (
	Readable Events = 1 << iota
	Writable
)

// FDAction is returned by a WatchFD callback to indicate whether the watch
// should remain armed.
type FDAction int

const (
	Continue FDAction = iota
	Stop
)

// Handle identifies a scheduled piece of work. Cancel is idempotent and
// never invokes the associated callback.
type Handle interface {
	Cancel()
}

// Reactor is the abstract single-threaded cooperative event loop the core
// runs against. Implementations MUST run all callbacks sequentially on one
// goroutine; callbacks MUST NOT block.
type Reactor interface {
	// ScheduleAfter arms a one-shot timer; cb fires on the reactor goroutine
	// after d has elapsed, unless the returned Handle is cancelled first.
	ScheduleAfter(d time.Duration, cb func()) Handle

	// ScheduleIdle queues cb to run once the reactor has no other pending
	// work. Cancelling before it runs is a no-op on the callback.
	ScheduleIdle(cb func()) Handle

	// WatchFD arms a readiness watch on conn for the given event set. cb is
	// invoked on the reactor goroutine whenever conn becomes ready for one
	// of the watched events; cb's return value decides whether the watch
	// stays armed.
	WatchFD(w Waitable, events Events, cb func(Events) FDAction) Handle

	// PostEvent is safe to call from any goroutine (including an interrupt
	// context on microcontroller ports, via a single pre-registered
	// wakeup). It enqueues cb to run on the reactor goroutine with data
	// supplied by the caller's closure, and wakes the loop if it is blocked
	// waiting for I/O.
	PostEvent(cb func())

	// Run drives the loop until stop is closed.
	Run(stop <-chan struct{})
}

// Waitable is the minimal readiness-reporting surface a reactor needs from a
// socket. Ready blocks until the socket becomes ready for one of the
// requested events, or ctx is cancelled. Implementations run Ready on their
// own goroutine; they never touch reactor state directly, only report
// readiness, matching the fiber rule of spec §5.
type Waitable interface {
	Ready(ctx context.Context, events Events) (Events, error)
}
