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

package dtlswrap

import "sync"

// queueCap bounds both the read and write queues per peer: a constrained
// device has no business buffering more than a handful of in-flight
// datagrams while a handshake is outstanding (spec §4.3).
const queueCap = 4

// writeQueue buffers plaintext datagrams handed to Send before the
// handshake for a peer has completed. Once connected, Flush drains it in
// FIFO order over the live connection. Overflow drops the oldest entry:
// an application re-sending on timeout will refill it.
type writeQueue struct {
	mu    sync.Mutex
	items [][]byte
}

func (q *writeQueue) push(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= queueCap {
		q.items = q.items[1:]
	}
	q.items = append(q.items, append([]byte(nil), b...))
}

// flush drains every queued item by calling write in order, stopping (and
// leaving the remainder queued) at the first error. Each item's plaintext
// is zeroed once write has accepted it.
func (q *writeQueue) flush(write func([]byte) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		if err := write(q.items[0]); err != nil {
			return err
		}
		for i := range q.items[0] {
			q.items[0][i] = 0
		}
		q.items = q.items[1:]
	}
	return nil
}

func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
