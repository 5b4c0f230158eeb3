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

package coap

import (
	"sync"

	"github.com/iotcoap/core/addr"
)

// dedupRing remembers the last N (peer, message-id) pairs seen for
// confirmable requests, and the response sent for each, so a retransmitted
// CON can be answered without re-dispatching to the resource handler
// (RFC 7252 §4.5).
type dedupRing struct {
	mu      sync.Mutex
	entries []dedupEntry
	cap     int
	next    int
}

type dedupEntry struct {
	key      string
	mid      uint16
	response []byte
	valid    bool
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{entries: make([]dedupEntry, capacity), cap: capacity}
}

func (d *dedupRing) lookup(src addr.Address, mid uint16) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := src.Key()
	for _, e := range d.entries {
		if e.valid && e.mid == mid && e.key == key {
			return e.response, true
		}
	}
	return nil, false
}

func (d *dedupRing) store(src addr.Address, mid uint16, response []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[d.next] = dedupEntry{
		key:      src.Key(),
		mid:      mid,
		response: append([]byte(nil), response...),
		valid:    true,
	}
	d.next = (d.next + 1) % d.cap
}
