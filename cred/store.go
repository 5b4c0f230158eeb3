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

// Package cred implements the credential store: an identity→PSK mapping
// queried by the DTLS wrapper, small enough that linear search is the
// correct data structure (single-digit devices, per spec §4.4).
package cred

import (
	"bytes"
	"sync"

	"github.com/iotcoap/core/coreerr"
)

const (
	IdentityLen = 16
	PSKLen      = 16
)

// Credential is one identity→PSK association. Both fields are zeroed when
// the credential is removed.
type Credential struct {
	ID  [IdentityLen]byte
	PSK [PSKLen]byte
}

// Store holds credentials in a dynamic list, guarded by a mutex so it can
// safely be shared between the reactor goroutine and DTLS library callbacks
// that run synchronously from it.
type Store struct {
	mu    sync.Mutex
	items []Credential
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Add inserts id→psk. Re-adding the same (id, psk) pair is a no-op success.
// Adding a different psk for an existing id fails with coreerr.InvalidArgument.
func (s *Store) Add(id, psk [16]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			if s.items[i].PSK == psk {
				return nil // idempotent re-add
			}
			return coreerr.New(coreerr.InvalidArgument, "cred: conflicting PSK for existing identity")
		}
	}
	s.items = append(s.items, Credential{ID: id, PSK: psk})
	return nil
}

// FindPSKByID returns the PSK for id, if present.
func (s *Store) FindPSKByID(id []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if bytes.Equal(s.items[i].ID[:], id) {
			psk := make([]byte, PSKLen)
			copy(psk, s.items[i].PSK[:])
			return psk, true
		}
	}
	return nil, false
}

// Remove deletes the credential for id, zeroing both id and psk bytes
// before they become unreachable.
func (s *Store) Remove(id [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			wipe(&s.items[i])
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Clear removes every credential, zeroing each one first.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		wipe(&s.items[i])
	}
	s.items = nil
}

// Len reports the number of stored credentials.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Items returns a copy of every stored credential, for enumeration by the
// /oic/sec/cred resource. Callers must not rely on ordering.
func (s *Store) Items() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, len(s.items))
	copy(out, s.items)
	return out
}

func wipe(c *Credential) {
	for i := range c.ID {
		c.ID[i] = 0
	}
	for i := range c.PSK {
		c.PSK[i] = 0
	}
}
