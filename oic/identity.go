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

package oic

import "crypto/rand"

// RandomSource is the collaborator interface for entropy, so tests can
// substitute a deterministic source without touching crypto/rand.
type RandomSource interface {
	Read(b []byte) (int, error)
}

// MachineIdentity reports the 16-byte device identity used as the default
// devowneruuid/deviceid when none has been provisioned.
type MachineIdentity interface {
	ID() [16]byte
}

type cryptoRandSource struct{}

func (cryptoRandSource) Read(b []byte) (int, error) { return rand.Read(b) }

// DefaultRandomSource is backed by crypto/rand.
var DefaultRandomSource RandomSource = cryptoRandSource{}

// fallbackMachineID is reported by NewMachineIdentity when it is given a
// zero id; an all-0xFF id is globally
// recognizable as "unset" rather than colliding with a real generated one.
var fallbackMachineID = [16]byte{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// staticMachineIdentity is the simplest MachineIdentity: a fixed id
// decided once at construction (e.g. provisioned at manufacture time).
type staticMachineIdentity struct {
	id [16]byte
}

// NewMachineIdentity wraps a known 16-byte id. Passing a zero value is
// treated as "not provisioned" and reports fallbackMachineID instead.
func NewMachineIdentity(id [16]byte) MachineIdentity {
	if id == ([16]byte{}) {
		return staticMachineIdentity{id: fallbackMachineID}
	}
	return staticMachineIdentity{id: id}
}

func (m staticMachineIdentity) ID() [16]byte { return m.id }
