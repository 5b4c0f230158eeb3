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

import "github.com/iotcoap/core/cred"

// Provisioner is a source of identity/PSK pairs external to the in-memory
// cred.Store the DTLS wrapper consults directly. It lets a device's
// credentials come from whatever provisioning channel actually reached
// it — a flat JSON file or an LWM2M-managed Security object tree — while
// the runtime-hot path (dtlswrap's PSK callback) still only ever has to
// know about cred.Store.
type Provisioner interface {
	// Identity returns this device's own 16-byte identity, as the
	// provisioning source understands it.
	Identity() [16]byte
	// Credentials returns every identity/PSK pair currently known to the
	// provisioning source.
	Credentials() ([]cred.Credential, error)
}

// CredentialStoreProvisioner adapts an already-populated, JSON-file-backed
// cred.Store (see cred/persist.go) to the Provisioner interface, for
// devices whose provisioning channel is "write a file to the device".
type CredentialStoreProvisioner struct {
	store    *cred.Store
	identity [16]byte
}

// NewCredentialStoreProvisioner wraps store under identity.
func NewCredentialStoreProvisioner(store *cred.Store, identity [16]byte) *CredentialStoreProvisioner {
	return &CredentialStoreProvisioner{store: store, identity: identity}
}

func (p *CredentialStoreProvisioner) Identity() [16]byte { return p.identity }

func (p *CredentialStoreProvisioner) Credentials() ([]cred.Credential, error) {
	return p.store.Items(), nil
}

// Sync copies every credential visible to p into store, the live table
// dtlswrap's PSK callback actually consults. Existing entries are
// untouched (cred.Store.Add is idempotent for matching pairs and rejects
// conflicts), so Sync is safe to call repeatedly as a provisioner's
// backing source is updated.
func Sync(p Provisioner, store *cred.Store) error {
	creds, err := p.Credentials()
	if err != nil {
		return err
	}
	for _, c := range creds {
		if err := store.Add(c.ID, c.PSK); err != nil {
			return err
		}
	}
	return nil
}
