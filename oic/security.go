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

import (
	"encoding/hex"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/cred"
)

// SecurityContext bundles the four OIC security resources (spec §5) a
// device exposes on its secure endpoint: DOXM (ownership state), PSTAT
// (provisioning status), Cred (the PSK table) and Svc (the service table). It is the one piece a
// device needs to construct to become a Just-Works ownership-transfer
// target.
type SecurityContext struct {
	Doxm  *Doxm
	Pstat *Pstat
	Cred  *CredResource
	Svc   *SvcResource
}

// NewSecurityContext builds an unowned device's security state.
func NewSecurityContext(deviceID string, store *cred.Store) *SecurityContext {
	return &SecurityContext{
		Doxm:  NewDoxm(deviceID),
		Pstat: NewPstat(),
		Cred:  &CredResource{Store: store},
		Svc:   NewSvcResource(),
	}
}

// RegisterAll adds the security resources to disp. Call this once, before
// the CoAP engine starts serving requests.
func (s *SecurityContext) RegisterAll(disp *coap.Dispatcher) error {
	for _, r := range []*coap.Resource{s.Doxm.Resource(), s.Pstat.Resource(), s.Cred.Resource(), s.Svc.Resource()} {
		if _, err := disp.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// SyncCredentials pulls every identity/PSK pair p currently knows about
// into the credential store backing s.Cred, regardless of whether p is a
// CredentialStoreProvisioner or an LWM2MProvisioner.
func (s *SecurityContext) SyncCredentials(p Provisioner) error {
	return Sync(p, s.Cred.Store)
}

// AttachSecureSession wires sess as the DTLS session this device's
// ownership transfer completes over. Once a PUT to /oic/sec/doxm commits
// ownership (spec §4.8), the resulting hook derives the owner PSK from
// sess via the PRF - owner-id and this device's own id as random1/random2,
// matching what the pairing client derives from its end of the same
// session - registers it under the device's identity in the credential
// store, switches sess over to that credential, and disables anonymous
// ECDHE so the device stops accepting further Just-Works handshakes.
func (s *SecurityContext) AttachSecureSession(sess secureSession) {
	s.Doxm.OnOwned = func(peer addr.Address, ownerIDHex string) {
		ownerID, err := hex.DecodeString(ownerIDHex)
		if err != nil {
			return
		}
		deviceIDBytes, err := hex.DecodeString(s.Doxm.DeviceID)
		if err != nil {
			return
		}
		keyMaterial, err := sess.PRFKeyBlock(peer, justWorksKeyLabel, ownerID, deviceIDBytes, cred.PSKLen)
		if err != nil {
			return
		}
		var id, psk [16]byte
		copy(id[:], deviceIDBytes)
		copy(psk[:], keyMaterial)
		if err := s.Cred.Store.Add(id, psk); err != nil {
			return
		}
		sess.SetCredentialCallbacks(s.Cred.Store, id)
		sess.SetAnonymousECDHEnabled(false)
	}
}

// CompleteOwnershipTransfer finalizes the server side of the Just-Works
// exchange once the client's PUT to /oic/sec/pstat selects normal
// operation: it flips the device's provisioning status out of
// ready-for-ownership-transfer mode. The owner PSK itself is handled
// separately, by the OnOwned hook AttachSecureSession installs on Doxm.
func (s *SecurityContext) CompleteOwnershipTransfer(ownerID string) {
	s.Pstat.EnterNormalOperation(ownerID)
}
