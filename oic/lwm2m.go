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
	"sync"

	"github.com/iotcoap/core/coreerr"
	"github.com/iotcoap/core/cred"
)

// SecurityInstance is one instance of the LWM2M Security object (object ID
// 0): a server URI together with the PSK identity/secret pair used to
// reach it. Only the fields Just-Works pairing needs are modeled; the
// rest of the LWM2M object model (Server, Device, ...) is out of scope.
type SecurityInstance struct {
	ServerURI   string
	PSKIdentity [16]byte
	SecretKey   [16]byte
}

// LWM2MProvisioner adapts a set of LWM2M Security object instances to the
// Provisioner interface, for devices whose provisioning channel is an
// LWM2M bootstrap server rather than a flat credential file.
type LWM2MProvisioner struct {
	mu        sync.Mutex
	instances []SecurityInstance
	identity  [16]byte
}

// NewLWM2MProvisioner returns a provisioner with no Security instances yet.
func NewLWM2MProvisioner(identity [16]byte) *LWM2MProvisioner {
	return &LWM2MProvisioner{identity: identity}
}

// AddSecurityInstance registers one Security object instance, as if
// written by a bootstrap server's Write operation on /0/<n>.
func (p *LWM2MProvisioner) AddSecurityInstance(inst SecurityInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances = append(p.instances, inst)
}

func (p *LWM2MProvisioner) Identity() [16]byte { return p.identity }

// Credentials flattens the Security object instances into cred.Credential
// pairs, skipping any instance with a zero identity (not yet provisioned).
func (p *LWM2MProvisioner) Credentials() ([]cred.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cred.Credential, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.PSKIdentity == ([16]byte{}) {
			continue
		}
		out = append(out, cred.Credential{ID: inst.PSKIdentity, PSK: inst.SecretKey})
	}
	return out, nil
}

// LookupByServerURI returns the Security instance for a given server URI,
// the way a Server object instance's "Security Object Instance" resource
// would be resolved during registration.
func (p *LWM2MProvisioner) LookupByServerURI(uri string) (SecurityInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.ServerURI == uri {
			return inst, nil
		}
	}
	return SecurityInstance{}, coreerr.New(coreerr.NoMatch, "oic: no LWM2M Security instance for server URI")
}
