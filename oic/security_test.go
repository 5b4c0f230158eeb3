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
	"testing"

	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/cred"
)

func TestNewSecurityContextRegistersAllResources(t *testing.T) {
	sc := NewSecurityContext("dev-sec", cred.New())
	disp := coap.NewDispatcher()
	if err := sc.RegisterAll(disp); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	for _, path := range []string{"/oic/sec/doxm", "/oic/sec/pstat", "/oic/sec/cred", "/oic/sec/svc"} {
		if _, ok := disp.Find(path); !ok {
			t.Fatalf("expected %s to be registered", path)
		}
	}
}

func TestSecurityContextSyncCredentials(t *testing.T) {
	store := cred.New()
	sc := NewSecurityContext("dev-sec", store)

	source := cred.New()
	id := [16]byte{5, 5, 5}
	psk := [16]byte{6, 6, 6}
	source.Add(id, psk)
	p := NewCredentialStoreProvisioner(source, [16]byte{})

	if err := sc.SyncCredentials(p); err != nil {
		t.Fatalf("SyncCredentials: %v", err)
	}
	if _, ok := store.FindPSKByID(id[:]); !ok {
		t.Fatalf("expected the synced credential to be visible through the security context's store")
	}
}

func TestSecurityContextCompleteOwnershipTransfer(t *testing.T) {
	sc := NewSecurityContext("dev-sec", cred.New())
	sc.CompleteOwnershipTransfer("owner-xyz")
	if !sc.Pstat.IsOp {
		t.Fatalf("expected pstat to report operational state after CompleteOwnershipTransfer")
	}
	if sc.Pstat.RownerID != "owner-xyz" {
		t.Fatalf("expected rowneruuid to be recorded")
	}
}
