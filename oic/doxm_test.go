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
)

func doxmPutRequest(t *testing.T, fields map[string]interface{}, secure bool) *coap.Request {
	t.Helper()
	body, err := doxmCodec.JSONToCBOR(fields)
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	return &coap.Request{
		Message: &coap.Message{Code: coap.PUT, Payload: body},
		Secure:  secure,
		Path:    "/oic/sec/doxm",
	}
}

func TestDoxmGetReportsUnownedState(t *testing.T) {
	d := NewDoxm("dev-1")
	resp := d.Resource().GET(&coap.Request{Message: &coap.Message{Code: coap.GET}, Path: "/oic/sec/doxm"})
	if resp.Code != coap.Content {
		t.Fatalf("expected 2.05 Content, got %v", resp.Code)
	}
	raw, err := doxmCodec.CBORToJSON(resp.Payload)
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	var fields map[string]interface{}
	if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["owned"] != false {
		t.Fatalf("expected owned=false for a fresh device")
	}
}

func TestDoxmOwnershipTransferHappyPath(t *testing.T) {
	d := NewDoxm("dev-1")
	r := d.Resource()

	req := doxmPutRequest(t, map[string]interface{}{
		"owned":        true,
		"devowneruuid": "aabbccddeeff00112233445566778899",
	}, true)
	resp := r.PUT(req)
	if resp.Code != coap.Changed {
		t.Fatalf("expected 2.04 Changed, got %v", resp.Code)
	}
	if !d.IsOwned() {
		t.Fatalf("expected device to be owned after successful transfer")
	}
	if d.RownerID != "aabbccddeeff00112233445566778899" {
		t.Fatalf("expected rowneruuid to default to devowneruuid, got %q", d.RownerID)
	}
}

func TestDoxmOwnershipTransferRejectsAlreadyOwned(t *testing.T) {
	d := NewDoxm("dev-1")
	d.Owned = true
	d.DevOwnerID = "existing-owner"

	req := doxmPutRequest(t, map[string]interface{}{
		"owned":        true,
		"devowneruuid": "newowner00000000000000000000000",
	}, true)
	resp := d.Resource().PUT(req)
	if resp.Code != coap.Forbidden {
		t.Fatalf("expected 4.03 Forbidden for already-owned device, got %v", resp.Code)
	}
	if d.DevOwnerID != "existing-owner" {
		t.Fatalf("owner must not change on a rejected transfer")
	}
}

func TestDoxmOwnershipTransferRequiresSecureChannel(t *testing.T) {
	d := NewDoxm("dev-1")
	req := doxmPutRequest(t, map[string]interface{}{
		"owned":        true,
		"devowneruuid": "aabbccddeeff00112233445566778899",
	}, false)
	resp := d.Resource().PUT(req)
	if resp.Code != coap.Forbidden {
		t.Fatalf("expected transfer over a plaintext channel to be rejected, got %v", resp.Code)
	}
	if d.IsOwned() {
		t.Fatalf("device must remain unowned")
	}
}

func TestDoxmOwnershipTransferRequiresOwnerID(t *testing.T) {
	d := NewDoxm("dev-1")
	req := doxmPutRequest(t, map[string]interface{}{"owned": true}, true)
	resp := d.Resource().PUT(req)
	if resp.Code != coap.Forbidden {
		t.Fatalf("expected missing devowneruuid to be rejected, got %v", resp.Code)
	}
}
