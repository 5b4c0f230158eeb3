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

func TestPstatStartsInReadyForOwnershipTransfer(t *testing.T) {
	p := NewPstat()
	if p.IsOp {
		t.Fatalf("expected a fresh device to not be operational yet")
	}
	if p.Cm != ModeRFOTM || p.Tm != ModeRFOTM {
		t.Fatalf("expected cm/tm to start in RFOTM, got cm=%v tm=%v", p.Cm, p.Tm)
	}
}

func TestPstatEnterNormalOperation(t *testing.T) {
	p := NewPstat()
	p.EnterNormalOperation("owner-1")
	if !p.IsOp {
		t.Fatalf("expected isop=true after EnterNormalOperation")
	}
	if p.Cm != ModeRFNOP || p.Tm != ModeRFNOP {
		t.Fatalf("expected cm/tm to move to RFNOP, got cm=%v tm=%v", p.Cm, p.Tm)
	}
	if p.RownerID != "owner-1" {
		t.Fatalf("expected rowneruuid to be set")
	}
}

func TestPstatGetReflectsState(t *testing.T) {
	p := NewPstat()
	p.EnterNormalOperation("owner-2")
	resp := p.Resource().GET(&coap.Request{Message: &coap.Message{Code: coap.GET}, Secure: true})
	if resp.Code != coap.Content {
		t.Fatalf("expected 2.05 Content, got %v", resp.Code)
	}
	raw, err := pstatCodec.CBORToJSON(resp.Payload)
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	var fields map[string]interface{}
	if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["isop"] != true {
		t.Fatalf("expected isop=true in GET response, got %v", fields["isop"])
	}
}
