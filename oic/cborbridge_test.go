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

import "testing"

func TestFieldCodecRoundTripsRegisteredKeys(t *testing.T) {
	codec, err := NewFieldCodec(map[string]int{"owned": 3, "oxmsel": 1})
	if err != nil {
		t.Fatalf("NewFieldCodec: %v", err)
	}
	orig := map[string]interface{}{"owned": true, "oxmsel": float64(0)}

	wire, err := codec.JSONToCBOR(orig)
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	back, err := codec.CBORToJSON(wire)
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}

	var decoded map[string]interface{}
	if err := jsonAPI.Unmarshal(back, &decoded); err != nil {
		t.Fatalf("unmarshal round-tripped json: %v", err)
	}
	if decoded["owned"] != true {
		t.Fatalf("expected owned=true, got %v", decoded["owned"])
	}
	if decoded["oxmsel"] != float64(0) {
		t.Fatalf("expected oxmsel=0, got %v", decoded["oxmsel"])
	}
}

func TestFieldCodecUnregisteredNameSurvivesAsString(t *testing.T) {
	codec, err := NewFieldCodec(map[string]int{"owned": 3})
	if err != nil {
		t.Fatalf("NewFieldCodec: %v", err)
	}
	wire, err := codec.JSONToCBOR(map[string]interface{}{"owned": false, "mystery": "x"})
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	back, err := codec.CBORToJSON(wire)
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	var decoded map[string]interface{}
	if err := jsonAPI.Unmarshal(back, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["mystery"] != "x" {
		t.Fatalf("expected unregistered field name to round-trip unchanged, got %v", decoded["mystery"])
	}
	if decoded["owned"] != false {
		t.Fatalf("expected owned=false, got %v", decoded["owned"])
	}
}

func TestNewFieldCodecRejectsDuplicateWireKeys(t *testing.T) {
	_, err := NewFieldCodec(map[string]int{"a": 1, "b": 1})
	if err == nil {
		t.Fatalf("expected duplicate wire key to be rejected")
	}
}

func TestDoxmCodecRoundTrip(t *testing.T) {
	d := NewDoxm("device-one")
	snap := d.snapshot()

	wire, err := doxmCodec.JSONToCBOR(snap)
	if err != nil {
		t.Fatalf("JSONToCBOR: %v", err)
	}
	back, err := doxmCodec.CBORToJSON(wire)
	if err != nil {
		t.Fatalf("CBORToJSON: %v", err)
	}
	var decoded map[string]interface{}
	if err := jsonAPI.Unmarshal(back, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["deviceid"] != "device-one" {
		t.Fatalf("expected deviceid to round-trip, got %v", decoded["deviceid"])
	}
	if decoded["owned"] != false {
		t.Fatalf("expected owned=false, got %v", decoded["owned"])
	}
}
