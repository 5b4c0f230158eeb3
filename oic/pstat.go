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

	"github.com/iotcoap/core/coap"
)

// DeviceMode bits (dm), per spec §5.3.
type DeviceMode int

const (
	ModeReset DeviceMode = 1 << iota
	ModeRFOTM
	ModeRFPRO
	ModeRFNOP
	ModeSRESET
)

// OperationMode bits (om) a client may request; spec §5.3 scopes this down
// to the single client-driven transition Just-Works needs.
const OmClientDirected = 3

var pstatKeys = map[string]int{
	"isop": 0, "cm": 1, "tm": 2, "om": 3, "sm": 4, "rowneruuid": 5,
}

var pstatCodec = mustFieldCodec(pstatKeys)

// Pstat mirrors /oic/sec/pstat, the provisioning-status resource that
// gates which device mode is active during the ownership transfer
// handshake (spec §5.3).
type Pstat struct {
	mu sync.Mutex

	IsOp       bool
	Cm         DeviceMode
	Tm         DeviceMode
	Om         int
	Sm         int
	RownerID   string
}

// NewPstat returns the initial provisioning state for an unowned device:
// ready-for-ownership-transfer mode, not yet operational.
func NewPstat() *Pstat {
	return &Pstat{
		IsOp: false,
		Cm:   ModeRFOTM,
		Tm:   ModeRFOTM,
		Om:   OmClientDirected,
		Sm:   OmClientDirected,
	}
}

func (p *Pstat) snapshot() map[string]interface{} {
	return map[string]interface{}{
		"isop":       p.IsOp,
		"cm":         int(p.Cm),
		"tm":         int(p.Tm),
		"om":         p.Om,
		"sm":         p.Sm,
		"rowneruuid": p.RownerID,
	}
}

// Resource builds the /oic/sec/pstat CoAP resource.
func (p *Pstat) Resource() *coap.Resource {
	r := &coap.Resource{
		Path:  "/oic/sec/pstat",
		Flags: coap.Discoverable | coap.Active | coap.SecureOnly,
	}
	r.GET = func(req *coap.Request) coap.Response {
		p.mu.Lock()
		defer p.mu.Unlock()
		body, err := pstatCodec.JSONToCBOR(p.snapshot())
		if err != nil {
			return coap.Response{Code: coap.InternalError}
		}
		return coap.Response{Code: coap.Content, ContentFormat: coap.ContentFormatCBOR, Payload: body}
	}
	r.PUT = func(req *coap.Request) coap.Response {
		raw, err := pstatCodec.CBORToJSON(req.Message.Payload)
		if err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		var fields map[string]interface{}
		if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		p.mu.Lock()
		if v, ok := fields["tm"].(float64); ok {
			p.Tm = DeviceMode(int(v))
		}
		if v, ok := fields["om"].(float64); ok {
			p.Om = int(v)
		}
		wantsOp, _ := fields["isop"].(bool)
		rowner, _ := fields["rowneruuid"].(string)
		if wantsOp {
			rowner = firstNonEmpty(rowner, p.RownerID)
		}
		p.mu.Unlock()

		if wantsOp {
			p.EnterNormalOperation(rowner)
		}
		return coap.Response{Code: coap.Changed}
	}
	return r
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// EnterNormalOperation transitions a device out of ready-for-ownership-
// transfer mode once Just-Works has completed, per spec §5.3.
func (p *Pstat) EnterNormalOperation(rownerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cm = ModeRFNOP
	p.Tm = ModeRFNOP
	p.IsOp = true
	p.RownerID = rownerID
}
