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

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/coreerr"
)

// OxmType enumerates the ownership-transfer methods of spec §5. Only
// Just-Works is implemented; the others are recognized so a device can
// reject a transfer request that asks for one it cannot perform.
type OxmType int

const (
	OxmJustWorks OxmType = 0
	OxmRandomPIN OxmType = 1
	OxmManufacturerCert OxmType = 2
)

// Supported credential types (sct), restricted to symmetric PSK (spec §5
// scopes out raw-public-key and certificate credentials).
const sctSymmetricPairWise = 1

// Doxm mirrors the OIC /oic/sec/doxm resource (spec §5.1).
type Doxm struct {
	mu sync.Mutex

	Oxms   []OxmType
	OxmSel OxmType
	Sct    int
	Owned  bool
	DeviceID   string
	DevOwnerID string
	RownerID   string

	// OnOwned fires once a PUT commits this device into the owned state
	// (spec §4.8), with the peer that completed the transfer and the
	// owner identity (devowneruuid) it claimed. Wired by
	// SecurityContext.AttachSecureSession to derive and store the owner
	// PSK and disable anonymous ECDHE; left nil, ownership still commits,
	// it just has no secure session to react to it.
	OnOwned func(peer addr.Address, ownerIDHex string)
}

// NewDoxm returns an unowned device's DOXM state, advertising Just-Works as
// its only supported ownership-transfer method.
func NewDoxm(deviceID string) *Doxm {
	return &Doxm{
		Oxms:     []OxmType{OxmJustWorks},
		OxmSel:   OxmJustWorks,
		Sct:      sctSymmetricPairWise,
		Owned:    false,
		DeviceID: deviceID,
	}
}

func (d *Doxm) snapshot() map[string]interface{} {
	oxms := make([]int, len(d.Oxms))
	for i, o := range d.Oxms {
		oxms[i] = int(o)
	}
	return map[string]interface{}{
		"oxms":         oxms,
		"oxmsel":       int(d.OxmSel),
		"sct":          d.Sct,
		"owned":        d.Owned,
		"deviceid":     d.DeviceID,
		"devowneruuid": d.DevOwnerID,
		"rowneruuid":   d.RownerID,
	}
}

var doxmKeys = map[string]int{
	"oxms": 0, "oxmsel": 1, "sct": 2, "owned": 3,
	"deviceid": 4, "devowneruuid": 5, "rowneruuid": 6,
}

// doxmCodec is the wire codec for /oic/sec/doxm payloads; constructed once
// since the field table never varies.
var doxmCodec = mustFieldCodec(doxmKeys)

func mustFieldCodec(keys map[string]int) *FieldCodec {
	c, err := NewFieldCodec(keys)
	if err != nil {
		panic(err)
	}
	return c
}

// Resource builds the /oic/sec/doxm CoAP resource. GET always returns the
// current state; PUT drives the Just-Works ownership-transfer handshake
// per spec §5.2: a PUT without owned=true only updates oxmsel and answers
// 2.04; a PUT setting owned=true completes the transfer when it arrives
// over a secure channel, carries a non-empty devowneruuid and the device
// has no owner yet, and is otherwise rejected with 4.03.
func (d *Doxm) Resource() *coap.Resource {
	r := &coap.Resource{
		Path:  "/oic/sec/doxm",
		Flags: coap.Discoverable | coap.Active,
	}
	r.GET = func(req *coap.Request) coap.Response {
		d.mu.Lock()
		defer d.mu.Unlock()
		body, err := doxmCodec.JSONToCBOR(d.snapshot())
		if err != nil {
			return coap.Response{Code: coap.InternalError}
		}
		return coap.Response{Code: coap.Content, ContentFormat: coap.ContentFormatCBOR, Payload: body}
	}
	r.PUT = func(req *coap.Request) coap.Response {
		update, err := decodeDoxmUpdate(req.Message.Payload)
		if err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		if err := d.applyOwnershipTransfer(update, req.Secure); err != nil {
			if coreerr.Is(err, coreerr.InvalidArgument) {
				return coap.Response{Code: coap.Forbidden}
			}
			return coap.Response{Code: coap.InternalError}
		}
		if update.Owned != nil && *update.Owned {
			d.mu.Lock()
			onOwned := d.OnOwned
			ownerID := d.DevOwnerID
			d.mu.Unlock()
			if onOwned != nil {
				onOwned(req.Source, ownerID)
			}
		}
		return coap.Response{Code: coap.Changed}
	}
	return r
}

type doxmUpdate struct {
	OxmSel     *OxmType
	Owned      *bool
	DevOwnerID *string
	RownerID   *string
}

func decodeDoxmUpdate(payload []byte) (doxmUpdate, error) {
	raw, err := doxmCodec.CBORToJSON(payload)
	if err != nil {
		return doxmUpdate{}, err
	}
	var fields map[string]interface{}
	if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
		return doxmUpdate{}, err
	}
	var u doxmUpdate
	if v, ok := fields["oxmsel"].(float64); ok {
		sel := OxmType(int(v))
		u.OxmSel = &sel
	}
	if v, ok := fields["owned"].(bool); ok {
		u.Owned = &v
	}
	if v, ok := fields["devowneruuid"].(string); ok {
		u.DevOwnerID = &v
	}
	if v, ok := fields["rowneruuid"].(string); ok {
		u.RownerID = &v
	}
	return u, nil
}

// applyOwnershipTransfer validates and commits a PUT to doxm, per spec
// §5.2's Just-Works state transition: ALREADY_OWNED and a missing secure
// channel are both rejected.
func (d *Doxm) applyOwnershipTransfer(u doxmUpdate, secure bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	wantsOwned := u.Owned != nil && *u.Owned
	if !wantsOwned {
		if u.OxmSel != nil {
			d.OxmSel = *u.OxmSel
		}
		return nil
	}
	if d.Owned {
		return coreerr.New(coreerr.InvalidArgument, "device is already owned")
	}
	if !secure {
		return coreerr.New(coreerr.InvalidArgument, "ownership transfer requires a secure channel")
	}
	if u.DevOwnerID == nil || *u.DevOwnerID == "" {
		return coreerr.New(coreerr.InvalidArgument, "missing devowneruuid")
	}
	d.Owned = true
	d.DevOwnerID = *u.DevOwnerID
	if u.RownerID != nil {
		d.RownerID = *u.RownerID
	} else {
		d.RownerID = *u.DevOwnerID
	}
	return nil
}

// IsOwned reports the current ownership state.
func (d *Doxm) IsOwned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Owned
}
