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
	"context"
	"encoding/hex"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/coreerr"
	"github.com/iotcoap/core/cred"
)

// justWorksKeyLabel is the PRF export label used to derive the owner PSK
// from the anonymous Just-Works handshake, per spec §7.
const justWorksKeyLabel = "oic.sec.doxm.jw"

// secureSession is the slice of *dtlswrap.Wrapper that pairing needs:
// exporting keying material from the already-established anonymous
// session, closing that session once the owner PSK is known, then
// reconnecting under the newly-provisioned credential. Accepting this
// instead of *dtlswrap.Wrapper directly lets tests exercise PairRequest
// without a real DTLS handshake.
type secureSession interface {
	PRFKeyBlock(peer addr.Address, label string, random1, random2 []byte, length int) ([]byte, error)
	SetAnonymousECDHEnabled(enabled bool)
	SetCredentialCallbacks(creds *cred.Store, identity [16]byte)
	ClosePeer(peer addr.Address) error
}

// PairRequest drives the client side of the Just-Works ownership-transfer
// handshake of spec §5.2/§7/§4.8 against a single unowned target device:
//
//  1. GET /oic/sec/doxm over the anonymous Just-Works DTLS session to
//     confirm the device is unowned and offers Just-Works.
//  2. PUT /oic/sec/doxm over that same anonymous session, selecting the
//     Just-Works method with owned still false.
//  3. Derive an owner PSK by exporting keying material from the anonymous
//     session (random1=owner-id, random2=device-id) and provision it
//     locally under a freshly generated identity.
//  4. Switch credentials and close the anonymous session, so the next
//     exchange reconnects under PSK-AES128-CCM8 with the owner PSK.
//  5. PUT /oic/sec/doxm over the new session to commit ownership, then
//     GET /oic/sec/pstat and PUT it back with the selected operation mode
//     to move the device into normal operation.
//
// The caller is responsible for constructing Wrapper with
// SetAnonymousECDHEnabled(true) and Engine wired over it before calling
// Run; Run re-configures Wrapper's credentials mid-flow once the owner PSK
// is known, so the same Wrapper instance must be reused throughout.
type PairRequest struct {
	Engine  *coap.Engine
	Wrapper secureSession
	Creds   *cred.Store
	Target  addr.Address

	// OwnerID is this owner's 16-byte identity, hex-encoded into the
	// devowneruuid field. A zero value is rejected by Run.
	OwnerID [16]byte
}

// PairResult is the outcome enum of a pairing attempt. Expected rejections
// (already owned, no compatible method) are reported through Status rather
// than error, per spec §7; error is reserved for transport/protocol
// failures that gave no definitive answer.
type PairResult int

const (
	PairSuccess PairResult = iota
	PairAlreadyOwned
	PairUnsupportedMethod
)

func (r PairResult) String() string {
	switch r {
	case PairSuccess:
		return "success"
	case PairAlreadyOwned:
		return "already_owned"
	case PairUnsupportedMethod:
		return "unsupported_method"
	default:
		return "unknown"
	}
}

// Result is what Run reports back.
type Result struct {
	Status         PairResult
	DeviceIdentity [16]byte
	OwnerPSK       [16]byte
}

// Run executes the full handshake, blocking until it completes, fails, or
// ctx is cancelled. It must be called from a goroutine other than the one
// driving Engine.React.Run, since it waits synchronously on channels fed
// by the engine's own callbacks.
func (p *PairRequest) Run(ctx context.Context) (Result, error) {
	if p.OwnerID == ([16]byte{}) {
		return Result{}, coreerr.New(coreerr.InvalidArgument, "oic: PairRequest.OwnerID must be set")
	}

	state, err := p.fetchDoxm(ctx)
	if err != nil {
		return Result{}, err
	}
	if state.Owned {
		return Result{Status: PairAlreadyOwned}, nil
	}
	if !offersJustWorks(state.Oxms) {
		return Result{Status: PairUnsupportedMethod}, nil
	}

	if err := p.selectJustWorks(ctx); err != nil {
		return Result{}, err
	}

	deviceID := randomIdentity()
	keyMaterial, err := p.Wrapper.PRFKeyBlock(p.Target, justWorksKeyLabel, p.OwnerID[:], deviceID[:], cred.PSKLen)
	if err != nil {
		return Result{}, coreerr.Wrap(coreerr.SecurityFailure, "oic: deriving owner PSK", err)
	}
	var ownerPSK [16]byte
	copy(ownerPSK[:], keyMaterial)

	if err := p.Creds.Add(deviceID, ownerPSK); err != nil {
		return Result{}, err
	}

	// The anonymous Just-Works session can't carry the rest of the
	// handshake once a real credential exists for this peer (spec §4.8):
	// switch to it and force a reconnect.
	p.Wrapper.SetCredentialCallbacks(p.Creds, deviceID)
	p.Wrapper.SetAnonymousECDHEnabled(false)
	if err := p.Wrapper.ClosePeer(p.Target); err != nil {
		return Result{}, coreerr.Wrap(coreerr.SecurityFailure, "oic: closing anonymous session", err)
	}

	if err := p.commitOwnership(ctx, deviceID); err != nil {
		return Result{}, err
	}
	if _, err := p.fetchPstat(ctx); err != nil {
		return Result{}, err
	}
	if err := p.enterNormalOperation(ctx); err != nil {
		return Result{}, err
	}
	return Result{Status: PairSuccess, DeviceIdentity: deviceID, OwnerPSK: ownerPSK}, nil
}

func offersJustWorks(oxms []OxmType) bool {
	for _, o := range oxms {
		if o == OxmJustWorks {
			return true
		}
	}
	return false
}

func randomIdentity() [16]byte {
	var id [16]byte
	DefaultRandomSource.Read(id[:])
	return id
}

func (p *PairRequest) fetchDoxm(ctx context.Context) (*Doxm, error) {
	body, err := p.exchange(ctx, coap.GET, "/oic/sec/doxm", nil)
	if err != nil {
		return nil, err
	}
	raw, err := doxmCodec.CBORToJSON(body)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ProtocolError, "oic: decoding doxm response", err)
	}
	var fields struct {
		Oxms  []int `json:"oxms"`
		Owned bool  `json:"owned"`
	}
	if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
		return nil, coreerr.Wrap(coreerr.ProtocolError, "oic: parsing doxm response", err)
	}
	d := &Doxm{Owned: fields.Owned}
	for _, v := range fields.Oxms {
		d.Oxms = append(d.Oxms, OxmType(v))
	}
	return d, nil
}

// selectJustWorks commits to the Just-Works method over the still-
// anonymous session, without claiming ownership yet (spec §4.8's initial
// doxm transition): it only carries oxmsel and an explicit owned=false.
func (p *PairRequest) selectJustWorks(ctx context.Context) error {
	payload, err := doxmCodec.JSONToCBOR(map[string]interface{}{
		"oxmsel": int(OxmJustWorks),
		"owned":  false,
	})
	if err != nil {
		return err
	}
	_, err = p.exchange(ctx, coap.PUT, "/oic/sec/doxm", payload)
	return err
}

func (p *PairRequest) commitOwnership(ctx context.Context, deviceID [16]byte) error {
	payload, err := doxmCodec.JSONToCBOR(map[string]interface{}{
		"oxmsel":       int(OxmJustWorks),
		"owned":        true,
		"devowneruuid": hex.EncodeToString(p.OwnerID[:]),
		"rowneruuid":   hex.EncodeToString(p.OwnerID[:]),
		"deviceid":     hex.EncodeToString(deviceID[:]),
	})
	if err != nil {
		return err
	}
	_, err = p.exchange(ctx, coap.PUT, "/oic/sec/doxm", payload)
	return err
}

// fetchPstat reads the device's current provisioning status over the now-
// reconnected PSK session, so the client knows which operation mode the
// device actually offers before selecting one.
func (p *PairRequest) fetchPstat(ctx context.Context) (*Pstat, error) {
	body, err := p.exchange(ctx, coap.GET, "/oic/sec/pstat", nil)
	if err != nil {
		return nil, err
	}
	raw, err := pstatCodec.CBORToJSON(body)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ProtocolError, "oic: decoding pstat response", err)
	}
	var fields struct {
		Om int `json:"om"`
	}
	if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
		return nil, coreerr.Wrap(coreerr.ProtocolError, "oic: parsing pstat response", err)
	}
	return &Pstat{Om: fields.Om}, nil
}

// enterNormalOperation selects the client-driven single-service operation
// mode and asks the device to leave ready-for-ownership-transfer mode
// (spec §5.3/§4.8), in place of directly setting tm/isop.
func (p *PairRequest) enterNormalOperation(ctx context.Context) error {
	payload, err := pstatCodec.JSONToCBOR(map[string]interface{}{
		"om":         OmClientDirected,
		"isop":       true,
		"rowneruuid": hex.EncodeToString(p.OwnerID[:]),
	})
	if err != nil {
		return err
	}
	_, err = p.exchange(ctx, coap.PUT, "/oic/sec/pstat", payload)
	return err
}

// exchange sends one confirmable request and waits for the matching
// response, translating timeout/RESET into coreerr.Timeout.
func (p *PairRequest) exchange(ctx context.Context, method coap.Code, path string, payload []byte) ([]byte, error) {
	msg := &coap.Message{Type: coap.CON, Code: method, Payload: payload}
	msg.Options = msg.Options.SetPath(path)
	if payload != nil {
		msg.Options = msg.Options.AddUint(coap.OptionContentFormat, uint32(coap.ContentFormatCBOR))
	}

	type outcome struct {
		resp *coap.Message
		err  error
	}
	done := make(chan outcome, 1)
	err := p.Engine.SendRequest(msg, p.Target, func(resp *coap.Message, _ *addr.Address) bool {
		if resp == nil {
			done <- outcome{err: coreerr.New(coreerr.Timeout, "oic: no response from target")}
			return false
		}
		done <- outcome{resp: resp}
		return false
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, coreerr.Wrap(coreerr.Timeout, "oic: pairing exchange cancelled", ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.resp.Code.Class() != 2 {
			return nil, coreerr.Newf(coreerr.ProtocolError, "oic: %s %s: %s", method, path, o.resp.Code)
		}
		return o.resp.Payload, nil
	}
}
