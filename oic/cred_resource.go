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

	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/cred"
	"github.com/iotcoap/core/coreerr"
)

var credKeys = map[string]int{
	"credid": 0, "subjectuuid": 1, "credtype": 2, "publicdata": 3, "privatedata": 4,
}

var credCodec = mustFieldCodec(credKeys)

const credTypeSymmetricPairWise = 1

// CredResource exposes the provisioned PSK table as /oic/sec/cred (spec
// §5.4). It never returns PSK material in a GET: only the subject identity
// and credential type are disclosed, matching how a real OIC stack avoids
// leaking key material back out over the wire.
type CredResource struct {
	Store *cred.Store
}

func (c *CredResource) snapshot() []map[string]interface{} {
	items := c.Store.Items()
	out := make([]map[string]interface{}, 0, len(items))
	for i, it := range items {
		out = append(out, map[string]interface{}{
			"credid":      i + 1,
			"subjectuuid": hex.EncodeToString(it.ID[:]),
			"credtype":    credTypeSymmetricPairWise,
		})
	}
	return out
}

// Resource builds the /oic/sec/cred CoAP resource. POST provisions a new
// identity/PSK pair (hex-encoded in the wire payload); DELETE removes one
// by subject identity. Both require a secure channel, since credential
// provisioning over plaintext would defeat the point of the store.
func (c *CredResource) Resource() *coap.Resource {
	r := &coap.Resource{
		Path:  "/oic/sec/cred",
		Flags: coap.Discoverable | coap.Active | coap.SecureOnly,
	}
	r.GET = func(req *coap.Request) coap.Response {
		body, err := credCodec.JSONToCBOR(map[string]interface{}{"creds": c.snapshot()})
		if err != nil {
			return coap.Response{Code: coap.InternalError}
		}
		return coap.Response{Code: coap.Content, ContentFormat: coap.ContentFormatCBOR, Payload: body}
	}
	r.POST = func(req *coap.Request) coap.Response {
		raw, err := credCodec.CBORToJSON(req.Message.Payload)
		if err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		var fields map[string]interface{}
		if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		subj, _ := fields["subjectuuid"].(string)
		priv, _ := fields["privatedata"].(string)
		id, psk, err := decodeCredPair(subj, priv)
		if err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		if err := c.Store.Add(id, psk); err != nil {
			return coap.Response{Code: coap.Forbidden}
		}
		return coap.Response{Code: coap.Created}
	}
	r.DELETE = func(req *coap.Request) coap.Response {
		subj, ok := req.Message.Options.Get(coap.OptionURIQuery)
		if !ok {
			return coap.Response{Code: coap.BadRequest}
		}
		id, err := decodeIdentity(string(subj))
		if err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		c.Store.Remove(id)
		return coap.Response{Code: coap.Deleted}
	}
	return r
}

var errBadCredential = coreerr.New(coreerr.InvalidArgument, "oic: malformed credential payload")

func decodeCredPair(subjHex, pskHex string) (id [16]byte, psk [16]byte, err error) {
	id, err = decodeIdentity(subjHex)
	if err != nil {
		return id, psk, err
	}
	pb, err := hex.DecodeString(pskHex)
	if err != nil || len(pb) != cred.PSKLen {
		return id, psk, errBadCredential
	}
	copy(psk[:], pb)
	return id, psk, nil
}

func decodeIdentity(subjHex string) (id [16]byte, err error) {
	b, err := hex.DecodeString(subjHex)
	if err != nil || len(b) != cred.IdentityLen {
		return id, errBadCredential
	}
	copy(id[:], b)
	return id, nil
}
