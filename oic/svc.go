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

var svcKeys = map[string]int{
	"svcname": 0, "svct": 1, "owned": 2,
}

var svcCodec = mustFieldCodec(svcKeys)

// Service is one entry of /oic/sec/svc: a named capability exposed for
// provisioning (e.g. "cloud", "maintenance"), per spec §5.
type Service struct {
	Name  string
	Type  int
	Owned bool
}

// SvcResource exposes the set of named services a device advertises for
// provisioning. Unlike Cred, it carries no secret material, so it is
// readable without a secure channel but only writable over one.
type SvcResource struct {
	mu       sync.Mutex
	services []Service
}

// NewSvcResource returns an empty service table.
func NewSvcResource() *SvcResource { return &SvcResource{} }

// Add registers a service entry, replacing any existing entry of the same name.
func (s *SvcResource) Add(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.services {
		if existing.Name == svc.Name {
			s.services[i] = svc
			return
		}
	}
	s.services = append(s.services, svc)
}

func (s *SvcResource) snapshot() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, map[string]interface{}{
			"svcname": svc.Name,
			"svct":    svc.Type,
			"owned":   svc.Owned,
		})
	}
	return out
}

// Resource builds the /oic/sec/svc CoAP resource.
func (s *SvcResource) Resource() *coap.Resource {
	r := &coap.Resource{
		Path:  "/oic/sec/svc",
		Flags: coap.Discoverable | coap.Active,
	}
	r.GET = func(req *coap.Request) coap.Response {
		body, err := svcCodec.JSONToCBOR(map[string]interface{}{"svcs": s.snapshot()})
		if err != nil {
			return coap.Response{Code: coap.InternalError}
		}
		return coap.Response{Code: coap.Content, ContentFormat: coap.ContentFormatCBOR, Payload: body}
	}
	r.POST = func(req *coap.Request) coap.Response {
		if !req.Secure {
			return coap.Response{Code: coap.Unauthorized}
		}
		raw, err := svcCodec.CBORToJSON(req.Message.Payload)
		if err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		var fields map[string]interface{}
		if err := jsonAPI.Unmarshal(raw, &fields); err != nil {
			return coap.Response{Code: coap.BadRequest}
		}
		name, _ := fields["svcname"].(string)
		if name == "" {
			return coap.Response{Code: coap.BadRequest}
		}
		svct, _ := fields["svct"].(float64)
		owned, _ := fields["owned"].(bool)
		s.Add(Service{Name: name, Type: int(svct), Owned: owned})
		return coap.Response{Code: coap.Created}
	}
	return r
}
