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

package coap

import (
	"fmt"
	"strings"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coreerr"
)

// ResourceFlags are the per-resource flags of spec §3.
type ResourceFlags uint8

const (
	Discoverable ResourceFlags = 1 << iota
	Observable
	Secure
	Active
	// SecureOnly resolves spec §9's Open Question: a resource flagged
	// SecureOnly is rejected with 4.01 Unauthorized if the request did not
	// arrive over a DTLS-wrapped exchange.
	SecureOnly
)

// Handler processes one request for a resource and returns a response code,
// content format and payload.
type Handler func(req *Request) Response

// Request is what a Handler sees.
type Request struct {
	Message *Message
	Source  addr.Address
	Secure  bool
	Path    string
}

// Response is what a Handler returns.
type Response struct {
	Code          Code
	ContentFormat ContentFormat
	Payload       []byte
}

// Resource is a path-addressable CoAP resource with up to one handler per
// method, per spec §3/§4.7.
type Resource struct {
	Path     string
	Flags    ResourceFlags
	UserData interface{}

	GET    Handler
	POST   Handler
	PUT    Handler
	DELETE Handler
}

func (r *Resource) handlerFor(code Code) (Handler, bool) {
	switch code {
	case GET:
		return r.GET, r.GET != nil
	case POST:
		return r.POST, r.POST != nil
	case PUT:
		return r.PUT, r.PUT != nil
	case DELETE:
		return r.DELETE, r.DELETE != nil
	default:
		return nil, false
	}
}

func normalizedPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}

const wellKnownCore = "/.well-known/core"

// Dispatcher holds the set of registered resources and performs path
// matching and method dispatch, per spec §4.6/§4.7.
type Dispatcher struct {
	resources []*Resource
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register adds a resource. Explicitly registering /.well-known/core fails,
// since the engine synthesizes it (spec §4.7).
func (d *Dispatcher) Register(r *Resource) (bool, error) {
	path := normalizedPath(r.Path)
	if path == wellKnownCore {
		return false, coreerr.New(coreerr.InvalidArgument, "cannot explicitly register /.well-known/core")
	}
	for _, existing := range d.resources {
		if normalizedPath(existing.Path) == path {
			return false, nil
		}
	}
	r.Path = path
	d.resources = append(d.resources, r)
	return true, nil
}

// Unregister removes a previously registered resource.
func (d *Dispatcher) Unregister(r *Resource) error {
	path := normalizedPath(r.Path)
	for i, existing := range d.resources {
		if existing == r || normalizedPath(existing.Path) == path {
			d.resources = append(d.resources[:i], d.resources[i+1:]...)
			return nil
		}
	}
	return coreerr.New(coreerr.NoMatch, "resource not registered")
}

// Find returns the resource matching path, by case-sensitive per-segment
// comparison (spec §4.6).
func (d *Dispatcher) Find(path string) (*Resource, bool) {
	path = normalizedPath(path)
	for _, r := range d.resources {
		if normalizedPath(r.Path) == path {
			return r, true
		}
	}
	return nil, false
}

// All returns every registered resource.
func (d *Dispatcher) All() []*Resource {
	return d.resources
}

// Dispatch resolves a path+method to a Response, per spec §4.6: absent
// resource -> 4.04, absent handler -> 4.05, SecureOnly mismatch -> 4.01.
func (d *Dispatcher) Dispatch(req *Request) Response {
	if req.Path == wellKnownCore {
		return d.wellKnownCoreResponse()
	}
	r, ok := d.Find(req.Path)
	if !ok {
		return Response{Code: NotFound}
	}
	if r.Flags&SecureOnly != 0 && !req.Secure {
		return Response{Code: Unauthorized}
	}
	h, ok := r.handlerFor(req.Message.Code)
	if !ok {
		return Response{Code: MethodNotAllowed}
	}
	return h(req)
}

// wellKnownCoreResponse builds the CoRE link-format body (RFC 6690) for
// every Discoverable resource, per spec §4.7/§6.
func (d *Dispatcher) wellKnownCoreResponse() Response {
	var b strings.Builder
	first := true
	for _, r := range d.resources {
		if r.Flags&Discoverable == 0 {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "<%s>", r.Path)
		if r.Flags&Observable != 0 {
			b.WriteString(";obs")
		}
	}
	return Response{
		Code:          Content,
		ContentFormat: ContentFormatLinkFormat,
		Payload:       []byte(b.String()),
	}
}
