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

import "sort"

// OptionNumber identifies a recognized CoAP option, per spec §4.5.
type OptionNumber uint16

const (
	OptionIfMatch       OptionNumber = 1
	OptionURIHost       OptionNumber = 3
	OptionETag          OptionNumber = 4
	OptionIfNoneMatch   OptionNumber = 5
	OptionObserve       OptionNumber = 6
	OptionURIPort       OptionNumber = 7
	OptionLocationPath  OptionNumber = 8
	OptionURIPath       OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionMaxAge        OptionNumber = 14
	OptionURIQuery      OptionNumber = 15
	OptionAccept        OptionNumber = 17
	OptionLocationQuery OptionNumber = 20
	OptionProxyURI      OptionNumber = 35
	OptionProxyScheme   OptionNumber = 39
)

// ContentFormat values relevant to this core (spec §6).
type ContentFormat uint16

const (
	ContentFormatTextPlain    ContentFormat = 0
	ContentFormatLinkFormat   ContentFormat = 40
	ContentFormatOctetStream  ContentFormat = 42
	ContentFormatCBOR         ContentFormat = 60
)

// Option is a single {number, value} pair. Value is opaque bytes; typed
// accessors below interpret it as uint, string or raw bytes as appropriate.
type Option struct {
	Number OptionNumber
	Value  []byte
}

// Options is an owned, wire-order-preserving sequence of Option values.
type Options []Option

// Add appends an option. The list need not be added in sorted order;
// Serialize re-sorts before writing, per spec §4.5.
func (o Options) Add(number OptionNumber, value []byte) Options {
	return append(o, Option{Number: number, Value: value})
}

// AddUint appends an option whose value is a minimal-length big-endian uint.
func (o Options) AddUint(number OptionNumber, v uint32) Options {
	return o.Add(number, encodeUint(v))
}

// AddString appends an option whose value is a UTF-8 string.
func (o Options) AddString(number OptionNumber, v string) Options {
	return o.Add(number, []byte(v))
}

// sorted returns a copy of o sorted by ascending option number, stable so
// that options of the same number (e.g. repeated Uri-Path segments) keep
// their relative order.
func (o Options) sorted() Options {
	cp := make(Options, len(o))
	copy(cp, o)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Number < cp[j].Number })
	return cp
}

// Get returns the value of the first option with the given number.
func (o Options) Get(number OptionNumber) ([]byte, bool) {
	for _, opt := range o {
		if opt.Number == number {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll returns every option with the given number, in wire order.
func (o Options) GetAll(number OptionNumber) [][]byte {
	var out [][]byte
	for _, opt := range o {
		if opt.Number == number {
			out = append(out, opt.Value)
		}
	}
	return out
}

// Path reassembles the Uri-Path options into a "/"-joined path.
func (o Options) Path() string {
	segs := o.GetAll(OptionURIPath)
	if len(segs) == 0 {
		return "/"
	}
	out := ""
	for _, s := range segs {
		out += "/" + string(s)
	}
	return out
}

// SetPath replaces any existing Uri-Path options with one per path segment.
func (o Options) SetPath(path string) Options {
	out := o[:0:0]
	for _, opt := range o {
		if opt.Number != OptionURIPath {
			out = append(out, opt)
		}
	}
	for _, seg := range splitPath(path) {
		out = out.Add(OptionURIPath, []byte(seg))
	}
	return out
}

func splitPath(path string) []string {
	var segs []string
	cur := ""
	for _, r := range path {
		if r == '/' {
			segs = append(segs, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	segs = append(segs, cur)
	// drop a single leading empty segment from a leading "/"
	if len(segs) > 0 && segs[0] == "" {
		segs = segs[1:]
	}
	return segs
}

// ContentFormatOf returns the Content-Format option, if present.
func (o Options) ContentFormatOf() (ContentFormat, bool) {
	v, ok := o.Get(OptionContentFormat)
	if !ok {
		return 0, false
	}
	return ContentFormat(decodeUint(v)), true
}

// ObserveValue returns the Observe option's value, if present.
func (o Options) ObserveValue() (uint32, bool) {
	v, ok := o.Get(OptionObserve)
	if !ok {
		return 0, false
	}
	return decodeUint(v), true
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v
}
