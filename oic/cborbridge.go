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

// Package oic implements the OIC security resources (DOXM, PSTAT, Cred) and
// the Just-Works ownership-transfer state machine built on top of the coap
// and dtlswrap packages.
package oic

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// FieldCodec converts between the Go-friendly string-keyed JSON shape OIC
// resource structs marshal to and the integer-keyed CBOR wire shape the
// spec names (spec §3's CBOR↔JSON field mapping). A small integer key
// saves bytes on constrained transports at the cost of a lookup table.
type FieldCodec struct {
	keys     map[string]int
	enumKeys map[int]string
}

// NewFieldCodec builds a codec from a string-key -> wire-int-key table. It
// rejects a table with two names mapping to the same integer, since that
// would make CBORToJSON ambiguous.
func NewFieldCodec(keys map[string]int) (*FieldCodec, error) {
	c := &FieldCodec{keys: keys, enumKeys: make(map[int]string, len(keys))}
	for k, v := range keys {
		if _, ok := c.enumKeys[v]; ok {
			return nil, fmt.Errorf("oic: cbor field table: duplicate key %d (%s)", v, k)
		}
		c.enumKeys[v] = k
	}
	return c, nil
}

// JSONToCBOR renders a JSON-marshalable value as CBOR, replacing any field
// name present in the codec's table with its integer key.
func (c *FieldCodec) JSONToCBOR(v interface{}) ([]byte, error) {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("oic: marshal to json: %w", err)
	}
	var intermediate interface{}
	if err := jsonAPI.Unmarshal(b, &intermediate); err != nil {
		return nil, fmt.Errorf("oic: decode intermediate json: %w", err)
	}
	intermediate = jsonToCBORKeys(intermediate, c.keys)
	return cbor.Marshal(intermediate)
}

// CBORToJSON converts a CBOR-encoded resource payload back into a
// string-keyed JSON document, resolving integer keys through the table.
func (c *FieldCodec) CBORToJSON(input []byte) ([]byte, error) {
	var intermediate interface{}
	if err := cbor.NewDecoder(bytes.NewReader(input)).Decode(&intermediate); err != nil {
		return nil, fmt.Errorf("oic: decode cbor: %w", err)
	}
	intermediate = cborToJSONKeys(intermediate, c.enumKeys)
	return jsonAPI.Marshal(intermediate)
}

// jsonToCBORKeys walks a decoded-JSON value (as produced by
// encoding/json-shaped unmarshal: map[string]interface{}, []interface{},
// and scalars) replacing string map keys with their integer wire key where
// one is registered, per spec §3.
func jsonToCBORKeys(v interface{}, lookup map[string]int) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, e := range arr {
			arr[i] = jsonToCBORKeys(e, lookup)
		}
		return arr
	case reflect.Map:
		m := v.(map[string]interface{})
		out := make(map[interface{}]interface{}, len(m))
		for k, val := range m {
			if n, ok := lookup[k]; ok {
				out[n] = jsonToCBORKeys(val, lookup)
			} else {
				out[k] = jsonToCBORKeys(val, lookup)
			}
		}
		return out
	default:
		return v
	}
}

// cborToJSONKeys is the inverse of jsonToCBORKeys: an unregistered integer
// key falls back to its decimal string form rather than being dropped, so
// an unrecognized field still round-trips through JSON.
func cborToJSONKeys(v interface{}, lookup map[int]string) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		arr := v.([]interface{})
		for i, e := range arr {
			arr[i] = cborToJSONKeys(e, lookup)
		}
		return arr
	case reflect.Map:
		m := v.(map[interface{}]interface{})
		var intKeys []int
		intVals := make(map[int]interface{})
		var strKeys []string
		for k, val := range m {
			switch kt := k.(type) {
			case string:
				strKeys = append(strKeys, kt)
			default:
				if n, ok := asInt(kt); ok {
					intKeys = append(intKeys, n)
					intVals[n] = val
				}
			}
		}
		sort.Ints(intKeys)
		sort.Strings(strKeys)
		out := make(map[string]interface{}, len(m))
		for _, n := range intKeys {
			if name, ok := lookup[n]; ok {
				out[name] = cborToJSONKeys(intVals[n], lookup)
			} else {
				out[fmt.Sprintf("%d", n)] = cborToJSONKeys(intVals[n], lookup)
			}
		}
		for _, s := range strKeys {
			out[s] = cborToJSONKeys(m[s], lookup)
		}
		return out
	default:
		return v
	}
}

func asInt(k interface{}) (int, bool) {
	switch n := k.(type) {
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
