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

// Package addr implements the tagged-union network address type shared by
// the socket, DTLS and CoAP layers: IPv4, IPv6 and Bluetooth LE, each
// carrying raw address bytes, an optional port and (for BLE) an address-type
// subtag.
package addr

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Family identifies which member of the tagged union an Address holds.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
	FamilyBLE
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyBLE:
		return "ble"
	default:
		return "unknown"
	}
}

// BLEAddressType distinguishes public vs. random BLE addresses.
type BLEAddressType uint8

const (
	BLEAddressPublic BLEAddressType = 0
	BLEAddressRandom BLEAddressType = 1
)

// Address is a tagged union over {IPv4, IPv6, Bluetooth}. The zero value is
// not a valid address; use one of the New* constructors.
type Address struct {
	Family  Family
	Bytes   [16]byte // IPv4 uses the first 4, BLE the first 6, IPv6 all 16
	Port    uint16
	HasPort bool
	BLEType BLEAddressType
}

// NewIPv4 builds an IPv4 address from 4 raw bytes and an optional port.
func NewIPv4(b [4]byte, port uint16, hasPort bool) Address {
	a := Address{Family: FamilyIPv4, Port: port, HasPort: hasPort}
	copy(a.Bytes[:4], b[:])
	return a
}

// NewIPv6 builds an IPv6 address from 16 raw bytes and an optional port.
func NewIPv6(b [16]byte, port uint16, hasPort bool) Address {
	a := Address{Family: FamilyIPv6, Port: port, HasPort: hasPort}
	copy(a.Bytes[:], b[:])
	return a
}

// NewBLE builds a Bluetooth LE address from its 6-byte MAC and address type.
func NewBLE(mac [6]byte, t BLEAddressType) Address {
	a := Address{Family: FamilyBLE, BLEType: t}
	copy(a.Bytes[:6], mac[:])
	return a
}

// FromNetIP builds an Address from a net.IP and port, picking IPv4 or IPv6
// based on the 4-in-6 shape of the net.IP.
func FromNetIP(ip net.IP, port uint16) (Address, error) {
	if v4 := ip.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return NewIPv4(b, port, true), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return Address{}, fmt.Errorf("addr: not a valid IP: %v", ip)
	}
	var b [16]byte
	copy(b[:], v6)
	return NewIPv6(b, port, true), nil
}

// NetIP returns the net.IP form of an IPv4/IPv6 address. Not meaningful for BLE.
func (a Address) NetIP() net.IP {
	switch a.Family {
	case FamilyIPv4:
		return net.IP(a.Bytes[:4])
	case FamilyIPv6:
		return net.IP(a.Bytes[:16])
	default:
		return nil
	}
}

// UDPAddr returns the net.UDPAddr form, for IPv4/IPv6 families only.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.NetIP(), Port: int(a.Port)}
}

// mappedV4in6 reports whether b is an IPv4-mapped IPv6 address:
// first 80 bits zero, next 16 bits 0xFFFF, final 32 bits the IPv4 address.
func mappedV4in6(b [16]byte) (v4 [4]byte, ok bool) {
	for i := 0; i < 10; i++ {
		if b[i] != 0 {
			return v4, false
		}
	}
	if b[10] != 0xFF || b[11] != 0xFF {
		return v4, false
	}
	copy(v4[:], b[12:16])
	return v4, true
}

// Equal compares two addresses for value equality over (family, bytes,
// port), applying the IPv4-mapped-IPv6 cross-family rule. If comparePort is
// false, ports are ignored.
func (a Address) Equal(other Address, comparePort bool) bool {
	af, ab := a.normalizedFamily()
	bf, bb := other.normalizedFamily()
	if af != bf {
		return false
	}
	if af == FamilyBLE {
		if a.Bytes != other.Bytes || a.BLEType != other.BLEType {
			return false
		}
	} else if af == FamilyIPv6 {
		if a.Bytes != other.Bytes {
			return false
		}
	} else if ab != bb {
		return false
	}
	if comparePort && af != FamilyBLE {
		if a.HasPort != other.HasPort {
			return false
		}
		if a.HasPort && a.Port != other.Port {
			return false
		}
	}
	return true
}

// normalizedFamily returns the effective family and a comparable byte slice,
// collapsing an IPv4-mapped IPv6 address down to FamilyIPv4.
func (a Address) normalizedFamily() (Family, [4]byte) {
	switch a.Family {
	case FamilyIPv4:
		var b [4]byte
		copy(b[:], a.Bytes[:4])
		return FamilyIPv4, b
	case FamilyIPv6:
		if v4, ok := mappedV4in6(a.Bytes); ok {
			return FamilyIPv4, v4
		}
		// fall through to a 4-byte fingerprint good enough for the
		// equality check below; the full 16-byte compare happens in Equal
		// when both sides normalize to IPv6.
		var b [4]byte
		copy(b[:], a.Bytes[:4])
		return FamilyIPv6, b
	default:
		return a.Family, [4]byte{}
	}
}

// String renders the address for logging.
func (a Address) String() string {
	switch a.Family {
	case FamilyIPv4, FamilyIPv6:
		ip := a.NetIP()
		if a.HasPort {
			return fmt.Sprintf("%s:%d", ip.String(), a.Port)
		}
		return ip.String()
	case FamilyBLE:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x/%d",
			a.Bytes[0], a.Bytes[1], a.Bytes[2], a.Bytes[3], a.Bytes[4], a.Bytes[5], a.BLEType)
	default:
		return "invalid-address"
	}
}

// Key returns a value suitable for use as a map key, distinct per (family,
// bytes, port) under the same cross-family rule as Equal(..., true).
func (a Address) Key() string {
	af, ab := a.normalizedFamily()
	buf := make([]byte, 0, 24)
	buf = append(buf, byte(af))
	if af == FamilyBLE {
		buf = append(buf, a.Bytes[:6]...)
		buf = append(buf, byte(a.BLEType))
		return string(buf)
	}
	if af == FamilyIPv4 {
		buf = append(buf, ab[:]...)
	} else {
		buf = append(buf, a.Bytes[:]...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	buf = append(buf, portBuf[:]...)
	return string(buf)
}
