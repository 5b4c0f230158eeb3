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

// Package socket defines the datagram socket abstraction consumed by the
// DTLS wrapper and CoAP engine, and a UDP implementation of it.
package socket

import "github.com/iotcoap/core/addr"

// ErrWouldBlock is returned by Send/Receive when the operation cannot
// complete without blocking; the caller should retry once the corresponding
// monitor fires.
var ErrWouldBlock = errWouldBlock{}

type errWouldBlock struct{}

func (errWouldBlock) Error() string { return "socket: would block" }

// OnReadable/OnWritable are registered at socket construction time and
// invoked by the reactor (through SetReadMonitor/SetWriteMonitor) once the
// socket becomes ready.
type Callbacks struct {
	OnReadable func()
	OnWritable func()
}

// Socket is the abstract, non-blocking datagram socket the DTLS wrapper and
// CoAP engine are built against.
type Socket interface {
	// Bind binds the local endpoint. Must be called once before use.
	Bind(local addr.Address) error

	// Send attempts to send b to dst without blocking. A partial send never
	// happens for datagram sockets: this returns either the full length or
	// ErrWouldBlock/an error.
	Send(b []byte, dst addr.Address) (int, error)

	// Receive attempts to read one datagram into buf without blocking.
	Receive(buf []byte) (n int, src addr.Address, err error)

	// JoinMulticastGroup joins group on the interface identified by ifindex.
	JoinMulticastGroup(ifindex int, group addr.Address) error

	// SetReadMonitor/SetWriteMonitor enable or disable the corresponding
	// readiness callback registered via Callbacks.
	SetReadMonitor(on bool)
	SetWriteMonitor(on bool)

	// Close releases the underlying OS resources.
	Close() error

	// LocalAddr reports the bound local address.
	LocalAddr() addr.Address
}
