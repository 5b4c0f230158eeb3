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

package dtlswrap

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/iotcoap/core/addr"
)

// peerConn presents one demultiplexed peer as a net.Conn so pion/dtls can
// drive its handshake and record layer against it, per spec §4.3: the
// wrapper owns a single underlying datagram socket and fans inbound
// ciphertext out to one peerConn per source address.
type peerConn struct {
	w    *Wrapper
	peer addr.Address

	inbound   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newPeerConn(w *Wrapper, peer addr.Address) *peerConn {
	return &peerConn{
		w:       w,
		peer:    peer,
		inbound: make(chan []byte, queueCap),
		closed:  make(chan struct{}),
	}
}

// deliver hands one ciphertext datagram to the DTLS record layer reading
// from this peerConn. It never blocks indefinitely: a peer flooding faster
// than pion/dtls drains is throttled by dropping, matching the bounded
// per-peer queues of spec §4.3.
func (p *peerConn) deliver(b []byte) {
	select {
	case p.inbound <- b:
	case <-p.closed:
	default:
		// queue full: drop, the DTLS layer will see a gap and, for a
		// handshake flight, simply retransmit per its own timer.
	}
}

func (p *peerConn) Read(b []byte) (int, error) {
	select {
	case data, ok := <-p.inbound:
		if !ok {
			return 0, io.EOF
		}
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *peerConn) Write(b []byte) (int, error) {
	return p.w.underlying.Send(b, p.peer)
}

func (p *peerConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	p.w.forgetPeer(p.peer)
	return nil
}

func (p *peerConn) LocalAddr() net.Addr  { return p.w.underlying.LocalAddr().UDPAddr() }
func (p *peerConn) RemoteAddr() net.Addr { return p.peer.UDPAddr() }

func (p *peerConn) SetDeadline(t time.Time) error      { return nil }
func (p *peerConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *peerConn) SetWriteDeadline(t time.Time) error { return nil }
