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

package socket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/corelog"
	"github.com/iotcoap/core/reactor"
)

const recvQueueDepth = 64

type inbound struct {
	data []byte
	src  addr.Address
}

// UDPSocket is the default Socket implementation, backed by a net.UDPConn.
// Inbound datagrams are drained by a background goroutine into a bounded
// channel; that goroutine never touches caller state beyond invoking the
// OnReadable callback, matching the fiber rule of spec §5.
type UDPSocket struct {
	Log corelog.Logger

	conn   *net.UDPConn
	local  addr.Address
	cbs    Callbacks
	readOn int32

	mu   sync.Mutex
	inq  chan inbound
	done chan struct{}
}

// NewUDPSocket constructs a socket with the given readiness callbacks. Bind
// must be called before use.
func NewUDPSocket(cbs Callbacks, log corelog.Logger) *UDPSocket {
	return &UDPSocket{
		cbs:  cbs,
		Log:  log,
		inq:  make(chan inbound, recvQueueDepth),
		done: make(chan struct{}),
	}
}

func (s *UDPSocket) Bind(local addr.Address) error {
	conn, err := net.ListenUDP("udp", local.UDPAddr())
	if err != nil {
		return fmt.Errorf("socket: bind: %w", err)
	}
	s.conn = conn
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		bound, berr := addr.FromNetIP(a.IP, uint16(a.Port))
		if berr == nil {
			s.local = bound
		}
	}
	go s.recvLoop()
	return nil
}

func (s *UDPSocket) recvLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			corelog.Logf(s.Log, "socket: read error: %v", err)
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		srcAddr, aerr := addr.FromNetIP(from.IP, uint16(from.Port))
		if aerr != nil {
			continue
		}
		select {
		case s.inq <- inbound{data: cp, src: srcAddr}:
		default:
			corelog.Logf(s.Log, "socket: receive queue full, dropping datagram from %s", srcAddr)
			continue
		}
		if atomic.LoadInt32(&s.readOn) != 0 && s.cbs.OnReadable != nil {
			s.cbs.OnReadable()
		}
	}
}

func (s *UDPSocket) Send(b []byte, dst addr.Address) (int, error) {
	if s.conn == nil {
		return 0, fmt.Errorf("socket: not bound")
	}
	n, err := s.conn.WriteToUDP(b, dst.UDPAddr())
	if err != nil {
		return 0, fmt.Errorf("socket: send: %w", err)
	}
	return n, nil
}

func (s *UDPSocket) Receive(buf []byte) (int, addr.Address, error) {
	select {
	case item := <-s.inq:
		n := copy(buf, item.data)
		return n, item.src, nil
	default:
		return 0, addr.Address{}, ErrWouldBlock
	}
}

// SendMulticast duplicates b over each RUNNING|MULTICAST interface,
// rotating the outgoing multicast interface setting per iteration and
// restoring it afterward. It succeeds if at least one interface accepted
// the send, per spec §4.2.
func (s *UDPSocket) SendMulticast(b []byte, dst addr.Address) (int, error) {
	ifaces, err := RunningMulticastInterfaces()
	if err != nil {
		return 0, fmt.Errorf("socket: enumerate interfaces: %w", err)
	}
	v6 := dst.Family == addr.FamilyIPv6
	var lastN int
	var lastErr error
	sent := 0
	for i := range ifaces {
		restore, serr := setMulticastInterface(s.conn, &ifaces[i], v6)
		if serr != nil {
			lastErr = serr
			continue
		}
		n, werr := s.conn.WriteToUDP(b, dst.UDPAddr())
		restore()
		if werr != nil {
			lastErr = werr
			continue
		}
		sent++
		lastN = n
	}
	if sent == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("socket: no running multicast interfaces")
		}
		return 0, fmt.Errorf("socket: multicast send: %w", lastErr)
	}
	return lastN, nil
}

// JoinMulticastGroup joins group on the interface identified by ifindex.
func (s *UDPSocket) JoinMulticastGroup(ifindex int, group addr.Address) error {
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("socket: interface %d: %w", ifindex, err)
	}
	pc := ipv4PacketConn(s.conn)
	if pc != nil && group.Family == addr.FamilyIPv4 {
		return pc.JoinGroup(iface, &net.UDPAddr{IP: group.NetIP()})
	}
	pc6 := ipv6PacketConn(s.conn)
	if pc6 != nil {
		return pc6.JoinGroup(iface, &net.UDPAddr{IP: group.NetIP()})
	}
	return fmt.Errorf("socket: unsupported multicast family")
}

func (s *UDPSocket) SetReadMonitor(on bool) {
	if on {
		atomic.StoreInt32(&s.readOn, 1)
	} else {
		atomic.StoreInt32(&s.readOn, 0)
	}
}

// SetWriteMonitor fires OnWritable once shortly; UDP sockets are effectively
// always writable at the datagram layer absent local buffer exhaustion, so
// this is a thin convenience that still honours the interface contract.
func (s *UDPSocket) SetWriteMonitor(on bool) {
	if on && s.cbs.OnWritable != nil {
		s.cbs.OnWritable()
	}
}

func (s *UDPSocket) Close() error {
	close(s.done)
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *UDPSocket) LocalAddr() addr.Address { return s.local }

// Ready implements reactor.Waitable for callers that want to drive this
// socket through a generic reactor.WatchFD instead of the Callbacks hook.
func (s *UDPSocket) Ready(ctx context.Context, events reactor.Events) (reactor.Events, error) {
	if events&reactor.Readable == 0 {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	select {
	case item := <-s.inq:
		// put it back so Receive() still observes it
		select {
		case s.inq <- item:
		default:
		}
		return reactor.Readable, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// setMulticastInterface rotates the outgoing multicast interface for one
// send and restores the previous setting afterward, per spec §4.2.
func setMulticastInterface(conn *net.UDPConn, iface *net.Interface, v6 bool) (restore func(), err error) {
	if v6 {
		pc := ipv6PacketConn(conn)
		if pc == nil {
			return func() {}, fmt.Errorf("socket: not an ipv6 conn")
		}
		prev, _ := pc.MulticastInterface()
		if err := pc.SetMulticastInterface(iface); err != nil {
			return func() {}, err
		}
		return func() { pc.SetMulticastInterface(prev) }, nil
	}
	pc := ipv4PacketConn(conn)
	if pc == nil {
		return func() {}, fmt.Errorf("socket: not an ipv4 conn")
	}
	prev, _ := pc.MulticastInterface()
	if err := pc.SetMulticastInterface(iface); err != nil {
		return func() {}, err
	}
	return func() { pc.SetMulticastInterface(prev) }, nil
}
