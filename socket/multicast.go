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
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func ipv4PacketConn(conn *net.UDPConn) *ipv4.PacketConn {
	if conn == nil {
		return nil
	}
	return ipv4.NewPacketConn(conn)
}

func ipv6PacketConn(conn *net.UDPConn) *ipv6.PacketConn {
	if conn == nil {
		return nil
	}
	return ipv6.NewPacketConn(conn)
}

// RunningMulticastInterfaces returns the interfaces currently
// RUNNING|MULTICAST, per spec §4.6's discovery group join rule.
func RunningMulticastInterfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	const want = net.FlagRunning | net.FlagMulticast
	var out []net.Interface
	for _, ifc := range ifaces {
		if ifc.Flags&want == want {
			out = append(out, ifc)
		}
	}
	return out, nil
}
