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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/cred"
	"github.com/iotcoap/core/reactor"
	"github.com/iotcoap/core/socket"
)

// fakeReactor only needs to hand out a cancellable handle: pairing tests
// never let a retransmit timer fire, since the loopback socket below
// answers every request synchronously.
type fakeReactor struct{}

type fakeTimer struct{}

func (fakeTimer) Cancel() {}

func (fakeReactor) ScheduleAfter(d time.Duration, cb func()) reactor.Handle { return fakeTimer{} }
func (fakeReactor) ScheduleIdle(cb func()) reactor.Handle                  { return fakeTimer{} }
func (fakeReactor) WatchFD(w reactor.Waitable, e reactor.Events, cb func(reactor.Events) reactor.FDAction) reactor.Handle {
	return fakeTimer{}
}
func (fakeReactor) PostEvent(cb func()) {}
func (fakeReactor) Run(stop <-chan struct{}) {}

type queuedDatagram struct {
	data []byte
	src  addr.Address
}

// loopbackSocket answers every outbound datagram by feeding it straight
// back into the same Engine's dispatcher, so a PairRequest can run end to
// end against a resource tree in the same process without a real network.
// Send drives Engine.Poll() synchronously and re-entrantly, so the whole
// request/response chain for one exchange completes before Send returns —
// there is never more than one goroutine involved.
type loopbackSocket struct {
	mu     sync.Mutex
	local  addr.Address
	queue  []queuedDatagram
	engine *coap.Engine
}

func (s *loopbackSocket) Bind(a addr.Address) error { s.local = a; return nil }

func (s *loopbackSocket) Send(b []byte, dst addr.Address) (int, error) {
	cp := append([]byte(nil), b...)
	s.mu.Lock()
	s.queue = append(s.queue, queuedDatagram{data: cp, src: dst})
	s.mu.Unlock()
	if s.engine != nil {
		s.engine.Poll()
	}
	return len(b), nil
}

func (s *loopbackSocket) Receive(buf []byte) (int, addr.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, addr.Address{}, socket.ErrWouldBlock
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	n := copy(buf, item.data)
	return n, item.src, nil
}

func (s *loopbackSocket) JoinMulticastGroup(ifindex int, group addr.Address) error { return nil }
func (s *loopbackSocket) SetReadMonitor(on bool)                                  {}
func (s *loopbackSocket) SetWriteMonitor(on bool)                                 {}
func (s *loopbackSocket) Close() error                                            { return nil }
func (s *loopbackSocket) LocalAddr() addr.Address                                 { return s.local }

type fakeSecureSession struct {
	key      []byte
	creds    *cred.Store
	identity [16]byte
	anon     bool
	closed   int
}

func (f *fakeSecureSession) PRFKeyBlock(peer addr.Address, label string, random1, random2 []byte, length int) ([]byte, error) {
	return f.key, nil
}
func (f *fakeSecureSession) SetAnonymousECDHEnabled(enabled bool) { f.anon = enabled }
func (f *fakeSecureSession) SetCredentialCallbacks(creds *cred.Store, identity [16]byte) {
	f.creds, f.identity = creds, identity
}
func (f *fakeSecureSession) ClosePeer(peer addr.Address) error {
	f.closed++
	return nil
}

func newTestTarget() addr.Address { return addr.NewIPv4([4]byte{10, 0, 0, 9}, 5684, true) }

func newPairingHarness(t *testing.T, doxm *Doxm, pstat *Pstat, secure bool) *coap.Engine {
	t.Helper()
	disp := coap.NewDispatcher()
	if _, err := disp.Register(doxm.Resource()); err != nil {
		t.Fatalf("register doxm: %v", err)
	}
	if pstat != nil {
		if _, err := disp.Register(pstat.Resource()); err != nil {
			t.Fatalf("register pstat: %v", err)
		}
	}
	sock := &loopbackSocket{}
	e := coap.NewEngine(fakeReactor{}, sock, disp, nil)
	e.Secure = secure
	sock.engine = e
	return e
}

func TestPairRequestRejectsAlreadyOwnedDevice(t *testing.T) {
	d := NewDoxm("dev-owned")
	d.Owned = true
	e := newPairingHarness(t, d, nil, true)

	req := &PairRequest{
		Engine:  e,
		Wrapper: &fakeSecureSession{key: make([]byte, 16)},
		Creds:   cred.New(),
		Target:  newTestTarget(),
		OwnerID: [16]byte{1, 2, 3, 4},
	}
	result, err := req.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != PairAlreadyOwned {
		t.Fatalf("expected PairAlreadyOwned, got %v", result.Status)
	}
}

func TestPairRequestRejectsUnsupportedMethod(t *testing.T) {
	d := NewDoxm("dev-pin-only")
	d.Oxms = []OxmType{OxmRandomPIN}
	e := newPairingHarness(t, d, nil, true)

	req := &PairRequest{
		Engine:  e,
		Wrapper: &fakeSecureSession{key: make([]byte, 16)},
		Creds:   cred.New(),
		Target:  newTestTarget(),
		OwnerID: [16]byte{1, 2, 3, 4},
	}
	result, err := req.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != PairUnsupportedMethod {
		t.Fatalf("expected PairUnsupportedMethod, got %v", result.Status)
	}
}

func TestPairRequestHappyPath(t *testing.T) {
	d := NewDoxm("dev-fresh")
	p := NewPstat()
	e := newPairingHarness(t, d, p, true)

	creds := cred.New()
	ownerPSK := make([]byte, 16)
	for i := range ownerPSK {
		ownerPSK[i] = byte(i + 1)
	}
	session := &fakeSecureSession{key: ownerPSK, anon: true}

	req := &PairRequest{
		Engine:  e,
		Wrapper: session,
		Creds:   creds,
		Target:  newTestTarget(),
		OwnerID: [16]byte{0xaa, 0xbb, 0xcc, 0xdd},
	}
	result, err := req.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != PairSuccess {
		t.Fatalf("expected PairSuccess, got %v (err=%v)", result.Status, err)
	}
	if result.DeviceIdentity == ([16]byte{}) {
		t.Fatalf("expected a non-zero device identity to be generated")
	}
	if string(result.OwnerPSK[:]) != string(ownerPSK) {
		t.Fatalf("expected returned owner PSK to match the derived key material")
	}
	if psk, ok := creds.FindPSKByID(result.DeviceIdentity[:]); !ok || string(psk) != string(ownerPSK) {
		t.Fatalf("expected the owner PSK to be provisioned under the new device identity")
	}
	if !d.IsOwned() {
		t.Fatalf("expected target device to be owned after a successful pairing")
	}
	if !p.IsOp {
		t.Fatalf("expected target device to have entered normal operation")
	}
	if session.anon {
		t.Fatalf("expected anonymous ECDH to be disabled once the owner PSK is known")
	}
	if session.identity != result.DeviceIdentity {
		t.Fatalf("expected the wrapper's credential identity to be switched to the new device identity")
	}
}
