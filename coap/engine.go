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
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/corelog"
	"github.com/iotcoap/core/coreerr"
	"github.com/iotcoap/core/reactor"
	"github.com/iotcoap/core/socket"
)

// RFC 7252 §4.8 timing constants.
const (
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	dedupRingSize    = 32
)

// Standard multicast discovery groups, per spec §4.6.
var (
	MulticastIPv4 = addr.NewIPv4([4]byte{224, 0, 1, 187}, 5683, true)
)

func multicastIPv6(group [16]byte) addr.Address { return addr.NewIPv6(group, 5683, true) }

var (
	// ff02::fd
	MulticastIPv6LinkLocal = multicastIPv6([16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xfd})
	// ff05::fd
	MulticastIPv6SiteLocal = multicastIPv6([16]byte{0xff, 0x05, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xfd})
)

// ReplyCallback is invoked with the matched response (and its source), or
// with (nil, nil) on timeout/cancellation. Returning true keeps the
// exchange pending (observe streams); false removes it.
type ReplyCallback func(resp *Message, src *addr.Address) bool

type exchangeState int

const (
	stateOutstanding exchangeState = iota
	stateObserving
	stateCompleted
)

type exchange struct {
	messageID  uint16
	token      []byte
	dest       addr.Address
	packet     []byte
	isCON      bool
	retransmit int
	callback   ReplyCallback
	cancelled  bool
	observing  bool
	state      exchangeState
	timer      reactor.Handle
}

// Engine implements the CoAP pending-reply table, retransmission, observe
// subscriptions, duplicate suppression and multicast discovery of spec §4.6.
type Engine struct {
	Log    corelog.Logger
	React  reactor.Reactor
	Sock   socket.Socket
	Disp   *Dispatcher
	Secure bool // true if Sock delivers only DTLS-protected traffic

	mu        sync.Mutex
	exchanges []*exchange
	observ    map[string][]*observation
	dedup     *dedupRing
}

type observation struct {
	resource *Resource
	client   addr.Address
	token    []byte
}

// NewEngine wires up an engine over sock, dispatching inbound requests to disp.
func NewEngine(react reactor.Reactor, sock socket.Socket, disp *Dispatcher, log corelog.Logger) *Engine {
	e := &Engine{
		Log:   log,
		React: react,
		Sock:  sock,
		Disp:  disp,
		observ: make(map[string][]*observation),
		dedup:  newDedupRing(dedupRingSize),
	}
	return e
}

// Start begins reading from the socket. Sock must also implement
// reactor.Waitable for readiness-driven delivery; a socket that doesn't is
// drained once up front and otherwise relies on the caller polling Poll.
func (e *Engine) Start() {
	e.Sock.SetReadMonitor(true)
	if w, ok := e.Sock.(reactor.Waitable); ok {
		e.React.WatchFD(w, reactor.Readable, func(reactor.Events) reactor.FDAction {
			e.drainSocket()
			return reactor.Continue
		})
		return
	}
	e.drainSocket()
}

// Poll drains any datagrams currently queued on the socket. Safe to call
// from tests or from a caller driving the socket without a reactor watch.
func (e *Engine) Poll() {
	e.drainSocket()
}

func (e *Engine) drainSocket() {
	buf := make([]byte, MaxPacketSize)
	for {
		n, src, err := e.Sock.Receive(buf)
		if err != nil {
			return
		}
		e.handleDatagram(append([]byte(nil), buf[:n]...), src)
	}
}

// SendRequest transmits msg to dest, tracking it as a pending exchange if
// msg.Type == CON. cb is invoked on matching response/ACK/RESET, or on
// timeout with (nil, nil) after MAX_RETRANSMIT.
func (e *Engine) SendRequest(msg *Message, dest addr.Address, cb ReplyCallback) error {
	if msg.Type == NON && isMulticast(dest) {
		// allowed
	} else if msg.Type != NON && isMulticast(dest) {
		return coreerr.New(coreerr.InvalidArgument, "multicast destination requires NON type")
	}

	if msg.MessageID == 0 {
		msg.MessageID = e.nextMessageID(dest)
	}
	if msg.Token == nil {
		msg.Token = GenerateToken()
	}

	packet, err := Serialize(msg)
	if err != nil {
		return coreerr.Wrap(coreerr.ProtocolError, "serialize request", err)
	}

	// A CON exchange is registered before the datagram is handed to the
	// socket, not after: the reactor is single-threaded so this makes no
	// difference to real delivery, but it means a reply that arrives (or
	// is looped back, in tests) before SendRequest returns is never missed.
	var ex *exchange
	if msg.Type == CON {
		ex = &exchange{
			messageID: msg.MessageID,
			token:     msg.Token,
			dest:      dest,
			packet:    packet,
			isCON:     true,
			callback:  cb,
			observing: false,
			state:     stateOutstanding,
		}
		e.mu.Lock()
		e.exchanges = append(e.exchanges, ex)
		e.mu.Unlock()
	}

	var sendErr error
	if isMulticast(dest) {
		if ms, ok := e.Sock.(interface {
			SendMulticast([]byte, addr.Address) (int, error)
		}); ok {
			_, sendErr = ms.SendMulticast(packet, dest)
		} else {
			_, sendErr = e.Sock.Send(packet, dest)
		}
	} else {
		_, sendErr = e.Sock.Send(packet, dest)
	}
	if sendErr != nil {
		if msg.Type == CON {
			// retried via the retransmit timer below; record the exchange anyway
		} else {
			return coreerr.Wrap(coreerr.IoError, "send failed", sendErr)
		}
	}

	if msg.Type != CON {
		return nil
	}
	e.armRetransmit(ex)
	return nil
}

// Observe sends an Observe=0 GET, tracking the resulting exchange as an
// observation stream. Cancel sends Observe=1 and removes the entry.
func (e *Engine) Observe(msg *Message, dest addr.Address, cb ReplyCallback) (*Handle, error) {
	msg.Options = msg.Options.AddUint(OptionObserve, 0)
	token := msg.Token
	if token == nil {
		token = GenerateToken()
		msg.Token = token
	}
	if err := e.SendRequest(msg, dest, cb); err != nil {
		return nil, err
	}
	e.mu.Lock()
	var ex *exchange
	for _, x := range e.exchanges {
		if x.messageID == msg.MessageID {
			x.observing = true
			ex = x
			break
		}
	}
	e.mu.Unlock()
	return &Handle{engine: e, ex: ex, dest: dest, token: token}, nil
}

// Handle lets a caller cancel an outstanding observation.
type Handle struct {
	engine *Engine
	ex     *exchange
	dest   addr.Address
	token  []byte
}

// Cancel sends an Observe=1 unobserve request and removes the local entry.
func (h *Handle) Cancel() {
	if h.ex == nil {
		return
	}
	unobs := &Message{Type: NON, Code: GET, Token: h.token}
	unobs.Options = unobs.Options.AddUint(OptionObserve, 1)
	b, err := Serialize(unobs)
	if err == nil {
		h.engine.Sock.Send(b, h.dest)
	}
	h.engine.removeExchange(h.ex)
}

func (e *Engine) armRetransmit(ex *exchange) {
	delay := jitteredAckTimeout()
	ex.timer = e.React.ScheduleAfter(delay, func() { e.onRetransmitTimer(ex) })
}

func jitteredAckTimeout() time.Duration {
	var buf [8]byte
	rand.Read(buf[:])
	frac := float64(binary.BigEndian.Uint64(buf[:])%1000) / 1000.0
	mult := 1.0 + frac*(AckRandomFactor-1.0)
	return time.Duration(float64(AckTimeout) * mult)
}

func (e *Engine) onRetransmitTimer(ex *exchange) {
	e.mu.Lock()
	if ex.state == stateCompleted || ex.cancelled {
		e.mu.Unlock()
		return
	}
	ex.retransmit++
	if ex.retransmit > MaxRetransmit {
		e.mu.Unlock()
		e.finalizeTimeout(ex)
		return
	}
	e.mu.Unlock()

	e.Sock.Send(ex.packet, ex.dest)
	backoff := jitteredAckTimeout()
	for i := 0; i < ex.retransmit; i++ {
		backoff *= 2
	}
	ex.timer = e.React.ScheduleAfter(backoff, func() { e.onRetransmitTimer(ex) })
}

func (e *Engine) finalizeTimeout(ex *exchange) {
	keep := false
	if ex.callback != nil {
		keep = ex.callback(nil, nil)
	}
	if keep && ex.observing {
		e.mu.Lock()
		ex.retransmit = 0
		e.mu.Unlock()
		e.armRetransmit(ex)
		return
	}
	e.removeExchange(ex)
}

func (e *Engine) removeExchange(ex *exchange) {
	e.mu.Lock()
	ex.state = stateCompleted
	if ex.timer != nil {
		ex.timer.Cancel()
	}
	for i, x := range e.exchanges {
		if x == ex {
			e.exchanges = append(e.exchanges[:i], e.exchanges[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

func (e *Engine) handleDatagram(b []byte, src addr.Address) {
	msg, err := Parse(b)
	if err != nil {
		if mid, ok := PeekMessageID(b); ok {
			corelog.Logf(e.Log, "coap: dropping malformed packet from %s mid=%d: %v", src, mid, err)
		}
		return
	}

	if (msg.Type == CON || msg.Type == NON) && msg.Code.IsRequest() {
		e.handleInboundRequest(msg, src)
		return
	}

	e.matchReply(msg, src)
}

func (e *Engine) handleInboundRequest(msg *Message, src addr.Address) {
	if msg.Type == CON {
		if cached, ok := e.dedup.lookup(src, msg.MessageID); ok {
			e.Sock.Send(cached, src)
			return
		}
	}

	req := &Request{Message: msg, Source: src, Secure: e.Secure, Path: msg.Options.Path()}
	var resp Response
	if e.Disp != nil {
		resp = e.Disp.Dispatch(req)
	} else {
		resp = Response{Code: NotFound}
	}

	out := &Message{
		Token:     msg.Token,
		Code:      resp.Code,
		MessageID: msg.MessageID,
		Payload:   resp.Payload,
	}
	if resp.ContentFormat != 0 || resp.Code == Content {
		out.Options = out.Options.AddUint(OptionContentFormat, uint32(resp.ContentFormat))
	}
	if msg.Type == CON {
		out.Type = ACK
	} else {
		out.Type = NON
	}
	packet, err := Serialize(out)
	if err != nil {
		corelog.Logf(e.Log, "coap: failed to serialize response: %v", err)
		return
	}
	if msg.Type == CON {
		e.dedup.store(src, msg.MessageID, packet)
	}
	e.Sock.Send(packet, src)
}

func (e *Engine) matchReply(msg *Message, src addr.Address) {
	e.mu.Lock()
	var match *exchange
	for _, ex := range e.exchanges {
		if ex.dest.Equal(src, false) {
			if (msg.Type == ACK || msg.Type == RESET) && ex.messageID == msg.MessageID {
				match = ex
				break
			}
			if len(msg.Token) > 0 && tokenEqual(ex.token, msg.Token) {
				match = ex
				break
			}
		}
	}
	e.mu.Unlock()
	if match == nil {
		return
	}

	if msg.Type == RESET {
		if match.callback != nil {
			match.callback(nil, nil)
		}
		e.removeExchange(match)
		return
	}

	if match.timer != nil {
		match.timer.Cancel()
	}

	var keep bool
	if match.callback != nil {
		srcCopy := src
		keep = match.callback(msg, &srcCopy)
	}
	if keep {
		e.mu.Lock()
		match.state = stateObserving
		match.observing = true
		e.mu.Unlock()
		return
	}
	e.removeExchange(match)
}

func tokenEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isMulticast(a addr.Address) bool {
	switch a.Family {
	case addr.FamilyIPv4:
		return a.Bytes[0] >= 224 && a.Bytes[0] <= 239
	case addr.FamilyIPv6:
		return a.Bytes[0] == 0xff
	default:
		return false
	}
}

// nextMessageID returns a message ID unique among exchanges to dest, per
// the invariant of spec §8.
func (e *Engine) nextMessageID(dest addr.Address) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		mid := GenerateMessageID()
		collide := false
		for _, ex := range e.exchanges {
			if ex.dest.Equal(dest, false) && ex.messageID == mid {
				collide = true
				break
			}
		}
		if !collide {
			return mid
		}
	}
}

// GenerateToken returns an 8-byte token seeded from a 64-bit CSPRNG value,
// per spec §9's Open Question (preserving the source's token-size behavior).
func GenerateToken() []byte {
	var buf [8]byte
	rand.Read(buf[:])
	return buf[:]
}

// GenerateMessageID returns a 16-bit message ID seeded from a 32-bit CSPRNG
// value with the high bits discarded, per spec §9's Open Question.
func GenerateMessageID() uint16 {
	var buf [4]byte
	rand.Read(buf[:])
	v := binary.BigEndian.Uint32(buf[:])
	return uint16(v & math.MaxUint16)
}

// RegisterObservation records that client is observing resource under token.
func (e *Engine) RegisterObservation(r *Resource, client addr.Address, token []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := r.Path
	for _, o := range e.observ[key] {
		if o.client.Equal(client, true) && tokenEqual(o.token, token) {
			return
		}
	}
	e.observ[key] = append(e.observ[key], &observation{resource: r, client: client, token: token})
}

// UnregisterObservation removes a single (resource, client, token) entry.
func (e *Engine) UnregisterObservation(r *Resource, client addr.Address, token []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.observ[r.Path]
	for i, o := range list {
		if o.client.Equal(client, true) && tokenEqual(o.token, token) {
			e.observ[r.Path] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SendNotification walks observations for resource, cloning packet with each
// observer's token, per spec §4.6.
func (e *Engine) SendNotification(r *Resource, code Code, contentFormat ContentFormat, payload []byte, seq uint32) {
	e.mu.Lock()
	subs := append([]*observation(nil), e.observ[r.Path]...)
	e.mu.Unlock()
	for _, o := range subs {
		msg := &Message{
			Type:      NON,
			Code:      code,
			MessageID: e.nextMessageID(o.client),
			Token:     o.token,
			Payload:   payload,
		}
		msg.Options = msg.Options.AddUint(OptionContentFormat, uint32(contentFormat))
		msg.Options = msg.Options.AddUint(OptionObserve, seq)
		b, err := Serialize(msg)
		if err != nil {
			corelog.Logf(e.Log, "coap: notify serialize failed: %v", err)
			continue
		}
		e.Sock.Send(b, o.client)
	}
}
