package dtlswrap

import (
	"testing"

	dtls "github.com/pion/dtls/v2"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coreerr"
	"github.com/iotcoap/core/cred"
	"github.com/iotcoap/core/socket"
)

type fakeSocket struct {
	local addr.Address
}

func (s *fakeSocket) Bind(a addr.Address) error                             { s.local = a; return nil }
func (s *fakeSocket) Send(b []byte, dst addr.Address) (int, error)          { return len(b), nil }
func (s *fakeSocket) Receive(buf []byte) (int, addr.Address, error)         { return 0, addr.Address{}, socket.ErrWouldBlock }
func (s *fakeSocket) JoinMulticastGroup(i int, g addr.Address) error        { return nil }
func (s *fakeSocket) SetReadMonitor(on bool)                                {}
func (s *fakeSocket) SetWriteMonitor(on bool)                               {}
func (s *fakeSocket) Close() error                                          { return nil }
func (s *fakeSocket) LocalAddr() addr.Address                               { return s.local }

func testPeer() addr.Address { return addr.NewIPv4([4]byte{192, 168, 1, 5}, 5684, true) }

func TestDTLSConfigUsesAnonymousJustWorksIdentity(t *testing.T) {
	w := NewWrapper(RoleClient, &fakeSocket{}, socket.Callbacks{}, nil)
	w.SetAnonymousECDHEnabled(true)

	cfg := w.dtlsConfig()
	key, err := cfg.PSK(cfg.PSKIdentityHint)
	if err != nil {
		t.Fatalf("PSK callback: %v", err)
	}
	if string(cfg.PSKIdentityHint) != string(justWorksIdentity) {
		t.Fatalf("expected Just-Works identity hint")
	}
	if string(key) != string(justWorksKey) {
		t.Fatalf("expected well-known Just-Works key")
	}
}

func TestDTLSConfigConsultsCredentialStore(t *testing.T) {
	w := NewWrapper(RoleServer, &fakeSocket{}, socket.Callbacks{}, nil)
	store := cred.New()
	var id, psk [16]byte
	copy(id[:], []byte("device-identity0"))
	copy(psk[:], []byte("super-secret-psk"))
	store.Add(id, psk)
	w.SetCredentialCallbacks(store, id)

	cfg := w.dtlsConfig()
	got, err := cfg.PSK(id[:])
	if err != nil {
		t.Fatalf("PSK callback: %v", err)
	}
	if string(got) != string(psk[:]) {
		t.Fatalf("expected PSK from credential store")
	}

	if _, err := cfg.PSK([]byte("unknown-identity")); err == nil {
		t.Fatalf("expected unknown identity to be rejected")
	}
}

func TestPRFKeyBlockRequiresEstablishedSession(t *testing.T) {
	w := NewWrapper(RoleClient, &fakeSocket{}, socket.Callbacks{}, nil)
	_, err := w.PRFKeyBlock(testPeer(), "oic.sec.doxm.jw", []byte("owner"), []byte("device"), 16)
	if err == nil {
		t.Fatalf("expected error with no established session")
	}
	if !coreerr.Is(err, coreerr.NotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestPlainQueueKeepsShortReadRemainder(t *testing.T) {
	var q plainQueue
	peer := testPeer()
	if !q.push(plainItem{data: []byte("hello"), src: peer}) {
		t.Fatalf("expected push to succeed")
	}

	buf := make([]byte, 2)
	n, src, ok := q.popInto(buf)
	if !ok || n != 2 || string(buf[:n]) != "he" || src != peer {
		t.Fatalf("expected short read of 2 bytes from %s, got n=%d ok=%v src=%s", peer, n, ok, src)
	}

	buf2 := make([]byte, 16)
	n2, _, ok2 := q.popInto(buf2)
	if !ok2 || string(buf2[:n2]) != "llo" {
		t.Fatalf("expected remainder 'llo', got %q", string(buf2[:n2]))
	}
}

func TestPlainQueueDropsNewItemOnOverflow(t *testing.T) {
	var q plainQueue
	peer := testPeer()
	for i := 0; i < queueCap; i++ {
		if !q.push(plainItem{data: []byte{byte(i)}, src: peer}) {
			t.Fatalf("expected push %d to succeed within capacity", i)
		}
	}
	if q.push(plainItem{data: []byte{0xFF}, src: peer}) {
		t.Fatalf("expected push beyond capacity to be rejected")
	}
	buf := make([]byte, 1)
	n, _, ok := q.popInto(buf)
	if !ok || n != 1 || buf[0] != 0 {
		t.Fatalf("expected the oldest surviving item to be the first pushed, got n=%d buf=%v", n, buf)
	}
}

func TestSendQueuesUntilConnected(t *testing.T) {
	w := NewWrapper(RoleClient, &fakeSocket{}, socket.Callbacks{}, nil)
	peer := testPeer()
	if _, err := w.Send([]byte("hello"), peer); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ps := w.peerFor(peer)
	if ps.wq.len() != 1 {
		t.Fatalf("expected the datagram to be queued pending handshake, got len=%d", ps.wq.len())
	}
}

func TestDefaultCipherSuiteIsPSK(t *testing.T) {
	w := NewWrapper(RoleServer, &fakeSocket{}, socket.Callbacks{}, nil)
	cfg := w.dtlsConfig()
	if len(cfg.CipherSuites) != 1 || cfg.CipherSuites[0] != dtls.TLS_PSK_WITH_AES_128_CCM_8 {
		t.Fatalf("expected default PSK cipher suite, got %v", cfg.CipherSuites)
	}
}
