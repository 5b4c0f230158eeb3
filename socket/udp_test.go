package socket

import (
	"testing"
	"time"

	"github.com/iotcoap/core/addr"
)

func TestUDPSocketSendReceiveLoopback(t *testing.T) {
	readable := make(chan struct{}, 1)
	a := NewUDPSocket(Callbacks{OnReadable: func() {
		select {
		case readable <- struct{}{}:
		default:
		}
	}}, nil)
	if err := a.Bind(addr.NewIPv4([4]byte{127, 0, 0, 1}, 0, true)); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()

	b := NewUDPSocket(Callbacks{}, nil)
	if err := b.Bind(addr.NewIPv4([4]byte{127, 0, 0, 1}, 0, true)); err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	a.SetReadMonitor(true)

	if _, err := b.Send([]byte("hello"), a.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-readable:
	case <-time.After(time.Second):
		t.Fatal("never became readable")
	}

	buf := make([]byte, 64)
	n, src, err := a.Receive(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
	if !src.Equal(b.LocalAddr(), true) {
		t.Fatalf("source mismatch: got %s want %s", src, b.LocalAddr())
	}
}

func TestUDPSocketReceiveWouldBlock(t *testing.T) {
	a := NewUDPSocket(Callbacks{}, nil)
	if err := a.Bind(addr.NewIPv4([4]byte{127, 0, 0, 1}, 0, true)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer a.Close()
	buf := make([]byte, 16)
	if _, _, err := a.Receive(buf); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}
