package coap

import (
	"strings"
	"testing"
)

func TestRegisterFindUnregister(t *testing.T) {
	d := NewDispatcher()
	r := &Resource{Path: "light", Flags: Discoverable, GET: func(req *Request) Response {
		return Response{Code: Content}
	}}
	ok, err := d.Register(r)
	if err != nil || !ok {
		t.Fatalf("register failed: ok=%v err=%v", ok, err)
	}
	if r.Path != "/light" {
		t.Fatalf("expected path to be normalized to /light, got %q", r.Path)
	}
	found, ok := d.Find("/light")
	if !ok || found != r {
		t.Fatalf("expected to find registered resource")
	}
	if err := d.Unregister(r); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := d.Find("/light"); ok {
		t.Fatalf("expected resource gone after unregister")
	}
}

func TestRegisterDuplicatePathRejected(t *testing.T) {
	d := NewDispatcher()
	r1 := &Resource{Path: "/a"}
	r2 := &Resource{Path: "/a"}
	if ok, err := d.Register(r1); !ok || err != nil {
		t.Fatalf("first register should succeed")
	}
	ok, err := d.Register(r2)
	if err != nil {
		t.Fatalf("duplicate register should not error, got %v", err)
	}
	if ok {
		t.Fatalf("duplicate register should report false")
	}
}

func TestRegisterWellKnownCoreRejected(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Register(&Resource{Path: "/.well-known/core"})
	if err == nil {
		t.Fatalf("expected explicit registration of /.well-known/core to fail")
	}
}

func TestPathMatchingIsCaseSensitive(t *testing.T) {
	d := NewDispatcher()
	d.Register(&Resource{Path: "/Light"})
	if _, ok := d.Find("/light"); ok {
		t.Fatalf("expected case-sensitive path match to fail")
	}
	if _, ok := d.Find("/Light"); !ok {
		t.Fatalf("expected exact-case path to match")
	}
}

func TestDispatchNotFound(t *testing.T) {
	d := NewDispatcher()
	resp := d.Dispatch(&Request{Message: &Message{Code: GET}, Path: "/nope"})
	if resp.Code != NotFound {
		t.Fatalf("expected 4.04, got %s", resp.Code)
	}
}

func TestDispatchMethodNotAllowed(t *testing.T) {
	d := NewDispatcher()
	d.Register(&Resource{Path: "/a", GET: func(req *Request) Response { return Response{Code: Content} }})
	resp := d.Dispatch(&Request{Message: &Message{Code: PUT}, Path: "/a"})
	if resp.Code != MethodNotAllowed {
		t.Fatalf("expected 4.05, got %s", resp.Code)
	}
}

func TestDispatchSecureOnlyRejectsPlaintext(t *testing.T) {
	d := NewDispatcher()
	d.Register(&Resource{
		Path:  "/sec",
		Flags: SecureOnly,
		GET:   func(req *Request) Response { return Response{Code: Content} },
	})
	resp := d.Dispatch(&Request{Message: &Message{Code: GET}, Path: "/sec", Secure: false})
	if resp.Code != Unauthorized {
		t.Fatalf("expected 4.01 for insecure access to SecureOnly resource, got %s", resp.Code)
	}
	resp = d.Dispatch(&Request{Message: &Message{Code: GET}, Path: "/sec", Secure: true})
	if resp.Code != Content {
		t.Fatalf("expected secure access to succeed, got %s", resp.Code)
	}
}

func TestWellKnownCoreListsOnlyDiscoverable(t *testing.T) {
	d := NewDispatcher()
	d.Register(&Resource{Path: "/visible", Flags: Discoverable})
	d.Register(&Resource{Path: "/hidden"})
	d.Register(&Resource{Path: "/obs", Flags: Discoverable | Observable})

	resp := d.Dispatch(&Request{Message: &Message{Code: GET}, Path: "/.well-known/core"})
	if resp.Code != Content {
		t.Fatalf("expected 2.05 Content, got %s", resp.Code)
	}
	if resp.ContentFormat != ContentFormatLinkFormat {
		t.Fatalf("expected link-format content type")
	}
	body := string(resp.Payload)
	if !strings.Contains(body, "</visible>") {
		t.Fatalf("expected /visible listed: %s", body)
	}
	if strings.Contains(body, "</hidden>") {
		t.Fatalf("did not expect /hidden listed: %s", body)
	}
	if !strings.Contains(body, "</obs>;obs") {
		t.Fatalf("expected /obs to carry ;obs: %s", body)
	}
}
