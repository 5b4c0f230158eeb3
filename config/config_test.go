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

package config

import (
	"flag"
	"path/filepath"
	"testing"
)

func TestFlagsOverrideDefaults(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.Flags(fs)
	if err := fs.Parse([]string{"-listen", ":9999", "-secure", "-max-retransmit", "2"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.ListenAddr != ":9999" {
		t.Fatalf("expected listen override, got %q", c.ListenAddr)
	}
	if !c.Secure {
		t.Fatalf("expected -secure to set Secure=true")
	}
	if c.MaxRetransmit != 2 {
		t.Fatalf("expected max-retransmit override, got %d", c.MaxRetransmit)
	}
}

func TestResolveMachineIDGeneratesRandomWhenUnset(t *testing.T) {
	c := Default()
	if err := c.ResolveMachineID(); err != nil {
		t.Fatalf("ResolveMachineID: %v", err)
	}
	if c.MachineID == ([16]byte{}) {
		t.Fatalf("expected a non-zero generated machine id")
	}
}

func TestResolveMachineIDDecodesHexFlag(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.Flags(fs)
	if err := fs.Parse([]string{"-machine-id", "00112233445566778899aabbccddeeff"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.ResolveMachineID(); err != nil {
		t.Fatalf("ResolveMachineID: %v", err)
	}
	want := [16]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if c.MachineID != want {
		t.Fatalf("expected decoded machine id %x, got %x", want, c.MachineID)
	}
}

func TestResolveMachineIDRejectsWrongLength(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.Flags(fs)
	if err := fs.Parse([]string{"-machine-id", "aabb"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := c.ResolveMachineID(); err == nil {
		t.Fatalf("expected a short machine id to be rejected")
	}
}

func TestCredentialPathUsesOverrideDir(t *testing.T) {
	c := Default()
	c.CredentialDir = "/tmp/oic-creds"
	c.MachineID = [16]byte{1, 2, 3}
	path, err := c.CredentialPath()
	if err != nil {
		t.Fatalf("CredentialPath: %v", err)
	}
	if path == "" {
		t.Fatalf("expected a non-empty path")
	}
	if filepath.Dir(path) != "/tmp/oic-creds" {
		t.Fatalf("expected path under the override dir, got %q", path)
	}
}
