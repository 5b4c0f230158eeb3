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

// Package config collects the process-wide settings shared by the
// coap-client, oic-server and oic-pair commands: where to listen, which
// machine identity to present, and the retransmission tunables of RFC 7252 §4.8.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/iotcoap/core/cred"
)

// Config is the resolved set of flags a command runs with.
type Config struct {
	ListenAddr    string
	MachineID     [16]byte
	CredentialDir string
	AckTimeout    time.Duration
	MaxRetransmit int
	Secure        bool

	machineIDHex string
}

// Default holds the same values as coap.AckTimeout and coap.MaxRetransmit.
// coap.Engine always uses its own constants; no command passes AckTimeout
// or MaxRetransmit from a Config to it.
func Default() Config {
	return Config{
		ListenAddr:    ":5683",
		AckTimeout:    2 * time.Second,
		MaxRetransmit: 4,
	}
}

// Flags registers c's fields onto fs, so every command gets the same flag
// names and defaults without repeating the flag.*Var calls.
func (c *Config) Flags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "UDP address to listen on")
	fs.BoolVar(&c.Secure, "secure", c.Secure, "wrap the listening socket in per-peer DTLS")
	fs.DurationVar(&c.AckTimeout, "ack-timeout", c.AckTimeout, "CoAP ACK_TIMEOUT (RFC 7252 4.8)")
	fs.IntVar(&c.MaxRetransmit, "max-retransmit", c.MaxRetransmit, "CoAP MAX_RETRANSMIT (RFC 7252 4.8)")
	fs.StringVar(&c.machineIDHex, "machine-id", "", "hex-encoded 16-byte machine identity (random if unset)")
	fs.StringVar(&c.CredentialDir, "credential-dir", "", "directory for the credential store file (defaults to the OS config dir)")
}

// ResolveMachineID decodes the -machine-id flag into c.MachineID, generating
// a fresh random identity when the flag was left unset.
func (c *Config) ResolveMachineID() error {
	if c.machineIDHex == "" {
		if _, err := rand.Read(c.MachineID[:]); err != nil {
			return fmt.Errorf("config: generate machine id: %w", err)
		}
		return nil
	}
	b, err := hex.DecodeString(c.machineIDHex)
	if err != nil {
		return fmt.Errorf("config: bad machine id %q: %w", c.machineIDHex, err)
	}
	if len(b) != len(c.MachineID) {
		return fmt.Errorf("config: machine id must be %d bytes, got %d", len(c.MachineID), len(b))
	}
	copy(c.MachineID[:], b)
	return nil
}

// CredentialPath resolves the on-disk path of the credential store for
// c.MachineID, honoring CredentialDir when set and falling back to
// cred.ConfigDir otherwise.
func (c Config) CredentialPath() (string, error) {
	dir := c.CredentialDir
	if dir == "" {
		d, err := cred.ConfigDir()
		if err != nil {
			return "", err
		}
		dir = d
	}
	return filepath.Join(dir, cred.FileName(c.MachineID)), nil
}
