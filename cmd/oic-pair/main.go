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

// Command oic-pair claims an unowned OIC device over the Just-Works
// ownership-transfer method: it dials the device's secure endpoint, derives
// an owner PSK from the anonymous handshake, and commits the transfer.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/config"
	"github.com/iotcoap/core/corelog"
	"github.com/iotcoap/core/cred"
	"github.com/iotcoap/core/dtlswrap"
	"github.com/iotcoap/core/oic"
	"github.com/iotcoap/core/reactor"
	"github.com/iotcoap/core/socket"
)

var flagTimeout = flag.Duration("timeout", 10*time.Second, "how long to wait for the pairing exchange to complete")

func main() {
	cfg := config.Default()
	cfg.Flags(flag.CommandLine)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: oic-pair [flags] <device-host:port>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if err := cfg.ResolveMachineID(); err != nil {
		logrus.WithError(err).Fatal("bad -machine-id")
	}

	target, err := resolveTarget(flag.Arg(0))
	if err != nil {
		logrus.WithError(err).Fatal("failed to resolve device address")
	}

	var ownerID [16]byte
	if _, err := rand.Read(ownerID[:]); err != nil {
		logrus.WithError(err).Fatal("failed to generate owner identity")
	}

	log := corelog.NewLogrus(logrus.StandardLogger(), "oic-pair")
	credPath, err := cfg.CredentialPath()
	if err != nil {
		logrus.WithError(err).Fatal("failed to resolve credential store path")
	}
	store, err := cred.LoadFile(credPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load credential store")
	}

	udp := socket.NewUDPSocket(socket.Callbacks{}, log)
	if err := udp.Bind(addr.NewIPv4([4]byte{0, 0, 0, 0}, 0, false)); err != nil {
		logrus.WithError(err).Fatal("failed to bind local socket")
	}
	defer udp.Close()

	loop := reactor.NewLoop(log)
	var engine *coap.Engine
	cbs := socket.Callbacks{OnReadable: func() { loop.PostEvent(func() { engine.Poll() }) }}
	wrapper := dtlswrap.NewWrapper(dtlswrap.RoleClient, udp, cbs, log)
	wrapper.SetCredentialCallbacks(store, cfg.MachineID)
	wrapper.SetAnonymousECDHEnabled(true)
	if err := wrapper.Bind(addr.NewIPv4([4]byte{0, 0, 0, 0}, 0, false)); err != nil {
		logrus.WithError(err).Fatal("failed to bind DTLS wrapper")
	}
	defer wrapper.Close()

	disp := coap.NewDispatcher()
	engine = coap.NewEngine(loop, wrapper, disp, log)
	engine.Secure = true
	engine.Start()
	loopStop := make(chan struct{})
	go loop.Run(loopStop)
	defer close(loopStop)

	req := &oic.PairRequest{
		Engine:  engine,
		Wrapper: wrapper,
		Creds:   store,
		Target:  target,
		OwnerID: ownerID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()
	result, err := req.Run(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("pairing failed")
	}
	switch result.Status {
	case oic.PairAlreadyOwned:
		logrus.Fatal("device is already owned")
	case oic.PairUnsupportedMethod:
		logrus.Fatal("device does not offer Just-Works ownership transfer")
	case oic.PairSuccess:
		logrus.Infof("paired device %x under owner %x", result.DeviceIdentity, ownerID)
	}

	if err := cred.SaveFile(credPath, store); err != nil {
		logrus.WithError(err).Fatal("failed to persist credential store")
	}
	fmt.Printf("device-identity: %s\n", hex.EncodeToString(result.DeviceIdentity[:]))
}

func resolveTarget(hostport string) (addr.Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return addr.Address{}, fmt.Errorf("expected host:port, got %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr.Address{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return addr.Address{}, fmt.Errorf("resolve %q: %w", host, err)
		}
		ip = ips[0]
	}
	return addr.FromNetIP(ip, uint16(port))
}
