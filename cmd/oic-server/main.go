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

// Command oic-server runs an unowned OIC device: it serves /oic/sec/doxm,
// /oic/sec/pstat, /oic/sec/cred and /oic/sec/svc over a DTLS-wrapped CoAP
// endpoint, ready to be claimed by a Just-Works ownership transfer.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

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

func main() {
	cfg := config.Default()
	cfg.Secure = true
	cfg.Flags(flag.CommandLine)
	flag.Parse()

	if err := cfg.ResolveMachineID(); err != nil {
		logrus.WithError(err).Fatal("bad -machine-id")
	}

	log := corelog.NewLogrus(logrus.StandardLogger(), "oic-server")

	credPath, err := cfg.CredentialPath()
	if err != nil {
		logrus.WithError(err).Fatal("failed to resolve credential store path")
	}
	store, err := cred.LoadFile(credPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load credential store")
	}

	deviceID := fmt.Sprintf("%x", cfg.MachineID)
	sec := oic.NewSecurityContext(deviceID, store)
	disp := coap.NewDispatcher()
	if err := sec.RegisterAll(disp); err != nil {
		logrus.WithError(err).Fatal("failed to register security resources")
	}

	local, err := addrFromListen(cfg.ListenAddr)
	if err != nil {
		logrus.WithError(err).Fatal("bad -listen address")
	}

	udp := socket.NewUDPSocket(socket.Callbacks{}, log)
	if err := udp.Bind(local); err != nil {
		logrus.WithError(err).Fatal("failed to bind UDP socket")
	}
	defer udp.Close()

	loop := reactor.NewLoop(log)
	var engine *coap.Engine
	var sock socket.Socket = udp
	if cfg.Secure {
		// The wrapper's own read loop runs on its own goroutine and only
		// tells us about new plaintext via OnReadable; hand that back to
		// the reactor thread with PostEvent rather than calling into the
		// engine directly from a foreign goroutine.
		cbs := socket.Callbacks{OnReadable: func() { loop.PostEvent(func() { engine.Poll() }) }}
		w := dtlswrap.NewWrapper(dtlswrap.RoleServer, udp, cbs, log)
		w.SetCredentialCallbacks(store, cfg.MachineID)
		w.SetAnonymousECDHEnabled(!sec.Doxm.IsOwned())
		if err := w.Bind(local); err != nil {
			logrus.WithError(err).Fatal("failed to bind DTLS wrapper")
		}
		defer w.Close()
		sec.AttachSecureSession(w)
		sock = w
	}

	engine = coap.NewEngine(loop, sock, disp, log)
	engine.Secure = cfg.Secure
	engine.Start()

	logrus.Infof("oic-server listening on %s (device %s, owned=%v)", cfg.ListenAddr, deviceID, sec.Doxm.IsOwned())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	loopStop := make(chan struct{})
	go loop.Run(loopStop)
	<-stop
	close(loopStop)

	if err := cred.SaveFile(credPath, store); err != nil {
		logrus.WithError(err).Error("failed to persist credential store on shutdown")
	}
}

func addrFromListen(listen string) (addr.Address, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return addr.Address{}, fmt.Errorf("bad listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr.Address{}, fmt.Errorf("bad listen port %q: %w", portStr, err)
	}
	if host == "" {
		return addr.NewIPv4([4]byte{0, 0, 0, 0}, uint16(port), true), nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return addr.Address{}, fmt.Errorf("bad listen host %q", host)
	}
	return addr.FromNetIP(ip, uint16(port))
}
