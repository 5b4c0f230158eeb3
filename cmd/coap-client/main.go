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

// Command coap-client sends a single CoAP request and prints the response,
// the way `curl` does for HTTP. Unlike an HTTP client it speaks CBOR
// (Content-Format 60) by default, since that is what every resource in this
// core actually serves.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotcoap/core/addr"
	"github.com/iotcoap/core/coap"
	"github.com/iotcoap/core/coreerr"
	"github.com/iotcoap/core/corelog"
	"github.com/iotcoap/core/reactor"
	"github.com/iotcoap/core/socket"
)

var (
	flagMethod  string
	flagData    string
	flagTimeout time.Duration
	flagVerbose bool
)

func init() {
	flag.StringVar(&flagMethod, "request", "GET", "CoAP method (GET, POST, PUT, DELETE)")
	flag.StringVar(&flagMethod, "X", "GET", "CoAP method (shorthand of --request)")
	flag.StringVar(&flagData, "data", "", "Request payload. If it starts with @, the rest is a file to read the "+
		"payload from, or - to read from stdin.")
	flag.StringVar(&flagData, "d", "", "Request payload (shorthand of --data)")
	flag.DurationVar(&flagTimeout, "timeout", 5*time.Second, "How long to wait for a response")
	flag.BoolVar(&flagVerbose, "verbose", false, "Verbose mode")
	flag.BoolVar(&flagVerbose, "v", false, "Verbose mode (shorthand of --verbose)")
}

func methodCode(s string) (coap.Code, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return coap.GET, nil
	case "POST":
		return coap.POST, nil
	case "PUT":
		return coap.PUT, nil
	case "DELETE":
		return coap.DELETE, nil
	default:
		return 0, fmt.Errorf("unrecognised method %q", s)
	}
}

func readPayload() ([]byte, error) {
	switch {
	case flagData == "":
		return nil, nil
	case flagData == "-":
		return ioutil.ReadAll(os.Stdin)
	case strings.HasPrefix(flagData, "@"):
		return ioutil.ReadFile(flagData[1:])
	default:
		return []byte(flagData), nil
	}
}

// parseTarget splits "host:port/path/to/resource" into a dial address and a
// Uri-Path, the coap:// analogue of parsing an http.Request's URL.
func parseTarget(target string) (host string, path string, err error) {
	target = strings.TrimPrefix(target, "coap://")
	slash := strings.IndexByte(target, '/')
	if slash < 0 {
		return target, "/", nil
	}
	return target[:slash], target[slash:], nil
}

func resolveAddr(host string) (addr.Address, error) {
	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		h = host
		portStr = "5683"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr.Address{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	ip := net.ParseIP(h)
	if ip == nil {
		ips, err := net.LookupIP(h)
		if err != nil || len(ips) == 0 {
			return addr.Address{}, fmt.Errorf("resolve %q: %w", h, err)
		}
		ip = ips[0]
	}
	if v4 := ip.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return addr.NewIPv4(b, uint16(port), true), nil
	}
	var b [16]byte
	copy(b[:], ip.To16())
	return addr.NewIPv6(b, uint16(port), true), nil
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of coap-client:\n")
		flag.PrintDefaults()
		fmt.Println("Example: coap-client -X GET coap://localhost:5683/oic/sec/doxm")
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	code, err := methodCode(flagMethod)
	if err != nil {
		logrus.WithError(err).Fatal("bad method")
	}
	payload, err := readPayload()
	if err != nil {
		logrus.WithError(err).Fatal("failed to read request payload")
	}
	host, path, err := parseTarget(flag.Arg(0))
	if err != nil {
		logrus.WithError(err).Fatal("bad target")
	}
	dest, err := resolveAddr(host)
	if err != nil {
		logrus.WithError(err).Fatal("failed to resolve target")
	}

	log := corelog.NewLogrus(logrus.StandardLogger(), "coap-client")
	loop := reactor.NewLoop(log)
	sock := socket.NewUDPSocket(socket.Callbacks{}, log)
	if err := sock.Bind(addr.NewIPv4([4]byte{0, 0, 0, 0}, 0, false)); err != nil {
		logrus.WithError(err).Fatal("failed to bind local socket")
	}
	defer sock.Close()

	engine := coap.NewEngine(loop, sock, coap.NewDispatcher(), log)
	engine.Start()
	stop := make(chan struct{})
	go loop.Run(stop)
	defer close(stop)

	msg := &coap.Message{Type: coap.CON, Code: code, Payload: payload}
	msg.Options = msg.Options.SetPath(path)
	if payload != nil {
		msg.Options = msg.Options.AddUint(coap.OptionContentFormat, uint32(coap.ContentFormatCBOR))
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	replies := make(chan *coap.Message, 1)
	err = engine.SendRequest(msg, dest, func(resp *coap.Message, src *addr.Address) bool {
		replies <- resp
		return false
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to send request")
	}

	if flagVerbose {
		fmt.Fprintf(os.Stderr, "> %s %s %s\n", flagMethod, dest, path)
	}

	select {
	case resp := <-replies:
		if resp == nil {
			logrus.WithError(coreerr.New(coreerr.Timeout, "coap-client: no response")).Fatal("request timed out")
		}
		printResponse(resp)
	case <-ctx.Done():
		logrus.Fatal("request timed out")
	}
}

func printResponse(resp *coap.Message) {
	if flagVerbose {
		fmt.Fprintf(os.Stderr, "< %s\n", resp.Code)
	}
	if len(resp.Payload) == 0 {
		return
	}
	io.Copy(os.Stdout, bytes.NewReader(resp.Payload))
}
