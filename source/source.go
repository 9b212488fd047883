/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package source abstracts the raw byte stream a relay reads CTF packets
// from: either a local serial device or a UDP socket.
package source

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ByteSource is anything the framer can read a growing byte stream from.
// It is closed exactly once, by the component that opened it.
type ByteSource interface {
	io.ReadCloser
}

// SerialOpts mirrors the serial line settings a CTF producer is expected
// to use. The zero value is not valid; use DefaultSerialOpts.
type SerialOpts struct {
	BaudRate    int
	DataBits    int
	Parity      serial.Parity
	StopBits    serial.StopBits
	FlowControl serial.FlowControl
}

// DefaultSerialOpts returns the default line settings, the same values as
// the CLI flag defaults: 115200 baud, 8 data bits, no parity, 1 stop bit,
// no flow control.
func DefaultSerialOpts() SerialOpts {
	return SerialOpts{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerial opens device as a ByteSource. The device must already exist;
// unlike serial.Open itself, which would otherwise fail with a generic
// open error, this is checked up front to produce a clearer diagnostic.
// Baud rate, data bits, parity and stop bits are applied to the port;
// opts.FlowControl is not applied.
func OpenSerial(device string, opts SerialOpts) (ByteSource, error) {
	log.Infof("source: opening serial device %s (baud=%d, data_bits=%d, parity=%v, stop_bits=%v)",
		device, opts.BaudRate, opts.DataBits, opts.Parity, opts.StopBits)

	if _, err := os.Stat(device); err != nil {
		return nil, fmt.Errorf("serial device %q does not exist: %w", device, err)
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   opts.Parity,
		StopBits: opts.StopBits,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial device %q: %w", device, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Warningf("source: failed to clear input buffer on %s: %v", device, err)
	}
	if err := port.SetRTS(true); err != nil {
		log.Debugf("source: failed to assert RTS on %s: %v", device, err)
	}
	return port, nil
}
