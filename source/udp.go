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

package source

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MinRecvBufferBytes is the receive buffer size this relay asks the
// kernel for on a UDP source socket, to absorb bursts from a CTF
// producer without dropping datagrams under scheduling jitter.
const MinRecvBufferBytes = 25 * 1024 * 1024

// udpSource wraps a *net.UDPConn as a ByteSource: reads consume one
// datagram at a time, matching the CTF producer's framing (one or more
// complete CTF packets per datagram).
type udpSource struct {
	conn *net.UDPConn
}

// OpenUDP listens on addr for CTF packets carried over UDP datagrams. It
// makes a best-effort attempt to grow the socket's receive buffer to
// recvBufferBytes (or MinRecvBufferBytes if recvBufferBytes is 0);
// failure to do so is logged but not fatal, since the relay can still
// operate correctly at the kernel's default buffer size.
func OpenUDP(addr *net.UDPAddr, recvBufferBytes int) (ByteSource, error) {
	if recvBufferBytes == 0 {
		recvBufferBytes = MinRecvBufferBytes
	}
	log.Infof("source: listening for UDP packets on %s", addr)
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	growRecvBuffer(conn, recvBufferBytes)
	return &udpSource{conn: conn}, nil
}

func growRecvBuffer(conn *net.UDPConn, recvBufferBytes int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		log.Warningf("source: could not access UDP socket to grow receive buffer: %v", err)
		return
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufferBytes)
	})
	if err != nil {
		sockErr = err
	}
	if sockErr != nil {
		log.Warningf("source: failed to grow UDP receive buffer to %d bytes: %v", recvBufferBytes, sockErr)
	}
}

// Read implements io.Reader by reading exactly one datagram into p, the
// same contract as *net.UDPConn.Read.
func (u *udpSource) Read(p []byte) (int, error) {
	return u.conn.Read(p)
}

func (u *udpSource) Close() error {
	return u.conn.Close()
}
