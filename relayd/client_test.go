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

package relayd

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ctf-relay/ctfpacket"
	"github.com/facebook/ctf-relay/relayd/wire"
)

// fakeRelayd is a minimal stand-in for lttng-relayd's control/data
// listeners, driven from a background goroutine so tests exercise the
// real Client code path over real loopback sockets rather than a mock.
type fakeRelayd struct {
	t             *testing.T
	controlLn     net.Listener
	dataLn        net.Listener
	nextSessionID uint64
	nextStreamID  uint64
}

func newFakeRelayd(t *testing.T) *fakeRelayd {
	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeRelayd{t: t, controlLn: controlLn, dataLn: dataLn, nextSessionID: 1, nextStreamID: 1}
}

func (f *fakeRelayd) addrs() (control, data string) {
	return f.controlLn.Addr().String(), f.dataLn.Addr().String()
}

func (f *fakeRelayd) close() {
	f.controlLn.Close()
	f.dataLn.Close()
}

// serve accepts exactly one control and one data connection and answers
// control commands until the connection closes or an unrecoverable read
// error occurs.
func (f *fakeRelayd) serve() {
	control, err := f.controlLn.Accept()
	if err != nil {
		return
	}
	go io.Copy(io.Discard, f.dataAcceptAndDrain())
	f.answerControl(control)
}

func (f *fakeRelayd) dataAcceptAndDrain() io.Reader {
	conn, err := f.dataLn.Accept()
	if err != nil {
		return new(io.LimitedReader)
	}
	return conn
}

func (f *fakeRelayd) answerControl(conn net.Conn) {
	defer conn.Close()
	for {
		var hdr [wire.ControlHeaderSize]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		dataSize := binary.BigEndian.Uint64(hdr[8:16])
		cmd := wire.Command(binary.BigEndian.Uint32(hdr[16:20]))
		body := make([]byte, dataSize)
		if dataSize > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}

		switch cmd {
		case wire.CommandVersion:
			var resp [8]byte
			binary.BigEndian.PutUint32(resp[0:4], wire.VersionMajor)
			binary.BigEndian.PutUint32(resp[4:8], wire.VersionMinor)
			conn.Write(resp[:])
		case wire.CommandCreateSession:
			var resp [12]byte
			binary.BigEndian.PutUint64(resp[0:8], f.nextSessionID)
			binary.BigEndian.PutUint32(resp[8:12], uint32(wire.OK))
			f.nextSessionID++
			conn.Write(resp[:])
		case wire.CommandAddStream:
			var resp [12]byte
			binary.BigEndian.PutUint64(resp[0:8], f.nextStreamID)
			binary.BigEndian.PutUint32(resp[8:12], uint32(wire.OK))
			f.nextStreamID++
			conn.Write(resp[:])
		case wire.CommandSendMetadata:
			// no response
		default:
			var resp [4]byte
			binary.BigEndian.PutUint32(resp[:], uint32(wire.OK))
			conn.Write(resp[:])
		}
	}
}

func TestClientFullLifecycle(t *testing.T) {
	fake := newFakeRelayd(t)
	defer fake.close()
	go fake.serve()

	controlAddr, dataAddr := fake.addrs()
	c, err := Dial(controlAddr, dataAddr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.CreateSession("mysession", "myhost", 0))
	require.NoError(t, c.Start("/traces/mysession", []byte("fake ctf metadata")))

	streamID, err := c.AddDataStream(42)
	require.NoError(t, err)

	pkt := ctfpacket.CtfPacket{
		Index:   wire.Index{PacketSizeBits: 800, ContentSizeBits: 640, StreamID: 42, EventsDiscarded: wire.NoValue, StreamInstanceID: wire.NoValue, PacketSeqNum: wire.NoValue},
		Payload: make([]byte, 100),
	}
	require.NoError(t, c.SendIndexedData(streamID, pkt))
	require.NoError(t, c.SendIndexedData(streamID, pkt))

	require.NoError(t, c.CloseStreams())
}

func TestClientRejectsUnknownStream(t *testing.T) {
	fake := newFakeRelayd(t)
	defer fake.close()
	go fake.serve()

	controlAddr, dataAddr := fake.addrs()
	c, err := Dial(controlAddr, dataAddr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.CreateSession("s", "h", 0))
	require.NoError(t, c.Start("/traces/s", []byte("md")))

	err = c.SendIndexedData(wire.StreamID(9999), ctfpacket.CtfPacket{})
	require.Error(t, err)
}

func TestClientPanicsOnIllegalPhase(t *testing.T) {
	fake := newFakeRelayd(t)
	defer fake.close()
	go fake.serve()

	controlAddr, dataAddr := fake.addrs()
	c, err := Dial(controlAddr, dataAddr)
	require.NoError(t, err)
	defer c.Close()

	require.Panics(t, func() {
		_ = c.Start("/traces/s", nil)
	})
}
