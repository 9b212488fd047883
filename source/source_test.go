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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSerialOpts(t *testing.T) {
	opts := DefaultSerialOpts()
	require.Equal(t, 115200, opts.BaudRate)
	require.Equal(t, 8, opts.DataBits)
}

func TestOpenSerialRejectsMissingDevice(t *testing.T) {
	_, err := OpenSerial("/dev/this-device-does-not-exist-in-tests", DefaultSerialOpts())
	require.Error(t, err)
}

func TestOpenUDPRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	src, err := OpenUDP(addr, 0)
	require.NoError(t, err)
	defer src.Close()

	u := src.(*udpSource)
	localAddr := u.conn.LocalAddr().(*net.UDPAddr)

	sender, err := net.DialUDP("udp", nil, localAddr)
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := src.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}
