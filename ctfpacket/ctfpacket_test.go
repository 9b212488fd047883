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

package ctfpacket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ctf-relay/ctfpacket/header"
)

func packetBytes(streamClassID, streamInstanceID, seqNum, begin, end, contentBits, totalBits, discarded uint64, trailer []byte) []byte {
	b := append([]byte{}, Magic[:]...)
	b = append(b, header.HeaderBytes(streamClassID, streamInstanceID, seqNum, begin, end, contentBits, totalBits, discarded)...)
	b = append(b, trailer...)
	return b
}

func newFramer(t *testing.T) *Framer {
	dec, err := header.NewStandard("")
	require.NoError(t, err)
	return NewFramer(dec)
}

func TestFramerFramesSinglePacket(t *testing.T) {
	f := newFramer(t)
	totalBits := uint64((4 + 80 + 16) * 8)
	trailer := make([]byte, 16)
	pkt := packetBytes(1, 2, 3, 100, 200, 64, totalBits, 0, trailer)

	f.Feed(pkt)
	got, ok := f.Next()
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Index.StreamID)
	require.Equal(t, len(pkt), len(got.Payload))

	_, ok = f.Next()
	require.False(t, ok)
}

func TestFramerWaitsForMoreBytes(t *testing.T) {
	f := newFramer(t)
	totalBits := uint64((4 + 80 + 16) * 8)
	full := packetBytes(1, 2, 3, 100, 200, 64, totalBits, 0, make([]byte, 16))

	f.Feed(full[:len(full)-5])
	_, ok := f.Next()
	require.False(t, ok)

	f.Feed(full[len(full)-5:])
	got, ok := f.Next()
	require.True(t, ok)
	require.Equal(t, len(full), len(got.Payload))
}

func TestFramerResyncsPastJunkBeforeMagic(t *testing.T) {
	f := newFramer(t)
	totalBits := uint64((4 + 80) * 8)
	pkt := packetBytes(5, 6, 7, 10, 20, 8, totalBits, 0, nil)
	junk := []byte{0x00, 0x01, 0x02, 0xFF, 0xFF}

	f.Feed(append(append([]byte{}, junk...), pkt...))
	got, ok := f.Next()
	require.True(t, ok)
	require.Equal(t, uint64(5), got.Index.StreamID)
	require.Equal(t, len(pkt), len(got.Payload))
}

func TestFramerDropsWholeBufferOnMissingTotalSize(t *testing.T) {
	f := newFramer(t)
	// packet_total_size_bits == 0 is treated the same as missing.
	pkt := packetBytes(1, 2, 3, 10, 20, 8, 0, 0, []byte{0xAA, 0xBB})
	next := packetBytes(9, 9, 9, 1, 2, 8, uint64((4+80)*8), 0, nil)

	f.Feed(append(append([]byte{}, pkt...), next...))

	// The zero-size header can never be completed, so the whole buffer,
	// including the genuine packet queued behind it, is dropped.
	_, ok := f.Next()
	require.False(t, ok)
}

func TestFramerDropsExactlyOnePacketOnMissingRequiredField(t *testing.T) {
	totalBits := uint64((4 + 80) * 8)

	// Build a packet header with stream_class_id present but
	// content_size_bits/begin/end left at their own encoded value so we
	// can still size the packet, then corrupt the decoder's view by
	// using a decoder that always reports a missing required field.
	pkt := packetBytes(1, 2, 3, 10, 20, 8, totalBits, 0, nil)
	following := packetBytes(9, 9, 9, 100, 200, 8, totalBits, 0, nil)

	f := NewFramer(missingFieldDecoder{})
	f.Feed(append(append([]byte{}, pkt...), following...))

	// Both packets have a header missing a required field, so each is
	// dropped exactly packet_total_size_bits/8 bytes at a time and the
	// buffer is fully drained without ever completing a packet.
	_, ok := f.Next()
	require.False(t, ok, "missingFieldDecoder never completes a packet")
}

// missingFieldDecoder always reports the total size but never the
// required content size, exercising the "drop exactly one packet" branch.
type missingFieldDecoder struct{}

func (missingFieldDecoder) PacketProperties(buf []byte) (header.Properties, error) {
	std, err := header.NewStandard("")
	if err != nil {
		return header.Properties{}, err
	}
	p, err := std.PacketProperties(buf)
	if err != nil {
		return header.Properties{}, err
	}
	p.PacketContentSizeBits = nil
	return p, nil
}
