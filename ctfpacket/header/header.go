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

// Package header defines the contract for a CTF packet-header decoder and
// provides one concrete, best-effort implementation of it.
//
// A full CTF metadata (TSDL) interpreter able to decode any producer's
// packet-context layout is out of scope for this relay (see spec
// Non-goals: "not a CTF metadata validator"). What the framer needs is
// narrower: given the bytes of one candidate packet, tell it either
// "not enough bytes yet" or the handful of header fields required to
// size and index the packet. Decoder captures exactly that narrow
// contract so the framer can be written and tested against it without
// depending on any particular metadata format.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNeedMore indicates the buffer does not yet contain a complete packet
// header. The caller should wait for more bytes and retry. A decoder error
// is also treated as ErrNeedMore by the framer (see ctfpacket.Framer.Next): the decoder
// cannot distinguish "header truncated" from "header malformed", so the
// framer waits and relies on magic-based resync if the bytes turn out to
// be junk.
var ErrNeedMore = errors.New("not enough bytes to decode packet header")

// Properties carries the subset of CTF packet-header fields the framer
// needs. Every field is optional on the wire; the framer decides which
// ones are required before emitting a packet (see spec %3 "Index").
type Properties struct {
	PacketTotalSizeBits   *uint64
	PacketContentSizeBits *uint64
	BeginningClock        *uint64
	EndClock              *uint64
	StreamClassID         *uint64
	DataStreamID          *uint64
	PacketSeqNum          *uint64
	DiscardedEvents       *uint64
}

// Decoder decodes CTF packet-header fields from the front of a byte
// buffer that is known to start with the CTF packet magic. Implementations
// must be reentrant: PacketProperties may be called repeatedly with a
// growing buffer as more bytes arrive.
type Decoder interface {
	// PacketProperties returns the decoded header fields, or ErrNeedMore
	// if buf does not yet contain a complete header.
	PacketProperties(buf []byte) (Properties, error)
}

// magicLen is the length of the CTF packet magic the framer has already
// matched before handing buf to the decoder.
const magicLen = 4

// commonLayoutSize is the number of bytes the Standard decoder needs
// following the magic to read the full fixed layout below.
//
//	offset  size  field
//	0       16    uuid (ignored)
//	16      8     stream_class_id
//	24      8     stream_instance_id
//	32      8     packet_seq_num
//	40      8     timestamp_begin
//	48      8     timestamp_end
//	56      8     content_size (bits)
//	64      8     packet_size (bits)
//	72      8     events_discarded
const commonLayoutSize = 16 + 8*8

// Standard is a built-in Decoder for the common fixed CTF packet-context
// layout used by LTTng kernel and user-space trace producers: a 16-byte
// clock UUID followed by eight big-endian u64 fields. It does not consult
// any metadata file; it is a pragmatic default sufficient to drive and
// test the framer, standing in for the metadata-driven decoder this relay
// treats as an external dependency (see package doc).
type Standard struct{}

// NewStandard returns the built-in fixed-layout decoder. metadataPath is
// accepted (and ignored) to match the construction contract of a real
// metadata-driven decoder, which would need it to interpret
// producer-specific packet-context layouts.
func NewStandard(metadataPath string) (*Standard, error) {
	_ = metadataPath
	return &Standard{}, nil
}

// PacketProperties implements Decoder.
func (s *Standard) PacketProperties(buf []byte) (Properties, error) {
	if len(buf) < magicLen {
		return Properties{}, ErrNeedMore
	}
	body := buf[magicLen:]
	if len(body) < commonLayoutSize {
		return Properties{}, ErrNeedMore
	}

	streamClassID := binary.BigEndian.Uint64(body[16:24])
	streamInstanceID := binary.BigEndian.Uint64(body[24:32])
	packetSeqNum := binary.BigEndian.Uint64(body[32:40])
	timestampBegin := binary.BigEndian.Uint64(body[40:48])
	timestampEnd := binary.BigEndian.Uint64(body[48:56])
	contentSize := binary.BigEndian.Uint64(body[56:64])
	packetSize := binary.BigEndian.Uint64(body[64:72])
	eventsDiscarded := binary.BigEndian.Uint64(body[72:80])

	return Properties{
		PacketTotalSizeBits:   &packetSize,
		PacketContentSizeBits: &contentSize,
		BeginningClock:        &timestampBegin,
		EndClock:              &timestampEnd,
		StreamClassID:         &streamClassID,
		DataStreamID:          &streamInstanceID,
		PacketSeqNum:          &packetSeqNum,
		DiscardedEvents:       &eventsDiscarded,
	}, nil
}

// HeaderBytes is a small helper for tests and tools: it encodes the given
// header field values into the Standard decoder's fixed layout, including the leading 16-byte UUID placeholder,
// so callers can build synthetic packets without duplicating field
// offsets.
func HeaderBytes(streamClassID, streamInstanceID, packetSeqNum, timestampBegin, timestampEnd, contentSizeBits, packetSizeBits, eventsDiscarded uint64) []byte {
	b := make([]byte, commonLayoutSize)
	binary.BigEndian.PutUint64(b[16:24], streamClassID)
	binary.BigEndian.PutUint64(b[24:32], streamInstanceID)
	binary.BigEndian.PutUint64(b[32:40], packetSeqNum)
	binary.BigEndian.PutUint64(b[40:48], timestampBegin)
	binary.BigEndian.PutUint64(b[48:56], timestampEnd)
	binary.BigEndian.PutUint64(b[56:64], contentSizeBits)
	binary.BigEndian.PutUint64(b[64:72], packetSizeBits)
	binary.BigEndian.PutUint64(b[72:80], eventsDiscarded)
	return b
}

func (p Properties) String() string {
	deref := func(v *uint64) string {
		if v == nil {
			return "<missing>"
		}
		return fmt.Sprintf("%d", *v)
	}
	return fmt.Sprintf(
		"{packet_size_bits=%s, content_size_bits=%s, begin=%s, end=%s, stream_class_id=%s, data_stream_id=%s, seq_num=%s, discarded=%s}",
		deref(p.PacketTotalSizeBits), deref(p.PacketContentSizeBits), deref(p.BeginningClock), deref(p.EndClock),
		deref(p.StreamClassID), deref(p.DataStreamID), deref(p.PacketSeqNum), deref(p.DiscardedEvents),
	)
}
