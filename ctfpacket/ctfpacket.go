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

// Package ctfpacket frames CTF packets out of a raw byte stream: it scans
// for the magic that marks the start of a packet, decodes just enough of
// the packet header to know the packet's size and index fields, and once
// a complete packet has arrived splits it off the stream buffer.
package ctfpacket

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ctf-relay/ctfpacket/header"
	"github.com/facebook/ctf-relay/relayd/wire"
)

// Magic is the four bytes that open every CTF packet.
var Magic = [4]byte{0xC1, 0x1F, 0xFC, 0xC1}

// CtfPacket is one complete, framed packet ready to forward to relayd.
type CtfPacket struct {
	Index   wire.Index
	Payload []byte
}

func (p CtfPacket) String() string {
	return p.Index.String()
}

// checkMagic reports whether buf begins with Magic.
func checkMagic(buf []byte) bool {
	return len(buf) >= len(Magic) && bytes.Equal(buf[:len(Magic)], Magic[:])
}

// Framer turns a growing byte buffer into a stream of CtfPacket values. It
// is not safe for concurrent use; callers own one Framer per byte source.
type Framer struct {
	dec header.Decoder
	buf bytes.Buffer
}

// NewFramer builds a Framer that decodes packet headers with dec.
func NewFramer(dec header.Decoder) *Framer {
	return &Framer{dec: dec}
}

// Feed appends newly read bytes to the framer's internal buffer.
func (f *Framer) Feed(b []byte) {
	f.buf.Write(b)
}

// Next extracts the next complete packet from the buffered bytes, if one
// is available. It returns (pkt, true) when a packet was framed, and
// (zero, false) when more bytes are needed before a decision can be made
// (there may still be buffered bytes; the caller should call Next in a
// loop until it returns false). Next should be called again immediately
// after Feed, in a loop, since one Feed call can complete more than one
// packet or complete a drop that reveals a second magic.
func (f *Framer) Next() (CtfPacket, bool) {
	for {
		if !f.scanToMagic() {
			return CtfPacket{}, false
		}

		props, err := f.dec.PacketProperties(f.buf.Bytes())
		if err != nil {
			// Either truncated or malformed; either way wait for more
			// bytes. If the header turns out to be junk rather than
			// truncated, the magic scan on the next call will either
			// find a later, genuine magic or keep waiting.
			return CtfPacket{}, false
		}

		pkt, ok, retry := f.frame(props)
		if retry {
			continue
		}
		if !ok {
			return CtfPacket{}, false
		}
		return pkt, true
	}
}

// scanToMagic discards bytes up to (but not including) the first magic
// occurrence in the buffer, and reports whether a magic was found at all.
// If no magic is present, the buffer is left untouched: more bytes might
// complete a partial magic straddling the end of the buffer.
func (f *Framer) scanToMagic() bool {
	b := f.buf.Bytes()
	for idx := 0; idx < len(b); idx++ {
		if checkMagic(b[idx:]) {
			if idx != 0 {
				log.Debugf("ctfpacket: discarding %d junk bytes before magic", idx)
				f.buf.Next(idx)
			}
			return true
		}
	}
	return false
}

// frame applies the completion/validation/drop-policy rules to a decoded
// header. It returns (packet, true, false) on a successfully framed
// packet, (_, false, false) when more bytes must arrive before a decision
// can be made, and (_, false, true) when bytes were dropped and the caller
// should immediately retry scanning for the next magic.
func (f *Framer) frame(props header.Properties) (CtfPacket, bool, bool) {
	if props.PacketTotalSizeBits == nil || *props.PacketTotalSizeBits == 0 {
		log.Warningf("ctfpacket: packet header missing or zero packet_total_size_bits, dropping %d buffered bytes", f.buf.Len())
		f.buf.Reset()
		return CtfPacket{}, false, false
	}

	totalSizeBits := *props.PacketTotalSizeBits
	totalSizeBytes := int(totalSizeBits >> 3)

	if totalSizeBytes > f.buf.Len() {
		// Not enough bytes for the whole packet yet; wait.
		return CtfPacket{}, false, false
	}

	if props.PacketContentSizeBits == nil || props.BeginningClock == nil || props.EndClock == nil || props.StreamClassID == nil {
		log.Warningf("ctfpacket: packet header missing a required field, dropping %d bytes", totalSizeBytes)
		f.buf.Next(totalSizeBytes)
		return CtfPacket{}, false, true
	}

	payload := make([]byte, totalSizeBytes)
	copy(payload, f.buf.Bytes()[:totalSizeBytes])
	f.buf.Next(totalSizeBytes)

	idx := wire.Index{
		PacketSizeBits:   totalSizeBits,
		ContentSizeBits:  *props.PacketContentSizeBits,
		TimestampBegin:   *props.BeginningClock,
		TimestampEnd:     *props.EndClock,
		StreamID:         *props.StreamClassID,
		EventsDiscarded:  optional(props.DiscardedEvents),
		StreamInstanceID: optional(props.DataStreamID),
		PacketSeqNum:     optional(props.PacketSeqNum),
	}

	return CtfPacket{Index: idx, Payload: payload}, true, false
}

func optional(v *uint64) wire.OptionalField {
	if v == nil {
		return wire.NoValue
	}
	return wire.NewOptionalField(*v)
}
