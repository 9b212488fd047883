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

// Package wire implements the big-endian wire encoding used by the LTTng
// relay daemon (relayd) control and data protocols, compatible with
// relayd >= 2.10.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// VersionMajor and VersionMinor are the relayd protocol version this client speaks.
const (
	VersionMajor uint32 = 2
	VersionMinor uint32 = 10
)

// ErrorCode is the status code returned by relayd for control operations.
type ErrorCode uint32

// OK is the LTTNG_OK variant of enum lttng_error_code.
const OK ErrorCode = 10

// IsOK reports whether the code indicates success.
func (c ErrorCode) IsOK() bool {
	return c == OK
}

// Check returns a LttngRelaydError if the code does not indicate success.
func (c ErrorCode) Check() error {
	if c.IsOK() {
		return nil
	}
	return &LttngRelaydError{Code: c}
}

// LttngRelaydError is returned when relayd replies with a non-OK status code.
type LttngRelaydError struct {
	Code ErrorCode
}

func (e *LttngRelaydError) Error() string {
	return fmt.Sprintf("received an lttng-relayd error code (%d)", e.Code)
}

// SessionID is a session handle created by relayd.
type SessionID uint64

// StreamID is a stream handle known by relayd.
type StreamID uint64

// NetworkSequenceNumber is a per-stream, zero-based counter identifying
// each data+index pair sent to relayd for a given stream.
type NetworkSequenceNumber uint64

// NoSequenceNumber is the sentinel meaning "not applicable", used when
// closing the metadata stream.
const NoSequenceNumber NetworkSequenceNumber = NetworkSequenceNumber(^uint64(0))

// Increment advances the sequence number by one, saturating one below the
// NoSequenceNumber sentinel instead of wrapping or reaching it.
func (n *NetworkSequenceNumber) Increment() {
	if *n == NoSequenceNumber-1 {
		return
	}
	*n++
}

// Previous returns the sequence number immediately before n, saturating at 0.
func (n NetworkSequenceNumber) Previous() NetworkSequenceNumber {
	if n == 0 {
		return 0
	}
	return n - 1
}

// OptionalField is an Index field that may be absent. On the wire, absence
// is encoded as u64::MAX; that sentinel is never a valid field value.
type OptionalField uint64

// NoValue is the wire sentinel for an absent optional field.
const NoValue OptionalField = OptionalField(^uint64(0))

// NewOptionalField wraps a present value.
func NewOptionalField(v uint64) OptionalField {
	return OptionalField(v)
}

// Present reports whether the field carries a real value.
func (f OptionalField) Present() bool {
	return f != NoValue
}

func (f OptionalField) String() string {
	if !f.Present() {
		return "NA"
	}
	return fmt.Sprintf("%d", uint64(f))
}

// Index is the per-packet metadata synthesized from the CTF packet header,
// as sent to relayd via SendIndex.
type Index struct {
	// PacketSizeBits is non-zero; zero-sized "live beacon" packets are
	// not supported by this relay.
	PacketSizeBits    uint64
	ContentSizeBits   uint64
	TimestampBegin    uint64
	TimestampEnd      uint64
	EventsDiscarded   OptionalField
	StreamID          uint64
	StreamInstanceID  OptionalField
	PacketSeqNum      OptionalField
}

func (i Index) String() string {
	return fmt.Sprintf(
		"{stream_id=%d, packet_size=%d, content_size=%d, clock_begin=%d, clock_end=%d, discarded=%s, seq_num=%s}",
		i.StreamID, i.PacketSizeBits, i.ContentSizeBits, i.TimestampBegin, i.TimestampEnd,
		i.EventsDiscarded, i.PacketSeqNum,
	)
}

// Command is the relayd control command code.
type Command uint32

// Command codes used by this client, per the relayd comm protocol.
const (
	CommandAddStream     Command = 1
	CommandCreateSession Command = 2
	CommandStartData     Command = 3
	CommandVersion       Command = 5
	CommandSendMetadata  Command = 6
	CommandCloseStream   Command = 7
	CommandSendIndex     Command = 13
	CommandStreamsSent   Command = 16
)

// ControlHeaderSize is the wire size of struct lttcomm_relayd_hdr.
const ControlHeaderSize = 24

// WriteControlHeader writes the 24-byte control header: circuit_id=0,
// data_size, command, cmd_version=0.
func WriteControlHeader(w io.Writer, cmd Command, dataSize uint64) error {
	var b [ControlHeaderSize]byte
	binary.BigEndian.PutUint64(b[0:8], 0) // circuit_id, unused
	binary.BigEndian.PutUint64(b[8:16], dataSize)
	binary.BigEndian.PutUint32(b[16:20], uint32(cmd))
	binary.BigEndian.PutUint32(b[20:24], 0) // cmd_version, unused
	_, err := w.Write(b[:])
	return err
}

// DataHeaderSize is the wire size of struct lttcomm_relayd_data_hdr.
const DataHeaderSize = 28

// WriteDataHeader writes the 28-byte data header: circuit_id=0, stream_id,
// net_seq_num, data_size, padding=0.
func WriteDataHeader(w io.Writer, streamID StreamID, seq NetworkSequenceNumber, dataSize uint32) error {
	var b [DataHeaderSize]byte
	binary.BigEndian.PutUint64(b[0:8], 0) // circuit_id, unused
	binary.BigEndian.PutUint64(b[8:16], uint64(streamID))
	binary.BigEndian.PutUint64(b[16:24], uint64(seq))
	binary.BigEndian.PutUint32(b[24:28], dataSize)
	// padding (4 bytes) is implicitly zero in the fixed array
	_, err := w.Write(b[:])
	return err
}

// ReadGenericResponse reads struct lttcomm_relayd_generic_reply: a single
// u32 return code.
func ReadGenericResponse(r io.Reader) (ErrorCode, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return ErrorCode(binary.BigEndian.Uint32(b[:])), nil
}

// VersionWireSize is the wire size of struct lttcomm_relayd_version.
const VersionWireSize = 4 + 4

// WriteVersion writes the Version command body: major, minor.
func WriteVersion(w io.Writer, major, minor uint32) error {
	var b [VersionWireSize]byte
	binary.BigEndian.PutUint32(b[0:4], major)
	binary.BigEndian.PutUint32(b[4:8], minor)
	_, err := w.Write(b[:])
	return err
}

// ReadVersion reads the peer's Version response: major, minor.
func ReadVersion(r io.Reader) (major, minor uint32, err error) {
	var b [VersionWireSize]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8]), nil
}

// CreateSession field limits: RELAYD_COMM_LTTNG_NAME_MAX_2_4 and
// RELAYD_COMM_LTTNG_HOST_NAME_MAX_2_4. Both bounds are strict-less-than:
// the trailing NUL byte is implicit in the fixed-size buffer, so a name of
// exactly NameMax (or HostNameMax) bytes leaves no room for it and is
// rejected.
const (
	NameMax     = 255
	HostNameMax = 64

	CreateSessionWireSize = NameMax + HostNameMax + 4 + 4
)

// WriteCreateSession writes struct lttcomm_relayd_create_session_2_4:
// NUL-padded session_name[255], hostname[64], live_timer, snapshot=0.
func WriteCreateSession(w io.Writer, sessionName, hostname string, liveTimer uint32) error {
	nameBytes := []byte(sessionName)
	hostBytes := []byte(hostname)
	if len(nameBytes) >= NameMax {
		return fmt.Errorf("session name exceeds maximum length of %d bytes", NameMax)
	}
	if len(hostBytes) >= HostNameMax {
		return fmt.Errorf("hostname exceeds maximum length of %d bytes", HostNameMax)
	}
	var b [CreateSessionWireSize]byte
	copy(b[0:NameMax], nameBytes)
	copy(b[NameMax:NameMax+HostNameMax], hostBytes)
	binary.BigEndian.PutUint32(b[NameMax+HostNameMax:NameMax+HostNameMax+4], liveTimer)
	binary.BigEndian.PutUint32(b[NameMax+HostNameMax+4:NameMax+HostNameMax+8], 0) // snapshot, unused
	_, err := w.Write(b[:])
	return err
}

// ReadCreateSessionResponse reads struct lttcomm_relayd_status_session:
// session_id, return_code.
func ReadCreateSessionResponse(r io.Reader) (SessionID, ErrorCode, error) {
	var b [8 + 4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	return SessionID(binary.BigEndian.Uint64(b[0:8])), ErrorCode(binary.BigEndian.Uint32(b[8:12])), nil
}

// AddStream field limits: RELAYD_COMM_DEFAULT_STREAM_NAME_LEN and
// RELAYD_COMM_LTTNG_PATH_MAX. Also strict-less-than, for the same reason
// as CreateSession's limits.
const (
	StreamNameMax = 264
	PathMax       = 4096

	AddStreamWireSize = StreamNameMax + PathMax + 8 + 8
)

// WriteAddStream writes struct lttcomm_relayd_add_stream_2_2: NUL-padded
// channel_name[264], pathname[4096], tracefile_size=0, tracefile_count=0.
func WriteAddStream(w io.Writer, channelName, pathname string) error {
	chanBytes := []byte(channelName)
	pathBytes := []byte(pathname)
	if len(chanBytes) >= StreamNameMax {
		return fmt.Errorf("channel name exceeds maximum length of %d bytes", StreamNameMax)
	}
	if len(pathBytes) >= PathMax {
		return fmt.Errorf("pathname exceeds maximum length of %d bytes", PathMax)
	}
	var b [AddStreamWireSize]byte
	copy(b[0:StreamNameMax], chanBytes)
	copy(b[StreamNameMax:StreamNameMax+PathMax], pathBytes)
	binary.BigEndian.PutUint64(b[StreamNameMax+PathMax:StreamNameMax+PathMax+8], 0)   // tracefile_size, unused
	binary.BigEndian.PutUint64(b[StreamNameMax+PathMax+8:StreamNameMax+PathMax+16], 0) // tracefile_count, unused
	_, err := w.Write(b[:])
	return err
}

// ReadAddStreamResponse reads struct lttcomm_relayd_status_stream:
// stream_id, return_code.
func ReadAddStreamResponse(r io.Reader) (StreamID, ErrorCode, error) {
	var b [8 + 4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	return StreamID(binary.BigEndian.Uint64(b[0:8])), ErrorCode(binary.BigEndian.Uint32(b[8:12])), nil
}

// CloseStreamWireSize is the wire size of struct lttcomm_relayd_close_stream.
const CloseStreamWireSize = 8 + 8

// WriteCloseStream writes struct lttcomm_relayd_close_stream: stream_id,
// last_net_seq_num.
func WriteCloseStream(w io.Writer, streamID StreamID, lastSeq NetworkSequenceNumber) error {
	var b [CloseStreamWireSize]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(streamID))
	binary.BigEndian.PutUint64(b[8:16], uint64(lastSeq))
	_, err := w.Write(b[:])
	return err
}

// SendMetadataWireSize returns the wire size of struct
// lttcomm_relayd_metadata_payload for the given metadata payload length.
func SendMetadataWireSize(metadataLen int) int {
	return 8 + 4 + metadataLen
}

// WriteSendMetadata writes struct lttcomm_relayd_metadata_payload:
// stream_id, padding=0, metadata bytes. There is no response to this
// message; relayd does not confirm metadata acceptance.
func WriteSendMetadata(w io.Writer, streamID StreamID, metadata []byte) error {
	var hdr [8 + 4]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(streamID))
	binary.BigEndian.PutUint32(hdr[8:12], 0) // padding, unused
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(metadata)
	return err
}

// SendIndexWireSize is the wire size of struct lttcomm_relayd_index: ten u64 fields.
const SendIndexWireSize = 8 * 10

// WriteSendIndex writes struct lttcomm_relayd_index: stream_id,
// net_seq_num, packet_size_bits, content_size_bits, timestamp_begin,
// timestamp_end, events_discarded, ctf_stream_id, stream_instance_id,
// packet_seq_num.
func WriteSendIndex(w io.Writer, streamID StreamID, seq NetworkSequenceNumber, index Index) error {
	var b [SendIndexWireSize]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(streamID))
	binary.BigEndian.PutUint64(b[8:16], uint64(seq))
	binary.BigEndian.PutUint64(b[16:24], index.PacketSizeBits)
	binary.BigEndian.PutUint64(b[24:32], index.ContentSizeBits)
	binary.BigEndian.PutUint64(b[32:40], index.TimestampBegin)
	binary.BigEndian.PutUint64(b[40:48], index.TimestampEnd)
	binary.BigEndian.PutUint64(b[48:56], uint64(index.EventsDiscarded))
	binary.BigEndian.PutUint64(b[56:64], index.StreamID)
	binary.BigEndian.PutUint64(b[64:72], uint64(index.StreamInstanceID))
	binary.BigEndian.PutUint64(b[72:80], uint64(index.PacketSeqNum))
	_, err := w.Write(b[:])
	return err
}
