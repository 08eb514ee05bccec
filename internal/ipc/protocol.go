package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chainstate/contextstore/internal/errors"
	"github.com/chainstate/contextstore/internal/model"
	"github.com/chainstate/contextstore/internal/util"
)

// The wire protocol between a reader process and the writer process.
//
// Every message is one frame:
//
//	tag      uint8
//	length   uint32 little-endian, byte count of payload
//	payload  length bytes
//	crc32    uint32 little-endian, IEEE checksum of payload
//
// Requests flow reader -> writer, responses writer -> reader. Exactly one
// request may be outstanding per connection; each request yields exactly
// one response.

// MessageTag identifies a frame's message type.
type MessageTag uint8

const (
	// Requests
	TagGetEntry      MessageTag = 0x01
	TagContainsEntry MessageTag = 0x02
	TagShutdownCall  MessageTag = 0x03

	// Responses
	TagGetEntryResponse      MessageTag = 0x81
	TagContainsEntryResponse MessageTag = 0x82
	TagShutdownResult        MessageTag = 0x83
)

// Response status bytes for GetEntryResponse and ContainsEntryResponse.
const (
	statusAbsent  = 0x00
	statusPresent = 0x01
	statusError   = 0x02
)

// maxFrameSize bounds a single payload so a corrupted length prefix
// cannot trigger an unbounded allocation.
const maxFrameSize = 64 << 20

const frameHeaderSize = 1 + 4

// String names the tag for diagnostics.
func (t MessageTag) String() string {
	switch t {
	case TagGetEntry:
		return "GetEntry"
	case TagContainsEntry:
		return "ContainsEntry"
	case TagShutdownCall:
		return "ShutdownCall"
	case TagGetEntryResponse:
		return "GetEntryResponse"
	case TagContainsEntryResponse:
		return "ContainsEntryResponse"
	case TagShutdownResult:
		return "ShutdownResult"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// WriteFrame writes one tagged frame to w.
func WriteFrame(w io.Writer, tag MessageTag, payload []byte) error {
	header := make([]byte, frameHeaderSize)
	header[0] = byte(tag)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], util.ComputeChecksum(payload))
	_, err := w.Write(crc[:])
	return err
}

// ReadFrame reads one tagged frame from r. A checksum mismatch or an
// oversized length prefix is a serialization fault, not a transport
// fault: the connection delivered bytes, but not the bytes sent.
func ReadFrame(r io.Reader) (MessageTag, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	tag := MessageTag(header[0])
	length := binary.LittleEndian.Uint32(header[1:])
	if length > maxFrameSize {
		return 0, nil, errors.Serialization(
			fmt.Sprintf("frame payload length %d exceeds limit", length), nil)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	var crc [4]byte
	if _, err := io.ReadFull(r, crc[:]); err != nil {
		return 0, nil, err
	}
	if !util.ValidateChecksum(payload, binary.LittleEndian.Uint32(crc[:])) {
		return 0, nil, errors.Serialization("frame checksum mismatch", nil)
	}
	return tag, payload, nil
}

// DecodeHashPayload extracts the entry hash carried by a GetEntry or
// ContainsEntry request.
func DecodeHashPayload(payload []byte) (model.EntryHash, error) {
	hash, ok := model.HashFromBytes(payload)
	if !ok {
		return hash, errors.HashConversion(len(payload), model.HashSize)
	}
	return hash, nil
}

// EncodeGetEntryResponse encodes the outcome of a GetEntry request.
// A remote engine failure travels as its message text, mirroring how the
// server cannot serialize its internal error type across the process
// boundary.
func EncodeGetEntryResponse(value model.ContextValue, found bool, remoteErr string) []byte {
	if remoteErr != "" {
		return append([]byte{statusError}, remoteErr...)
	}
	if !found {
		return []byte{statusAbsent}
	}
	return append([]byte{statusPresent}, value...)
}

// DecodeGetEntryResponse decodes a GetEntryResponse payload.
func DecodeGetEntryResponse(payload []byte) (model.ContextValue, bool, string, error) {
	if len(payload) < 1 {
		return nil, false, "", errors.Serialization("empty get-entry response", nil)
	}
	switch payload[0] {
	case statusAbsent:
		return nil, false, "", nil
	case statusPresent:
		return model.ContextValue(payload[1:]).Clone(), true, "", nil
	case statusError:
		return nil, false, string(payload[1:]), nil
	default:
		return nil, false, "", errors.Serialization(
			fmt.Sprintf("invalid get-entry response status 0x%02x", payload[0]), nil)
	}
}

// EncodeContainsEntryResponse encodes the outcome of a ContainsEntry
// request.
func EncodeContainsEntryResponse(found bool, remoteErr string) []byte {
	if remoteErr != "" {
		return append([]byte{statusError}, remoteErr...)
	}
	if found {
		return []byte{statusPresent}
	}
	return []byte{statusAbsent}
}

// DecodeContainsEntryResponse decodes a ContainsEntryResponse payload.
func DecodeContainsEntryResponse(payload []byte) (bool, string, error) {
	if len(payload) < 1 {
		return false, "", errors.Serialization("empty contains-entry response", nil)
	}
	switch payload[0] {
	case statusAbsent:
		return false, "", nil
	case statusPresent:
		return true, "", nil
	case statusError:
		return false, string(payload[1:]), nil
	default:
		return false, "", errors.Serialization(
			fmt.Sprintf("invalid contains-entry response status 0x%02x", payload[0]), nil)
	}
}
