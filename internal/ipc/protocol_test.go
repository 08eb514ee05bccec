package ipc

import (
	"bytes"
	"testing"

	"github.com/chainstate/contextstore/internal/errors"
	"github.com/chainstate/contextstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4, 5}

	require.NoError(t, WriteFrame(&buf, TagGetEntry, payload))

	tag, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagGetEntry, tag)
	assert.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagShutdownCall, nil))

	tag, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagShutdownCall, tag)
	assert.Empty(t, got)
}

func TestFrameChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagGetEntry, []byte("payload")))

	// Flip one payload byte; the frame length stays intact.
	raw := buf.Bytes()
	raw[frameHeaderSize] ^= 0xFF

	_, _, err := ReadFrame(bytes.NewReader(raw))
	assert.Equal(t, errors.ErrCodeSerialization, errors.GetCode(err))
}

func TestFrameOversizedLengthRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagGetEntry, []byte("payload")))

	raw := buf.Bytes()
	// Overwrite the length prefix with an absurd value.
	raw[1], raw[2], raw[3], raw[4] = 0xFF, 0xFF, 0xFF, 0xFF

	_, _, err := ReadFrame(bytes.NewReader(raw))
	assert.Equal(t, errors.ErrCodeSerialization, errors.GetCode(err))
}

func TestDecodeHashPayload(t *testing.T) {
	var hash model.EntryHash
	hash[0] = 0x42

	got, err := DecodeHashPayload(hash[:])
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	_, err = DecodeHashPayload(hash[:16])
	assert.Equal(t, errors.ErrCodeHashConversion, errors.GetCode(err))
}

func TestGetEntryResponseRoundTrip(t *testing.T) {
	value := model.ContextValue{9, 8, 7}

	got, found, remote, err := DecodeGetEntryResponse(EncodeGetEntryResponse(value, true, ""))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, remote)
	assert.True(t, value.Equal(got))

	_, found, remote, err = DecodeGetEntryResponse(EncodeGetEntryResponse(nil, false, ""))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, remote)

	_, _, remote, err = DecodeGetEntryResponse(EncodeGetEntryResponse(nil, false, "engine fault"))
	require.NoError(t, err)
	assert.Equal(t, "engine fault", remote)
}

func TestContainsEntryResponseRoundTrip(t *testing.T) {
	found, remote, err := DecodeContainsEntryResponse(EncodeContainsEntryResponse(true, ""))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, remote)

	found, remote, err = DecodeContainsEntryResponse(EncodeContainsEntryResponse(false, ""))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, remote)

	_, remote, err = DecodeContainsEntryResponse(EncodeContainsEntryResponse(false, "engine fault"))
	require.NoError(t, err)
	assert.Equal(t, "engine fault", remote)
}

func TestDecodeMalformedResponses(t *testing.T) {
	_, _, _, err := DecodeGetEntryResponse(nil)
	assert.Equal(t, errors.ErrCodeSerialization, errors.GetCode(err))

	_, _, _, err = DecodeGetEntryResponse([]byte{0x7F})
	assert.Equal(t, errors.ErrCodeSerialization, errors.GetCode(err))

	_, _, err = DecodeContainsEntryResponse([]byte{0x7F})
	assert.Equal(t, errors.ErrCodeSerialization, errors.GetCode(err))
}
