package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeHeader builds a 28-byte VBAN header plus payload for round-trip
// testing, mirroring the field layout Parse expects.
func encodeHeader(srIdx byte, frames, channels byte, format Format, seq uint32, datasize int) []byte {
	buf := make([]byte, vbanHeaderSize+datasize)
	copy(buf[0:4], vbanMagic)
	buf[4] = srIdx
	buf[5] = frames
	buf[6] = channels
	buf[7] = byte(format) // codec PCM == 0
	binary.LittleEndian.PutUint32(buf[24:28], seq)
	return buf
}

func TestParseRoundTrip(t *testing.T) {
	for srIdx, rate := range sampleRates {
		for format, fi := range formatTable {
			if fi.bytesPerSample == 0 {
				continue
			}
			frames := byte(0)   // 1 frame per packet
			channels := byte(0) // 1 channel
			datasize := 1 * fi.bytesPerSample * 1

			buf := encodeHeader(byte(srIdx), frames, channels, Format(format), 42, datasize)
			h, err := Parse(buf)
			require.NoError(t, err)
			assert.Equal(t, rate, h.SampleRate)
			assert.Equal(t, 1, h.FramesPerPacket)
			assert.Equal(t, 1, h.Channels)
			assert.Equal(t, Format(format), h.Format)
			assert.Equal(t, fi.name, h.FormatName)
			assert.Equal(t, uint32(42), h.Sequence)
			assert.Equal(t, datasize, h.DataSize)
		}
	}
}

func TestParseBadSampleRate(t *testing.T) {
	buf := encodeHeader(30, 0, 0, FormatU8, 0, 1)
	_, err := Parse(buf)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrBadSampleRate, perr.Kind)
}

func TestParseBadMagic(t *testing.T) {
	buf := encodeHeader(0, 0, 0, FormatU8, 0, 1)
	buf[0] = 'X'
	_, err := Parse(buf)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrBadMagic, perr.Kind)
}

func TestParseBadPayloadSize(t *testing.T) {
	buf := encodeHeader(0, 0, 0, FormatU8, 0, 1)
	buf = buf[:len(buf)-1] // truncate payload by one byte
	_, err := Parse(buf)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrBadPayloadSize, perr.Kind)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, vbanHeaderSize-1))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrTooShort, perr.Kind)
}

func TestParseBadFormat(t *testing.T) {
	buf := encodeHeader(0, 0, 0, Format12Bits, 0, 0)
	_, err := Parse(buf)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrBadFormat, perr.Kind)
}

func TestParseUnsupportedProtocol(t *testing.T) {
	buf := encodeHeader(0, 0, 0, FormatU8, 0, 1)
	buf[4] |= byte(ProtocolTxt) // set protocol bits to TXT
	_, err := Parse(buf)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrUnsupportedProtocol, perr.Kind)
}
