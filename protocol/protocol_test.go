package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBytes(t *testing.T) {
	// Values are fixed by the parent side and must never move.
	cases := map[Command]byte{
		Error:              0xFF,
		Done:               0,
		Call:               1,
		Ping:               2,
		Resource:           3,
		Ready:              4,
		FailedToStart:      5,
		InitParallelWorker: 7,
	}
	for cmd, want := range cases {
		assert.Equal(t, want, byte(cmd), cmd.String())
		assert.True(t, cmd.Valid())
	}
	assert.False(t, Command(99).Valid())
	assert.Equal(t, "Command(99)", Command(99).String())
}

func TestReadWriteCommand(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, Ping))
	require.NoError(t, WriteCommand(&buf, Error))

	cmd, err := ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, Ping, cmd)

	cmd, err = ReadCommand(&buf)
	require.NoError(t, err)
	assert.Equal(t, Error, cmd)

	_, err = ReadCommand(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestExpectCommand(t *testing.T) {
	require.NoError(t, ExpectCommand(bytes.NewReader([]byte{byte(Ready)}), Ready))

	err := ExpectCommand(bytes.NewReader([]byte{byte(FailedToStart)}), Ready)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected READY, got FAILED_TO_START")
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello world")
	require.NoError(t, WriteFrame(&buf, body))
	assert.Equal(t, SizeLen+len(body), buf.Len())
	assert.Equal(t, uint32(len(body)), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Zero(t, buf.Len(), "frame must be consumed exactly")
}

func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrameLargeBody(t *testing.T) {
	var buf bytes.Buffer
	large := make([]byte, 1024*1024)
	for i := range large {
		large[i] = byte(i % 256)
	}
	require.NoError(t, WriteFrame(&buf, large))

	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(large, got))
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 128)))

	_, err := ReadFrame(&buf, 64)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestFrameNegativeSize(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFE}), 0)
	assert.Equal(t, ErrNegativeFrame, err)
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("truncated body")))
	short := bytes.NewReader(buf.Bytes()[:8])

	_, err := ReadFrame(short, DefaultMaxFrameSize)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "echo"))
	require.NoError(t, WriteString(&buf, ""))
	require.NoError(t, WriteString(&buf, "héllo"))

	for _, want := range []string{"echo", "", "héllo"} {
		got, err := ReadString(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStringTooLong(t *testing.T) {
	err := WriteString(io.Discard, string(make([]byte, MaxStringLen+1)))
	assert.Equal(t, ErrStringTooLong, err)
}
