package credentials

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &frame{Op: "load", Secret: []byte("s3cret")}))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "load", f.Op)
	assert.Equal(t, []byte("s3cret"), f.Secret)
	assert.Empty(t, f.Error)
}

func TestFrameRoundtrip_Error(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &frame{Op: "error", Error: "no secret loaded"}))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "error", f.Op)
	assert.Equal(t, "no secret loaded", f.Error)
}

func TestReadFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], maxFrameSize+1)
	buf.Write(lenBuf[:])

	_, err := readFrame(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString("{\"op\":")

	_, err := readFrame(&buf)
	require.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte("sensitive")
	zero(b)
	assert.Equal(t, make([]byte, len("sensitive")), b)
}
