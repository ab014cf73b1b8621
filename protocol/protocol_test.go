package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHeaderLittleEndian(t *testing.T) {
	hdr := RequestHeader{UserID: 0x01020304, Version: 3, Op: OpStore, NameLen: 0x0506}
	b := hdr.MarshalBinary()

	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 3, 100, 0x06, 0x05}, b)

	got, err := ReadRequestHeader(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, hdr, got)
}

func TestReadRequestHeaderShort(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"one byte", []byte{7}},
		{"seven bytes", []byte{7, 0, 0, 0, 1, 100, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRequestHeader(bytes.NewReader(tt.in))
			assert.True(t, errors.Is(err, ErrFraming), "got %v", err)
		})
	}
}

func TestReadNameExactLength(t *testing.T) {
	r := bytes.NewReader([]byte("notes.txtTRAILING"))

	name, err := ReadName(r, 9)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", name)
	assert.Equal(t, 8, r.Len())

	_, err = ReadName(bytes.NewReader([]byte("abc")), 4)
	assert.ErrorIs(t, err, ErrFraming)

	name, err = ReadName(bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestReadPayload(t *testing.T) {
	ph := PayloadHeader{Size: 5}
	r := bytes.NewReader(append(ph.MarshalBinary(), "hello"...))

	got, err := ReadPayloadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.Size)

	data, err := ReadPayload(r, got.Size)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = ReadPayload(bytes.NewReader([]byte("hel")), 5)
	assert.ErrorIs(t, err, ErrFraming)
}

func TestEncodeResponseAlwaysHasPayloadSection(t *testing.T) {
	b := EncodeResponse(1, StatusNotFound, nil)
	assert.Equal(t, []byte{1, 0xE9, 0x03, 0, 0, 0, 0}, b)

	b = EncodeResponse(2, StatusSent, []byte("hello"))
	assert.Equal(t, []byte{2, 210, 0, 5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'}, b)
}

func TestReadResponse(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteResponse(&buf, 9, StatusListed, []byte("abc.txt"))
	require.NoError(t, err)

	resp, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), resp.Version)
	assert.Equal(t, StatusListed, resp.Status)
	assert.Equal(t, []byte("abc.txt"), resp.Payload)

	_, err = ReadResponse(bytes.NewReader([]byte{1, 212}))
	assert.ErrorIs(t, err, ErrFraming)
}

func TestEncodeRequest(t *testing.T) {
	b, err := EncodeRequest(7, 1, OpStore, "a", []byte("xy"))
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0, 1, 100, 1, 0, 'a', 2, 0, 0, 0, 'x', 'y'}, b)

	// only store carries a payload section
	b, err = EncodeRequest(7, 1, OpFetch, "a", []byte("ignored"))
	require.NoError(t, err)
	assert.Len(t, b, RequestHeaderSize+1)

	_, err = EncodeRequest(7, 1, OpFetch, string(make([]byte, 0x10000)), nil)
	assert.Error(t, err)
}

func TestOp(t *testing.T) {
	assert.True(t, OpStore.Known())
	assert.True(t, OpList.Known())
	assert.False(t, Op(250).Known())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "unknown", Op(0).String())
}
