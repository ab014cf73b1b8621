// Package protocol implements the binary framing used between backup
// clients and the server. Every multi-byte field is little-endian on the
// wire and is encoded field by field, never by struct layout.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	RequestHeaderSize  = 8
	PayloadHeaderSize  = 4
	ResponseHeaderSize = 3
)

// Op selects the operation a request performs.
type Op uint8

const (
	OpStore  Op = 100
	OpFetch  Op = 200
	OpDelete Op = 201
	OpList   Op = 202
)

func (o Op) String() string {
	switch o {
	case OpStore:
		return "store"
	case OpFetch:
		return "fetch"
	case OpDelete:
		return "delete"
	case OpList:
		return "list"
	default:
		return "unknown"
	}
}

// Known reports whether o is one of the four supported operations.
func (o Op) Known() bool {
	switch o {
	case OpStore, OpFetch, OpDelete, OpList:
		return true
	}
	return false
}

// Status is the 16-bit result code carried by a response.
type Status uint16

const (
	StatusOK      Status = 200
	StatusSent    Status = 210
	StatusListed  Status = 211
	StatusSaved   Status = 212
	StatusDeleted Status = 212

	StatusNotFound     Status = 1001
	StatusNoFiles      Status = 1002
	StatusGeneralError Status = 1003
)

// ErrFraming is returned when the peer closes the stream before a complete
// frame has been read.
var ErrFraming = errors.New("incomplete frame")

type RequestHeader struct {
	UserID  uint32
	Version uint8
	Op      Op
	NameLen uint16
}

type PayloadHeader struct {
	Size uint32
}

type ResponseHeader struct {
	Version uint8
	Status  Status
}

// Response is a decoded response header plus its payload section.
type Response struct {
	ResponseHeader
	Payload []byte
}

func (h RequestHeader) MarshalBinary() []byte {
	b := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.UserID)
	b[4] = h.Version
	b[5] = byte(h.Op)
	binary.LittleEndian.PutUint16(b[6:8], h.NameLen)
	return b
}

// ParseRequestHeader decodes the fixed 8-byte request header.
func ParseRequestHeader(b []byte) (RequestHeader, error) {
	var h RequestHeader
	if len(b) < RequestHeaderSize {
		return h, fmt.Errorf("request header: %d bytes: %w", len(b), ErrFraming)
	}
	h.UserID = binary.LittleEndian.Uint32(b[0:4])
	h.Version = b[4]
	h.Op = Op(b[5])
	h.NameLen = binary.LittleEndian.Uint16(b[6:8])
	return h, nil
}

func (h PayloadHeader) MarshalBinary() []byte {
	b := make([]byte, PayloadHeaderSize)
	binary.LittleEndian.PutUint32(b, h.Size)
	return b
}

func ParsePayloadHeader(b []byte) (PayloadHeader, error) {
	if len(b) < PayloadHeaderSize {
		return PayloadHeader{}, fmt.Errorf("payload header: %d bytes: %w", len(b), ErrFraming)
	}
	return PayloadHeader{Size: binary.LittleEndian.Uint32(b)}, nil
}

func (h ResponseHeader) MarshalBinary() []byte {
	b := make([]byte, ResponseHeaderSize)
	b[0] = h.Version
	binary.LittleEndian.PutUint16(b[1:3], uint16(h.Status))
	return b
}

func ParseResponseHeader(b []byte) (ResponseHeader, error) {
	if len(b) < ResponseHeaderSize {
		return ResponseHeader{}, fmt.Errorf("response header: %d bytes: %w", len(b), ErrFraming)
	}
	return ResponseHeader{
		Version: b[0],
		Status:  Status(binary.LittleEndian.Uint16(b[1:3])),
	}, nil
}

// readFull reads exactly len(buf) bytes, mapping a premature end of stream
// to ErrFraming. Other I/O errors are returned wrapped as they are.
func readFull(r io.Reader, buf []byte, what string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("reading %s: %w", what, ErrFraming)
		}
		return fmt.Errorf("reading %s: %w", what, err)
	}
	return nil
}

func ReadRequestHeader(r io.Reader) (RequestHeader, error) {
	buf := make([]byte, RequestHeaderSize)
	if err := readFull(r, buf, "request header"); err != nil {
		return RequestHeader{}, err
	}
	return ParseRequestHeader(buf)
}

// ReadName reads exactly n bytes of filename. The bytes are not validated.
func ReadName(r io.Reader, n uint16) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := readFull(r, buf, "name"); err != nil {
		return "", err
	}
	return string(buf), nil
}

func ReadPayloadHeader(r io.Reader) (PayloadHeader, error) {
	buf := make([]byte, PayloadHeaderSize)
	if err := readFull(r, buf, "payload header"); err != nil {
		return PayloadHeader{}, err
	}
	return ParsePayloadHeader(buf)
}

// ReadPayload reads exactly size bytes. The buffer grows with the data
// actually received, so a declared size costs nothing until it arrives.
func ReadPayload(r io.Reader, size uint32) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading payload: got %d of %d bytes: %w", n, size, ErrFraming)
		}
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if size == 0 {
		return []byte{}, nil
	}
	return buf.Bytes(), nil
}

// EncodeResponse returns the response header followed by a payload section.
// The payload section is always present; a nil or empty payload is sent
// with a declared size of zero.
func EncodeResponse(version uint8, status Status, payload []byte) []byte {
	out := make([]byte, 0, ResponseHeaderSize+PayloadHeaderSize+len(payload))
	out = append(out, ResponseHeader{Version: version, Status: status}.MarshalBinary()...)
	out = append(out, PayloadHeader{Size: uint32(len(payload))}.MarshalBinary()...)
	return append(out, payload...)
}

// WriteResponse encodes and writes a complete response in a single write.
func WriteResponse(w io.Writer, version uint8, status Status, payload []byte) (int, error) {
	return w.Write(EncodeResponse(version, status, payload))
}

// ReadResponse reads a response header and its payload section.
func ReadResponse(r io.Reader) (Response, error) {
	buf := make([]byte, ResponseHeaderSize)
	if err := readFull(r, buf, "response header"); err != nil {
		return Response{}, err
	}
	hdr, err := ParseResponseHeader(buf)
	if err != nil {
		return Response{}, err
	}
	ph, err := ReadPayloadHeader(r)
	if err != nil {
		return Response{}, err
	}
	payload, err := ReadPayload(r, ph.Size)
	if err != nil {
		return Response{}, err
	}
	return Response{ResponseHeader: hdr, Payload: payload}, nil
}

// EncodeRequest builds a full request frame. The payload section is only
// emitted for OpStore.
func EncodeRequest(userID uint32, version uint8, op Op, name string, payload []byte) ([]byte, error) {
	if len(name) > 0xFFFF {
		return nil, fmt.Errorf("name too long: %d bytes", len(name))
	}
	if uint64(len(payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
	}

	hdr := RequestHeader{
		UserID:  userID,
		Version: version,
		Op:      op,
		NameLen: uint16(len(name)),
	}
	out := append(hdr.MarshalBinary(), name...)
	if op == OpStore {
		out = append(out, PayloadHeader{Size: uint32(len(payload))}.MarshalBinary()...)
		out = append(out, payload...)
	}
	return out, nil
}
