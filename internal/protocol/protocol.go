/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package protocol implements the RabbitMQ stream wire protocol (version 1).

FRAME FORMAT:
=============
Every frame is prefixed with its size. The size does not include itself.

	+-------+-------+-------+-------+-------+-------+-------+-------+
	| Size (4 bytes, big-endian)    | Key (2 bytes) | Version (2)   |
	+-------+-------+-------+-------+-------+-------+-------+-------+
	| CorrelationId (4 bytes, requests and responses only)          |
	+---------------------------------------------------------------+
	|                  Payload (Size - header bytes)                |
	+---------------------------------------------------------------+

FRAME KINDS:
============
- Request:  client or server asks for something and expects a response.
            Carries a correlation id.
- Response: the Key has the high bit (0x8000) set and carries the
            correlation id of the request. The payload almost always starts
            with a 2-byte response code (Metadata is the exception).
- Command:  fire-and-forget frames without a correlation id: Publish,
            PublishConfirm, PublishError, Deliver, Credit, StoreOffset,
            MetadataUpdate, Tune and Heartbeat.

PRIMITIVE ENCODING:
===================

	Strings:     [int16 length][UTF-8 bytes]   (-1 = null)
	Byte slices: [int32 length][raw bytes]     (-1 = null)
	Integers:    Big-endian
	Arrays:      [int32 count][elements...]
	Maps:        [int32 count][key string][value string]...

The codec only knows frame boundaries, the response bit and which keys carry
a correlation id. Command payloads are parsed by the EncodeXxx/DecodeXxx
functions in binary.go and chunk.go.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol constants define the wire format parameters.
const (
	// Version is the only protocol version this client speaks for every command.
	Version uint16 = 1

	// DefaultMaxFrameSize bounds frames before Tune negotiates a limit.
	// A declared size beyond the limit means the stream is corrupt.
	DefaultMaxFrameSize = 8 * 1024 * 1024

	// SizePrefix is the length of the frame size field.
	SizePrefix = 4

	// HeaderSize is the fixed key + version header that follows the size.
	HeaderSize = 4

	// CorrelationSize is the length of the correlation id field.
	CorrelationSize = 4

	responseFlag uint16 = 0x8000
)

// Kind discriminates the three frame envelopes.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Frame is one decoded protocol frame.
type Frame struct {
	Kind          Kind
	Key           Key
	Version       uint16
	CorrelationID uint32 // zero and absent on the wire when !HasCorrelation
	Payload       []byte
}

// HasCorrelation reports whether the frame carries a correlation id on the wire.
func (f Frame) HasCorrelation() bool {
	return HasCorrelation(f.Kind, f.Key)
}

// String renders a short description used in logs.
func (f Frame) String() string {
	if f.HasCorrelation() {
		return fmt.Sprintf("%s %s v%d corr=%d len=%d", f.Kind, f.Key, f.Version, f.CorrelationID, len(f.Payload))
	}
	return fmt.Sprintf("%s %s v%d len=%d", f.Kind, f.Key, f.Version, len(f.Payload))
}

// Codec errors.
var (
	// ErrNeedMoreData means the buffer holds only a prefix of a frame.
	// It is not a failure: the caller should read more bytes and retry.
	ErrNeedMoreData = errors.New("need more data")

	// ErrFrameTooLarge means a frame declared a size above the allowed maximum.
	// The byte stream cannot be resynchronised, so this is fatal to the connection.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidFrame means the frame header is internally inconsistent.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnsupportedVersion means the peer used a command version we do not speak.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// HasCorrelation reports whether frames of this kind and key carry a
// correlation id. Credit responses are the one response without one.
func HasCorrelation(kind Kind, key Key) bool {
	switch kind {
	case KindCommand:
		return false
	case KindResponse:
		return key != KeyCredit
	default:
		return true
	}
}

// headerLen returns the number of bytes between the size prefix and the payload.
func headerLen(kind Kind, key Key) int {
	if HasCorrelation(kind, key) {
		return HeaderSize + CorrelationSize
	}
	return HeaderSize
}

// Encode serializes a frame including its size prefix.
func Encode(f Frame) []byte {
	hl := headerLen(f.Kind, f.Key)
	size := hl + len(f.Payload)
	buf := make([]byte, SizePrefix+size)

	binary.BigEndian.PutUint32(buf[0:], uint32(size))
	wireKey := uint16(f.Key)
	if f.Kind == KindResponse {
		wireKey |= responseFlag
	}
	binary.BigEndian.PutUint16(buf[4:], wireKey)
	binary.BigEndian.PutUint16(buf[6:], f.Version)
	if hl > HeaderSize {
		binary.BigEndian.PutUint32(buf[8:], f.CorrelationID)
	}
	copy(buf[SizePrefix+hl:], f.Payload)
	return buf
}

// Decode parses one frame from the front of buf.
//
// RETURNS:
// - the frame and the number of bytes it consumed
// - ErrNeedMoreData if buf holds only a prefix of the frame
// - ErrFrameTooLarge if the declared size exceeds maxSize
// - ErrInvalidFrame if the header is shorter than its kind requires
//
// The returned payload aliases buf.
func Decode(buf []byte, maxSize int) (Frame, int, error) {
	if len(buf) < SizePrefix {
		return Frame{}, 0, ErrNeedMoreData
	}
	size := binary.BigEndian.Uint32(buf)
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if uint64(size) > uint64(maxSize) {
		return Frame{}, 0, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, maxSize)
	}
	if size < HeaderSize {
		return Frame{}, 0, fmt.Errorf("%w: size %d shorter than header", ErrInvalidFrame, size)
	}
	total := SizePrefix + int(size)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	body := buf[SizePrefix:total]
	f, err := parseBody(body)
	if err != nil {
		return Frame{}, 0, err
	}
	return f, total, nil
}

func parseBody(body []byte) (Frame, error) {
	wireKey := binary.BigEndian.Uint16(body[0:])
	f := Frame{
		Key:     Key(wireKey &^ responseFlag),
		Version: binary.BigEndian.Uint16(body[2:]),
	}
	switch {
	case wireKey&responseFlag != 0:
		f.Kind = KindResponse
	case f.Key.IsCommand():
		f.Kind = KindCommand
	default:
		f.Kind = KindRequest
	}

	hl := headerLen(f.Kind, f.Key)
	if len(body) < hl {
		return Frame{}, fmt.Errorf("%w: %s frame %s missing correlation id", ErrInvalidFrame, f.Kind, f.Key)
	}
	if hl > HeaderSize {
		f.CorrelationID = binary.BigEndian.Uint32(body[HeaderSize:])
	}
	f.Payload = body[hl:]
	return f, nil
}

// ReadFrame reads exactly one frame from r.
// The payload is freshly allocated and owned by the caller.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	var prefix [SizePrefix]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if uint64(size) > uint64(maxSize) {
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, maxSize)
	}
	if size < HeaderSize {
		return Frame{}, fmt.Errorf("%w: size %d shorter than header", ErrInvalidFrame, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return parseBody(body)
}

// WriteFrame writes a complete frame to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f))
	return err
}

// NewRequest builds a version 1 request frame.
func NewRequest(key Key, correlationID uint32, payload []byte) Frame {
	return Frame{Kind: KindRequest, Key: key, Version: Version, CorrelationID: correlationID, Payload: payload}
}

// NewResponse builds a version 1 response frame.
func NewResponse(key Key, correlationID uint32, payload []byte) Frame {
	return Frame{Kind: KindResponse, Key: key, Version: Version, CorrelationID: correlationID, Payload: payload}
}

// NewCommand builds a version 1 command frame.
func NewCommand(key Key, payload []byte) Frame {
	return Frame{Kind: KindCommand, Key: key, Version: Version, Payload: payload}
}
