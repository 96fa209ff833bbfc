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
Binary payload encoding for every command the client sends or receives.

Both directions are implemented for each command so that the same package
serves the client and the in-process test broker.

PUBLISH FORMAT:
===============

	[1 byte]  publisher id
	[4 bytes] entry count (int32)
	per entry:
	  [8 bytes] publishing id (uint64)
	  simple entry:  [4 bytes] length (int32, high bit 0) [N bytes] message
	  sub-entry:     [1 byte] 0x80 | codec<<4
	                 [2 bytes] record count
	                 [4 bytes] uncompressed length
	                 [4 bytes] compressed length
	                 [N bytes] compressed records ([uint32 size][bytes]...)

METADATA RESPONSE FORMAT:
=========================

	[4 bytes] broker count
	  [2 bytes] reference [string] host [4 bytes] port
	[4 bytes] stream count
	  [string] stream [2 bytes] code [2 bytes] leader reference
	  [4 bytes] replica count [2 bytes] replica reference...
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"sort"
)

var (
	ErrInvalidBinaryFormat = errors.New("invalid binary format")
	ErrBufferTooSmall      = errors.New("buffer too small")
)

// Flag bits of the first byte of a publish or chunk entry.
const (
	subEntryFlag  byte   = 0x80
	codecShift           = 4
	codecMask     byte   = 0x07
	nullLength           = -1
	nullBytes     uint32 = 0xFFFFFFFF
	maxStringSize        = 1<<15 - 1
)

// writer appends big-endian primitives to a growing buffer.
type writer struct {
	buf []byte
}

func newWriter(capacity int) *writer {
	return &writer{buf: make([]byte, 0, capacity)}
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) str(s string) {
	if len(s) > maxStringSize {
		s = s[:maxStringSize]
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	if b == nil {
		w.u32(nullBytes)
		return
	}
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) strings(values []string) {
	w.u32(uint32(len(values)))
	for _, v := range values {
		w.str(v)
	}
}

// strMap writes keys in sorted order so encodings are deterministic.
func (w *writer) strMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(m[k])
	}
}

func (w *writer) code(c ResponseCode) { w.u16(uint16(c)) }

// entry writes a simple entry or a sub-entry. The length of a simple entry
// is never null since its high bit would read as the sub-entry flag.
func (w *writer) entry(e Entry) {
	if e.SubEntry {
		w.u8(subEntryFlag | (e.Codec&codecMask)<<codecShift)
		w.u16(e.Records)
		w.u32(e.UncompressedSize)
	}
	w.u32(uint32(len(e.Data)))
	w.buf = append(w.buf, e.Data...)
}

func (w *writer) Bytes() []byte { return w.buf }

// reader consumes big-endian primitives and remembers the first error.
type reader struct {
	data []byte
	off  int
	err  error
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrInvalidBinaryFormat
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *reader) str() string {
	n := int16(r.u16())
	if r.err != nil || n == nullLength {
		return ""
	}
	if !r.need(int(n)) {
		return ""
	}
	s := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	return s
}

func (r *reader) bytes() []byte {
	n := int32(r.u32())
	if r.err != nil || n == nullLength {
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return b
}

// count reads an array length and rejects counts that cannot fit in the
// remaining bytes given a minimum element size.
func (r *reader) count(minElem int) int {
	n := int32(r.u32())
	if r.err != nil {
		return 0
	}
	if n < 0 || (minElem > 0 && int(n) > r.remaining()/minElem) {
		r.err = ErrInvalidBinaryFormat
		return 0
	}
	return int(n)
}

func (r *reader) strings() []string {
	n := r.count(2)
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.str())
	}
	return out
}

func (r *reader) strMap() map[string]string {
	n := r.count(4)
	out := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.str()
		out[k] = r.str()
	}
	return out
}

func (r *reader) code() ResponseCode { return ResponseCode(r.u16()) }

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) rest() []byte {
	b := r.data[r.off:]
	r.off = len(r.data)
	return b
}

// ResponseCodeOf reads the leading response code of a response payload.
func ResponseCodeOf(payload []byte) (ResponseCode, error) {
	if len(payload) < 2 {
		return 0, ErrBufferTooSmall
	}
	return ResponseCode(binary.BigEndian.Uint16(payload)), nil
}

// EncodeCodeResponse encodes a response that carries only a response code.
func EncodeCodeResponse(code ResponseCode) []byte {
	w := newWriter(2)
	w.code(code)
	return w.Bytes()
}

// ========== Handshake ==========

// PeerProperties is used in both directions of the PeerProperties exchange.
type PeerProperties struct {
	Code       ResponseCode // response only
	Properties map[string]string
}

func EncodePeerPropertiesRequest(props map[string]string) []byte {
	w := newWriter(64)
	w.strMap(props)
	return w.Bytes()
}

func DecodePeerPropertiesRequest(data []byte) (map[string]string, error) {
	r := newReader(data)
	m := r.strMap()
	return m, r.err
}

func EncodePeerPropertiesResponse(resp *PeerProperties) []byte {
	w := newWriter(64)
	w.code(resp.Code)
	w.strMap(resp.Properties)
	return w.Bytes()
}

func DecodePeerPropertiesResponse(data []byte) (*PeerProperties, error) {
	r := newReader(data)
	resp := &PeerProperties{Code: r.code()}
	if r.err == nil && r.remaining() > 0 {
		resp.Properties = r.strMap()
	}
	return resp, r.err
}

// SaslHandshakeResponse lists the mechanisms the server accepts.
type SaslHandshakeResponse struct {
	Code       ResponseCode
	Mechanisms []string
}

func EncodeSaslHandshakeResponse(resp *SaslHandshakeResponse) []byte {
	w := newWriter(32)
	w.code(resp.Code)
	w.strings(resp.Mechanisms)
	return w.Bytes()
}

func DecodeSaslHandshakeResponse(data []byte) (*SaslHandshakeResponse, error) {
	r := newReader(data)
	resp := &SaslHandshakeResponse{Code: r.code()}
	if r.err == nil && r.remaining() > 0 {
		resp.Mechanisms = r.strings()
	}
	return resp, r.err
}

// SaslAuthenticateRequest carries the mechanism-specific opaque data.
type SaslAuthenticateRequest struct {
	Mechanism string
	Data      []byte
}

// SaslAuthenticateResponse carries an optional challenge.
type SaslAuthenticateResponse struct {
	Code      ResponseCode
	Challenge []byte
}

func EncodeSaslAuthenticateRequest(req *SaslAuthenticateRequest) []byte {
	w := newWriter(8 + len(req.Mechanism) + len(req.Data))
	w.str(req.Mechanism)
	w.bytes(req.Data)
	return w.Bytes()
}

func DecodeSaslAuthenticateRequest(data []byte) (*SaslAuthenticateRequest, error) {
	r := newReader(data)
	req := &SaslAuthenticateRequest{Mechanism: r.str(), Data: r.bytes()}
	return req, r.err
}

func EncodeSaslAuthenticateResponse(resp *SaslAuthenticateResponse) []byte {
	w := newWriter(6 + len(resp.Challenge))
	w.code(resp.Code)
	if resp.Challenge != nil {
		w.bytes(resp.Challenge)
	}
	return w.Bytes()
}

func DecodeSaslAuthenticateResponse(data []byte) (*SaslAuthenticateResponse, error) {
	r := newReader(data)
	resp := &SaslAuthenticateResponse{Code: r.code()}
	if r.err == nil && r.remaining() >= 4 {
		resp.Challenge = r.bytes()
	}
	return resp, r.err
}

// PlainSaslData builds the PLAIN mechanism payload: \0username\0password.
func PlainSaslData(username, password string) []byte {
	buf := make([]byte, 0, len(username)+len(password)+2)
	buf = append(buf, 0)
	buf = append(buf, username...)
	buf = append(buf, 0)
	buf = append(buf, password...)
	return buf
}

// Tune is sent by the server after authentication and echoed by the client
// with the negotiated values.
type Tune struct {
	FrameMax  uint32
	Heartbeat uint32 // seconds
}

func EncodeTune(t *Tune) []byte {
	w := newWriter(8)
	w.u32(t.FrameMax)
	w.u32(t.Heartbeat)
	return w.Bytes()
}

func DecodeTune(data []byte) (*Tune, error) {
	r := newReader(data)
	t := &Tune{FrameMax: r.u32(), Heartbeat: r.u32()}
	return t, r.err
}

// OpenResponse carries connection properties such as the advertised host.
type OpenResponse struct {
	Code       ResponseCode
	Properties map[string]string
}

func EncodeOpenRequest(virtualHost string) []byte {
	w := newWriter(2 + len(virtualHost))
	w.str(virtualHost)
	return w.Bytes()
}

func DecodeOpenRequest(data []byte) (string, error) {
	r := newReader(data)
	vhost := r.str()
	return vhost, r.err
}

func EncodeOpenResponse(resp *OpenResponse) []byte {
	w := newWriter(64)
	w.code(resp.Code)
	if resp.Properties != nil {
		w.strMap(resp.Properties)
	}
	return w.Bytes()
}

func DecodeOpenResponse(data []byte) (*OpenResponse, error) {
	r := newReader(data)
	resp := &OpenResponse{Code: r.code()}
	if r.err == nil && r.remaining() > 0 {
		resp.Properties = r.strMap()
	}
	return resp, r.err
}

// CloseRequest can be sent by either peer.
type CloseRequest struct {
	Code   ResponseCode
	Reason string
}

func EncodeCloseRequest(req *CloseRequest) []byte {
	w := newWriter(4 + len(req.Reason))
	w.code(req.Code)
	w.str(req.Reason)
	return w.Bytes()
}

func DecodeCloseRequest(data []byte) (*CloseRequest, error) {
	r := newReader(data)
	req := &CloseRequest{Code: r.code(), Reason: r.str()}
	return req, r.err
}

// ========== Stream management ==========

// Broker is one node listed in a metadata response.
type Broker struct {
	Reference uint16
	Host      string
	Port      uint32
}

// StreamMetadata is the topology of one stream in a metadata response.
type StreamMetadata struct {
	Stream   string
	Code     ResponseCode
	Leader   uint16
	Replicas []uint16
}

// MetadataResponse has no top-level response code.
type MetadataResponse struct {
	Brokers []Broker
	Streams []StreamMetadata
}

func EncodeMetadataRequest(streams []string) []byte {
	w := newWriter(16 * (len(streams) + 1))
	w.strings(streams)
	return w.Bytes()
}

func DecodeMetadataRequest(data []byte) ([]string, error) {
	r := newReader(data)
	streams := r.strings()
	return streams, r.err
}

func EncodeMetadataResponse(resp *MetadataResponse) []byte {
	w := newWriter(128)
	w.u32(uint32(len(resp.Brokers)))
	for _, b := range resp.Brokers {
		w.u16(b.Reference)
		w.str(b.Host)
		w.u32(b.Port)
	}
	w.u32(uint32(len(resp.Streams)))
	for _, s := range resp.Streams {
		w.str(s.Stream)
		w.code(s.Code)
		w.u16(s.Leader)
		w.u32(uint32(len(s.Replicas)))
		for _, ref := range s.Replicas {
			w.u16(ref)
		}
	}
	return w.Bytes()
}

func DecodeMetadataResponse(data []byte) (*MetadataResponse, error) {
	r := newReader(data)
	resp := &MetadataResponse{}
	n := r.count(8)
	for i := 0; i < n && r.err == nil; i++ {
		resp.Brokers = append(resp.Brokers, Broker{Reference: r.u16(), Host: r.str(), Port: r.u32()})
	}
	n = r.count(10)
	for i := 0; i < n && r.err == nil; i++ {
		s := StreamMetadata{Stream: r.str(), Code: r.code(), Leader: r.u16()}
		replicas := r.count(2)
		for j := 0; j < replicas && r.err == nil; j++ {
			s.Replicas = append(s.Replicas, r.u16())
		}
		resp.Streams = append(resp.Streams, s)
	}
	if r.err != nil {
		return nil, r.err
	}
	return resp, nil
}

// MetadataUpdate is pushed by the server when a stream's topology changes.
type MetadataUpdate struct {
	Code   ResponseCode
	Stream string
}

func EncodeMetadataUpdate(m *MetadataUpdate) []byte {
	w := newWriter(4 + len(m.Stream))
	w.code(m.Code)
	w.str(m.Stream)
	return w.Bytes()
}

func DecodeMetadataUpdate(data []byte) (*MetadataUpdate, error) {
	r := newReader(data)
	m := &MetadataUpdate{Code: r.code(), Stream: r.str()}
	return m, r.err
}

// CreateRequest creates a stream with string arguments such as max-age.
type CreateRequest struct {
	Stream    string
	Arguments map[string]string
}

func EncodeCreateRequest(req *CreateRequest) []byte {
	w := newWriter(32 + len(req.Stream))
	w.str(req.Stream)
	w.strMap(req.Arguments)
	return w.Bytes()
}

func DecodeCreateRequest(data []byte) (*CreateRequest, error) {
	r := newReader(data)
	req := &CreateRequest{Stream: r.str(), Arguments: r.strMap()}
	return req, r.err
}

// EncodeStreamRequest encodes requests whose only field is a stream name
// (Delete, StreamStats).
func EncodeStreamRequest(stream string) []byte {
	w := newWriter(2 + len(stream))
	w.str(stream)
	return w.Bytes()
}

func DecodeStreamRequest(data []byte) (string, error) {
	r := newReader(data)
	s := r.str()
	return s, r.err
}

// StreamStatsResponse reports broker-side counters such as first_chunk_id.
type StreamStatsResponse struct {
	Code  ResponseCode
	Stats map[string]int64
}

func EncodeStreamStatsResponse(resp *StreamStatsResponse) []byte {
	w := newWriter(64)
	w.code(resp.Code)
	keys := make([]string, 0, len(resp.Stats))
	for k := range resp.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u32(uint32(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.u64(uint64(resp.Stats[k]))
	}
	return w.Bytes()
}

func DecodeStreamStatsResponse(data []byte) (*StreamStatsResponse, error) {
	r := newReader(data)
	resp := &StreamStatsResponse{Code: r.code(), Stats: map[string]int64{}}
	if r.err == nil && r.remaining() > 0 {
		n := r.count(10)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.str()
			resp.Stats[k] = int64(r.u64())
		}
	}
	return resp, r.err
}

// ========== Publishing ==========

// DeclarePublisherRequest binds a connection-local publisher id to a stream.
// An empty reference disables broker-side deduplication.
type DeclarePublisherRequest struct {
	PublisherID uint8
	Reference   string
	Stream      string
}

func EncodeDeclarePublisherRequest(req *DeclarePublisherRequest) []byte {
	w := newWriter(5 + len(req.Reference) + len(req.Stream))
	w.u8(req.PublisherID)
	w.str(req.Reference)
	w.str(req.Stream)
	return w.Bytes()
}

func DecodeDeclarePublisherRequest(data []byte) (*DeclarePublisherRequest, error) {
	r := newReader(data)
	req := &DeclarePublisherRequest{PublisherID: r.u8(), Reference: r.str(), Stream: r.str()}
	return req, r.err
}

// EncodeIDRequest encodes requests whose only field is a one-byte id
// (DeletePublisher, Unsubscribe).
func EncodeIDRequest(id uint8) []byte {
	return []byte{id}
}

func DecodeIDRequest(data []byte) (uint8, error) {
	r := newReader(data)
	id := r.u8()
	return id, r.err
}

// ReferenceRequest encodes QueryPublisherSequence and QueryOffset requests.
type ReferenceRequest struct {
	Reference string
	Stream    string
}

func EncodeReferenceRequest(req *ReferenceRequest) []byte {
	w := newWriter(4 + len(req.Reference) + len(req.Stream))
	w.str(req.Reference)
	w.str(req.Stream)
	return w.Bytes()
}

func DecodeReferenceRequest(data []byte) (*ReferenceRequest, error) {
	r := newReader(data)
	req := &ReferenceRequest{Reference: r.str(), Stream: r.str()}
	return req, r.err
}

// ValueResponse carries a response code and a uint64
// (publisher sequence or stored offset).
type ValueResponse struct {
	Code  ResponseCode
	Value uint64
}

func EncodeValueResponse(resp *ValueResponse) []byte {
	w := newWriter(10)
	w.code(resp.Code)
	w.u64(resp.Value)
	return w.Bytes()
}

func DecodeValueResponse(data []byte) (*ValueResponse, error) {
	r := newReader(data)
	resp := &ValueResponse{Code: r.code()}
	if r.err == nil && r.remaining() >= 8 {
		resp.Value = r.u64()
	}
	return resp, r.err
}

// Entry is the unit stored by the broker: either one message or a
// sub-entry packing Records messages, optionally compressed with Codec.
// Chunks delivered to consumers are made of the same entries.
type Entry struct {
	Data             []byte
	SubEntry         bool
	Codec            uint8
	Records          uint16
	UncompressedSize uint32
}

// RecordCount returns how many messages (and offsets) the entry holds.
func (e Entry) RecordCount() int {
	if e.SubEntry {
		return int(e.Records)
	}
	return 1
}

// PublishEntry is one entry of a Publish frame.
type PublishEntry struct {
	PublishingID uint64
	Entry
}

// Publish is the fire-and-forget publish command.
type Publish struct {
	PublisherID uint8
	Entries     []PublishEntry
}

// PublishEntrySize returns the encoded size of an entry.
func PublishEntrySize(e PublishEntry) int {
	if e.SubEntry {
		return 8 + 1 + 2 + 4 + 4 + len(e.Data)
	}
	return 8 + 4 + len(e.Data)
}

func EncodePublish(p *Publish) []byte {
	size := 5
	for _, e := range p.Entries {
		size += PublishEntrySize(e)
	}
	w := newWriter(size)
	w.u8(p.PublisherID)
	w.u32(uint32(len(p.Entries)))
	for _, e := range p.Entries {
		w.u64(e.PublishingID)
		w.entry(e.Entry)
	}
	return w.Bytes()
}

func DecodePublish(data []byte) (*Publish, error) {
	r := newReader(data)
	p := &Publish{PublisherID: r.u8()}
	n := r.count(12)
	for i := 0; i < n && r.err == nil; i++ {
		e := PublishEntry{PublishingID: r.u64()}
		if r.need(1) && r.data[r.off]&subEntryFlag != 0 {
			flags := r.u8()
			e.SubEntry = true
			e.Codec = (flags >> codecShift) & codecMask
			e.Records = r.u16()
			e.UncompressedSize = r.u32()
			length := int(r.u32())
			if r.need(length) {
				e.Data = append([]byte(nil), r.data[r.off:r.off+length]...)
				r.off += length
			}
		} else {
			e.Data = r.bytes()
		}
		p.Entries = append(p.Entries, e)
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// PublishConfirm lists publishing ids the broker has persisted.
type PublishConfirm struct {
	PublisherID   uint8
	PublishingIDs []uint64
}

func EncodePublishConfirm(c *PublishConfirm) []byte {
	w := newWriter(5 + 8*len(c.PublishingIDs))
	w.u8(c.PublisherID)
	w.u32(uint32(len(c.PublishingIDs)))
	for _, id := range c.PublishingIDs {
		w.u64(id)
	}
	return w.Bytes()
}

func DecodePublishConfirm(data []byte) (*PublishConfirm, error) {
	r := newReader(data)
	c := &PublishConfirm{PublisherID: r.u8()}
	n := r.count(8)
	c.PublishingIDs = make([]uint64, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		c.PublishingIDs = append(c.PublishingIDs, r.u64())
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// PublishingError pairs a publishing id with the reason it was rejected.
type PublishingError struct {
	PublishingID uint64
	Code         ResponseCode
}

// PublishError lists rejected publishing ids.
type PublishError struct {
	PublisherID uint8
	Errors      []PublishingError
}

func EncodePublishError(e *PublishError) []byte {
	w := newWriter(5 + 10*len(e.Errors))
	w.u8(e.PublisherID)
	w.u32(uint32(len(e.Errors)))
	for _, pe := range e.Errors {
		w.u64(pe.PublishingID)
		w.code(pe.Code)
	}
	return w.Bytes()
}

func DecodePublishError(data []byte) (*PublishError, error) {
	r := newReader(data)
	e := &PublishError{PublisherID: r.u8()}
	n := r.count(10)
	for i := 0; i < n && r.err == nil; i++ {
		e.Errors = append(e.Errors, PublishingError{PublishingID: r.u64(), Code: r.code()})
	}
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

// ========== Consuming ==========

// SubscribeRequest starts a subscription. Offset holds the absolute offset
// for OffsetTypeOffset and the millisecond timestamp for OffsetTypeTimestamp.
type SubscribeRequest struct {
	SubscriptionID uint8
	Stream         string
	OffsetType     OffsetType
	Offset         uint64
	Credit         uint16
	Properties     map[string]string
}

func EncodeSubscribeRequest(req *SubscribeRequest) []byte {
	w := newWriter(32 + len(req.Stream))
	w.u8(req.SubscriptionID)
	w.str(req.Stream)
	w.u16(uint16(req.OffsetType))
	if req.OffsetType == OffsetTypeOffset || req.OffsetType == OffsetTypeTimestamp {
		w.u64(req.Offset)
	}
	w.u16(req.Credit)
	if len(req.Properties) > 0 {
		w.strMap(req.Properties)
	}
	return w.Bytes()
}

func DecodeSubscribeRequest(data []byte) (*SubscribeRequest, error) {
	r := newReader(data)
	req := &SubscribeRequest{SubscriptionID: r.u8(), Stream: r.str(), OffsetType: OffsetType(r.u16())}
	if req.OffsetType == OffsetTypeOffset || req.OffsetType == OffsetTypeTimestamp {
		req.Offset = r.u64()
	}
	req.Credit = r.u16()
	if r.err == nil && r.remaining() > 0 {
		req.Properties = r.strMap()
	}
	return req, r.err
}

// Deliver carries one raw osiris chunk for a subscription.
type Deliver struct {
	SubscriptionID uint8
	Chunk          []byte
}

func EncodeDeliver(d *Deliver) []byte {
	w := newWriter(1 + len(d.Chunk))
	w.u8(d.SubscriptionID)
	w.buf = append(w.buf, d.Chunk...)
	return w.Bytes()
}

// DecodeDeliver returns a Deliver whose Chunk aliases data.
func DecodeDeliver(data []byte) (*Deliver, error) {
	r := newReader(data)
	d := &Deliver{SubscriptionID: r.u8()}
	if r.err != nil {
		return nil, r.err
	}
	d.Chunk = r.rest()
	return d, nil
}

// Credit grants the broker permission to send more chunks.
type Credit struct {
	SubscriptionID uint8
	Credit         uint16
}

func EncodeCredit(c *Credit) []byte {
	w := newWriter(3)
	w.u8(c.SubscriptionID)
	w.u16(c.Credit)
	return w.Bytes()
}

func DecodeCredit(data []byte) (*Credit, error) {
	r := newReader(data)
	c := &Credit{SubscriptionID: r.u8(), Credit: r.u16()}
	return c, r.err
}

// CreditResponse is only sent when a credit grant fails.
type CreditResponse struct {
	Code           ResponseCode
	SubscriptionID uint8
}

func EncodeCreditResponse(c *CreditResponse) []byte {
	w := newWriter(3)
	w.code(c.Code)
	w.u8(c.SubscriptionID)
	return w.Bytes()
}

func DecodeCreditResponse(data []byte) (*CreditResponse, error) {
	r := newReader(data)
	c := &CreditResponse{Code: r.code(), SubscriptionID: r.u8()}
	return c, r.err
}

// StoreOffset persists a consumer offset on the broker under a reference.
type StoreOffset struct {
	Reference string
	Stream    string
	Offset    uint64
}

func EncodeStoreOffset(s *StoreOffset) []byte {
	w := newWriter(12 + len(s.Reference) + len(s.Stream))
	w.str(s.Reference)
	w.str(s.Stream)
	w.u64(s.Offset)
	return w.Bytes()
}

func DecodeStoreOffset(data []byte) (*StoreOffset, error) {
	r := newReader(data)
	s := &StoreOffset{Reference: r.str(), Stream: r.str(), Offset: r.u64()}
	return s, r.err
}
