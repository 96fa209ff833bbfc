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

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"rmqstream/internal/compression"
)

/*
CHUNK FORMAT:
=============
A Deliver command carries one osiris chunk:

	[1 byte]  magic (high nibble, 0x5) | version (low nibble, 0)
	[1 byte]  chunk type (0 user, 1 tracking delta, 2 tracking snapshot)
	[2 bytes] entry count
	[4 bytes] record count
	[8 bytes] timestamp (ms)
	[8 bytes] epoch
	[8 bytes] first offset
	[4 bytes] crc32 (IEEE) of the data section
	[4 bytes] data length
	[4 bytes] trailer length
	[4 bytes] reserved
	[N bytes] data: entries, see binary.go
	[M bytes] trailer (ignored)

Every record gets its own offset: FirstOffset + its index within the chunk.
*/

const (
	ChunkHeaderSize = 48
	chunkMagic      = 0x5

	ChunkTypeUser     = 0
	ChunkTypeTracking = 1
	ChunkTypeSnapshot = 2
)

// ErrCorruptChunk is returned for any structural or checksum failure in a chunk.
var ErrCorruptChunk = errors.New("corrupt chunk")

// Record is one message unpacked from a chunk.
type Record struct {
	Offset uint64
	Data   []byte
}

// Chunk is a decoded osiris chunk.
type Chunk struct {
	Type          uint8
	NumEntries    uint16
	NumRecords    uint32
	Timestamp     int64
	Epoch         uint64
	FirstOffset   uint64
	CRC           uint32
	DataLength    uint32
	TrailerLength uint32

	// Records is empty for non-user chunks.
	Records []Record
}

// LastOffset is the offset of the final record in the chunk.
func (c *Chunk) LastOffset() uint64 {
	if c.NumRecords == 0 {
		return c.FirstOffset
	}
	return c.FirstOffset + uint64(c.NumRecords) - 1
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptChunk, fmt.Sprintf(format, args...))
}

// DecodeChunk parses a chunk, verifies its checksum and unpacks every record,
// decompressing sub-entries. Record data of simple entries aliases data.
func DecodeChunk(data []byte) (*Chunk, error) {
	if len(data) < ChunkHeaderSize {
		return nil, corrupt("%d bytes is shorter than the header", len(data))
	}
	if data[0]>>4 != chunkMagic {
		return nil, corrupt("bad magic 0x%02x", data[0])
	}

	c := &Chunk{
		Type:          data[1],
		NumEntries:    binary.BigEndian.Uint16(data[2:]),
		NumRecords:    binary.BigEndian.Uint32(data[4:]),
		Timestamp:     int64(binary.BigEndian.Uint64(data[8:])),
		Epoch:         binary.BigEndian.Uint64(data[16:]),
		FirstOffset:   binary.BigEndian.Uint64(data[24:]),
		CRC:           binary.BigEndian.Uint32(data[32:]),
		DataLength:    binary.BigEndian.Uint32(data[36:]),
		TrailerLength: binary.BigEndian.Uint32(data[40:]),
	}

	end := uint64(ChunkHeaderSize) + uint64(c.DataLength)
	if end+uint64(c.TrailerLength) > uint64(len(data)) {
		return nil, corrupt("declares %d data and %d trailer bytes, have %d",
			c.DataLength, c.TrailerLength, len(data)-ChunkHeaderSize)
	}
	body := data[ChunkHeaderSize:end]
	if sum := crc32.ChecksumIEEE(body); sum != c.CRC {
		return nil, corrupt("crc 0x%08x does not match header 0x%08x", sum, c.CRC)
	}
	if c.Type != ChunkTypeUser {
		return c, nil
	}

	records, err := decodeEntries(body, int(c.NumEntries), c.FirstOffset)
	if err != nil {
		return nil, err
	}
	if len(records) != int(c.NumRecords) {
		return nil, corrupt("unpacked %d records, header says %d", len(records), c.NumRecords)
	}
	c.Records = records
	return c, nil
}

func decodeEntries(body []byte, numEntries int, offset uint64) ([]Record, error) {
	records := make([]Record, 0, numEntries)
	pos := 0
	for i := 0; i < numEntries; i++ {
		if pos >= len(body) {
			return nil, corrupt("entry %d missing", i)
		}
		if body[pos]&subEntryFlag == 0 {
			if pos+4 > len(body) {
				return nil, corrupt("entry %d size truncated", i)
			}
			size := int(binary.BigEndian.Uint32(body[pos:]))
			pos += 4
			if pos+size > len(body) {
				return nil, corrupt("entry %d data truncated", i)
			}
			records = append(records, Record{Offset: offset, Data: body[pos : pos+size]})
			offset++
			pos += size
			continue
		}

		if pos+11 > len(body) {
			return nil, corrupt("sub-entry %d header truncated", i)
		}
		codec := compression.Type((body[pos] >> codecShift) & codecMask)
		count := int(binary.BigEndian.Uint16(body[pos+1:]))
		uncompressed := int(binary.BigEndian.Uint32(body[pos+3:]))
		size := int(binary.BigEndian.Uint32(body[pos+7:]))
		pos += 11
		if pos+size > len(body) {
			return nil, corrupt("sub-entry %d data truncated", i)
		}
		batch, err := compression.DecompressBatch(codec, body[pos:pos+size], uncompressed, count)
		if err != nil {
			return nil, corrupt("sub-entry %d: %v", i, err)
		}
		for _, rec := range batch {
			records = append(records, Record{Offset: offset, Data: rec})
			offset++
		}
		pos += size
	}
	if pos != len(body) {
		return nil, corrupt("%d bytes after the last entry", len(body)-pos)
	}
	return records, nil
}

// EncodeChunk builds a user chunk holding entries. Sub-entry data must
// already be compressed. Used by the test broker.
func EncodeChunk(firstOffset uint64, timestamp int64, epoch uint64, entries []Entry) []byte {
	w := newWriter(256)
	records := 0
	for _, e := range entries {
		records += e.RecordCount()
		w.entry(e)
	}
	body := w.Bytes()

	out := make([]byte, ChunkHeaderSize, ChunkHeaderSize+len(body))
	out[0] = chunkMagic << 4
	out[1] = ChunkTypeUser
	binary.BigEndian.PutUint16(out[2:], uint16(len(entries)))
	binary.BigEndian.PutUint32(out[4:], uint32(records))
	binary.BigEndian.PutUint64(out[8:], uint64(timestamp))
	binary.BigEndian.PutUint64(out[16:], epoch)
	binary.BigEndian.PutUint64(out[24:], firstOffset)
	binary.BigEndian.PutUint32(out[32:], crc32.ChecksumIEEE(body))
	binary.BigEndian.PutUint32(out[36:], uint32(len(body)))
	return append(out, body...)
}
