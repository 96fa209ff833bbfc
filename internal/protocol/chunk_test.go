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
	"testing"

	"github.com/google/go-cmp/cmp"

	"rmqstream/internal/compression"
)

func subEntry(t *testing.T, codec compression.Type, records ...string) Entry {
	t.Helper()
	raw := make([][]byte, len(records))
	for i, r := range records {
		raw[i] = []byte(r)
	}
	data, size, err := compression.CompressBatch(codec, raw)
	if err != nil {
		t.Fatalf("CompressBatch: %v", err)
	}
	return Entry{Data: data, SubEntry: true, Codec: uint8(codec), Records: uint16(len(records)), UncompressedSize: uint32(size)}
}

func TestChunkRoundTrip(t *testing.T) {
	for _, codec := range []compression.Type{compression.None, compression.Gzip, compression.Snappy, compression.LZ4, compression.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			entries := []Entry{
				{Data: []byte("m0")},
				subEntry(t, codec, "m1", "m2", "m3"),
				{Data: []byte("m4")},
			}
			raw := EncodeChunk(100, 1700000000000, 3, entries)

			c, err := DecodeChunk(raw)
			if err != nil {
				t.Fatalf("DecodeChunk: %v", err)
			}
			if c.NumEntries != 3 || c.NumRecords != 5 {
				t.Errorf("entries=%d records=%d, want 3 and 5", c.NumEntries, c.NumRecords)
			}
			if c.Epoch != 3 || c.Timestamp != 1700000000000 {
				t.Errorf("epoch=%d timestamp=%d", c.Epoch, c.Timestamp)
			}
			if c.LastOffset() != 104 {
				t.Errorf("LastOffset() = %d, want 104", c.LastOffset())
			}

			want := make([]Record, 5)
			for i := range want {
				want[i] = Record{Offset: uint64(100 + i), Data: []byte(fmt.Sprintf("m%d", i))}
			}
			if diff := cmp.Diff(want, c.Records); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeChunkCorruption(t *testing.T) {
	good := EncodeChunk(0, 0, 1, []Entry{{Data: []byte("hello")}, {Data: []byte("world")}})

	flipData := append([]byte(nil), good...)
	flipData[ChunkHeaderSize+5] ^= 0xFF

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 0x40

	wrongRecords := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(wrongRecords[4:], 3)

	tooLong := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(tooLong[36:], uint32(len(good)))

	tests := []struct {
		name string
		data []byte
	}{
		{"short header", good[:ChunkHeaderSize-1]},
		{"bad magic", badMagic},
		{"crc mismatch", flipData},
		{"record count mismatch", wrongRecords},
		{"data length beyond buffer", tooLong},
		{"truncated data", good[:len(good)-2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeChunk(tt.data); !errors.Is(err, ErrCorruptChunk) {
				t.Errorf("expected ErrCorruptChunk, got %v", err)
			}
		})
	}
}

func TestDecodeChunkBadCompressedData(t *testing.T) {
	e := Entry{Data: []byte("definitely not zstd"), SubEntry: true, Codec: uint8(compression.Zstd), Records: 1, UncompressedSize: 10}
	raw := EncodeChunk(0, 0, 1, []Entry{e})
	if _, err := DecodeChunk(raw); !errors.Is(err, ErrCorruptChunk) {
		t.Errorf("expected ErrCorruptChunk, got %v", err)
	}
}

func TestDecodeChunkSkipsTrackingChunks(t *testing.T) {
	raw := EncodeChunk(10, 0, 1, []Entry{{Data: []byte("tracking data")}})
	raw[1] = ChunkTypeTracking
	c, err := DecodeChunk(raw)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if len(c.Records) != 0 {
		t.Errorf("tracking chunk yielded %d records", len(c.Records))
	}
}

func TestDecodeChunkIgnoresTrailer(t *testing.T) {
	raw := EncodeChunk(0, 0, 1, []Entry{{Data: []byte("x")}})
	binary.BigEndian.PutUint32(raw[40:], 4)
	raw = append(raw, 0xDE, 0xAD, 0xBE, 0xEF)
	c, err := DecodeChunk(raw)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if len(c.Records) != 1 || string(c.Records[0].Data) != "x" {
		t.Errorf("unexpected records %+v", c.Records)
	}
}
