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
Package compression implements the sub-entry codecs of the stream protocol.

CODEC IDS:
==========
The id travels in bits 4-6 of a sub-entry's flag byte, so the numbering is
fixed by the wire format and must not be reordered.

	Id | Codec  | Library
	---|--------|---------------------------------
	0  | none   | -
	1  | gzip   | github.com/klauspost/compress/gzip
	2  | snappy | github.com/golang/snappy (framed)
	3  | lz4    | github.com/pierrec/lz4/v4 (frame)
	4  | zstd   | github.com/klauspost/compress/zstd

BATCH FORMAT:
=============
A sub-entry packs several records before compression:

	[4 bytes] record size
	[N bytes] record
	... repeated Records times
*/
package compression

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type is the codec id carried in a sub-entry header.
type Type uint8

const (
	None   Type = 0
	Gzip   Type = 1
	Snappy Type = 2
	LZ4    Type = 3
	Zstd   Type = 4
)

var (
	ErrUnknownCodec = errors.New("unknown compression codec")
	ErrSizeMismatch = errors.New("decompressed size mismatch")
	ErrInvalidBatch = errors.New("invalid record batch")
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(t))
	}
}

// ParseType parses a codec name. The empty string means None.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

// Compressor provides compression and decompression for one codec.
// Implementations are safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	// Decompress fails once the output would exceed limit bytes.
	Decompress(data []byte, limit int) ([]byte, error)
	Type() Type
}

// NewCompressor returns the compressor for a codec id.
func NewCompressor(t Type) (Compressor, error) {
	switch t {
	case None:
		return noopCompressor{}, nil
	case Gzip:
		return gzipCompressor{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	case Zstd:
		return zstdCompressor{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(t))
	}
}

type noopCompressor struct{}

func (noopCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (noopCompressor) Type() Type                           { return None }

func (noopCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	if len(data) > limit {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrSizeMismatch, limit)
	}
	return data, nil
}

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r, limit)
}

func (gzipCompressor) Type() Type { return Gzip }

// snappyCompressor uses the framed stream format, which is what other
// stream clients write into sub-entries.
type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (snappyCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	return readLimited(snappy.NewReader(bytes.NewReader(data)), limit)
}

func (snappyCompressor) Type() Type { return Snappy }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte, limit int) ([]byte, error) {
	return readLimited(lz4.NewReader(bytes.NewReader(data)), limit)
}

func (lz4Compressor) Type() Type { return LZ4 }

// Shared zstd encoder. EncodeAll is safe for concurrent use.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdErr     error
)

func zstdEncoderOnce() (*zstd.Encoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
	})
	return zstdEncoder, zstdErr
}

type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte) ([]byte, error) {
	enc, err := zstdEncoderOnce()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

func (zstdCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	var h zstd.Header
	if err := h.Decode(data); err == nil && h.HasFCS && h.FrameContentSize > uint64(limit) {
		return nil, fmt.Errorf("%w: frame declares %d bytes, limit %d", ErrSizeMismatch, h.FrameContentSize, limit)
	}
	dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return readLimited(dec, limit)
}

func (zstdCompressor) Type() Type { return Zstd }

// readLimited reads r to the end, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrSizeMismatch, limit)
	}
	return out, nil
}

// CompressBatch packs records into the sub-entry batch format and compresses
// the result. It returns the compressed bytes and the uncompressed size.
func CompressBatch(t Type, records [][]byte) ([]byte, int, error) {
	c, err := NewCompressor(t)
	if err != nil {
		return nil, 0, err
	}
	size := 0
	for _, rec := range records {
		size += 4 + len(rec)
	}
	batch := make([]byte, 0, size)
	for _, rec := range records {
		batch = binary.BigEndian.AppendUint32(batch, uint32(len(rec)))
		batch = append(batch, rec...)
	}
	out, err := c.Compress(batch)
	if err != nil {
		return nil, 0, fmt.Errorf("%s compress: %w", t, err)
	}
	return out, len(batch), nil
}

// DecompressBatch reverses CompressBatch. The uncompressed size and record
// count come from the sub-entry header and are both checked.
func DecompressBatch(t Type, data []byte, uncompressedSize, count int) ([][]byte, error) {
	c, err := NewCompressor(t)
	if err != nil {
		return nil, err
	}
	payload, err := c.Decompress(data, uncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", t, err)
	}
	if len(payload) != uncompressedSize {
		return nil, fmt.Errorf("%w: got %d, header says %d", ErrSizeMismatch, len(payload), uncompressedSize)
	}

	records := make([][]byte, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if pos+4 > len(payload) {
			return nil, fmt.Errorf("%w: record %d length truncated", ErrInvalidBatch, i)
		}
		n := int(binary.BigEndian.Uint32(payload[pos:]))
		pos += 4
		if n < 0 || pos+n > len(payload) {
			return nil, fmt.Errorf("%w: record %d data truncated", ErrInvalidBatch, i)
		}
		records = append(records, payload[pos:pos+n])
		pos += n
	}
	if pos != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidBatch, len(payload)-pos)
	}
	return records, nil
}
