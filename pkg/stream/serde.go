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

package stream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
	"google.golang.org/protobuf/proto"
)

// Codec converts application values to message payloads and back.
// Producers use it in PublishValue, consumers attach it to every Message.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// BinaryCodec passes []byte through unchanged.
type BinaryCodec struct{}

func (BinaryCodec) Encode(v any) ([]byte, error) {
	if data, ok := v.([]byte); ok {
		return data, nil
	}
	return nil, fmt.Errorf("binary codec expects []byte, got %T", v)
}

func (BinaryCodec) Decode(data []byte, v any) error {
	if target, ok := v.(*[]byte); ok {
		*target = data
		return nil
	}
	return fmt.Errorf("binary codec expects *[]byte, got %T", v)
}

func (BinaryCodec) Name() string { return "binary" }

// JSONCodec encodes values as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                    { return "json" }

// StringCodec encodes strings and fmt.Stringers as UTF-8.
type StringCodec struct{}

func (StringCodec) Encode(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func (StringCodec) Decode(data []byte, v any) error {
	if target, ok := v.(*string); ok {
		*target = string(data)
		return nil
	}
	return fmt.Errorf("string codec expects *string, got %T", v)
}

func (StringCodec) Name() string { return "string" }

// AvroCodec encodes values with one Avro schema.
type AvroCodec struct {
	schema avro.Schema
}

// NewAvroCodec parses schema and returns a codec for it.
func NewAvroCodec(schema string) (*AvroCodec, error) {
	sch, err := avro.Parse(schema)
	if err != nil {
		return nil, fmt.Errorf("parse avro schema: %w", err)
	}
	return &AvroCodec{schema: sch}, nil
}

func (c *AvroCodec) Encode(v any) ([]byte, error) { return avro.Marshal(c.schema, v) }

func (c *AvroCodec) Decode(data []byte, v any) error { return avro.Unmarshal(c.schema, data, v) }

func (c *AvroCodec) Name() string { return "avro" }

// ProtoCodec encodes proto.Message values.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf codec expects proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf codec expects proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (ProtoCodec) Name() string { return "protobuf" }

var codecs = struct {
	mu sync.RWMutex
	m  map[string]Codec
}{m: map[string]Codec{
	"binary":   BinaryCodec{},
	"json":     JSONCodec{},
	"string":   StringCodec{},
	"protobuf": ProtoCodec{},
}}

// RegisterCodec makes c available to LookupCodec under c.Name().
func RegisterCodec(c Codec) {
	codecs.mu.Lock()
	defer codecs.mu.Unlock()
	codecs.m[c.Name()] = c
}

// LookupCodec returns a registered codec by name.
func LookupCodec(name string) (Codec, error) {
	codecs.mu.RLock()
	defer codecs.mu.RUnlock()
	c, ok := codecs.m[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
	return c, nil
}
