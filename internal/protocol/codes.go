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

import "fmt"

// Key identifies a command on the wire (without the response bit).
type Key uint16

// Command keys of the stream protocol.
const (
	KeyDeclarePublisher       Key = 0x0001
	KeyPublish                Key = 0x0002 // command
	KeyPublishConfirm         Key = 0x0003 // command
	KeyPublishError           Key = 0x0004 // command
	KeyQueryPublisherSequence Key = 0x0005
	KeyDeletePublisher        Key = 0x0006
	KeySubscribe              Key = 0x0007
	KeyDeliver                Key = 0x0008 // command
	KeyCredit                 Key = 0x0009 // command; errors come back as a response without correlation id
	KeyStoreOffset            Key = 0x000a // command
	KeyQueryOffset            Key = 0x000b
	KeyUnsubscribe            Key = 0x000c
	KeyCreate                 Key = 0x000d
	KeyDelete                 Key = 0x000e
	KeyMetadata               Key = 0x000f
	KeyMetadataUpdate         Key = 0x0010 // command
	KeyPeerProperties         Key = 0x0011
	KeySaslHandshake          Key = 0x0012
	KeySaslAuthenticate       Key = 0x0013
	KeyTune                   Key = 0x0014 // command
	KeyOpen                   Key = 0x0015
	KeyClose                  Key = 0x0016
	KeyHeartbeat              Key = 0x0017 // command
	KeyStreamStats            Key = 0x001c
)

var keyNames = map[Key]string{
	KeyDeclarePublisher:       "DeclarePublisher",
	KeyPublish:                "Publish",
	KeyPublishConfirm:         "PublishConfirm",
	KeyPublishError:           "PublishError",
	KeyQueryPublisherSequence: "QueryPublisherSequence",
	KeyDeletePublisher:        "DeletePublisher",
	KeySubscribe:              "Subscribe",
	KeyDeliver:                "Deliver",
	KeyCredit:                 "Credit",
	KeyStoreOffset:            "StoreOffset",
	KeyQueryOffset:            "QueryOffset",
	KeyUnsubscribe:            "Unsubscribe",
	KeyCreate:                 "Create",
	KeyDelete:                 "Delete",
	KeyMetadata:               "Metadata",
	KeyMetadataUpdate:         "MetadataUpdate",
	KeyPeerProperties:         "PeerProperties",
	KeySaslHandshake:          "SaslHandshake",
	KeySaslAuthenticate:       "SaslAuthenticate",
	KeyTune:                   "Tune",
	KeyOpen:                   "Open",
	KeyClose:                  "Close",
	KeyHeartbeat:              "Heartbeat",
	KeyStreamStats:            "StreamStats",
}

func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Key(0x%04x)", uint16(k))
}

// IsCommand reports whether non-response frames with this key are
// fire-and-forget commands without a correlation id.
func (k Key) IsCommand() bool {
	switch k {
	case KeyPublish, KeyPublishConfirm, KeyPublishError, KeyDeliver, KeyCredit,
		KeyStoreOffset, KeyMetadataUpdate, KeyTune, KeyHeartbeat:
		return true
	default:
		return false
	}
}

// ResponseCode is the status carried by responses and some commands.
type ResponseCode uint16

// Response codes defined by the stream protocol.
const (
	CodeOK                                ResponseCode = 0x01
	CodeStreamDoesNotExist                ResponseCode = 0x02
	CodeSubscriptionIDAlreadyExists       ResponseCode = 0x03
	CodeSubscriptionIDDoesNotExist        ResponseCode = 0x04
	CodeStreamAlreadyExists               ResponseCode = 0x05
	CodeStreamNotAvailable                ResponseCode = 0x06
	CodeSaslMechanismNotSupported         ResponseCode = 0x07
	CodeAuthenticationFailure             ResponseCode = 0x08
	CodeSaslError                         ResponseCode = 0x09
	CodeSaslChallenge                     ResponseCode = 0x0a
	CodeSaslAuthenticationFailureLoopback ResponseCode = 0x0b
	CodeVirtualHostAccessFailure          ResponseCode = 0x0c
	CodeUnknownFrame                      ResponseCode = 0x0d
	CodeFrameTooLarge                     ResponseCode = 0x0e
	CodeInternalError                     ResponseCode = 0x0f
	CodeAccessRefused                     ResponseCode = 0x10
	CodePreconditionFailed                ResponseCode = 0x11
	CodePublisherDoesNotExist             ResponseCode = 0x12
	CodeNoOffset                          ResponseCode = 0x13
)

var codeNames = map[ResponseCode]string{
	CodeOK:                                "ok",
	CodeStreamDoesNotExist:                "stream does not exist",
	CodeSubscriptionIDAlreadyExists:       "subscription id already exists",
	CodeSubscriptionIDDoesNotExist:        "subscription id does not exist",
	CodeStreamAlreadyExists:               "stream already exists",
	CodeStreamNotAvailable:                "stream not available",
	CodeSaslMechanismNotSupported:         "sasl mechanism not supported",
	CodeAuthenticationFailure:             "authentication failure",
	CodeSaslError:                         "sasl error",
	CodeSaslChallenge:                     "sasl challenge",
	CodeSaslAuthenticationFailureLoopback: "sasl authentication failure loopback",
	CodeVirtualHostAccessFailure:          "virtual host access failure",
	CodeUnknownFrame:                      "unknown frame",
	CodeFrameTooLarge:                     "frame too large",
	CodeInternalError:                     "internal error",
	CodeAccessRefused:                     "access refused",
	CodePreconditionFailed:                "precondition failed",
	CodePublisherDoesNotExist:             "publisher does not exist",
	CodeNoOffset:                          "no offset",
}

func (c ResponseCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown response code 0x%04x", uint16(c))
}

// Known reports whether the code is defined by the protocol.
func (c ResponseCode) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// OffsetType selects where a subscription starts.
type OffsetType uint16

const (
	OffsetTypeFirst     OffsetType = 1
	OffsetTypeLast      OffsetType = 2
	OffsetTypeNext      OffsetType = 3
	OffsetTypeOffset    OffsetType = 4
	OffsetTypeTimestamp OffsetType = 5
)

func (t OffsetType) String() string {
	switch t {
	case OffsetTypeFirst:
		return "first"
	case OffsetTypeLast:
		return "last"
	case OffsetTypeNext:
		return "next"
	case OffsetTypeOffset:
		return "offset"
	case OffsetTypeTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("OffsetType(%d)", uint16(t))
	}
}
