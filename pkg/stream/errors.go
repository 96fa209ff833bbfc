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
	"errors"
	"fmt"

	"rmqstream/internal/protocol"
)

// ErrorKind classifies every error the client reports.
type ErrorKind int

const (
	// KindTransport is an I/O failure. Producers and consumers recover from
	// it by re-resolving and re-attaching; it is never handed to them raw.
	KindTransport ErrorKind = iota + 1
	// KindProtocol is a malformed frame, a version mismatch or a response
	// code with no more specific meaning.
	KindProtocol
	// KindAuthentication covers bad credentials, vhost access and loopback refusal.
	KindAuthentication
	// KindTopology is a missing or unavailable stream, or no reachable endpoint.
	KindTopology
	// KindPublishUndetermined reports publishes in flight when a connection was lost.
	KindPublishUndetermined
	// KindDecode is a chunk that failed its checksum or could not be unpacked.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindTopology:
		return "topology"
	case KindPublishUndetermined:
		return "publish undetermined"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Sentinel errors. Every *Error wraps one of them so callers can test with
// errors.Is without caring about the kind.
var (
	ErrConnectionLost        = errors.New("connection lost")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrHeartbeatTimeout      = errors.New("heartbeat timeout")
	ErrNoReachableEndpoint   = errors.New("no reachable endpoint")
	ErrStreamDoesNotExist    = errors.New("stream does not exist")
	ErrStreamAlreadyExists   = errors.New("stream already exists")
	ErrStreamNotAvailable    = errors.New("stream not available")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrMechanismUnsupported  = errors.New("sasl mechanism not supported")
	ErrAccessFailure         = errors.New("virtual host access failure")
	ErrAccessRefused         = errors.New("access refused")
	ErrLoopbackRefused       = errors.New("authentication refused on loopback")
	ErrPreconditionFailed    = errors.New("precondition failed")
	ErrNoOffset              = errors.New("no offset stored")
	ErrResponse              = errors.New("broker error")
	ErrUnsupportedVersion    = errors.New("unsupported protocol version")
	ErrPublishUndetermined   = errors.New("publish outcome undetermined")
	ErrProducerClosed        = errors.New("producer closed")
	ErrConsumerClosed        = errors.New("consumer closed")
	ErrPublishingIDOrder     = errors.New("publishing id not greater than the previous one")
	ErrTooManyClients        = errors.New("no free publisher or subscription id on connection")
	ErrMessageTooLarge       = errors.New("message larger than the negotiated frame size")
	ErrEnvironmentClosed     = errors.New("environment closed")

	// Codec errors from internal/protocol, re-exported for errors.Is.
	ErrNeedMoreData  = protocol.ErrNeedMoreData
	ErrFrameTooLarge = protocol.ErrFrameTooLarge
)

// Error is the classified error returned by the client.
type Error struct {
	Kind ErrorKind
	Code protocol.ResponseCode // zero when no response code is involved
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a target *Error by kind, and by code when the target sets one,
// so errors.Is(err, &Error{Kind: KindTopology}) works alongside sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// CodeOf returns the response code carried by err, or zero.
func CodeOf(err error) protocol.ResponseCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// CodeError maps a broker response code to a classified error, or nil for CodeOK.
func CodeError(code ResponseCode) error {
	return codeError("", code)
}

// codeError maps a response code to a classified error. CodeOK maps to nil.
// Codes without a specific meaning become ErrResponse with the raw code kept.
func codeError(op string, code protocol.ResponseCode) error {
	if code == protocol.CodeOK {
		return nil
	}
	kind, sentinel := classify(code)
	return &Error{Kind: kind, Code: code, Op: op, Err: sentinel}
}

func classify(code protocol.ResponseCode) (ErrorKind, error) {
	switch code {
	case protocol.CodeStreamDoesNotExist:
		return KindTopology, ErrStreamDoesNotExist
	case protocol.CodeStreamAlreadyExists:
		return KindTopology, ErrStreamAlreadyExists
	case protocol.CodeStreamNotAvailable:
		return KindTopology, ErrStreamNotAvailable
	case protocol.CodeAuthenticationFailure, protocol.CodeSaslError, protocol.CodeSaslChallenge:
		return KindAuthentication, ErrAuthenticationFailure
	case protocol.CodeSaslMechanismNotSupported:
		return KindAuthentication, ErrMechanismUnsupported
	case protocol.CodeSaslAuthenticationFailureLoopback:
		return KindAuthentication, ErrLoopbackRefused
	case protocol.CodeVirtualHostAccessFailure:
		return KindAuthentication, ErrAccessFailure
	case protocol.CodeAccessRefused:
		return KindAuthentication, ErrAccessRefused
	case protocol.CodePreconditionFailed:
		return KindProtocol, ErrPreconditionFailed
	case protocol.CodeNoOffset:
		return KindProtocol, ErrNoOffset
	default:
		return KindProtocol, fmt.Errorf("%w: %s", ErrResponse, code)
	}
}
