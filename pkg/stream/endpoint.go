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
	"net"
	"strconv"

	"rmqstream/internal/config"
	"rmqstream/internal/protocol"
)

// ResponseCode is a status code returned by the broker.
type ResponseCode = protocol.ResponseCode

// Response codes returned by the low-level Connection methods.
const (
	CodeOK                       = protocol.CodeOK
	CodeStreamDoesNotExist       = protocol.CodeStreamDoesNotExist
	CodeStreamAlreadyExists      = protocol.CodeStreamAlreadyExists
	CodeStreamNotAvailable       = protocol.CodeStreamNotAvailable
	CodeAuthenticationFailure    = protocol.CodeAuthenticationFailure
	CodeVirtualHostAccessFailure = protocol.CodeVirtualHostAccessFailure
	CodeAccessRefused            = protocol.CodeAccessRefused
	CodePreconditionFailed       = protocol.CodePreconditionFailed
	CodeNoOffset                 = protocol.CodeNoOffset
)

// Endpoint is one broker address.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.TLS {
		return config.SchemeTLS + "://" + e.Addr()
	}
	return config.SchemePlain + "://" + e.Addr()
}

// ParseEndpoint parses a rabbitmq-stream:// or rabbitmq-stream+tls:// uri,
// or a bare host[:port].
func ParseEndpoint(uri string) (Endpoint, error) {
	u, err := config.ParseURI(uri)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: u.Host, Port: u.Port, TLS: u.TLS}, nil
}

// AddressResolver maps the broker the client wants to reach to the address
// it should dial, for deployments behind a load balancer. Connections are
// re-dialed until the broker's advertised host and port match the wanted
// endpoint.
type AddressResolver func(Endpoint) Endpoint

// StreamTopology is the leader and replica set of a stream.
type StreamTopology struct {
	Stream   string
	Leader   Endpoint
	Replicas []Endpoint
	Code     ResponseCode
}

// topologyFromMetadata converts a metadata response. Brokers inherit useTLS
// since the response carries no scheme.
func topologyFromMetadata(resp *protocol.MetadataResponse, useTLS bool) map[string]StreamTopology {
	brokers := make(map[uint16]Endpoint, len(resp.Brokers))
	for _, b := range resp.Brokers {
		brokers[b.Reference] = Endpoint{Host: b.Host, Port: int(b.Port), TLS: useTLS}
	}
	out := make(map[string]StreamTopology, len(resp.Streams))
	for _, s := range resp.Streams {
		t := StreamTopology{Stream: s.Stream, Code: s.Code}
		if s.Code == protocol.CodeOK {
			t.Leader = brokers[s.Leader]
			for _, ref := range s.Replicas {
				if ep, ok := brokers[ref]; ok {
					t.Replicas = append(t.Replicas, ep)
				}
			}
		}
		out[s.Stream] = t
	}
	return out
}
