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
Package discovery finds stream brokers on the local network using mDNS
(Bonjour/Avahi).

Brokers are expected to advertise a service such as
"_rabbitmq-stream._tcp" in the "local." domain. A TXT record "tls=true"
marks a TLS listener. Results are sorted and de-duplicated so the seed list
they extend is stable between runs.
*/
package discovery

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"rmqstream/internal/logging"
)

// Defaults used when Config leaves a field empty.
const (
	DefaultService = "_rabbitmq-stream._tcp"
	DefaultDomain  = "local."
	DefaultTimeout = 2 * time.Second
)

// Config selects what to browse for.
type Config struct {
	Service string
	Domain  string
	Timeout time.Duration
}

// Broker is one discovered broker listener.
type Broker struct {
	Name string
	Host string
	Port int
	TLS  bool
}

// Addr returns host:port.
func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, fmt.Sprint(b.Port))
}

// QueryFunc performs an mDNS query. mdns.Query is the default.
type QueryFunc func(*mdns.QueryParam) error

// Discoverer browses for brokers.
type Discoverer struct {
	cfg    Config
	query  QueryFunc
	logger *logging.Logger
}

// New creates a discoverer. A nil query uses mdns.Query.
func New(cfg Config, query QueryFunc) *Discoverer {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if query == nil {
		query = mdns.Query
	}
	return &Discoverer{cfg: cfg, query: query, logger: logging.NewLogger("discovery")}
}

// Discover blocks for the configured timeout and returns every broker that
// answered.
func (d *Discoverer) Discover() ([]Broker, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(d.cfg.Service)
	params.Domain = d.cfg.Domain
	params.Timeout = d.cfg.Timeout
	params.Entries = entries
	params.DisableIPv6 = true

	seen := make(map[string]Broker)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			b, ok := brokerFromEntry(e)
			if !ok {
				continue
			}
			seen[b.Addr()] = b
		}
	}()

	err := d.query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mdns query for %s: %w", d.cfg.Service, err)
	}

	brokers := make([]Broker, 0, len(seen))
	for _, b := range seen {
		brokers = append(brokers, b)
	}
	sort.Slice(brokers, func(i, j int) bool { return brokers[i].Addr() < brokers[j].Addr() })
	d.logger.Debug("Discovery finished", "service", d.cfg.Service, "brokers", len(brokers))
	return brokers, nil
}

func brokerFromEntry(e *mdns.ServiceEntry) (Broker, bool) {
	if e == nil || e.Port <= 0 {
		return Broker{}, false
	}
	b := Broker{Name: e.Name, Port: e.Port}
	switch {
	case e.AddrV4 != nil:
		b.Host = e.AddrV4.String()
	case e.AddrV6 != nil:
		b.Host = e.AddrV6.String()
	default:
		b.Host = strings.TrimSuffix(e.Host, ".")
	}
	if b.Host == "" {
		return Broker{}, false
	}
	for _, field := range e.InfoFields {
		if strings.EqualFold(field, "tls=true") {
			b.TLS = true
		}
	}
	return b, true
}
