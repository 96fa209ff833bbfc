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
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"rmqstream/internal/config"
	"rmqstream/internal/logging"
)

// maxAdvertisedAttempts bounds how often the pool re-dials through an
// AddressResolver hoping to land on the wanted broker.
const maxAdvertisedAttempts = 10

type dialFunc func(ctx context.Context, ep Endpoint, opts ConnectionOptions) (*Connection, error)

// connectionPool shares connections per broker between producers and
// consumers. Each connection carries at most limit[kind] ids of each kind.
type connectionPool struct {
	opts     ConnectionOptions
	resolver AddressResolver
	limit    [2]int
	dial     dialFunc
	logger   *logging.Logger

	mu     sync.Mutex
	conns  map[string][]*Connection
	closed bool
}

func newConnectionPool(opts ConnectionOptions, resolver AddressResolver, maxProducers, maxConsumers int) *connectionPool {
	clamp := func(n int) int {
		if n <= 0 || n > config.MaxIDsPerConnection {
			return config.MaxIDsPerConnection
		}
		return n
	}
	return &connectionPool{
		opts:     opts,
		resolver: resolver,
		limit:    [2]int{clamp(maxProducers), clamp(maxConsumers)},
		dial:     Dial,
		logger:   logging.NewLogger("pool"),
		conns:    make(map[string][]*Connection),
	}
}

// acquire returns a connection to ep with a reserved id of the given kind.
func (p *connectionPool) acquire(ctx context.Context, ep Endpoint, kind idKind) (*Connection, uint8, error) {
	key := ep.Addr()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, 0, newError(KindTransport, "acquire "+key, ErrEnvironmentClosed)
	}
	if conn, id, ok := p.reuseLocked(key, kind); ok {
		p.mu.Unlock()
		return conn, id, nil
	}
	p.mu.Unlock()

	conn, err := p.connect(ctx, ep)
	if err != nil {
		return nil, 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go conn.Close(context.Background())
		return nil, 0, newError(KindTransport, "acquire "+key, ErrEnvironmentClosed)
	}
	// Double-check: another caller may have opened a connection meanwhile.
	if existing, id, ok := p.reuseLocked(key, kind); ok {
		go conn.Close(context.Background())
		return existing, id, nil
	}
	id, ok := conn.reserveID(kind, p.limit[kind])
	if !ok {
		go conn.Close(context.Background())
		return nil, 0, newError(KindProtocol, "acquire "+key, ErrTooManyClients)
	}
	p.conns[key] = append(p.conns[key], conn)
	conn.NotifyClose(func(error) { p.remove(key, conn) })
	p.logger.Debug("Pooled new connection", "endpoint", key, "connection", conn.Name(), "pooled", len(p.conns[key]))
	return conn, id, nil
}

func (p *connectionPool) reuseLocked(key string, kind idKind) (*Connection, uint8, bool) {
	for _, conn := range p.conns[key] {
		if conn.State() != StateOpen {
			continue
		}
		if id, ok := conn.reserveID(kind, p.limit[kind]); ok {
			return conn, id, true
		}
	}
	return nil, 0, false
}

// release frees id and closes the connection once nothing uses it.
func (p *connectionPool) release(conn *Connection, kind idKind, id uint8) {
	p.mu.Lock()
	remaining := conn.releaseID(kind, id)
	if remaining == 0 {
		p.removeLocked(conn.Endpoint().Addr(), conn)
		p.removeLocked(conn.AdvertisedEndpoint().Addr(), conn)
	}
	p.mu.Unlock()
	if remaining == 0 {
		go conn.Close(context.Background())
	}
}

func (p *connectionPool) remove(key string, conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(key, conn)
}

func (p *connectionPool) removeLocked(key string, conn *Connection) {
	list := p.conns[key]
	for i, c := range list {
		if c == conn {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.conns, key)
	} else {
		p.conns[key] = list
	}
}

// connect dials ep. With an AddressResolver the resolved address is dialed
// until the broker that answers advertises ep itself.
func (p *connectionPool) connect(ctx context.Context, ep Endpoint) (*Connection, error) {
	if p.resolver == nil {
		return p.dial(ctx, ep, p.opts.instance())
	}

	var lastErr error
	for attempt := 1; attempt <= maxAdvertisedAttempts; attempt++ {
		target := p.resolver(ep)
		conn, err := p.dial(ctx, target, p.opts.instance())
		if err != nil {
			if IsKind(err, KindAuthentication) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		adv := conn.AdvertisedEndpoint()
		if adv.Host == ep.Host && adv.Port == ep.Port {
			return conn, nil
		}
		p.logger.Debug("Dialed wrong broker through address resolver",
			"wanted", ep.Addr(), "advertised", adv.Addr(), "attempt", attempt)
		conn.Close(ctx)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("broker %s never answered after %d attempts", ep.Addr(), maxAdvertisedAttempts)
	}
	return nil, newError(KindTopology, "connect "+ep.Addr(), fmt.Errorf("%w: %v", ErrNoReachableEndpoint, lastErr))
}

// Close closes every pooled connection.
func (p *connectionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	var all []*Connection
	for _, list := range p.conns {
		all = append(all, list...)
	}
	p.conns = make(map[string][]*Connection)
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, conn := range all {
		conn := conn
		g.Go(func() error { return conn.Close(ctx) })
	}
	return g.Wait()
}
