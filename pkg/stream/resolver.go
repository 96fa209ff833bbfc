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
	"errors"
	"fmt"
	"sync"

	"rmqstream/internal/logging"
	"rmqstream/internal/metrics"
)

/*
Resolver finds the leader of a stream.

Metadata queries go through a locator connection to the first seed that
answers. Seeds are tried in configured order:

  - transport and protocol failures move on to the next seed
  - authentication failures stop the search
  - a stream the broker does not know is reported as is, not retried

Only when every seed has failed does resolution return ErrNoReachableEndpoint.
Results are cached per stream until Invalidate.
*/
type Resolver struct {
	seeds   []Endpoint
	opts    ConnectionOptions
	dial    dialFunc
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu    sync.Mutex
	cache map[string]StreamTopology

	lmu        sync.Mutex
	locator    *Connection
	locatorIdx int
}

// NewResolver returns a resolver over seeds.
func NewResolver(seeds []Endpoint, opts ConnectionOptions) *Resolver {
	return &Resolver{
		seeds:   append([]Endpoint(nil), seeds...),
		opts:    opts,
		dial:    Dial,
		metrics: opts.metrics,
		logger:  logging.NewLogger("resolver"),
		cache:   make(map[string]StreamTopology),
	}
}

// Resolve returns the cached topology of stream, querying the broker on a miss.
func (r *Resolver) Resolve(ctx context.Context, stream string) (StreamTopology, error) {
	r.mu.Lock()
	t, ok := r.cache[stream]
	r.mu.Unlock()
	if ok {
		return t, nil
	}
	return r.Refresh(ctx, stream)
}

// Refresh queries the broker for stream and replaces the cached entry.
func (r *Resolver) Refresh(ctx context.Context, stream string) (StreamTopology, error) {
	var topo StreamTopology
	err := r.withLocator(ctx, func(conn *Connection) error {
		md, err := conn.QueryMetadata(ctx, stream)
		if err != nil {
			return err
		}
		t, ok := md[stream]
		if !ok {
			return newError(KindProtocol, "metadata "+stream, errors.New("stream missing from metadata response"))
		}
		topo = t
		return nil
	})
	if err != nil {
		return StreamTopology{}, err
	}
	if err := codeError("metadata "+stream, topo.Code); err != nil {
		r.Invalidate(stream)
		return StreamTopology{}, err
	}
	if topo.Leader.Host == "" {
		r.Invalidate(stream)
		return StreamTopology{}, &Error{
			Kind: KindTopology,
			Code: CodeStreamNotAvailable,
			Op:   "metadata " + stream,
			Err:  fmt.Errorf("%w: no leader", ErrStreamNotAvailable),
		}
	}

	r.mu.Lock()
	r.cache[stream] = topo
	r.mu.Unlock()
	r.metrics.MetadataRefreshed(stream)
	r.logger.Debug("Resolved stream", "stream", stream, "leader", topo.Leader.Addr(), "replicas", len(topo.Replicas))
	return topo, nil
}

// Invalidate drops the cached topology of stream.
func (r *Resolver) Invalidate(stream string) {
	r.mu.Lock()
	delete(r.cache, stream)
	r.mu.Unlock()
}

// withLocator runs fn on the locator connection. When fn fails with a
// transport error or a malformed answer the locator is dropped and the
// search continues with the next seed. A failed reused locator restarts the
// search from the first seed.
func (r *Resolver) withLocator(ctx context.Context, fn func(*Connection) error) error {
	from := 0
	var lastErr error
	for attempt := 0; attempt <= len(r.seeds); attempt++ {
		conn, idx, reused, err := r.locatorConn(ctx, from, lastErr)
		if err != nil {
			return err
		}
		err = fn(conn)
		if err == nil || !advancesSeed(err) || ctx.Err() != nil {
			return err
		}
		r.logger.Warn("Locator failed, trying next seed", "endpoint", conn.Endpoint().Addr(), "error", err)
		r.dropLocator(conn)
		lastErr = err
		if !reused || attempt > 0 {
			from = max(from, idx+1)
		}
	}
	return newError(KindTopology, "locate",
		fmt.Errorf("%w: tried %d seeds: %v", ErrNoReachableEndpoint, len(r.seeds), lastErr))
}

// advancesSeed reports whether err says nothing about the stream itself.
// Broker answers carrying a response code are final.
func advancesSeed(err error) bool {
	if IsKind(err, KindTransport) {
		return true
	}
	return IsKind(err, KindProtocol) && CodeOf(err) == 0
}

// locatorConn returns the open locator, or dials seeds starting at from.
// It also returns the seed index and whether the locator was reused.
func (r *Resolver) locatorConn(ctx context.Context, from int, lastErr error) (*Connection, int, bool, error) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	if r.locator != nil && r.locator.State() == StateOpen {
		return r.locator, r.locatorIdx, true, nil
	}
	r.locator = nil

	if len(r.seeds) == 0 {
		return nil, 0, false, newError(KindTopology, "locate", fmt.Errorf("%w: no seed endpoints", ErrNoReachableEndpoint))
	}
	for i := from; i < len(r.seeds); i++ {
		seed := r.seeds[i]
		conn, err := r.dial(ctx, seed, r.opts.instance())
		if err == nil {
			r.locator, r.locatorIdx = conn, i
			conn.NotifyClose(func(error) { r.dropLocator(conn) })
			if i > 0 {
				r.logger.Info("Locator connected after skipping seeds", "endpoint", seed.Addr(), "skipped", i)
			}
			return conn, i, false, nil
		}
		if IsKind(err, KindAuthentication) {
			return nil, 0, false, err
		}
		if ctx.Err() != nil {
			return nil, 0, false, err
		}
		r.logger.Warn("Seed endpoint unreachable", "endpoint", seed.Addr(), "error", err)
		lastErr = err
	}
	return nil, 0, false, newError(KindTopology, "locate",
		fmt.Errorf("%w: tried %d seeds: %v", ErrNoReachableEndpoint, len(r.seeds), lastErr))
}

func (r *Resolver) dropLocator(conn *Connection) {
	r.lmu.Lock()
	if r.locator == conn {
		r.locator = nil
	}
	r.lmu.Unlock()
	go conn.Close(context.Background())
}

// Close closes the locator connection.
func (r *Resolver) Close(ctx context.Context) error {
	r.lmu.Lock()
	conn := r.locator
	r.locator = nil
	r.lmu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}
