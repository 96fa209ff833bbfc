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
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rmqstream/internal/brokertest"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nodeEndpoint(n *brokertest.Node) Endpoint {
	return Endpoint{Host: n.Host(), Port: n.Port()}
}

// unreachableEndpoint returns a loopback endpoint nothing listens on.
func unreachableEndpoint(t *testing.T) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	return Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

func guestOptions() ConnectionOptions {
	return ConnectionOptions{Username: "guest", Password: "guest", DialTimeout: 2 * time.Second}
}

func newTestEnv(t *testing.T, cluster *brokertest.Cluster, mutate ...func(*Options)) *Environment {
	t.Helper()
	opts := Options{
		Endpoints:  []Endpoint{nodeEndpoint(cluster.Node(0))},
		Connection: guestOptions(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	env, err := NewEnvironment(testContext(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.Close(ctx)
	})
	return env
}

// outcomes records what a producer reported for each publishing id.
type outcomes struct {
	mu           sync.Mutex
	confirmed    []uint64
	errored      []PublishError
	undetermined []uint64
	undetErr     error
	batches      int
}

func (o *outcomes) options(base ProducerOptions) ProducerOptions {
	base.ConfirmHandler = func(ids []uint64) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.confirmed = append(o.confirmed, ids...)
		o.batches++
	}
	base.ErrorHandler = func(errs []PublishError) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.errored = append(o.errored, errs...)
	}
	base.UndeterminedHandler = func(ids []uint64, err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.undetermined = append(o.undetermined, ids...)
		o.undetErr = err
	}
	return base
}

func (o *outcomes) confirmedIDs() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := slices.Clone(o.confirmed)
	slices.Sort(ids)
	return ids
}

func (o *outcomes) undeterminedIDs() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.undetermined)
}

func (o *outcomes) errors() []PublishError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.errored)
}

func (o *outcomes) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.confirmed) + len(o.errored) + len(o.undetermined)
}

// received records delivered messages.
type received struct {
	mu     sync.Mutex
	msgs   []Message
	chunks int
}

func (r *received) handler(msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgs...)
	r.chunks++
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *received) offsets() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Offset
	}
	return out
}

func (r *received) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Data)
	}
	return out
}

func seq(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
