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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rmqstream/internal/brokertest"
	"rmqstream/internal/protocol"
)

// appendChunks stores one single-message chunk per payload.
func appendChunks(t *testing.T, cluster *brokertest.Cluster, stream string, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, cluster.Append(stream, []byte(p)))
	}
}

func numbered(prefix string, from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

func TestConsumerAtNextSeesOnlyNewMessages(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	appendChunks(t, cluster, "orders", "old-1", "old-2")
	env := newTestEnv(t, cluster)

	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{Offset: OffsetNext()})
	require.NoError(t, err)
	defer c.Close(context.Background())

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{}))
	require.NoError(t, err)
	for i, payload := range numbered("new", 0, 9) {
		require.NoError(t, p.Publish(uint64(i), []byte(payload)))
	}

	require.Eventually(t, func() bool { return r.count() == 10 }, waitFor, tick)
	assert.Equal(t, numbered("new", 0, 9), r.payloads())
	assert.Equal(t, seq(2, 11), r.offsets())
}

func TestConsumerStartOffsets(t *testing.T) {
	tests := []struct {
		name        string
		spec        OffsetSpec
		wantOffsets []uint64
	}{
		{"first", OffsetFirst(), []uint64{0, 1, 2}},
		{"last chunk", OffsetLast(), []uint64{2}},
		{"absolute offset inside a chunk", OffsetAt(1), []uint64{1, 2}},
		{"timestamp in the past", OffsetTimestamp(time.Now().Add(-time.Hour)), []uint64{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := brokertest.New(t, brokertest.Options{})
			cluster.CreateStream("orders", 0)
			require.NoError(t, cluster.Append("orders", []byte("a"), []byte("b")))
			require.NoError(t, cluster.Append("orders", []byte("c")))
			env := newTestEnv(t, cluster)

			var r received
			c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{Offset: tt.spec})
			require.NoError(t, err)
			defer c.Close(context.Background())

			require.Eventually(t, func() bool { return r.count() == len(tt.wantOffsets) }, waitFor, tick)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, tt.wantOffsets, r.offsets())

			last, ok := c.LastDeliveredOffset()
			assert.True(t, ok)
			assert.Equal(t, uint64(2), last)
		})
	}
}

func TestConsumerCreditFlow(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	appendChunks(t, cluster, "orders", numbered("m", 0, 9)...)
	env := newTestEnv(t, cluster)

	release := make(chan struct{})
	var mu sync.Mutex
	var got []uint64
	handler := func(msgs []Message) {
		<-release
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			got = append(got, m.Offset)
		}
	}
	c, err := env.NewConsumer(testContext(t), "orders", handler, ConsumerOptions{Offset: OffsetFirst(), InitialCredits: 2})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, cluster.CreditsGranted(), "no credit is granted while the handler holds the chunk")

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, waitFor, tick)
	require.Eventually(t, func() bool { return cluster.CreditsGranted() == 10 }, waitFor, tick, "one credit per processed chunk")

	mu.Lock()
	assert.Equal(t, seq(0, 9), got)
	mu.Unlock()
	require.NoError(t, c.Close(testContext(t)))
}

func TestConsumerResumesAfterConnectionLoss(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	appendChunks(t, cluster, "orders", numbered("m", 0, 4)...)
	env := newTestEnv(t, cluster)

	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{Offset: OffsetFirst()})
	require.NoError(t, err)
	defer c.Close(context.Background())
	require.Eventually(t, func() bool { return r.count() == 5 }, waitFor, tick)

	cluster.Node(0).DropConnections()
	appendChunks(t, cluster, "orders", numbered("m", 5, 9)...)

	require.Eventually(t, func() bool { return r.count() >= 10 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seq(0, 9), r.offsets(), "no gap and no duplicate")
	assert.Equal(t, numbered("m", 0, 9), r.payloads())
}

func TestConsumerFollowsLeaderChange(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{Nodes: 2})
	cluster.CreateStream("orders", 0)
	require.NoError(t, cluster.Append("orders", []byte("a"), []byte("b"), []byte("c")))
	env := newTestEnv(t, cluster)

	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{Offset: OffsetFirst()})
	require.NoError(t, err)
	defer c.Close(context.Background())
	require.Eventually(t, func() bool { return r.count() == 3 }, waitFor, tick)

	cluster.SetLeader("orders", 1)
	require.Eventually(t, func() bool { return cluster.Node(1).ConnectionCount() == 1 }, waitFor, tick)
	require.NoError(t, cluster.Append("orders", []byte("d"), []byte("e")))

	require.Eventually(t, func() bool { return r.count() >= 5 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seq(0, 4), r.offsets())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, r.payloads())
}

func TestCorruptChunkStopsConsumer(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	appendChunks(t, cluster, "orders", "good")
	cluster.CorruptNextChunk("orders")
	appendChunks(t, cluster, "orders", "bad", "after")
	env := newTestEnv(t, cluster)

	reported := make(chan error, 1)
	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{
		Offset:       OffsetFirst(),
		ErrorHandler: func(err error) { reported <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-reported:
		assert.True(t, IsKind(err, KindDecode))
		assert.ErrorIs(t, err, protocol.ErrCorruptChunk)
	case <-time.After(waitFor):
		t.Fatal("decode error not reported")
	}
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("consumer still running after a corrupt chunk")
	}
	assert.True(t, IsKind(c.Err(), KindDecode))
	assert.Equal(t, []string{"good"}, r.payloads())
}

func TestConsumerStopsWhenStreamDeleted(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	reported := make(chan error, 1)
	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{
		ErrorHandler: func(err error) { reported <- err },
	})
	require.NoError(t, err)

	require.NoError(t, env.DeleteStream(testContext(t), "orders"))
	select {
	case err := <-reported:
		assert.ErrorIs(t, err, ErrStreamDoesNotExist)
		assert.True(t, IsKind(err, KindTopology))
	case <-time.After(waitFor):
		t.Fatal("deleted stream not reported")
	}
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrStreamDoesNotExist)
}

func TestConsumerOffsetTracking(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)
	ctx := testContext(t)

	var r received
	c, err := env.NewConsumer(ctx, "orders", r.handler, ConsumerOptions{Reference: "app", Offset: OffsetFirst()})
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, err = c.QueryOffset(ctx)
	assert.ErrorIs(t, err, ErrNoOffset)
	assert.ErrorIs(t, c.StoreCurrentOffset(), ErrNoOffset, "nothing delivered yet")

	require.NoError(t, c.StoreOffset(5))
	require.Eventually(t, func() bool {
		offset, err := c.QueryOffset(ctx)
		return err == nil && offset == 5
	}, waitFor, tick)

	appendChunks(t, cluster, "orders", "a", "b")
	require.Eventually(t, func() bool { return r.count() == 2 }, waitFor, tick)
	require.NoError(t, c.StoreCurrentOffset())
	require.Eventually(t, func() bool {
		offset, ok := cluster.StoredOffset("app", "orders")
		return ok && offset == 1
	}, waitFor, tick)
}

func TestConsumerWithoutReferenceCannotTrackOffsets(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	c, err := env.NewConsumer(testContext(t), "orders", func([]Message) {}, ConsumerOptions{})
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.Error(t, c.StoreOffset(1))
	_, err = c.QueryOffset(testContext(t))
	assert.Error(t, err)
}

func TestConsumerAutoCommit(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{
		Reference:          "app",
		Offset:             OffsetFirst(),
		AutoCommitInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	appendChunks(t, cluster, "orders", "a", "b", "c")
	require.Eventually(t, func() bool {
		offset, ok := cluster.StoredOffset("app", "orders")
		return ok && offset == 2
	}, waitFor, tick)

	appendChunks(t, cluster, "orders", "d")
	require.Eventually(t, func() bool { return r.count() == 4 }, waitFor, tick)
	require.NoError(t, c.Close(testContext(t)))
	require.Eventually(t, func() bool {
		offset, ok := cluster.StoredOffset("app", "orders")
		return ok && offset == 3
	}, waitFor, tick, "close commits the last delivered offset")
}

func TestConsumerDecodeWithCodec(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	appendChunks(t, cluster, "orders", `{"qty":3}`)
	env := newTestEnv(t, cluster)

	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{Offset: OffsetFirst(), Codec: JSONCodec{}})
	require.NoError(t, err)
	defer c.Close(context.Background())
	require.Eventually(t, func() bool { return r.count() == 1 }, waitFor, tick)

	r.mu.Lock()
	msg := r.msgs[0]
	r.mu.Unlock()
	var v struct{ Qty int }
	require.NoError(t, msg.Decode(&v))
	assert.Equal(t, 3, v.Qty)

	var raw []byte
	require.NoError(t, Message{Data: []byte("x")}.Decode(&raw), "binary codec by default")
	assert.Equal(t, []byte("x"), raw)
}

func TestConsumerSurvivesHandlerPanic(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	appendChunks(t, cluster, "orders", "boom", "fine")
	env := newTestEnv(t, cluster)

	var mu sync.Mutex
	var seen []string
	handler := func(msgs []Message) {
		mu.Lock()
		seen = append(seen, string(msgs[0].Data))
		mu.Unlock()
		if string(msgs[0].Data) == "boom" {
			panic("handler bug")
		}
	}
	c, err := env.NewConsumer(testContext(t), "orders", handler, ConsumerOptions{Offset: OffsetFirst()})
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, tick)
	assert.Nil(t, c.Err())
}

func TestConsumerClose(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var r received
	c, err := env.NewConsumer(testContext(t), "orders", r.handler, ConsumerOptions{})
	require.NoError(t, err)
	assert.Equal(t, "orders", c.Stream())

	require.NoError(t, c.Close(testContext(t)))
	require.NoError(t, c.Close(testContext(t)))
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}

	appendChunks(t, cluster, "orders", "late")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.count())

	_, err = env.NewConsumer(testContext(t), "orders", nil, ConsumerOptions{})
	assert.Error(t, err, "nil handler")
}

func TestOffsetSpecString(t *testing.T) {
	assert.Equal(t, "first", OffsetFirst().String())
	assert.Equal(t, "next", OffsetNext().String())
	assert.Equal(t, "offset(42)", OffsetAt(42).String())
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "timestamp(2026-01-02T03:04:05Z)", OffsetTimestamp(ts).String())
}
