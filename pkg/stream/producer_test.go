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
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rmqstream/internal/brokertest"
	"rmqstream/internal/protocol"
)

func publishRange(t *testing.T, p *Producer, from, to uint64) {
	t.Helper()
	for id := from; id <= to; id++ {
		require.NoError(t, p.Publish(id, []byte(fmt.Sprintf("msg-%d", id))))
	}
}

func payloadRange(from, to uint64) [][]byte {
	var out [][]byte
	for id := from; id <= to; id++ {
		out = append(out, []byte(fmt.Sprintf("msg-%d", id)))
	}
	return out
}

func TestOrdersScenario(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	env := newTestEnv(t, cluster)
	ctx := testContext(t)

	require.NoError(t, env.CreateStream(ctx, "orders", StreamOptions{}))
	require.NoError(t, env.CreateStream(ctx, "orders", StreamOptions{}), "already exists is tolerated")

	var o outcomes
	p, err := env.NewProducer(ctx, "orders", o.options(ProducerOptions{BatchSize: 30}))
	require.NoError(t, err)
	publishRange(t, p, 0, 99)

	require.Eventually(t, func() bool { return o.total() == 100 }, waitFor, tick)
	assert.Equal(t, seq(0, 99), o.confirmedIDs(), "each id confirmed exactly once")
	assert.Empty(t, o.errors())
	assert.Empty(t, o.undeterminedIDs())
	require.NoError(t, p.Close(ctx))

	require.NoError(t, env.DeleteStream(ctx, "orders"))
	md, err := env.QueryMetadata(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, CodeStreamDoesNotExist, md["orders"].Code)

	_, err = env.NewProducer(ctx, "orders", ProducerOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamDoesNotExist)
	assert.True(t, IsKind(err, KindTopology))
}

func TestPublishRequiresIncreasingIDs(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	p, err := env.NewProducer(testContext(t), "orders", ProducerOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Publish(5, []byte("a")))
	for _, id := range []uint64{5, 4, 0} {
		err := p.Publish(id, []byte("b"))
		assert.ErrorIs(t, err, ErrPublishingIDOrder, "id %d", id)
		assert.True(t, IsKind(err, KindProtocol))
	}
	require.NoError(t, p.Publish(6, []byte("c")))
}

func TestPublishErrorsGoToErrorHandler(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	cluster.RejectPublishes("orders", protocol.CodePreconditionFailed)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{}))
	require.NoError(t, err)
	publishRange(t, p, 0, 9)

	require.Eventually(t, func() bool { return o.total() == 10 }, waitFor, tick)
	assert.Empty(t, o.confirmedIDs())
	errs := o.errors()
	require.Len(t, errs, 10)
	for i, e := range errs {
		assert.Equal(t, uint64(i), e.PublishingID)
		assert.Equal(t, CodePreconditionFailed, e.Code)
		assert.ErrorIs(t, e.Err, ErrPreconditionFailed)
	}

	cluster.RejectPublishes("orders", protocol.CodeOK)
	publishRange(t, p, 10, 14)
	require.Eventually(t, func() bool { return len(o.confirmedIDs()) == 5 }, waitFor, tick)
	assert.Equal(t, seq(10, 14), o.confirmedIDs())
}

func TestUnknownResponseCodeKeepsRawCode(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	cluster.RejectPublishes("orders", protocol.ResponseCode(0x99))
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{}))
	require.NoError(t, err)
	require.NoError(t, p.Publish(0, []byte("x")))

	require.Eventually(t, func() bool { return len(o.errors()) == 1 }, waitFor, tick)
	e := o.errors()[0]
	assert.Equal(t, ResponseCode(0x99), e.Code)
	assert.ErrorIs(t, e.Err, ErrResponse)
	assert.Equal(t, ResponseCode(0x99), CodeOf(e.Err))
}

func TestConnectionLossReportsUndetermined(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{BatchPublishingDelay: 10 * time.Millisecond}))
	require.NoError(t, err)

	cluster.HoldConfirms()
	publishRange(t, p, 0, 4)
	require.Eventually(t, func() bool {
		msgs, err := cluster.Messages("orders")
		return err == nil && len(msgs) == 5
	}, waitFor, tick, "published but unconfirmed")

	cluster.Node(0).DropConnections()
	require.Eventually(t, func() bool { return len(o.undeterminedIDs()) == 5 }, waitFor, tick)
	assert.Equal(t, seq(0, 4), o.undeterminedIDs())
	o.mu.Lock()
	undetErr := o.undetErr
	o.mu.Unlock()
	assert.ErrorIs(t, undetErr, ErrPublishUndetermined)
	assert.True(t, IsKind(undetErr, KindPublishUndetermined))

	cluster.ReleaseConfirms()
	publishRange(t, p, 5, 9)
	require.Eventually(t, func() bool { return len(o.confirmedIDs()) == 5 }, waitFor, tick)
	assert.Equal(t, seq(5, 9), o.confirmedIDs())
	assert.Equal(t, 10, o.total(), "no id is reported twice")
}

func TestProducerFollowsLeaderChange(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{Nodes: 2})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{BatchPublishingDelay: 10 * time.Millisecond}))
	require.NoError(t, err)
	publishRange(t, p, 0, 9)
	require.Eventually(t, func() bool { return len(o.confirmedIDs()) == 10 }, waitFor, tick)

	cluster.SetLeader("orders", 1)
	require.Eventually(t, func() bool { return cluster.Node(1).ConnectionCount() == 1 }, waitFor, tick)

	publishRange(t, p, 10, 19)
	require.Eventually(t, func() bool { return len(o.confirmedIDs()) == 20 }, waitFor, tick)
	assert.Equal(t, seq(0, 19), o.confirmedIDs())

	msgs, err := cluster.Messages("orders")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(payloadRange(0, 19), msgs))
}

func TestPublishQueuesWhileDetached(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{}))
	require.NoError(t, err)

	cluster.Node(0).DropConnections()
	publishRange(t, p, 0, 49)

	require.Eventually(t, func() bool { return o.total() == 50 }, waitFor, tick)
	assert.Empty(t, o.errors())

	// A batch written before the loss was noticed is undetermined; the
	// rest is confirmed after re-attaching.
	outcome := append(o.confirmedIDs(), o.undeterminedIDs()...)
	slices.Sort(outcome)
	assert.Equal(t, seq(0, 49), outcome)
}

func TestSubEntryCompression(t *testing.T) {
	for _, codec := range []Compression{CompressionNone, CompressionGzip, CompressionSnappy, CompressionLZ4, CompressionZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			cluster := brokertest.New(t, brokertest.Options{})
			cluster.CreateStream("orders", 0)
			env := newTestEnv(t, cluster)

			var o outcomes
			p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{
				SubEntrySize: 5,
				Compression:  codec,
			}))
			require.NoError(t, err)
			publishRange(t, p, 0, 22)

			require.Eventually(t, func() bool { return o.total() == 23 }, waitFor, tick)
			assert.Equal(t, seq(0, 22), o.confirmedIDs())

			msgs, err := cluster.Messages("orders")
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(payloadRange(0, 22), msgs))
		})
	}
}

func TestBatchesRespectFrameMax(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{FrameMax: 4096})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{BatchSize: 1000}))
	require.NoError(t, err)
	payload := make([]byte, 1000)
	for id := uint64(0); id < 20; id++ {
		require.NoError(t, p.Publish(id, payload))
	}

	require.Eventually(t, func() bool { return o.total() == 20 }, waitFor, tick)
	assert.Equal(t, seq(0, 19), o.confirmedIDs())
	assert.GreaterOrEqual(t, cluster.PublishFrames(), 5, "20 KB cannot fit in fewer 4 KB frames")

	err = p.Publish(20, make([]byte, 5000))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestPublishBlocksAtMaxInFlight(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{
		MaxInFlight:          3,
		BatchPublishingDelay: 10 * time.Millisecond,
	}))
	require.NoError(t, err)

	cluster.HoldConfirms()
	publishRange(t, p, 0, 2)

	published := make(chan error, 1)
	go func() { published <- p.Publish(3, []byte("blocked")) }()
	select {
	case <-published:
		t.Fatal("publish did not block at the in-flight limit")
	case <-time.After(200 * time.Millisecond):
	}

	cluster.ReleaseConfirms()
	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("publish still blocked after confirms")
	}
	require.Eventually(t, func() bool { return o.total() == 4 }, waitFor, tick)
}

func TestCloseFlushesAndWaitsForConfirms(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{BatchPublishingDelay: time.Hour}))
	require.NoError(t, err)
	publishRange(t, p, 0, 9)

	require.NoError(t, p.Close(testContext(t)))
	assert.Equal(t, seq(0, 9), o.confirmedIDs(), "handlers have run when Close returns")

	err = p.Publish(10, []byte("late"))
	assert.ErrorIs(t, err, ErrProducerClosed)
	require.NoError(t, p.Close(testContext(t)))
}

func TestCloseReportsUnconfirmedUndetermined(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)

	var o outcomes
	p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{BatchPublishingDelay: 10 * time.Millisecond}))
	require.NoError(t, err)

	cluster.HoldConfirms()
	publishRange(t, p, 0, 4)
	require.Eventually(t, func() bool { return cluster.PublishFrames() > 0 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	assert.Empty(t, o.confirmedIDs())
	assert.Equal(t, 5, o.total())
	for _, id := range o.undeterminedIDs() {
		assert.LessOrEqual(t, id, uint64(4))
	}
	o.mu.Lock()
	undetErr := o.undetErr
	o.mu.Unlock()
	assert.ErrorIs(t, undetErr, ErrProducerClosed)
}

func TestCloseDuringCompressedFlushReportsEveryID(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	for round := 0; round < 10; round++ {
		cluster := brokertest.New(t, brokertest.Options{})
		cluster.CreateStream("orders", 0)
		env := newTestEnv(t, cluster)

		var o outcomes
		p, err := env.NewProducer(testContext(t), "orders", o.options(ProducerOptions{
			SubEntrySize:         200,
			Compression:          CompressionZstd,
			BatchPublishingDelay: time.Millisecond,
		}))
		require.NoError(t, err)

		cluster.HoldConfirms()
		for id := uint64(0); id < 3000; id++ {
			require.NoError(t, p.Publish(id, payload))
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(1+round%5)*time.Millisecond)
		require.NoError(t, p.Close(ctx))
		cancel()

		var reported []uint64
		reported = append(reported, o.confirmedIDs()...)
		reported = append(reported, o.undeterminedIDs()...)
		for _, e := range o.errors() {
			reported = append(reported, e.PublishingID)
		}
		slices.Sort(reported)
		require.Equal(t, seq(0, 2999), reported, "round %d: every id reported exactly once", round)
		cluster.ReleaseConfirms()
	}
}

func TestProducerStopsWhenStreamDeleted(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)
	ctx := testContext(t)

	var o outcomes
	p, err := env.NewProducer(ctx, "orders", o.options(ProducerOptions{BatchPublishingDelay: 10 * time.Millisecond}))
	require.NoError(t, err)
	publishRange(t, p, 0, 4)
	require.Eventually(t, func() bool { return len(o.confirmedIDs()) == 5 }, waitFor, tick)

	require.NoError(t, env.DeleteStream(ctx, "orders"))

	next := uint64(5)
	accepted := 5
	require.Eventually(t, func() bool {
		err := p.Publish(next, []byte("after delete"))
		next++
		if err == nil {
			accepted++
			return false
		}
		return errors.Is(err, ErrProducerClosed)
	}, waitFor, tick)

	require.Eventually(t, func() bool { return o.total() == accepted }, waitFor, tick, "every accepted id gets an outcome")
	for _, e := range o.errors() {
		assert.ErrorIs(t, e.Err, ErrStreamDoesNotExist)
	}
}

func TestLastPublishingIDAndDeduplication(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)
	ctx := testContext(t)

	var first outcomes
	p, err := env.NewProducer(ctx, "orders", first.options(ProducerOptions{Reference: "app"}))
	require.NoError(t, err)
	assert.Equal(t, "app", p.Reference())
	publishRange(t, p, 0, 9)
	require.NoError(t, p.Close(ctx))
	require.Equal(t, seq(0, 9), first.confirmedIDs())

	var second outcomes
	p, err = env.NewProducer(ctx, "orders", second.options(ProducerOptions{Reference: "app"}))
	require.NoError(t, err)
	last, err := p.LastPublishingID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), last)

	publishRange(t, p, 5, 14)
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, seq(5, 14), second.confirmedIDs(), "duplicates are confirmed too")

	msgs, err := cluster.Messages("orders")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(payloadRange(0, 14), msgs), "the broker stored 5..9 once")

	anon, err := env.NewProducer(ctx, "orders", ProducerOptions{})
	require.NoError(t, err)
	_, err = anon.LastPublishingID(ctx)
	assert.Error(t, err)
}

func TestPublishValue(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)
	ctx := testContext(t)

	p, err := env.NewProducer(ctx, "orders", ProducerOptions{Codec: JSONCodec{}})
	require.NoError(t, err)
	require.NoError(t, p.PublishValue(0, map[string]int{"qty": 3}))
	assert.Error(t, p.PublishValue(1, func() {}), "unencodable values are refused")
	require.NoError(t, p.Close(ctx))

	msgs, err := cluster.Messages("orders")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"qty":3}`, string(msgs[0]))
}

func TestProducerOptionsValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    ProducerOptions
		wantErr bool
	}{
		{"defaults", ProducerOptions{}, false},
		{"max batch", ProducerOptions{BatchSize: MaxBatchSize}, false},
		{"negative batch", ProducerOptions{BatchSize: -1}, true},
		{"batch too large", ProducerOptions{BatchSize: MaxBatchSize + 1}, true},
		{"negative sub-entry size", ProducerOptions{SubEntrySize: -1}, true},
		{"compression without sub-entries", ProducerOptions{Compression: CompressionZstd}, true},
		{"compressed sub-entries", ProducerOptions{SubEntrySize: 10, Compression: CompressionZstd}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := tt.opts.withDefaults()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, opts.BatchSize)
			assert.Equal(t, DefaultBatchPublishingDelay, opts.BatchPublishingDelay)
			assert.Equal(t, DefaultMaxInFlight, opts.MaxInFlight)
			assert.NotNil(t, opts.Codec)
		})
	}

	cluster := brokertest.New(t, brokertest.Options{})
	cluster.CreateStream("orders", 0)
	env := newTestEnv(t, cluster)
	_, err := env.NewProducer(testContext(t), "orders", ProducerOptions{BatchSize: -5})
	assert.True(t, IsKind(err, KindProtocol))
}
