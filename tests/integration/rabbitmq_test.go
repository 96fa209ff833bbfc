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

//go:build integration

package integration

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"rmqstream/pkg/stream"
)

// broker is a RabbitMQ container with the stream plugin enabled.
type broker struct {
	stream  stream.Endpoint
	amqpURL string
}

func runRabbitMQ(t *testing.T) broker {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5552/tcp", "5672/tcp"},
		Cmd: []string{"sh", "-c",
			"rabbitmq-plugins enable --offline rabbitmq_stream && exec docker-entrypoint.sh rabbitmq-server"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5552/tcp"),
			wait.ForListeningPort("5672/tcp"),
		).WithDeadline(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	streamPort, err := c.MappedPort(ctx, "5552")
	require.NoError(t, err)
	amqpPort, err := c.MappedPort(ctx, "5672")
	require.NoError(t, err)

	port, err := strconv.Atoi(streamPort.Port())
	require.NoError(t, err)
	return broker{
		stream:  stream.Endpoint{Host: host, Port: port},
		amqpURL: fmt.Sprintf("amqp://guest:guest@%s:%s/", host, amqpPort.Port()),
	}
}

// newEnvironment connects through the mapped port. The broker advertises
// its container hostname, so every dial is routed to the mapped port and
// matched by advertised host.
func newEnvironment(t *testing.T, b broker) *stream.Environment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env, err := stream.NewEnvironment(ctx, stream.Options{
		Endpoints:       []stream.Endpoint{b.stream},
		Connection:      stream.ConnectionOptions{Username: "guest", Password: "guest", ConnectionName: "rmqstream-it"},
		AddressResolver: func(stream.Endpoint) stream.Endpoint { return b.stream },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		env.Close(ctx)
	})
	return env
}

type collected struct {
	mu      sync.Mutex
	ids     []uint64
	offsets []uint64
	data    []string
}

func (c *collected) confirm(ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ids...)
}

func (c *collected) handle(msgs []stream.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.offsets = append(c.offsets, m.Offset)
		c.data = append(c.data, string(m.Data))
	}
}

func (c *collected) confirmed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *collected) delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offsets)
}

func TestPublishAndConsume(t *testing.T) {
	b := runRabbitMQ(t)
	env := newEnvironment(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, env.CreateStream(ctx, "it-orders", stream.StreamOptions{MaxAge: time.Hour}))
	require.NoError(t, env.CreateStream(ctx, "it-orders", stream.StreamOptions{}))

	var out collected
	p, err := env.NewProducer(ctx, "it-orders", stream.ProducerOptions{
		BatchSize:      30,
		ConfirmHandler: out.confirm,
		ErrorHandler: func(errs []stream.PublishError) {
			t.Errorf("unexpected publish errors: %v", errs)
		},
	})
	require.NoError(t, err)
	for id := uint64(0); id < 100; id++ {
		require.NoError(t, p.Publish(id, []byte(fmt.Sprintf("order-%d", id))))
	}
	require.Eventually(t, func() bool { return out.confirmed() == 100 }, 20*time.Second, 50*time.Millisecond)
	require.NoError(t, p.Close(ctx))

	c, err := env.NewConsumer(ctx, "it-orders", out.handle, stream.ConsumerOptions{Offset: stream.OffsetFirst()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.delivered() == 100 }, 20*time.Second, 50*time.Millisecond)
	require.NoError(t, c.Close(ctx))

	out.mu.Lock()
	for i, off := range out.offsets {
		assert.Equal(t, uint64(i), off)
		assert.Equal(t, fmt.Sprintf("order-%d", i), out.data[i])
	}
	out.mu.Unlock()

	require.NoError(t, env.DeleteStream(ctx, "it-orders"))
	md, err := env.QueryMetadata(ctx, "it-orders")
	require.NoError(t, err)
	assert.Equal(t, stream.CodeStreamDoesNotExist, md["it-orders"].Code)
}

func TestOffsetTracking(t *testing.T) {
	b := runRabbitMQ(t)
	env := newEnvironment(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, env.CreateStream(ctx, "it-tracked", stream.StreamOptions{}))
	_, err := env.QueryOffset(ctx, "it-reader", "it-tracked")
	assert.ErrorIs(t, err, stream.ErrNoOffset)

	require.NoError(t, env.StoreOffset(ctx, "it-reader", "it-tracked", 41))
	require.Eventually(t, func() bool {
		off, err := env.QueryOffset(ctx, "it-reader", "it-tracked")
		return err == nil && off == 41
	}, 10*time.Second, 50*time.Millisecond)
}

func TestStreamDeclaredOverAMQP(t *testing.T) {
	b := runRabbitMQ(t)
	env := newEnvironment(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := amqp.Dial(b.amqpURL)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.QueueDeclare("it-amqp", true, false, false, false, amqp.Table{"x-queue-type": "stream"})
	require.NoError(t, err)
	exists, err := env.StreamExists(ctx, "it-amqp")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, ch.Confirm(false))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 5))
	for i := 0; i < 5; i++ {
		err := ch.PublishWithContext(ctx, "", "it-amqp", false, false, amqp.Publishing{Body: []byte(fmt.Sprintf("amqp-%d", i))})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		select {
		case c := <-confirms:
			require.True(t, c.Ack)
		case <-ctx.Done():
			t.Fatal("timed out waiting for amqp confirms")
		}
	}

	var out collected
	c, err := env.NewConsumer(ctx, "it-amqp", out.handle, stream.ConsumerOptions{Offset: stream.OffsetFirst()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.delivered() == 5 }, 20*time.Second, 50*time.Millisecond)
	require.NoError(t, c.Close(ctx))

	_, err = ch.QueueDelete("it-amqp", false, false, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		exists, err := env.StreamExists(ctx, "it-amqp")
		return err == nil && !exists
	}, 10*time.Second, 50*time.Millisecond)
}
