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
	"time"

	"rmqstream/internal/logging"
	"rmqstream/internal/protocol"
)

// DefaultInitialCredits is the number of chunks the broker may send ahead.
const DefaultInitialCredits = 10

// OffsetSpec selects where a consumer starts reading.
type OffsetSpec struct {
	typ   protocol.OffsetType
	value uint64
}

// OffsetFirst starts at the first message still stored.
func OffsetFirst() OffsetSpec { return OffsetSpec{typ: protocol.OffsetTypeFirst} }

// OffsetLast starts at the last chunk written.
func OffsetLast() OffsetSpec { return OffsetSpec{typ: protocol.OffsetTypeLast} }

// OffsetNext starts after the last message written, seeing only new messages.
func OffsetNext() OffsetSpec { return OffsetSpec{typ: protocol.OffsetTypeNext} }

// OffsetAt starts at the absolute offset n.
func OffsetAt(n uint64) OffsetSpec { return OffsetSpec{typ: protocol.OffsetTypeOffset, value: n} }

// OffsetTimestamp starts at the first chunk written at or after t.
func OffsetTimestamp(t time.Time) OffsetSpec {
	return OffsetSpec{typ: protocol.OffsetTypeTimestamp, value: uint64(t.UnixMilli())}
}

func (o OffsetSpec) String() string {
	switch o.typ {
	case protocol.OffsetTypeOffset:
		return fmt.Sprintf("offset(%d)", o.value)
	case protocol.OffsetTypeTimestamp:
		return fmt.Sprintf("timestamp(%s)", time.UnixMilli(int64(o.value)).UTC().Format(time.RFC3339Nano))
	default:
		return o.typ.String()
	}
}

// Message is one record delivered to a consumer.
type Message struct {
	Offset uint64
	Data   []byte

	codec Codec
}

// Decode decodes the payload with the consumer codec.
func (m Message) Decode(v any) error {
	codec := m.codec
	if codec == nil {
		codec = BinaryCodec{}
	}
	return codec.Decode(m.Data, v)
}

// MessageHandler receives the messages of one chunk in offset order.
type MessageHandler func(msgs []Message)

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// Reference names the consumer for offset tracking on the broker.
	Reference string

	// Offset defaults to OffsetNext.
	Offset OffsetSpec

	InitialCredits uint16

	// Codec is attached to delivered messages for Message.Decode.
	Codec Codec

	// ErrorHandler receives errors that stop the consumer, such as a corrupt
	// chunk or the stream being deleted.
	ErrorHandler func(err error)

	// AutoCommitInterval, when set with a Reference, periodically stores the
	// last delivered offset.
	AutoCommitInterval time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Offset.typ == 0 {
		o.Offset = OffsetNext()
	}
	if o.InitialCredits == 0 {
		o.InitialCredits = DefaultInitialCredits
	}
	if o.Codec == nil {
		o.Codec = BinaryCodec{}
	}
	return o
}

type chunkDelivery struct {
	gen   uint64
	conn  *Connection
	subID uint8
	data  []byte
}

/*
Consumer reads a stream from an offset.

Chunks are decoded and handed to the handler on one delivery goroutine,
in stream order. One credit is granted back after each chunk, so at most
InitialCredits chunks are buffered.

On connection loss or leader change the consumer re-subscribes at the
offset after the last delivered message. A chunk that fails its checksum
stops the consumer.
*/
type Consumer struct {
	env     *Environment
	stream  string
	handler MessageHandler
	opts    ConsumerOptions
	logger  *logging.Logger
	events  *logging.ConnectionLogger

	deliveries chan chunkDelivery

	mu            sync.Mutex
	conn          *Connection
	subID         uint8
	attached      bool
	gen           uint64
	cancelWatch   func()
	cancelNotify  func()
	lastDelivered uint64
	delivered     bool
	lastStored    uint64
	stored        bool
	closed        bool
	cause         error

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func newConsumer(ctx context.Context, env *Environment, stream string, handler MessageHandler, opts ConsumerOptions) (*Consumer, error) {
	if handler == nil {
		return nil, newError(KindProtocol, "new consumer "+stream, errors.New("nil message handler"))
	}
	opts = opts.withDefaults()
	logger := logging.NewLogger("consumer").With("stream", stream)
	if opts.Reference != "" {
		logger = logger.With("reference", opts.Reference)
	}
	c := &Consumer{
		env:        env,
		stream:     stream,
		handler:    handler,
		opts:       opts,
		logger:     logger,
		events:     logging.NewConnectionLogger(logger),
		deliveries: make(chan chunkDelivery, 2*int(opts.InitialCredits)+1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	if err := c.attach(ctx, opts.Offset); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.deliveryLoop()
	if opts.AutoCommitInterval > 0 && opts.Reference != "" {
		c.wg.Add(1)
		go c.autoCommitLoop()
	}
	return c, nil
}

// Stream returns the stream name.
func (c *Consumer) Stream() string { return c.stream }

// Done is closed once the consumer has stopped.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Err returns the error that stopped the consumer, if any.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// LastDeliveredOffset returns the offset of the last message handed to the
// handler. ok is false until a message has been delivered.
func (c *Consumer) LastDeliveredOffset() (offset uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDelivered, c.delivered
}

// consumerSink feeds one subscription generation into the delivery loop.
type consumerSink struct {
	c     *Consumer
	gen   uint64
	subID uint8
}

func (s consumerSink) deliver(conn *Connection, chunk []byte) {
	c := s.c
	select {
	case c.deliveries <- chunkDelivery{gen: s.gen, conn: conn, subID: s.subID, data: chunk}:
	case <-c.stopCh:
	}
}

func (s consumerSink) creditFailed(code protocol.ResponseCode) {
	s.c.logger.Warn("Credit refused by broker", "code", code.String())
}

func (c *Consumer) deliveryLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case d := <-c.deliveries:
			c.process(d)
		}
	}
}

func (c *Consumer) process(d chunkDelivery) {
	c.mu.Lock()
	current := d.gen == c.gen && !c.closed && c.cause == nil
	c.mu.Unlock()
	if !current {
		return
	}

	chunk, err := protocol.DecodeChunk(d.data)
	if err != nil {
		c.logger.Error("Undecodable chunk, stopping consumer", "error", err)
		c.fail(&Error{Kind: KindDecode, Op: "deliver " + c.stream, Err: err})
		return
	}
	c.env.metrics.ChunkReceived(c.stream)

	c.mu.Lock()
	floor, hasFloor := c.floorLocked()
	c.mu.Unlock()

	msgs := make([]Message, 0, len(chunk.Records))
	for _, rec := range chunk.Records {
		if hasFloor && rec.Offset < floor {
			continue
		}
		msgs = append(msgs, Message{Offset: rec.Offset, Data: rec.Data, codec: c.opts.Codec})
	}
	if len(msgs) > 0 {
		c.invoke(msgs)
		c.mu.Lock()
		if last := msgs[len(msgs)-1].Offset; !c.delivered || last > c.lastDelivered {
			c.lastDelivered, c.delivered = last, true
		}
		c.mu.Unlock()
		c.env.metrics.Delivered(c.stream, len(msgs))
	}

	c.mu.Lock()
	current = d.gen == c.gen && c.attached
	c.mu.Unlock()
	if !current {
		return
	}
	err = d.conn.send(protocol.NewCommand(protocol.KeyCredit, protocol.EncodeCredit(&protocol.Credit{SubscriptionID: d.subID, Credit: 1})))
	if err != nil {
		c.logger.Debug("Credit not sent", "error", err)
		return
	}
	c.env.metrics.CreditsGranted(c.stream, 1)
}

// floorLocked returns the lowest offset still to deliver: one past the last
// delivered message, or the requested absolute start offset.
func (c *Consumer) floorLocked() (uint64, bool) {
	if c.delivered {
		return c.lastDelivered + 1, true
	}
	if c.opts.Offset.typ == protocol.OffsetTypeOffset {
		return c.opts.Offset.value, true
	}
	return 0, false
}

func (c *Consumer) invoke(msgs []Message) {
	defer func() {
		if r := recover(); r != nil {
			c.events.LogRecovery(r, "message handler")
		}
	}()
	c.handler(msgs)
}

func (c *Consumer) attach(ctx context.Context, spec OffsetSpec) error {
	err := c.attachTo(ctx, spec, false)
	if err != nil && (errors.Is(err, ErrStreamNotAvailable) || IsKind(err, KindTransport)) && ctx.Err() == nil {
		c.env.resolver.Invalidate(c.stream)
		err = c.attachTo(ctx, spec, true)
	}
	return err
}

func (c *Consumer) attachTo(ctx context.Context, spec OffsetSpec, refresh bool) error {
	resolve := c.env.resolver.Resolve
	if refresh {
		resolve = c.env.resolver.Refresh
	}
	topo, err := resolve(ctx, c.stream)
	if err != nil {
		return err
	}
	conn, id, err := c.env.pool.acquire(ctx, topo.Leader, subscriptionIDs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	conn.bindSubscriber(id, consumerSink{c: c, gen: gen, subID: id})

	props := map[string]string{}
	if c.opts.Reference != "" {
		props["name"] = c.opts.Reference
	}
	op := "subscribe " + c.stream
	code, err := conn.requestCode(ctx, protocol.KeySubscribe, protocol.EncodeSubscribeRequest(&protocol.SubscribeRequest{
		SubscriptionID: id,
		Stream:         c.stream,
		OffsetType:     spec.typ,
		Offset:         spec.value,
		Credit:         c.opts.InitialCredits,
		Properties:     props,
	}))
	if err == nil {
		err = codeError(op, code)
	}
	if err != nil {
		conn.unbindSubscriber(id)
		c.env.pool.release(conn, subscriptionIDs, id)
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		c.dropSubscription(conn, id)
		return newError(KindProtocol, op, ErrConsumerClosed)
	}
	c.conn, c.subID, c.attached = conn, id, true
	c.cancelNotify = conn.NotifyClose(func(cause error) { c.detach(gen, cause) })
	c.cancelWatch = conn.watchStream(c.stream, func(m protocol.MetadataUpdate) {
		c.detach(gen, codeError("metadata update "+c.stream, m.Code))
	})
	c.mu.Unlock()

	c.logger.Info("Subscribed", "leader", topo.Leader.Addr(), "subscription_id", id, "offset", spec.String())
	return nil
}

// dropSubscription unsubscribes on a still open connection and returns
// the id to the pool.
func (c *Consumer) dropSubscription(conn *Connection, id uint8) {
	if conn.State() == StateOpen {
		ctx, cancel := context.WithTimeout(context.Background(), conn.opts.CloseTimeout)
		code, err := conn.requestCode(ctx, protocol.KeyUnsubscribe, protocol.EncodeIDRequest(id))
		cancel()
		if err == nil && code != protocol.CodeOK {
			c.logger.Debug("Unsubscribe refused", "subscription_id", id, "code", code.String())
		}
	}
	conn.unbindSubscriber(id)
	c.env.pool.release(conn, subscriptionIDs, id)
}

func (c *Consumer) detach(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || !c.attached {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn, id := c.conn, c.subID
	c.conn, c.attached = nil, false
	cancelWatch, cancelNotify := c.cancelWatch, c.cancelNotify
	reattach := !c.closed
	if reattach {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	cancelWatch()
	cancelNotify()
	c.env.resolver.Invalidate(c.stream)
	c.logger.Warn("Subscription detached", "cause", cause)
	go c.dropSubscription(conn, id)
	if reattach {
		go c.reattachLoop()
	}
}

// resumeSpec returns where a new subscription must start so that no
// delivered message is skipped.
func (c *Consumer) resumeSpec() OffsetSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered {
		return OffsetAt(c.lastDelivered + 1)
	}
	return c.opts.Offset
}

func (c *Consumer) reattachLoop() {
	defer c.wg.Done()
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.env.opts.Connection.DialTimeout)
		err := c.attach(ctx, c.resumeSpec())
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrStreamDoesNotExist) || IsKind(err, KindAuthentication) {
			c.logger.Error("Consumer cannot re-subscribe", "error", err)
			if errors.Is(err, ErrStreamDoesNotExist) {
				err = &Error{Kind: KindTopology, Code: CodeStreamDoesNotExist, Op: "subscribe " + c.stream, Err: err}
			}
			c.fail(err)
			return
		}
		c.logger.Warn("Consumer re-subscribe failed", "error", err, "retry_in", backoff)
		backoff = min(backoff*2, 5*time.Second)
	}
}

// fail reports err and closes the consumer in the background.
func (c *Consumer) fail(err error) {
	c.mu.Lock()
	if c.closed || c.cause != nil {
		c.mu.Unlock()
		return
	}
	c.cause = err
	c.mu.Unlock()

	if h := c.opts.ErrorHandler; h != nil {
		h(err)
	}
	go c.Close(context.Background())
}

// StoreOffset stores offset under the consumer reference.
func (c *Consumer) StoreOffset(offset uint64) error {
	if c.opts.Reference == "" {
		return newError(KindProtocol, "store offset", errors.New("consumer has no reference"))
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.StoreOffset(c.opts.Reference, c.stream, offset)
	} else {
		err = c.env.StoreOffset(context.Background(), c.opts.Reference, c.stream, offset)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastStored, c.stored = offset, true
	c.mu.Unlock()
	return nil
}

// StoreCurrentOffset stores the offset of the last delivered message.
func (c *Consumer) StoreCurrentOffset() error {
	offset, ok := c.LastDeliveredOffset()
	if !ok {
		return newError(KindProtocol, "store offset", ErrNoOffset)
	}
	return c.StoreOffset(offset)
}

// QueryOffset returns the offset stored under the consumer reference.
func (c *Consumer) QueryOffset(ctx context.Context) (uint64, error) {
	if c.opts.Reference == "" {
		return 0, newError(KindProtocol, "query offset", errors.New("consumer has no reference"))
	}
	return c.env.QueryOffset(ctx, c.opts.Reference, c.stream)
}

func (c *Consumer) autoCommitLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.AutoCommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.commitIfChanged()
		}
	}
}

func (c *Consumer) commitIfChanged() {
	c.mu.Lock()
	offset, ok := c.lastDelivered, c.delivered
	changed := ok && (!c.stored || offset != c.lastStored)
	c.mu.Unlock()
	if !changed {
		return
	}
	if err := c.StoreOffset(offset); err != nil {
		c.logger.Debug("Auto commit failed", "error", err)
	}
}

// Close stores the last offset when auto commit is on, unsubscribes and
// waits for the delivery goroutine. It must not be called from the handler.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return nil
	}
	c.closed = true
	c.gen++
	conn, id, attached := c.conn, c.subID, c.attached
	cancelWatch, cancelNotify := c.cancelWatch, c.cancelNotify
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	if c.opts.AutoCommitInterval > 0 && c.opts.Reference != "" {
		c.commitIfChanged()
	}
	if attached {
		cancelWatch()
		cancelNotify()
		c.dropSubscription(conn, id)
	}
	c.mu.Lock()
	c.conn, c.attached = nil, false
	c.mu.Unlock()

	c.env.forgetConsumer(c)
	c.logger.Info("Consumer closed")
	close(c.done)
	return nil
}
