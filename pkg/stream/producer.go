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
	"sync"
	"time"

	"rmqstream/internal/compression"
	"rmqstream/internal/logging"
	"rmqstream/internal/protocol"
)

// Compression selects the codec of sub-entry batches.
type Compression = compression.Type

const (
	CompressionNone   = compression.None
	CompressionGzip   = compression.Gzip
	CompressionSnappy = compression.Snappy
	CompressionLZ4    = compression.LZ4
	CompressionZstd   = compression.Zstd
)

const (
	DefaultBatchSize            = 100
	MaxBatchSize                = 10000
	DefaultBatchPublishingDelay = 100 * time.Millisecond
	DefaultMaxInFlight          = 10000

	// publishOverhead is the frame size of an empty Publish command.
	publishOverhead = protocol.SizePrefix + protocol.HeaderSize + 1 + 4
	// subEntryOverhead is the sub-entry header plus one length per record
	// before compression.
	subEntryOverhead = 8 + 1 + 2 + 4 + 4
)

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	// Reference names the producer for broker-side deduplication. Empty
	// disables deduplication.
	Reference string

	BatchSize            int           // messages per Publish frame, 1..10000, default 100
	BatchPublishingDelay time.Duration // flush interval, default 100ms

	// MaxInFlight bounds unconfirmed messages; Publish blocks when reached.
	MaxInFlight int

	// SubEntrySize > 1 packs that many messages into one sub-entry,
	// compressed with Compression.
	SubEntrySize int
	Compression  Compression

	ConfirmHandler      func(ids []uint64)
	ErrorHandler        func(errs []PublishError)
	UndeterminedHandler func(ids []uint64, err error)

	// Codec encodes values passed to PublishValue. Defaults to BinaryCodec.
	Codec Codec
}

func (o ProducerOptions) withDefaults() (ProducerOptions, error) {
	switch {
	case o.BatchSize == 0:
		o.BatchSize = DefaultBatchSize
	case o.BatchSize < 1 || o.BatchSize > MaxBatchSize:
		return o, fmt.Errorf("batch size %d out of range 1..%d", o.BatchSize, MaxBatchSize)
	}
	if o.BatchPublishingDelay <= 0 {
		o.BatchPublishingDelay = DefaultBatchPublishingDelay
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	if o.SubEntrySize < 0 || o.SubEntrySize > 0xFFFF {
		return o, fmt.Errorf("sub-entry size %d out of range", o.SubEntrySize)
	}
	if o.Compression != CompressionNone && o.SubEntrySize <= 1 {
		return o, fmt.Errorf("%s compression requires SubEntrySize > 1", o.Compression)
	}
	if o.Codec == nil {
		o.Codec = BinaryCodec{}
	}
	return o, nil
}

// PublishError reports a message the broker rejected.
type PublishError struct {
	PublishingID uint64
	Code         ResponseCode
	Err          error
}

// pendingPublish is a message accepted by Publish and not yet sent.
type pendingPublish struct {
	PublishingID uint64
	Payload      []byte
	SubmittedAt  time.Time
}

/*
Producer publishes to one stream with asynchronous confirmation.

Every id passed to Publish ends in exactly one of ConfirmHandler,
ErrorHandler or UndeterminedHandler. Handlers run on a dedicated goroutine
in the order outcomes arrive and must not call Close.

When the connection to the leader is lost or the stream moves, in-flight
ids are reported undetermined and the producer re-attaches to the new
leader in the background. Messages published meanwhile are queued and
sent once the new attachment is active.
*/
type Producer struct {
	env       *Environment
	stream    string
	opts      ProducerOptions
	logger    *logging.Logger
	callbacks *callbackQueue

	mu            sync.Mutex
	cond          *sync.Cond
	pending       []pendingPublish
	sending       int
	inflight      map[uint64][]uint64 // wire publishing id -> ids it carries
	inflightCount int
	lastID        uint64
	hasLast       bool

	conn         *Connection
	publisherID  uint8
	attached     bool
	gen          uint64
	cancelWatch  func()
	cancelNotify func()
	closing      bool
	closed       bool

	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newProducer(ctx context.Context, env *Environment, stream string, opts ProducerOptions) (*Producer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, newError(KindProtocol, "new producer "+stream, err)
	}
	logger := logging.NewLogger("producer").With("stream", stream)
	if opts.Reference != "" {
		logger = logger.With("reference", opts.Reference)
	}
	p := &Producer{
		env:       env,
		stream:    stream,
		opts:      opts,
		logger:    logger,
		callbacks: newCallbackQueue(logger),
		inflight:  make(map[uint64][]uint64),
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if err := p.attach(ctx); err != nil {
		p.callbacks.close()
		return nil, err
	}
	p.wg.Add(1)
	go p.flushLoop()
	return p, nil
}

// Stream returns the stream name.
func (p *Producer) Stream() string { return p.stream }

// Reference returns the deduplication reference, possibly empty.
func (p *Producer) Reference() string { return p.opts.Reference }

// Publish queues payload under id. ids must be strictly increasing. It
// blocks while MaxInFlight messages are unconfirmed.
func (p *Producer) Publish(id uint64, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.outstandingLocked() >= p.opts.MaxInFlight && !p.closing && !p.closed {
		p.cond.Wait()
	}
	if p.closing || p.closed {
		return newError(KindProtocol, "publish "+p.stream, ErrProducerClosed)
	}
	if p.hasLast && id <= p.lastID {
		return newError(KindProtocol, "publish "+p.stream,
			fmt.Errorf("%w: %d after %d", ErrPublishingIDOrder, id, p.lastID))
	}
	if p.conn != nil {
		if max := p.conn.FrameMax(); max > 0 && publishOverhead+12+len(payload) > int(max) {
			return newError(KindProtocol, "publish "+p.stream,
				fmt.Errorf("%w: %d bytes, frame max %d", ErrMessageTooLarge, len(payload), max))
		}
	}

	p.lastID, p.hasLast = id, true
	p.pending = append(p.pending, pendingPublish{PublishingID: id, Payload: payload, SubmittedAt: time.Now()})
	if len(p.pending) >= p.opts.BatchSize {
		p.signalFlush()
	}
	return nil
}

// PublishValue encodes v with the producer codec and publishes it.
func (p *Producer) PublishValue(id uint64, v any) error {
	data, err := p.opts.Codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode with %s codec: %w", p.opts.Codec.Name(), err)
	}
	return p.Publish(id, data)
}

// LastPublishingID returns the highest id the broker stored for the
// producer's reference, for resuming after a restart.
func (p *Producer) LastPublishingID(ctx context.Context) (uint64, error) {
	if p.opts.Reference == "" {
		return 0, newError(KindProtocol, "last publishing id", errors.New("producer has no reference"))
	}
	return p.env.QueryPublisherSequence(ctx, p.opts.Reference, p.stream)
}

func (p *Producer) outstandingLocked() int {
	return len(p.pending) + p.sending + p.inflightCount
}

func (p *Producer) signalFlush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *Producer) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.BatchPublishingDelay)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.flush()
		case <-p.flushCh:
			p.flush()
		}
	}
}

// flush sends queued messages while the producer is attached. Only the
// flush loop calls it, so frames leave in publishing id order.
func (p *Producer) flush() {
	for {
		p.mu.Lock()
		if !p.attached || len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		conn, pubID, gen := p.conn, p.publisherID, p.gen
		n := p.batchLenLocked(conn.FrameMax())
		batch := slices.Clone(p.pending[:n])
		p.pending = slices.Delete(p.pending, 0, n)
		p.sending += n
		p.mu.Unlock()

		entries, groups, err := p.buildEntries(batch)

		p.mu.Lock()
		p.sending -= n
		p.cond.Broadcast()
		if err != nil {
			p.mu.Unlock()
			p.reportErrors(batch, 0, newError(KindProtocol, "publish "+p.stream, err))
			continue
		}
		if p.closed {
			p.mu.Unlock()
			p.reportErrors(batch, 0, newError(KindProtocol, "publish "+p.stream, ErrProducerClosed))
			return
		}
		if gen != p.gen || !p.attached {
			p.pending = append(batch, p.pending...)
			p.mu.Unlock()
			return
		}
		for wid, ids := range groups {
			p.inflight[wid] = ids
		}
		p.inflightCount += n
		p.mu.Unlock()

		frame := protocol.NewCommand(protocol.KeyPublish, protocol.EncodePublish(&protocol.Publish{PublisherID: pubID, Entries: entries}))
		if err := conn.send(frame); err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				p.failGroups(gen, groups, err)
				continue
			}
			// The connection is gone; detach reports the batch undetermined.
			p.logger.Debug("Publish frame not sent", "error", err, "messages", n)
			return
		}
		p.env.metrics.Published(p.stream, n)
	}
}

// batchLenLocked returns how many pending messages fit in one Publish frame.
func (p *Producer) batchLenLocked(frameMax uint32) int {
	n := min(len(p.pending), p.opts.BatchSize)
	if frameMax == 0 {
		return n
	}
	size := publishOverhead
	perEntry := 12
	if p.opts.SubEntrySize > 1 {
		perEntry = 4
	}
	for i := 0; i < n; i++ {
		size += perEntry + len(p.pending[i].Payload)
		if p.opts.SubEntrySize > 1 && i%p.opts.SubEntrySize == 0 {
			size += subEntryOverhead
		}
		if size > int(frameMax) {
			return max(i, 1)
		}
	}
	return n
}

// buildEntries turns a batch into publish entries. Without sub-entries
// every message is its own entry; with them each group of SubEntrySize
// messages is sent under the id of its last message.
func (p *Producer) buildEntries(batch []pendingPublish) ([]protocol.PublishEntry, map[uint64][]uint64, error) {
	groups := make(map[uint64][]uint64, len(batch))
	if p.opts.SubEntrySize <= 1 {
		entries := make([]protocol.PublishEntry, 0, len(batch))
		for _, m := range batch {
			entries = append(entries, protocol.PublishEntry{PublishingID: m.PublishingID, Entry: protocol.Entry{Data: m.Payload}})
			groups[m.PublishingID] = []uint64{m.PublishingID}
		}
		return entries, groups, nil
	}

	var entries []protocol.PublishEntry
	for start := 0; start < len(batch); start += p.opts.SubEntrySize {
		group := batch[start:min(start+p.opts.SubEntrySize, len(batch))]
		records := make([][]byte, len(group))
		ids := make([]uint64, len(group))
		for i, m := range group {
			records[i] = m.Payload
			ids[i] = m.PublishingID
		}
		data, size, err := compression.CompressBatch(p.opts.Compression, records)
		if err != nil {
			return nil, nil, err
		}
		wid := ids[len(ids)-1]
		entries = append(entries, protocol.PublishEntry{
			PublishingID: wid,
			Entry: protocol.Entry{
				Data:             data,
				SubEntry:         true,
				Codec:            uint8(p.opts.Compression),
				Records:          uint16(len(group)),
				UncompressedSize: uint32(size),
			},
		})
		groups[wid] = ids
	}
	return entries, groups, nil
}

// failGroups reports messages that were registered in flight but could
// not be sent.
func (p *Producer) failGroups(gen uint64, groups map[uint64][]uint64, err error) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	var ids []uint64
	for wid := range groups {
		if g, ok := p.inflight[wid]; ok {
			delete(p.inflight, wid)
			p.inflightCount -= len(g)
			ids = append(ids, g...)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	slices.Sort(ids)
	errs := make([]PublishError, len(ids))
	for i, id := range ids {
		errs[i] = PublishError{PublishingID: id, Err: err}
	}
	p.dispatchErrors(errs)
}

// producerSink binds broker confirms to one attachment generation.
type producerSink struct {
	p   *Producer
	gen uint64
}

func (s producerSink) confirmed(wireIDs []uint64) {
	p := s.p
	p.mu.Lock()
	if s.gen != p.gen {
		p.mu.Unlock()
		return
	}
	var ids []uint64
	for _, wid := range wireIDs {
		if g, ok := p.inflight[wid]; ok {
			delete(p.inflight, wid)
			p.inflightCount -= len(g)
			ids = append(ids, g...)
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	p.env.metrics.Confirmed(p.stream, len(ids))
	if h := p.opts.ConfirmHandler; h != nil {
		p.callbacks.push(func() { h(ids) })
	}
}

func (s producerSink) rejected(rejections []protocol.PublishingError) {
	p := s.p
	p.mu.Lock()
	if s.gen != p.gen {
		p.mu.Unlock()
		return
	}
	var errs []PublishError
	for _, r := range rejections {
		g, ok := p.inflight[r.PublishingID]
		if !ok {
			continue
		}
		delete(p.inflight, r.PublishingID)
		p.inflightCount -= len(g)
		for _, id := range g {
			errs = append(errs, PublishError{
				PublishingID: id,
				Code:         r.Code,
				Err:          codeError("publish "+p.stream, r.Code),
			})
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	p.dispatchErrors(errs)
}

func (p *Producer) dispatchErrors(errs []PublishError) {
	if len(errs) == 0 {
		return
	}
	p.env.metrics.PublishErrors(p.stream, len(errs))
	if h := p.opts.ErrorHandler; h != nil {
		p.callbacks.push(func() { h(errs) })
	}
}

func (p *Producer) reportErrors(batch []pendingPublish, code ResponseCode, err error) {
	errs := make([]PublishError, len(batch))
	for i, m := range batch {
		errs[i] = PublishError{PublishingID: m.PublishingID, Code: code, Err: err}
	}
	p.dispatchErrors(errs)
}

func (p *Producer) reportUndetermined(ids []uint64, cause error) {
	if len(ids) == 0 {
		return
	}
	p.env.metrics.Undetermined(p.stream, len(ids))
	err := newError(KindPublishUndetermined, "publish "+p.stream, fmt.Errorf("%w: %v", ErrPublishUndetermined, cause))
	if h := p.opts.UndeterminedHandler; h != nil {
		p.callbacks.push(func() { h(ids, err) })
	}
}

// takeInflightLocked empties the in-flight table and returns its ids in order.
func (p *Producer) takeInflightLocked() []uint64 {
	var ids []uint64
	for _, g := range p.inflight {
		ids = append(ids, g...)
	}
	p.inflight = make(map[uint64][]uint64)
	p.inflightCount = 0
	slices.Sort(ids)
	return ids
}

func (p *Producer) attach(ctx context.Context) error {
	err := p.attachTo(ctx, false)
	if err != nil && (errors.Is(err, ErrStreamNotAvailable) || IsKind(err, KindTransport)) && ctx.Err() == nil {
		p.env.resolver.Invalidate(p.stream)
		err = p.attachTo(ctx, true)
	}
	return err
}

func (p *Producer) attachTo(ctx context.Context, refresh bool) error {
	resolve := p.env.resolver.Resolve
	if refresh {
		resolve = p.env.resolver.Refresh
	}
	topo, err := resolve(ctx, p.stream)
	if err != nil {
		return err
	}
	conn, id, err := p.env.pool.acquire(ctx, topo.Leader, publisherIDs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	conn.bindPublisher(id, producerSink{p: p, gen: gen})

	op := "declare publisher " + p.stream
	code, err := conn.requestCode(ctx, protocol.KeyDeclarePublisher, protocol.EncodeDeclarePublisherRequest(&protocol.DeclarePublisherRequest{
		PublisherID: id,
		Reference:   p.opts.Reference,
		Stream:      p.stream,
	}))
	if err == nil {
		err = codeError(op, code)
	}
	if err != nil {
		conn.unbindPublisher(id)
		p.env.pool.release(conn, publisherIDs, id)
		return err
	}

	p.mu.Lock()
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		p.dropPublisher(conn, id)
		return newError(KindProtocol, op, ErrProducerClosed)
	}
	p.conn, p.publisherID, p.attached = conn, id, true
	p.cancelNotify = conn.NotifyClose(func(cause error) { p.detach(gen, cause) })
	p.cancelWatch = conn.watchStream(p.stream, func(m protocol.MetadataUpdate) {
		p.detach(gen, codeError("metadata update "+p.stream, m.Code))
	})
	queued := len(p.pending)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Info("Publisher declared", "leader", topo.Leader.Addr(), "publisher_id", id, "queued", queued)
	if queued > 0 {
		p.signalFlush()
	}
	return nil
}

// dropPublisher deletes the publisher on a still open connection and
// returns its id to the pool.
func (p *Producer) dropPublisher(conn *Connection, id uint8) {
	if conn.State() == StateOpen {
		ctx, cancel := context.WithTimeout(context.Background(), conn.opts.CloseTimeout)
		code, err := conn.requestCode(ctx, protocol.KeyDeletePublisher, protocol.EncodeIDRequest(id))
		cancel()
		if err == nil && code != protocol.CodeOK {
			p.logger.Debug("Delete publisher refused", "publisher_id", id, "code", code.String())
		}
	}
	conn.unbindPublisher(id)
	p.env.pool.release(conn, publisherIDs, id)
}

// detach ends attachment gen after a connection failure or a metadata
// update, reports in-flight ids undetermined and starts re-attaching.
func (p *Producer) detach(gen uint64, cause error) {
	p.mu.Lock()
	if gen != p.gen || !p.attached {
		p.mu.Unlock()
		return
	}
	p.gen++
	conn, id := p.conn, p.publisherID
	p.conn, p.attached = nil, false
	cancelWatch, cancelNotify := p.cancelWatch, p.cancelNotify
	ids := p.takeInflightLocked()
	reattach := !p.closing && !p.closed
	if reattach {
		p.wg.Add(1)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	cancelWatch()
	cancelNotify()
	p.env.resolver.Invalidate(p.stream)
	p.logger.Warn("Publisher detached", "cause", cause, "undetermined", len(ids))
	p.reportUndetermined(ids, cause)
	go p.dropPublisher(conn, id)
	if reattach {
		go p.reattachLoop()
	}
}

func (p *Producer) reattachLoop() {
	defer p.wg.Done()
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.env.opts.Connection.DialTimeout)
		err := p.attach(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrStreamDoesNotExist) || IsKind(err, KindAuthentication) {
			p.logger.Error("Publisher cannot re-attach", "error", err)
			p.fail(err)
			return
		}
		p.logger.Warn("Publisher re-attach failed", "error", err, "retry_in", backoff)
		backoff = min(backoff*2, 5*time.Second)
	}
}

// fail closes the producer after an unrecoverable error. Queued messages
// are reported through ErrorHandler.
func (p *Producer) fail(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.stop()
	err := &Error{Kind: KindOf(cause), Code: CodeOf(cause), Op: "publish " + p.stream, Err: fmt.Errorf("%w: %w", ErrProducerClosed, cause)}
	p.reportErrors(pending, CodeOf(cause), err)
	go func() {
		p.callbacks.close()
		p.env.forgetProducer(p)
	}()
}

func (p *Producer) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Close flushes queued messages and waits for their confirms until ctx is
// done, then deletes the publisher. Messages still queued are reported
// through ErrorHandler and unconfirmed ones through UndeterminedHandler.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closing || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.signalFlush()
	stopWaking := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.mu.Lock()
	for p.outstandingLocked() > 0 && p.attached && ctx.Err() == nil {
		p.cond.Wait()
	}
	stopWaking()
	// A batch being built outside the lock must land in pending or in
	// flight before both are taken below.
	for p.sending > 0 {
		p.cond.Wait()
	}

	p.closed = true
	p.gen++
	conn, id, attached := p.conn, p.publisherID, p.attached
	cancelWatch, cancelNotify := p.cancelWatch, p.cancelNotify
	p.conn, p.attached = nil, false
	pending := p.pending
	p.pending = nil
	ids := p.takeInflightLocked()
	p.cond.Broadcast()
	p.mu.Unlock()

	p.stop()
	p.wg.Wait()

	if attached {
		cancelWatch()
		cancelNotify()
		p.dropPublisher(conn, id)
	}
	p.reportErrors(pending, 0, newError(KindProtocol, "publish "+p.stream, ErrProducerClosed))
	p.reportUndetermined(ids, ErrProducerClosed)
	p.callbacks.close()
	p.env.forgetProducer(p)
	p.logger.Info("Producer closed", "unsent", len(pending), "undetermined", len(ids))
	return nil
}
