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

package brokertest

import (
	"bytes"
	"crypto/tls"
	"net"
	"strconv"
	"sync"

	"rmqstream/internal/protocol"
)

type publisherState struct {
	stream    string
	reference string
}

type subscription struct {
	id      uint8
	stream  string
	next    int
	credits int
	wake    chan struct{}
	done    chan struct{}
}

// serverConn is one client connection to a node.
type serverConn struct {
	node *Node
	conn net.Conn
	id   int

	wmu sync.Mutex

	// Guarded by the cluster lock.
	publishers map[uint8]*publisherState
	subs       map[uint8]*subscription
	held       map[uint8][]uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newServerConn(n *Node, conn net.Conn, id int) *serverConn {
	return &serverConn{
		node:       n,
		conn:       conn,
		id:         id,
		publishers: make(map[uint8]*publisherState),
		subs:       make(map[uint8]*subscription),
		held:       make(map[uint8][]uint64),
		done:       make(chan struct{}),
	}
}

func (sc *serverConn) cluster() *Cluster { return sc.node.cluster }

func (sc *serverConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		sc.conn.Close()
	})
}

func (sc *serverConn) send(f protocol.Frame) {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if err := protocol.WriteFrame(sc.conn, f); err != nil {
		sc.close()
	}
}

func (sc *serverConn) respond(req protocol.Frame, payload []byte) {
	sc.send(protocol.NewResponse(req.Key, req.CorrelationID, payload))
}

func (sc *serverConn) respondCode(req protocol.Frame, code protocol.ResponseCode) {
	sc.respond(req, protocol.EncodeCodeResponse(code))
}

func (sc *serverConn) requestClose(code protocol.ResponseCode, reason string) {
	payload := protocol.EncodeCloseRequest(&protocol.CloseRequest{Code: code, Reason: reason})
	sc.send(protocol.NewRequest(protocol.KeyClose, 1, payload))
}

// uses reports whether a publisher or subscription of this connection targets stream.
func (sc *serverConn) uses(stream string) bool {
	c := sc.cluster()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range sc.publishers {
		if p.stream == stream {
			return true
		}
	}
	for _, s := range sc.subs {
		if s.stream == stream {
			return true
		}
	}
	return false
}

func (sc *serverConn) serve() {
	defer sc.close()
	defer sc.stopSubscriptions()
	for {
		f, err := protocol.ReadFrame(sc.conn, 0)
		if err != nil {
			return
		}
		if sc.node.isFrozen() {
			continue
		}
		if !sc.handle(f) {
			return
		}
	}
}

// handle processes one frame and reports whether the connection stays open.
func (sc *serverConn) handle(f protocol.Frame) bool {
	if f.Kind == protocol.KindResponse {
		// Only the answer to a server-initiated close is expected.
		return f.Key != protocol.KeyClose
	}

	switch f.Key {
	case protocol.KeyPeerProperties:
		sc.respond(f, protocol.EncodePeerPropertiesResponse(&protocol.PeerProperties{
			Code:       protocol.CodeOK,
			Properties: map[string]string{"product": "brokertest", "version": "1"},
		}))
	case protocol.KeySaslHandshake:
		mechanisms := []string{"PLAIN"}
		if sc.cluster().opts.TLS != nil {
			mechanisms = append(mechanisms, "EXTERNAL")
		}
		sc.respond(f, protocol.EncodeSaslHandshakeResponse(&protocol.SaslHandshakeResponse{
			Code: protocol.CodeOK, Mechanisms: mechanisms,
		}))
	case protocol.KeySaslAuthenticate:
		sc.handleAuthenticate(f)
	case protocol.KeyTune:
		// Client echo of the negotiated values.
	case protocol.KeyOpen:
		sc.handleOpen(f)
	case protocol.KeyClose:
		sc.respondCode(f, protocol.CodeOK)
		return false
	case protocol.KeyHeartbeat:
		sc.send(protocol.NewCommand(protocol.KeyHeartbeat, nil))
	case protocol.KeyMetadata:
		sc.handleMetadata(f)
	case protocol.KeyCreate:
		sc.handleCreate(f)
	case protocol.KeyDelete:
		sc.handleDelete(f)
	case protocol.KeyStreamStats:
		sc.handleStreamStats(f)
	case protocol.KeyDeclarePublisher:
		sc.handleDeclarePublisher(f)
	case protocol.KeyDeletePublisher:
		sc.handleDeletePublisher(f)
	case protocol.KeyQueryPublisherSequence:
		sc.handleQueryPublisherSequence(f)
	case protocol.KeyPublish:
		sc.handlePublish(f)
	case protocol.KeySubscribe:
		sc.handleSubscribe(f)
	case protocol.KeyUnsubscribe:
		sc.handleUnsubscribe(f)
	case protocol.KeyCredit:
		sc.handleCredit(f)
	case protocol.KeyStoreOffset:
		sc.handleStoreOffset(f)
	case protocol.KeyQueryOffset:
		sc.handleQueryOffset(f)
	default:
		if f.HasCorrelation() {
			sc.respondCode(f, protocol.CodeUnknownFrame)
		}
	}
	return true
}

func (sc *serverConn) handleAuthenticate(f protocol.Frame) {
	opts := sc.cluster().opts
	req, err := protocol.DecodeSaslAuthenticateRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeSaslError)
		return
	}

	code := protocol.CodeOK
	switch {
	case opts.RefuseLoopback:
		code = protocol.CodeSaslAuthenticationFailureLoopback
	case req.Mechanism == "PLAIN":
		if !bytes.Equal(req.Data, protocol.PlainSaslData(opts.Username, opts.Password)) {
			code = protocol.CodeAuthenticationFailure
		}
	case req.Mechanism == "EXTERNAL" && opts.TLS != nil:
		tc, ok := sc.conn.(*tls.Conn)
		if !ok || len(tc.ConnectionState().PeerCertificates) == 0 {
			code = protocol.CodeAuthenticationFailure
		}
	default:
		code = protocol.CodeSaslMechanismNotSupported
	}

	sc.respondCode(f, code)
	if code == protocol.CodeOK {
		sc.send(protocol.NewCommand(protocol.KeyTune, protocol.EncodeTune(&protocol.Tune{
			FrameMax: opts.FrameMax, Heartbeat: opts.Heartbeat,
		})))
	}
}

func (sc *serverConn) handleOpen(f protocol.Frame) {
	vhost, err := protocol.DecodeOpenRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	allowed := false
	for _, v := range sc.cluster().opts.VirtualHosts {
		if v == vhost {
			allowed = true
		}
	}
	if !allowed {
		sc.respondCode(f, protocol.CodeVirtualHostAccessFailure)
		return
	}
	sc.respond(f, protocol.EncodeOpenResponse(&protocol.OpenResponse{
		Code: protocol.CodeOK,
		Properties: map[string]string{
			"advertised_host": sc.node.host,
			"advertised_port": strconv.Itoa(sc.node.port),
		},
	}))
}

func (sc *serverConn) handleMetadata(f protocol.Frame) {
	names, err := protocol.DecodeMetadataRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	resp := &protocol.MetadataResponse{}
	for _, n := range c.nodes {
		resp.Brokers = append(resp.Brokers, protocol.Broker{
			Reference: uint16(n.index), Host: n.host, Port: uint32(n.port),
		})
	}

	c.mu.Lock()
	for _, name := range names {
		log, ok := c.streams[name]
		if !ok {
			resp.Streams = append(resp.Streams, protocol.StreamMetadata{
				Stream: name, Code: protocol.CodeStreamDoesNotExist, Leader: 0xFFFF,
			})
			continue
		}
		md := protocol.StreamMetadata{Stream: name, Code: protocol.CodeOK, Leader: uint16(log.leader)}
		for _, r := range log.replicas {
			md.Replicas = append(md.Replicas, uint16(r))
		}
		resp.Streams = append(resp.Streams, md)
	}
	c.mu.Unlock()

	sc.respond(f, protocol.EncodeMetadataResponse(resp))
}

func (sc *serverConn) handleCreate(f protocol.Frame) {
	req, err := protocol.DecodeCreateRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodePreconditionFailed)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	_, exists := c.streams[req.Stream]
	if !exists {
		c.createLocked(req.Stream, sc.node.index, req.Arguments)
	}
	c.mu.Unlock()

	if exists {
		sc.respondCode(f, protocol.CodeStreamAlreadyExists)
		return
	}
	sc.respondCode(f, protocol.CodeOK)
}

func (sc *serverConn) handleDelete(f protocol.Frame) {
	name, err := protocol.DecodeStreamRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	log, exists := c.streams[name]
	if exists {
		delete(c.streams, name)
		log.notify()
	}
	c.mu.Unlock()

	if !exists {
		sc.respondCode(f, protocol.CodeStreamDoesNotExist)
		return
	}
	sc.respondCode(f, protocol.CodeOK)
	c.pushMetadataUpdate(name, protocol.CodeStreamNotAvailable)
}

func (sc *serverConn) handleStreamStats(f protocol.Frame) {
	name, err := protocol.DecodeStreamRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	log, ok := c.streams[name]
	stats := map[string]int64{"first_chunk_id": -1, "committed_chunk_id": -1}
	if ok && len(log.chunks) > 0 {
		stats["first_chunk_id"] = int64(log.chunks[0].first)
		stats["committed_chunk_id"] = int64(log.chunks[len(log.chunks)-1].first)
	}
	c.mu.Unlock()

	if !ok {
		sc.respondCode(f, protocol.CodeStreamDoesNotExist)
		return
	}
	sc.respond(f, protocol.EncodeStreamStatsResponse(&protocol.StreamStatsResponse{Code: protocol.CodeOK, Stats: stats}))
}

func (sc *serverConn) handleDeclarePublisher(f protocol.Frame) {
	req, err := protocol.DecodeDeclarePublisherRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	code := protocol.CodeOK
	log, ok := c.streams[req.Stream]
	switch {
	case !ok:
		code = protocol.CodeStreamDoesNotExist
	case log.leader != sc.node.index:
		code = protocol.CodeStreamNotAvailable
	case sc.publishers[req.PublisherID] != nil:
		code = protocol.CodePreconditionFailed
	default:
		sc.publishers[req.PublisherID] = &publisherState{stream: req.Stream, reference: req.Reference}
	}
	c.mu.Unlock()
	sc.respondCode(f, code)
}

func (sc *serverConn) handleDeletePublisher(f protocol.Frame) {
	id, err := protocol.DecodeIDRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	_, ok := sc.publishers[id]
	delete(sc.publishers, id)
	delete(sc.held, id)
	c.mu.Unlock()
	if !ok {
		sc.respondCode(f, protocol.CodePublisherDoesNotExist)
		return
	}
	sc.respondCode(f, protocol.CodeOK)
}

func (sc *serverConn) handleQueryPublisherSequence(f protocol.Frame) {
	req, err := protocol.DecodeReferenceRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	_, exists := c.streams[req.Stream]
	seq := c.sequences[refKey{req.Reference, req.Stream}]
	c.mu.Unlock()
	if !exists {
		sc.respond(f, protocol.EncodeValueResponse(&protocol.ValueResponse{Code: protocol.CodeStreamDoesNotExist}))
		return
	}
	sc.respond(f, protocol.EncodeValueResponse(&protocol.ValueResponse{Code: protocol.CodeOK, Value: seq}))
}

func (sc *serverConn) handlePublish(f protocol.Frame) {
	p, err := protocol.DecodePublish(f.Payload)
	if err != nil {
		sc.close()
		return
	}
	c := sc.cluster()

	var confirmed []uint64
	var rejected []protocol.PublishingError

	c.mu.Lock()
	c.publishes++
	pub := sc.publishers[p.PublisherID]
	var log *streamLog
	if pub != nil {
		log = c.streams[pub.stream]
	}
	switch {
	case pub == nil:
		for _, e := range p.Entries {
			rejected = append(rejected, protocol.PublishingError{PublishingID: e.PublishingID, Code: protocol.CodePublisherDoesNotExist})
		}
	case log == nil:
		for _, e := range p.Entries {
			rejected = append(rejected, protocol.PublishingError{PublishingID: e.PublishingID, Code: protocol.CodeStreamDoesNotExist})
		}
	case c.rejects[pub.stream] != 0:
		for _, e := range p.Entries {
			rejected = append(rejected, protocol.PublishingError{PublishingID: e.PublishingID, Code: c.rejects[pub.stream]})
		}
	default:
		key := refKey{pub.reference, pub.stream}
		var stored []protocol.Entry
		for _, e := range p.Entries {
			confirmed = append(confirmed, e.PublishingID)
			if pub.reference != "" {
				if seq, seen := c.sequences[key]; seen && e.PublishingID <= seq {
					continue
				}
				c.sequences[key] = e.PublishingID
			}
			stored = append(stored, e.Entry)
		}
		c.appendLocked(log, stored)
		if c.holdConfirms {
			sc.held[p.PublisherID] = append(sc.held[p.PublisherID], confirmed...)
			confirmed = nil
		}
	}
	c.mu.Unlock()

	if len(confirmed) > 0 {
		sc.send(protocol.NewCommand(protocol.KeyPublishConfirm, protocol.EncodePublishConfirm(&protocol.PublishConfirm{
			PublisherID: p.PublisherID, PublishingIDs: confirmed,
		})))
	}
	if len(rejected) > 0 {
		sc.send(protocol.NewCommand(protocol.KeyPublishError, protocol.EncodePublishError(&protocol.PublishError{
			PublisherID: p.PublisherID, Errors: rejected,
		})))
	}
}

func (sc *serverConn) flushHeldConfirms() {
	c := sc.cluster()
	c.mu.Lock()
	held := sc.held
	sc.held = make(map[uint8][]uint64)
	c.mu.Unlock()

	ids := make([]int, 0, len(held))
	for id := range held {
		ids = append(ids, int(id))
	}
	for _, id := range ids {
		sc.send(protocol.NewCommand(protocol.KeyPublishConfirm, protocol.EncodePublishConfirm(&protocol.PublishConfirm{
			PublisherID: uint8(id), PublishingIDs: held[uint8(id)],
		})))
	}
}

// startIndex returns the index of the first chunk to deliver for a subscription.
func startIndex(log *streamLog, req *protocol.SubscribeRequest) int {
	switch req.OffsetType {
	case protocol.OffsetTypeFirst:
		return 0
	case protocol.OffsetTypeLast:
		if len(log.chunks) == 0 {
			return 0
		}
		return len(log.chunks) - 1
	case protocol.OffsetTypeNext:
		return len(log.chunks)
	case protocol.OffsetTypeOffset:
		for i, ch := range log.chunks {
			if req.Offset < ch.first+uint64(ch.records) {
				return i
			}
		}
		return len(log.chunks)
	case protocol.OffsetTypeTimestamp:
		for i, ch := range log.chunks {
			if ch.timestamp >= int64(req.Offset) {
				return i
			}
		}
		return len(log.chunks)
	default:
		return len(log.chunks)
	}
}

func (sc *serverConn) handleSubscribe(f protocol.Frame) {
	req, err := protocol.DecodeSubscribeRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	log, ok := c.streams[req.Stream]
	var sub *subscription
	code := protocol.CodeOK
	switch {
	case !ok:
		code = protocol.CodeStreamDoesNotExist
	case sc.subs[req.SubscriptionID] != nil:
		code = protocol.CodeSubscriptionIDAlreadyExists
	default:
		sub = &subscription{
			id:      req.SubscriptionID,
			stream:  req.Stream,
			next:    startIndex(log, req),
			credits: int(req.Credit),
			wake:    make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		sc.subs[req.SubscriptionID] = sub
	}
	c.mu.Unlock()

	sc.respondCode(f, code)
	if sub != nil {
		go sc.deliverLoop(sub)
	}
}

func (sc *serverConn) handleUnsubscribe(f protocol.Frame) {
	id, err := protocol.DecodeIDRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	sub, ok := sc.subs[id]
	if ok {
		delete(sc.subs, id)
		close(sub.done)
	}
	c.mu.Unlock()
	if !ok {
		sc.respondCode(f, protocol.CodeSubscriptionIDDoesNotExist)
		return
	}
	sc.respondCode(f, protocol.CodeOK)
}

func (sc *serverConn) stopSubscriptions() {
	c := sc.cluster()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range sc.subs {
		close(sub.done)
		delete(sc.subs, id)
	}
}

func (sc *serverConn) handleCredit(f protocol.Frame) {
	cr, err := protocol.DecodeCredit(f.Payload)
	if err != nil {
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	sub, ok := sc.subs[cr.SubscriptionID]
	if ok {
		sub.credits += int(cr.Credit)
		c.credits += int(cr.Credit)
	}
	c.mu.Unlock()

	if !ok {
		sc.send(protocol.Frame{
			Kind:    protocol.KindResponse,
			Key:     protocol.KeyCredit,
			Version: protocol.Version,
			Payload: protocol.EncodeCreditResponse(&protocol.CreditResponse{
				Code: protocol.CodeSubscriptionIDDoesNotExist, SubscriptionID: cr.SubscriptionID,
			}),
		})
		return
	}
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sc *serverConn) handleStoreOffset(f protocol.Frame) {
	s, err := protocol.DecodeStoreOffset(f.Payload)
	if err != nil {
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	c.offsets[refKey{s.Reference, s.Stream}] = s.Offset
	c.mu.Unlock()
}

func (sc *serverConn) handleQueryOffset(f protocol.Frame) {
	req, err := protocol.DecodeReferenceRequest(f.Payload)
	if err != nil {
		sc.respondCode(f, protocol.CodeInternalError)
		return
	}
	c := sc.cluster()
	c.mu.Lock()
	_, exists := c.streams[req.Stream]
	offset, stored := c.offsets[refKey{req.Reference, req.Stream}]
	c.mu.Unlock()

	resp := &protocol.ValueResponse{Code: protocol.CodeOK, Value: offset}
	switch {
	case !exists:
		resp = &protocol.ValueResponse{Code: protocol.CodeStreamDoesNotExist}
	case !stored:
		resp = &protocol.ValueResponse{Code: protocol.CodeNoOffset}
	}
	sc.respond(f, protocol.EncodeValueResponse(resp))
}

// deliverLoop sends chunks to one subscription while it has credit.
func (sc *serverConn) deliverLoop(sub *subscription) {
	c := sc.cluster()
	for {
		c.mu.Lock()
		log, ok := c.streams[sub.stream]
		if !ok {
			c.mu.Unlock()
			return
		}
		var payload []byte
		if sub.credits > 0 && sub.next < len(log.chunks) {
			ch := log.chunks[sub.next]
			sub.next++
			sub.credits--
			chunk := protocol.EncodeChunk(ch.first, ch.timestamp, 0, ch.entries)
			if ch.corrupt {
				chunk[len(chunk)-1] ^= 0xFF
			}
			payload = protocol.EncodeDeliver(&protocol.Deliver{SubscriptionID: sub.id, Chunk: chunk})
		}
		changed := log.changed
		c.mu.Unlock()

		if payload != nil {
			sc.send(protocol.NewCommand(protocol.KeyDeliver, payload))
			continue
		}
		select {
		case <-changed:
		case <-sub.wake:
		case <-sub.done:
			return
		case <-sc.done:
			return
		}
	}
}
