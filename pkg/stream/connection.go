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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rmqstream/internal/logging"
	"rmqstream/internal/metrics"
	"rmqstream/internal/protocol"
)

// ClientVersion is sent to the broker in the peer properties.
const ClientVersion = "1.0.0"

// SASL mechanisms.
const (
	MechanismPlain    = "PLAIN"
	MechanismExternal = "EXTERNAL"
)

const (
	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateNegotiating
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionOptions configures one broker connection.
type ConnectionOptions struct {
	Username    string
	Password    string
	VirtualHost string // default "/"

	// ConnectionName is shown in the broker management UI. A random name is
	// used when empty.
	ConnectionName string

	// TLSConfig is used for endpoints with TLS set.
	TLSConfig *tls.Config

	// SASLMechanism is PLAIN (default) or EXTERNAL.
	SASLMechanism string

	// RequestedHeartbeat and RequestedMaxFrameSize are negotiated against the
	// broker's Tune values: the smaller non-zero value wins. A negative
	// value leaves the choice to the broker.
	RequestedHeartbeat    time.Duration // default 60s
	RequestedMaxFrameSize uint32        // default 1 MiB

	DialTimeout    time.Duration // default 10s, also bounds the handshake
	RequestTimeout time.Duration // default 30s, applied when ctx has no deadline
	CloseTimeout   time.Duration // default 5s

	metrics *metrics.Metrics
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.VirtualHost == "" {
		o.VirtualHost = "/"
	}
	if o.ConnectionName == "" {
		o.ConnectionName = "rmqstream-" + uuid.NewString()
	}
	if o.SASLMechanism == "" {
		o.SASLMechanism = MechanismPlain
	}
	if o.RequestedHeartbeat == 0 {
		o.RequestedHeartbeat = 60 * time.Second
	}
	if o.RequestedMaxFrameSize == 0 {
		o.RequestedMaxFrameSize = 1 << 20
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	return o
}

// instance returns the options for one connection of a pooled set. The
// configured name becomes a prefix so every connection is told apart.
func (o ConnectionOptions) instance() ConnectionOptions {
	if o.ConnectionName == "" {
		return o
	}
	o.ConnectionName = o.ConnectionName + "-" + uuid.NewString()[:8]
	return o
}

// publisherSink receives confirms and errors for one publisher id.
type publisherSink interface {
	confirmed(ids []uint64)
	rejected(errs []protocol.PublishingError)
}

// subscriberSink receives chunks and credit failures for one subscription id.
type subscriberSink interface {
	deliver(conn *Connection, chunk []byte)
	creditFailed(code protocol.ResponseCode)
}

type idKind int

const (
	publisherIDs idKind = iota
	subscriptionIDs
)

/*
Connection is one authenticated link to one broker node.

A single read loop demultiplexes responses by correlation id and routes
commands to handlers; writes are serialized by a mutex around a buffered
writer. Connections are safe for concurrent use.

LIFECYCLE:
==========

	Disconnected -> Connecting -> Negotiating -> Authenticating -> Open -> Closing -> Closed
	                                   any state -> Failed (I/O error, protocol violation, missed heartbeats)
*/
type Connection struct {
	endpoint   Endpoint
	opts       ConnectionOptions
	conn       net.Conn
	bw         *bufio.Writer
	logger     *logging.Logger
	connLogger *logging.ConnectionLogger

	state       atomic.Int32
	correlation atomic.Uint32
	frameMax    atomic.Uint32
	lastRead    atomic.Int64
	lastWrite   atomic.Int64
	heartbeat   time.Duration

	wmu sync.Mutex

	pmu     sync.Mutex
	pending map[uint32]chan protocol.Frame

	hmu      sync.RWMutex
	handlers map[protocol.Key]func(protocol.Frame)

	mu          sync.Mutex
	publishers  map[uint8]publisherSink
	subscribers map[uint8]subscriberSink
	ids         [2][256]bool
	idCount     [2]int
	listeners   map[uint64]func(error)
	watchers    map[string]map[uint64]func(protocol.MetadataUpdate)
	nextToken   uint64
	serverProps map[string]string
	openProps   map[string]string
	cause       error
	openedAt    time.Time

	tuneCh    chan protocol.Tune
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens a connection to ep and runs the handshake. ctx and
// DialTimeout bound the whole handshake.
func Dial(ctx context.Context, ep Endpoint, opts ConnectionOptions) (*Connection, error) {
	opts = opts.withDefaults()
	c := &Connection{
		endpoint:    ep,
		opts:        opts,
		logger:      logging.NewLogger("connection").With("endpoint", ep.Addr(), "connection", opts.ConnectionName),
		pending:     make(map[uint32]chan protocol.Frame),
		handlers:    make(map[protocol.Key]func(protocol.Frame)),
		publishers:  make(map[uint8]publisherSink),
		subscribers: make(map[uint8]subscriberSink),
		listeners:   make(map[uint64]func(error)),
		watchers:    make(map[string]map[uint64]func(protocol.MetadataUpdate)),
		tuneCh:      make(chan protocol.Tune, 1),
		closeCh:     make(chan struct{}),
	}
	c.connLogger = logging.NewConnectionLogger(c.logger)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	c.setState(StateConnecting)
	conn, err := c.dialTransport(ctx)
	if err != nil {
		c.setState(StateFailed)
		opts.metrics.ConnectionFailed()
		return nil, newError(KindTransport, "dial "+ep.Addr(), err)
	}
	c.conn = conn
	c.bw = bufio.NewWriterSize(conn, writeBufferSize)
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)

	c.Handle(protocol.KeyTune, c.onTune)
	c.Handle(protocol.KeyHeartbeat, func(protocol.Frame) {})
	c.Handle(protocol.KeyMetadataUpdate, c.onMetadataUpdate)
	c.Handle(protocol.KeyPublishConfirm, c.onPublishConfirm)
	c.Handle(protocol.KeyPublishError, c.onPublishError)
	c.Handle(protocol.KeyDeliver, c.onDeliver)
	c.Handle(protocol.KeyCredit, c.onCreditResponse)

	c.wg.Add(1)
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.terminate(StateFailed, err)
		c.wg.Wait()
		return nil, err
	}

	c.mu.Lock()
	c.openedAt = time.Now()
	c.mu.Unlock()
	c.setState(StateOpen)
	opts.metrics.ConnectionOpened()
	c.connLogger.LogOpened(opts.ConnectionName, ep.Addr(), ep.TLS, c.frameMax.Load(), uint32(c.heartbeat/time.Second))

	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(c.heartbeat)
	}
	return c, nil
}

func (c *Connection) dialTransport(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.endpoint.Addr())
	if err != nil {
		return nil, err
	}
	if !c.endpoint.TLS {
		return raw, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.opts.TLSConfig != nil {
		cfg = c.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = c.endpoint.Host
	}
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}

func (c *Connection) handshake(ctx context.Context) error {
	c.setState(StateNegotiating)
	props := map[string]string{
		"product":         "rmqstream",
		"version":         ClientVersion,
		"platform":        "Go " + runtime.Version(),
		"connection_name": c.opts.ConnectionName,
	}
	resp, err := c.Request(ctx, protocol.KeyPeerProperties, protocol.EncodePeerPropertiesRequest(props))
	if err != nil {
		return c.handshakeError(err)
	}
	pp, err := protocol.DecodePeerPropertiesResponse(resp.Payload)
	if err != nil {
		return newError(KindProtocol, "peer properties", err)
	}
	if err := codeError("peer properties", pp.Code); err != nil {
		return err
	}

	c.setState(StateAuthenticating)
	if err := c.authenticate(ctx); err != nil {
		c.connLogger.LogAuthentication(c.endpoint.Addr(), c.opts.SASLMechanism, c.opts.Username, err)
		return err
	}
	c.connLogger.LogAuthentication(c.endpoint.Addr(), c.opts.SASLMechanism, c.opts.Username, nil)

	var tune protocol.Tune
	select {
	case tune = <-c.tuneCh:
	case <-c.closeCh:
		return c.handshakeError(c.closedError("tune"))
	case <-ctx.Done():
		return newError(KindTransport, "tune", ctx.Err())
	}
	frameMax := minNonZero(tune.FrameMax, c.opts.RequestedMaxFrameSize)
	heartbeat := minNonZero(tune.Heartbeat, heartbeatSeconds(c.opts.RequestedHeartbeat))
	if err := c.send(protocol.NewCommand(protocol.KeyTune, protocol.EncodeTune(&protocol.Tune{FrameMax: frameMax, Heartbeat: heartbeat}))); err != nil {
		return err
	}
	c.frameMax.Store(frameMax)
	c.heartbeat = time.Duration(heartbeat) * time.Second

	resp, err = c.Request(ctx, protocol.KeyOpen, protocol.EncodeOpenRequest(c.opts.VirtualHost))
	if err != nil {
		return c.handshakeError(err)
	}
	open, err := protocol.DecodeOpenResponse(resp.Payload)
	if err != nil {
		return newError(KindProtocol, "open", err)
	}
	if err := codeError("open "+c.opts.VirtualHost, open.Code); err != nil {
		return err
	}

	c.mu.Lock()
	c.serverProps = pp.Properties
	c.openProps = open.Properties
	c.mu.Unlock()
	return nil
}

func (c *Connection) authenticate(ctx context.Context) error {
	resp, err := c.Request(ctx, protocol.KeySaslHandshake, nil)
	if err != nil {
		return c.handshakeError(err)
	}
	hs, err := protocol.DecodeSaslHandshakeResponse(resp.Payload)
	if err != nil {
		return newError(KindProtocol, "sasl handshake", err)
	}
	if err := codeError("sasl handshake", hs.Code); err != nil {
		return err
	}
	supported := false
	for _, m := range hs.Mechanisms {
		if m == c.opts.SASLMechanism {
			supported = true
		}
	}
	if !supported {
		return &Error{
			Kind: KindAuthentication,
			Code: protocol.CodeSaslMechanismNotSupported,
			Op:   "sasl handshake",
			Err:  fmt.Errorf("%w: %s not in %v", ErrMechanismUnsupported, c.opts.SASLMechanism, hs.Mechanisms),
		}
	}

	data := []byte{}
	if c.opts.SASLMechanism == MechanismPlain {
		data = protocol.PlainSaslData(c.opts.Username, c.opts.Password)
	}
	resp, err = c.Request(ctx, protocol.KeySaslAuthenticate, protocol.EncodeSaslAuthenticateRequest(&protocol.SaslAuthenticateRequest{
		Mechanism: c.opts.SASLMechanism,
		Data:      data,
	}))
	if err != nil {
		return c.handshakeError(err)
	}
	auth, err := protocol.DecodeSaslAuthenticateResponse(resp.Payload)
	if err != nil {
		return newError(KindProtocol, "sasl authenticate", err)
	}
	return codeError("sasl authenticate", auth.Code)
}

// handshakeError prefers the classified reason the connection failed, such
// as a version mismatch, over the generic lost-connection error.
func (c *Connection) handshakeError(err error) error {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	var e *Error
	if cause != nil && errors.As(cause, &e) && e.Kind == KindProtocol {
		return cause
	}
	return err
}

func minNonZero(a, b uint32) uint32 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func heartbeatSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	if d < time.Second {
		return 1
	}
	return uint32(d / time.Second)
}

// Endpoint returns the endpoint the connection was dialed to.
func (c *Connection) Endpoint() Endpoint { return c.endpoint }

// Name returns the connection name sent to the broker.
func (c *Connection) Name() string { return c.opts.ConnectionName }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// FrameMax returns the negotiated maximum frame size (0 means unlimited).
func (c *Connection) FrameMax() uint32 { return c.frameMax.Load() }

// Heartbeat returns the negotiated heartbeat interval (0 means disabled).
func (c *Connection) Heartbeat() time.Duration { return c.heartbeat }

// ServerProperties returns the broker's peer properties.
func (c *Connection) ServerProperties() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.serverProps))
	for k, v := range c.serverProps {
		out[k] = v
	}
	return out
}

// AdvertisedEndpoint returns the host and port the broker advertises for
// itself, falling back to the dialed endpoint.
func (c *Connection) AdvertisedEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpoint
	if host := c.openProps["advertised_host"]; host != "" {
		ep.Host = host
	}
	if port, err := strconv.Atoi(c.openProps["advertised_port"]); err == nil && port > 0 {
		ep.Port = port
	}
	return ep
}

// Handle registers fn for commands with key, replacing any previous handler.
// Handlers run on the read loop and must not block.
func (c *Connection) Handle(key protocol.Key, fn func(protocol.Frame)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[key] = fn
}

func (c *Connection) handler(key protocol.Key) func(protocol.Frame) {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers[key]
}

// NotifyClose registers fn to run once when the connection closes. fn gets
// nil after a graceful Close and the failure cause otherwise. It runs on
// its own goroutine. The returned func unregisters it.
func (c *Connection) NotifyClose(fn func(error)) (cancel func()) {
	c.mu.Lock()
	select {
	case <-c.closeCh:
		cause := c.cause
		c.mu.Unlock()
		go fn(cause)
		return func() {}
	default:
	}
	c.nextToken++
	token := c.nextToken
	c.listeners[token] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, token)
		c.mu.Unlock()
	}
}

// watchStream registers fn for metadata updates naming stream.
func (c *Connection) watchStream(stream string, fn func(protocol.MetadataUpdate)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	token := c.nextToken
	if c.watchers[stream] == nil {
		c.watchers[stream] = make(map[uint64]func(protocol.MetadataUpdate))
	}
	c.watchers[stream][token] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers[stream], token)
		if len(c.watchers[stream]) == 0 {
			delete(c.watchers, stream)
		}
	}
}

// reserveID allocates a publisher or subscription id, at most limit per kind.
func (c *Connection) reserveID(kind idKind, limit int) (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idCount[kind] >= limit {
		return 0, false
	}
	for i := 0; i < len(c.ids[kind]); i++ {
		if !c.ids[kind][i] {
			c.ids[kind][i] = true
			c.idCount[kind]++
			return uint8(i), true
		}
	}
	return 0, false
}

// releaseID frees an id and returns how many ids of both kinds remain in use.
func (c *Connection) releaseID(kind idKind, id uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids[kind][id] {
		c.ids[kind][id] = false
		c.idCount[kind]--
	}
	return c.idCount[publisherIDs] + c.idCount[subscriptionIDs]
}

func (c *Connection) bindPublisher(id uint8, s publisherSink) {
	c.mu.Lock()
	c.publishers[id] = s
	c.mu.Unlock()
}

func (c *Connection) unbindPublisher(id uint8) {
	c.mu.Lock()
	delete(c.publishers, id)
	c.mu.Unlock()
}

func (c *Connection) bindSubscriber(id uint8, s subscriberSink) {
	c.mu.Lock()
	c.subscribers[id] = s
	c.mu.Unlock()
}

func (c *Connection) unbindSubscriber(id uint8) {
	c.mu.Lock()
	delete(c.subscribers, id)
	c.mu.Unlock()
}

// Request sends a request frame and waits for the response with the same
// correlation id. The response payload is returned undecoded.
func (c *Connection) Request(ctx context.Context, key protocol.Key, payload []byte) (protocol.Frame, error) {
	select {
	case <-c.closeCh:
		return protocol.Frame{}, c.closedError(key.String())
	default:
	}

	id := c.correlation.Add(1)
	ch := make(chan protocol.Frame, 1)
	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
	}()

	if err := c.send(protocol.NewRequest(key, id, payload)); err != nil {
		return protocol.Frame{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	select {
	case f := <-ch:
		return f, nil
	case <-c.closeCh:
		select {
		case f := <-ch:
			return f, nil
		default:
		}
		return protocol.Frame{}, c.closedError(key.String())
	case <-ctx.Done():
		return protocol.Frame{}, fmt.Errorf("%s: %w", key, ctx.Err())
	}
}

// requestCode sends a request whose response carries only a response code.
func (c *Connection) requestCode(ctx context.Context, key protocol.Key, payload []byte) (protocol.ResponseCode, error) {
	resp, err := c.Request(ctx, key, payload)
	if err != nil {
		return 0, err
	}
	code, err := protocol.ResponseCodeOf(resp.Payload)
	if err != nil {
		return 0, newError(KindProtocol, key.String(), err)
	}
	return code, nil
}

// send writes one frame. Frames above the negotiated frame size are
// rejected without being written.
func (c *Connection) send(f protocol.Frame) error {
	data := protocol.Encode(f)
	if max := c.frameMax.Load(); max > 0 && len(data)-protocol.SizePrefix > int(max) {
		return newError(KindProtocol, f.Key.String(),
			fmt.Errorf("%w: %d bytes, max %d", ErrMessageTooLarge, len(data)-protocol.SizePrefix, max))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closeCh:
		return c.closedError(f.Key.String())
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	_, err := c.bw.Write(data)
	if err == nil {
		err = c.bw.Flush()
	}
	if err != nil {
		c.terminate(StateFailed, newError(KindTransport, "write", err))
		return newError(KindTransport, f.Key.String(), fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *Connection) closedError(op string) error {
	c.mu.Lock()
	cause := c.cause
	c.mu.Unlock()
	if cause == nil {
		return newError(KindTransport, op, ErrConnectionClosed)
	}
	return newError(KindTransport, op, fmt.Errorf("%w: %v", ErrConnectionLost, cause))
}

func (c *Connection) readLimit() int {
	if max := c.frameMax.Load(); max > 0 {
		return int(max)
	}
	return protocol.DefaultMaxFrameSize
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.connLogger.LogRecovery(r, "read loop")
			c.terminate(StateFailed, newError(KindProtocol, "read", fmt.Errorf("panic: %v", r)))
		}
	}()

	r := bufio.NewReaderSize(c.conn, readBufferSize)
	for {
		f, err := protocol.ReadFrame(r, c.readLimit())
		if err != nil {
			c.terminate(StateFailed, readError(err))
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		if f.Version != protocol.Version {
			c.terminate(StateFailed, newError(KindProtocol, "read "+f.Key.String(),
				fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)))
			return
		}
		c.dispatch(f)
	}
}

func readError(err error) error {
	if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrInvalidFrame) {
		return newError(KindProtocol, "read", err)
	}
	return newError(KindTransport, "read", err)
}

func (c *Connection) dispatch(f protocol.Frame) {
	switch f.Kind {
	case protocol.KindResponse:
		if !f.HasCorrelation() {
			if h := c.handler(f.Key); h != nil {
				h(f)
			}
			return
		}
		c.pmu.Lock()
		ch, ok := c.pending[f.CorrelationID]
		delete(c.pending, f.CorrelationID)
		c.pmu.Unlock()
		if !ok {
			c.logger.Debug("Dropping response without pending request", "frame", f.String())
			return
		}
		ch <- f
	case protocol.KindRequest:
		if f.Key == protocol.KeyClose {
			c.onServerClose(f)
			return
		}
		c.logger.Warn("Dropping unexpected request from broker", "frame", f.String())
	default:
		h := c.handler(f.Key)
		if h == nil {
			c.logger.Debug("Dropping unhandled command", "frame", f.String())
			return
		}
		h(f)
	}
}

func (c *Connection) onTune(f protocol.Frame) {
	t, err := protocol.DecodeTune(f.Payload)
	if err != nil {
		c.logger.Warn("Invalid tune frame", "error", err)
		return
	}
	select {
	case c.tuneCh <- *t:
	default:
	}
}

func (c *Connection) onServerClose(f protocol.Frame) {
	req, err := protocol.DecodeCloseRequest(f.Payload)
	if err != nil {
		req = &protocol.CloseRequest{Code: protocol.CodeInternalError}
	}
	_ = c.send(protocol.NewResponse(protocol.KeyClose, f.CorrelationID, protocol.EncodeCodeResponse(protocol.CodeOK)))
	c.terminate(StateClosed, &Error{
		Kind: KindTransport,
		Code: req.Code,
		Op:   "close",
		Err:  fmt.Errorf("%w: closed by broker: %s", ErrConnectionLost, req.Reason),
	})
}

func (c *Connection) onMetadataUpdate(f protocol.Frame) {
	m, err := protocol.DecodeMetadataUpdate(f.Payload)
	if err != nil {
		c.logger.Warn("Invalid metadata update", "error", err)
		return
	}
	c.mu.Lock()
	fns := make([]func(protocol.MetadataUpdate), 0, len(c.watchers[m.Stream]))
	for _, fn := range c.watchers[m.Stream] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.logger.Info("Stream metadata changed", "stream", m.Stream, "code", m.Code.String(), "watchers", len(fns))
	for _, fn := range fns {
		fn(*m)
	}
}

func (c *Connection) onPublishConfirm(f protocol.Frame) {
	confirm, err := protocol.DecodePublishConfirm(f.Payload)
	if err != nil {
		c.logger.Warn("Invalid publish confirm", "error", err)
		return
	}
	c.mu.Lock()
	sink := c.publishers[confirm.PublisherID]
	c.mu.Unlock()
	if sink == nil {
		c.logger.Debug("Confirm for unknown publisher", "publisher_id", confirm.PublisherID)
		return
	}
	sink.confirmed(confirm.PublishingIDs)
}

func (c *Connection) onPublishError(f protocol.Frame) {
	pe, err := protocol.DecodePublishError(f.Payload)
	if err != nil {
		c.logger.Warn("Invalid publish error", "error", err)
		return
	}
	c.mu.Lock()
	sink := c.publishers[pe.PublisherID]
	c.mu.Unlock()
	if sink == nil {
		c.logger.Debug("Publish error for unknown publisher", "publisher_id", pe.PublisherID)
		return
	}
	sink.rejected(pe.Errors)
}

func (c *Connection) onDeliver(f protocol.Frame) {
	d, err := protocol.DecodeDeliver(f.Payload)
	if err != nil {
		c.logger.Warn("Invalid deliver frame", "error", err)
		return
	}
	c.mu.Lock()
	sink := c.subscribers[d.SubscriptionID]
	c.mu.Unlock()
	if sink == nil {
		c.logger.Debug("Chunk for unknown subscription", "subscription_id", d.SubscriptionID)
		return
	}
	sink.deliver(c, d.Chunk)
}

func (c *Connection) onCreditResponse(f protocol.Frame) {
	cr, err := protocol.DecodeCreditResponse(f.Payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	sink := c.subscribers[cr.SubscriptionID]
	c.mu.Unlock()
	if sink != nil {
		sink.creditFailed(cr.Code)
	}
}

func (c *Connection) heartbeatLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, c.lastRead.Load())) > 2*interval {
				c.logger.Warn("Missed heartbeats", "interval", interval)
				c.terminate(StateFailed, newError(KindTransport, "heartbeat", ErrHeartbeatTimeout))
				return
			}
			if now.Sub(time.Unix(0, c.lastWrite.Load())) >= interval {
				_ = c.send(protocol.NewCommand(protocol.KeyHeartbeat, nil))
			}
		}
	}
}

// terminate moves the connection to its final state exactly once: pending
// requests fail, the transport is released and close listeners run.
func (c *Connection) terminate(final ConnectionState, cause error) {
	c.closeOnce.Do(func() {
		if c.State() == StateClosing {
			final, cause = StateClosed, nil
		}

		c.mu.Lock()
		c.cause = cause
		listeners := make([]func(error), 0, len(c.listeners))
		for _, fn := range c.listeners {
			listeners = append(listeners, fn)
		}
		c.listeners = make(map[uint64]func(error))
		opened := !c.openedAt.IsZero()
		openedAt := c.openedAt
		c.mu.Unlock()

		c.setState(final)
		close(c.closeCh)
		c.conn.Close()

		if final == StateFailed {
			c.opts.metrics.ConnectionFailed()
		}
		if opened {
			c.opts.metrics.ConnectionClosed()
			c.connLogger.LogClosed(c.opts.ConnectionName, c.endpoint.Addr(), cause, time.Since(openedAt))
		}
		for _, fn := range listeners {
			go fn(cause)
		}
	})
}

// Close sends a close request, waits for the broker's answer up to
// CloseTimeout and releases the transport. Pending requests fail with
// ErrConnectionClosed. Closing a connection that is not open is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		c.wg.Wait()
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CloseTimeout)
	defer cancel()

	payload := protocol.EncodeCloseRequest(&protocol.CloseRequest{Code: protocol.CodeOK, Reason: "OK"})
	if code, err := c.requestCode(ctx, protocol.KeyClose, payload); err != nil {
		c.logger.Debug("Close not acknowledged", "error", err)
	} else if code != protocol.CodeOK {
		c.logger.Debug("Close answered with error", "code", code.String())
	}
	c.terminate(StateClosed, nil)
	c.wg.Wait()
	return nil
}

// Done is closed when the connection reaches Closed or Failed.
func (c *Connection) Done() <-chan struct{} {
	return c.closeCh
}

// ========== Stream operations ==========

// QueryMetadata returns the topology of each named stream. Streams the
// broker does not know are returned with CodeStreamDoesNotExist.
func (c *Connection) QueryMetadata(ctx context.Context, streams ...string) (map[string]StreamTopology, error) {
	resp, err := c.Request(ctx, protocol.KeyMetadata, protocol.EncodeMetadataRequest(streams))
	if err != nil {
		return nil, err
	}
	md, err := protocol.DecodeMetadataResponse(resp.Payload)
	if err != nil {
		return nil, newError(KindProtocol, "metadata", err)
	}
	return topologyFromMetadata(md, c.endpoint.TLS), nil
}

// CreateStream creates a stream and returns the broker's response code.
// The error is only set for transport and protocol failures.
func (c *Connection) CreateStream(ctx context.Context, name string, args map[string]string) (ResponseCode, error) {
	return c.requestCode(ctx, protocol.KeyCreate, protocol.EncodeCreateRequest(&protocol.CreateRequest{Stream: name, Arguments: args}))
}

// DeleteStream deletes a stream and returns the broker's response code.
func (c *Connection) DeleteStream(ctx context.Context, name string) (ResponseCode, error) {
	return c.requestCode(ctx, protocol.KeyDelete, protocol.EncodeStreamRequest(name))
}

// StreamStats returns broker statistics such as first_chunk_id and committed_chunk_id.
func (c *Connection) StreamStats(ctx context.Context, name string) (map[string]int64, error) {
	resp, err := c.Request(ctx, protocol.KeyStreamStats, protocol.EncodeStreamRequest(name))
	if err != nil {
		return nil, err
	}
	stats, err := protocol.DecodeStreamStatsResponse(resp.Payload)
	if err != nil {
		return nil, newError(KindProtocol, "stream stats", err)
	}
	if err := codeError("stream stats "+name, stats.Code); err != nil {
		return nil, err
	}
	return stats.Stats, nil
}

// QueryOffset returns the offset stored under reference for stream.
func (c *Connection) QueryOffset(ctx context.Context, reference, stream string) (uint64, error) {
	return c.queryValue(ctx, protocol.KeyQueryOffset, "query offset "+reference, reference, stream)
}

// QueryPublisherSequence returns the last publishing id the broker stored
// for the publisher reference (0 when none).
func (c *Connection) QueryPublisherSequence(ctx context.Context, reference, stream string) (uint64, error) {
	return c.queryValue(ctx, protocol.KeyQueryPublisherSequence, "query publisher sequence "+reference, reference, stream)
}

func (c *Connection) queryValue(ctx context.Context, key protocol.Key, op, reference, stream string) (uint64, error) {
	resp, err := c.Request(ctx, key, protocol.EncodeReferenceRequest(&protocol.ReferenceRequest{Reference: reference, Stream: stream}))
	if err != nil {
		return 0, err
	}
	v, err := protocol.DecodeValueResponse(resp.Payload)
	if err != nil {
		return 0, newError(KindProtocol, op, err)
	}
	if err := codeError(op, v.Code); err != nil {
		return 0, err
	}
	return v.Value, nil
}

// StoreOffset stores offset under reference. The broker does not answer.
func (c *Connection) StoreOffset(reference, stream string, offset uint64) error {
	return c.send(protocol.NewCommand(protocol.KeyStoreOffset, protocol.EncodeStoreOffset(&protocol.StoreOffset{
		Reference: reference, Stream: stream, Offset: offset,
	})))
}
