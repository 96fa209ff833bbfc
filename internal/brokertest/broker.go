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

/*
Package brokertest runs an in-process stream broker for tests.

A Cluster is a set of nodes listening on 127.0.0.1 that share one in-memory
store of streams, stored offsets and publisher sequences. Every node speaks
the stream protocol well enough to exercise a client end to end: handshake,
topology queries, stream management, publishing with confirms or errors,
subscriptions with credit flow control, and offset tracking.

Tests steer failure scenarios through the cluster and node methods: moving a
stream leader (which pushes a metadata update), dropping connections,
stopping a node, freezing a node so it stops answering, holding confirms and
corrupting chunks.

USAGE:
======

	cluster := brokertest.New(t, brokertest.Options{Nodes: 2})
	seed := cluster.Node(0).Addr()
*/
package brokertest

import (
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"rmqstream/internal/logging"
	"rmqstream/internal/protocol"
)

// Options configures a fake cluster. Zero values select defaults.
type Options struct {
	Nodes        int      // default 1
	Username     string   // default "guest"
	Password     string   // default "guest"
	VirtualHosts []string // default ["/"]
	FrameMax     uint32   // sent in Tune, default 1 MiB
	Heartbeat    uint32   // seconds, sent in Tune, default 60

	// TLS makes every node accept TLS connections. SASL EXTERNAL is offered
	// and accepted when the client presents a certificate.
	TLS *tls.Config

	// RefuseLoopback answers every authentication with the loopback refusal code.
	RefuseLoopback bool
}

type refKey struct {
	reference string
	stream    string
}

type storedChunk struct {
	first     uint64
	timestamp int64
	entries   []protocol.Entry
	records   int
	corrupt   bool
}

type streamLog struct {
	name      string
	leader    int
	replicas  []int
	arguments map[string]string
	chunks    []storedChunk
	next      uint64
	changed   chan struct{}
}

// notify wakes every delivery loop waiting on the log. Callers hold the cluster lock.
func (l *streamLog) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Cluster is a set of fake broker nodes sharing one store.
type Cluster struct {
	opts   Options
	logger *logging.Logger

	mu           sync.Mutex
	nodes        []*Node
	streams      map[string]*streamLog
	offsets      map[refKey]uint64
	sequences    map[refKey]uint64
	holdConfirms bool
	rejects      map[string]protocol.ResponseCode
	corruptNext  map[string]bool
	publishes    int
	credits      int
}

// New starts a cluster and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts Options) *Cluster {
	t.Helper()
	c, err := Start(opts)
	if err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// Start starts a cluster. The caller must Close it.
func Start(opts Options) (*Cluster, error) {
	if opts.Nodes <= 0 {
		opts.Nodes = 1
	}
	if opts.Username == "" {
		opts.Username = "guest"
	}
	if opts.Password == "" {
		opts.Password = "guest"
	}
	if len(opts.VirtualHosts) == 0 {
		opts.VirtualHosts = []string{"/"}
	}
	if opts.FrameMax == 0 {
		opts.FrameMax = 1 << 20
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 60
	}

	c := &Cluster{
		opts:        opts,
		logger:      logging.NewLogger("brokertest"),
		streams:     make(map[string]*streamLog),
		offsets:     make(map[refKey]uint64),
		sequences:   make(map[refKey]uint64),
		rejects:     make(map[string]protocol.ResponseCode),
		corruptNext: make(map[string]bool),
	}
	for i := 0; i < opts.Nodes; i++ {
		n, err := c.startNode(i)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.nodes = append(c.nodes, n)
	}
	return c, nil
}

// Close stops every node.
func (c *Cluster) Close() {
	for _, n := range c.nodes {
		n.Stop()
	}
}

// Node returns node i.
func (c *Cluster) Node(i int) *Node {
	return c.nodes[i]
}

// Nodes returns the number of nodes.
func (c *Cluster) Nodes() int {
	return len(c.nodes)
}

// CreateStream creates a stream led by node leader, replicated on every other node.
func (c *Cluster) CreateStream(name string, leader int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createLocked(name, leader, nil)
}

func (c *Cluster) createLocked(name string, leader int, args map[string]string) *streamLog {
	var replicas []int
	for i := range c.nodes {
		if i != leader {
			replicas = append(replicas, i)
		}
	}
	log := &streamLog{
		name:      name,
		leader:    leader,
		replicas:  replicas,
		arguments: args,
		changed:   make(chan struct{}),
	}
	c.streams[name] = log
	return log
}

// StreamExists reports whether the stream is stored.
func (c *Cluster) StreamExists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[name]
	return ok
}

// StreamArguments returns the arguments the stream was created with.
func (c *Cluster) StreamArguments(name string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if log, ok := c.streams[name]; ok {
		return log.arguments
	}
	return nil
}

// SetLeader moves the stream leader to node leader and pushes a metadata
// update to every connection publishing to or consuming from the stream.
func (c *Cluster) SetLeader(name string, leader int) {
	c.mu.Lock()
	log, ok := c.streams[name]
	if ok {
		log.leader = leader
		log.replicas = log.replicas[:0]
		for i := range c.nodes {
			if i != leader {
				log.replicas = append(log.replicas, i)
			}
		}
	}
	c.mu.Unlock()
	if ok {
		c.pushMetadataUpdate(name, protocol.CodeStreamNotAvailable)
	}
}

// Append stores payloads as one chunk, as if a publisher had sent them.
func (c *Cluster) Append(name string, payloads ...[]byte) error {
	entries := make([]protocol.Entry, 0, len(payloads))
	for _, p := range payloads {
		entries = append(entries, protocol.Entry{Data: p})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.streams[name]
	if !ok {
		return fmt.Errorf("stream %s does not exist", name)
	}
	c.appendLocked(log, entries)
	return nil
}

func (c *Cluster) appendLocked(log *streamLog, entries []protocol.Entry) {
	if len(entries) == 0 {
		return
	}
	ch := storedChunk{first: log.next, timestamp: time.Now().UnixMilli(), entries: entries}
	for _, e := range entries {
		ch.records += e.RecordCount()
	}
	if c.corruptNext[log.name] {
		ch.corrupt = true
		delete(c.corruptNext, log.name)
	}
	log.chunks = append(log.chunks, ch)
	log.next += uint64(ch.records)
	log.notify()
}

// Messages decodes every stored message of a stream in offset order.
func (c *Cluster) Messages(name string) ([][]byte, error) {
	c.mu.Lock()
	log, ok := c.streams[name]
	var chunks []storedChunk
	if ok {
		chunks = append(chunks, log.chunks...)
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("stream %s does not exist", name)
	}

	var out [][]byte
	for _, ch := range chunks {
		decoded, err := protocol.DecodeChunk(protocol.EncodeChunk(ch.first, ch.timestamp, 0, ch.entries))
		if err != nil {
			return nil, err
		}
		for _, rec := range decoded.Records {
			out = append(out, rec.Data)
		}
	}
	return out, nil
}

// StoredOffset returns the offset stored under reference.
func (c *Cluster) StoredOffset(reference, stream string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.offsets[refKey{reference, stream}]
	return v, ok
}

// HoldConfirms stops sending publish confirms until ReleaseConfirms.
func (c *Cluster) HoldConfirms() {
	c.mu.Lock()
	c.holdConfirms = true
	c.mu.Unlock()
}

// ReleaseConfirms sends every held confirm and resumes confirming.
func (c *Cluster) ReleaseConfirms() {
	c.mu.Lock()
	c.holdConfirms = false
	nodes := append([]*Node(nil), c.nodes...)
	c.mu.Unlock()
	for _, n := range nodes {
		for _, sc := range n.connections() {
			sc.flushHeldConfirms()
		}
	}
}

// RejectPublishes answers every publish to the stream with a publish error
// carrying code. CodeOK clears the rejection.
func (c *Cluster) RejectPublishes(stream string, code protocol.ResponseCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code == protocol.CodeOK {
		delete(c.rejects, stream)
		return
	}
	c.rejects[stream] = code
}

// CorruptNextChunk makes the next chunk appended to the stream fail its CRC
// check when delivered.
func (c *Cluster) CorruptNextChunk(stream string) {
	c.mu.Lock()
	c.corruptNext[stream] = true
	c.mu.Unlock()
}

// PublishFrames returns the number of publish frames received.
func (c *Cluster) PublishFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishes
}

// CreditsGranted returns the total credit received from consumers.
func (c *Cluster) CreditsGranted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits
}

// CloseConnections asks every client connection to close with code and reason.
func (c *Cluster) CloseConnections(code protocol.ResponseCode, reason string) {
	for _, n := range c.nodes {
		for _, sc := range n.connections() {
			sc.requestClose(code, reason)
		}
	}
}

func (c *Cluster) pushMetadataUpdate(stream string, code protocol.ResponseCode) {
	payload := protocol.EncodeMetadataUpdate(&protocol.MetadataUpdate{Code: code, Stream: stream})
	for _, n := range c.nodes {
		for _, sc := range n.connections() {
			if sc.uses(stream) {
				sc.send(protocol.NewCommand(protocol.KeyMetadataUpdate, payload))
			}
		}
	}
}

// Node is one listener of a cluster.
type Node struct {
	cluster *Cluster
	index   int
	ln      net.Listener
	host    string
	port    int

	mu      sync.Mutex
	conns   map[*serverConn]struct{}
	frozen  bool
	stopped bool
	wg      sync.WaitGroup
}

func (c *Cluster) startNode(index int) (*Node, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if c.opts.TLS != nil {
		ln = tls.NewListener(ln, c.opts.TLS)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	n := &Node{
		cluster: c,
		index:   index,
		ln:      ln,
		host:    host,
		port:    port,
		conns:   make(map[*serverConn]struct{}),
	}
	n.wg.Add(1)
	go n.acceptLoop()
	return n, nil
}

// Addr returns host:port.
func (n *Node) Addr() string {
	return net.JoinHostPort(n.host, strconv.Itoa(n.port))
}

// Host returns the host the node advertises.
func (n *Node) Host() string { return n.host }

// Port returns the port the node advertises.
func (n *Node) Port() int { return n.port }

// ConnectionCount returns the number of open client connections.
func (n *Node) ConnectionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// DropConnections closes every client connection without a close handshake.
// The node keeps accepting new connections.
func (n *Node) DropConnections() {
	for _, sc := range n.connections() {
		sc.close()
	}
}

// Freeze makes the node read and discard every frame without answering,
// as a hung broker would.
func (n *Node) Freeze() {
	n.mu.Lock()
	n.frozen = true
	n.mu.Unlock()
}

func (n *Node) isFrozen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frozen
}

// Stop closes the listener and every connection.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	n.ln.Close()
	n.DropConnections()
	n.wg.Wait()
}

func (n *Node) connections() []*serverConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*serverConn, 0, len(n.conns))
	for sc := range n.conns {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	var nextID int
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		nextID++
		sc := newServerConn(n, conn, nextID)

		n.mu.Lock()
		if n.stopped {
			n.mu.Unlock()
			conn.Close()
			return
		}
		n.conns[sc] = struct{}{}
		n.mu.Unlock()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			sc.serve()
			n.mu.Lock()
			delete(n.conns, sc)
			n.mu.Unlock()
		}()
	}
}
