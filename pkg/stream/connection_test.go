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
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rmqstream/internal/brokertest"
	"rmqstream/internal/crypto"
	"rmqstream/internal/protocol"
)

func TestDialNegotiatesTune(t *testing.T) {
	tests := []struct {
		name          string
		brokerMax     uint32
		brokerHB      uint32
		clientMax     uint32
		clientHB      time.Duration
		wantFrameMax  uint32
		wantHeartbeat time.Duration
	}{
		{"client smaller", 1 << 20, 60, 64 * 1024, 10 * time.Second, 64 * 1024, 10 * time.Second},
		{"broker smaller", 32 * 1024, 5, 0, 0, 32 * 1024, 5 * time.Second},
		{"client has no heartbeat preference", 1 << 20, 30, 1 << 20, -1, 1 << 20, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := brokertest.New(t, brokertest.Options{FrameMax: tt.brokerMax, Heartbeat: tt.brokerHB})
			opts := guestOptions()
			opts.RequestedMaxFrameSize = tt.clientMax
			opts.RequestedHeartbeat = tt.clientHB

			conn, err := Dial(testContext(t), nodeEndpoint(cluster.Node(0)), opts)
			require.NoError(t, err)
			defer conn.Close(context.Background())

			assert.Equal(t, StateOpen, conn.State())
			assert.Equal(t, tt.wantFrameMax, conn.FrameMax())
			assert.Equal(t, tt.wantHeartbeat, conn.Heartbeat())
		})
	}
}

func TestDialReadsServerProperties(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	node := cluster.Node(0)

	conn, err := Dial(testContext(t), nodeEndpoint(node), guestOptions())
	require.NoError(t, err)
	defer conn.Close(context.Background())

	assert.Equal(t, "brokertest", conn.ServerProperties()["product"])
	assert.Equal(t, Endpoint{Host: node.Host(), Port: node.Port()}, conn.AdvertisedEndpoint())
	assert.NotEmpty(t, conn.Name())
}

func TestDialAuthenticationErrors(t *testing.T) {
	tests := []struct {
		name     string
		broker   brokertest.Options
		mutate   func(*ConnectionOptions)
		sentinel error
		code     ResponseCode
	}{
		{
			name:     "bad password",
			mutate:   func(o *ConnectionOptions) { o.Password = "wrong" },
			sentinel: ErrAuthenticationFailure,
			code:     CodeAuthenticationFailure,
		},
		{
			name:     "unknown virtual host",
			mutate:   func(o *ConnectionOptions) { o.VirtualHost = "missing" },
			sentinel: ErrAccessFailure,
			code:     CodeVirtualHostAccessFailure,
		},
		{
			name:     "loopback refused",
			broker:   brokertest.Options{RefuseLoopback: true},
			sentinel: ErrLoopbackRefused,
			code:     protocol.CodeSaslAuthenticationFailureLoopback,
		},
		{
			name:     "mechanism not offered",
			mutate:   func(o *ConnectionOptions) { o.SASLMechanism = MechanismExternal },
			sentinel: ErrMechanismUnsupported,
			code:     protocol.CodeSaslMechanismNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := brokertest.New(t, tt.broker)
			opts := guestOptions()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}

			conn, err := Dial(testContext(t), nodeEndpoint(cluster.Node(0)), opts)
			require.Error(t, err)
			assert.Nil(t, conn)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.True(t, IsKind(err, KindAuthentication), "kind %s", KindOf(err))
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(testContext(t), unreachableEndpoint(t), guestOptions())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransport))
}

// versionServer answers the first request with an unsupported frame version.
func versionServer(t *testing.T) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := protocol.ReadFrame(conn, 0)
		if err != nil {
			return
		}
		resp := protocol.NewResponse(req.Key, req.CorrelationID, protocol.EncodeCodeResponse(protocol.CodeOK))
		resp.Version = 2
		protocol.WriteFrame(conn, resp)
		time.Sleep(time.Second)
	}()
	return Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

func TestDialUnsupportedVersion(t *testing.T) {
	_, err := Dial(testContext(t), versionServer(t), guestOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.True(t, IsKind(err, KindProtocol))
}

func TestDialTLS(t *testing.T) {
	certFile, keyFile, err := crypto.GenerateSelfSigned(t.TempDir(), "127.0.0.1")
	require.NoError(t, err)
	serverTLS, err := crypto.NewServerTLSConfig(crypto.TLSConfig{
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     certFile,
		ClientAuth: tls.VerifyClientCertIfGiven,
	})
	require.NoError(t, err)
	cluster := brokertest.New(t, brokertest.Options{TLS: serverTLS})

	tests := []struct {
		name      string
		tls       crypto.TLSConfig
		mechanism string
	}{
		{"plain over tls", crypto.TLSConfig{CAFile: certFile}, MechanismPlain},
		{"external with client certificate", crypto.TLSConfig{CAFile: certFile, CertFile: certFile, KeyFile: keyFile}, MechanismExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientTLS, err := crypto.NewClientTLSConfig(tt.tls)
			require.NoError(t, err)
			opts := guestOptions()
			opts.TLSConfig = clientTLS
			opts.SASLMechanism = tt.mechanism

			ep := nodeEndpoint(cluster.Node(0))
			ep.TLS = true
			conn, err := Dial(testContext(t), ep, opts)
			require.NoError(t, err)
			defer conn.Close(context.Background())
			assert.Equal(t, StateOpen, conn.State())

			md, err := conn.QueryMetadata(testContext(t), "anything")
			require.NoError(t, err)
			assert.Equal(t, CodeStreamDoesNotExist, md["anything"].Code)
		})
	}
}

func TestConnectionClose(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	conn, err := Dial(testContext(t), nodeEndpoint(cluster.Node(0)), guestOptions())
	require.NoError(t, err)

	closed := make(chan error, 1)
	conn.NotifyClose(func(err error) { closed <- err })

	require.NoError(t, conn.Close(testContext(t)))
	assert.Equal(t, StateClosed, conn.State())
	require.NoError(t, conn.Close(testContext(t)), "second close is a no-op")

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close listener not called")
	}

	_, err = conn.QueryMetadata(testContext(t), "orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, IsKind(err, KindTransport))
}

func TestNotifyCloseAfterClose(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	conn, err := Dial(testContext(t), nodeEndpoint(cluster.Node(0)), guestOptions())
	require.NoError(t, err)
	require.NoError(t, conn.Close(testContext(t)))

	called := make(chan struct{})
	conn.NotifyClose(func(error) { close(called) })
	select {
	case <-called:
	case <-time.After(waitFor):
		t.Fatal("listener registered after close was not called")
	}
}

func TestServerInitiatedClose(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	conn, err := Dial(testContext(t), nodeEndpoint(cluster.Node(0)), guestOptions())
	require.NoError(t, err)

	closed := make(chan error, 1)
	conn.NotifyClose(func(err error) { closed <- err })
	cluster.CloseConnections(protocol.CodeOK, "node shutdown")

	select {
	case err := <-closed:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Contains(t, err.Error(), "node shutdown")
	case <-time.After(waitFor):
		t.Fatal("server close not noticed")
	}
	assert.Equal(t, StateClosed, conn.State())

	_, err = conn.QueryMetadata(testContext(t), "orders")
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestConnectionLostFailsPendingRequests(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	node := cluster.Node(0)
	conn, err := Dial(testContext(t), nodeEndpoint(node), guestOptions())
	require.NoError(t, err)

	node.Freeze()
	result := make(chan error, 1)
	go func() {
		_, err := conn.QueryMetadata(testContext(t), "orders")
		result <- err
	}()
	time.Sleep(50 * time.Millisecond)
	node.DropConnections()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.True(t, IsKind(err, KindTransport))
	case <-time.After(waitFor):
		t.Fatal("pending request not failed")
	}
	<-conn.Done()
	assert.Equal(t, StateFailed, conn.State())
}

func TestHeartbeatTimeout(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{Heartbeat: 1})
	node := cluster.Node(0)
	opts := guestOptions()
	opts.RequestedHeartbeat = time.Second

	conn, err := Dial(testContext(t), nodeEndpoint(node), opts)
	require.NoError(t, err)
	require.Equal(t, time.Second, conn.Heartbeat())

	closed := make(chan error, 1)
	conn.NotifyClose(func(err error) { closed <- err })

	// Idle but answering heartbeats: stays open.
	time.Sleep(2500 * time.Millisecond)
	require.Equal(t, StateOpen, conn.State())

	node.Freeze()
	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(waitFor):
		t.Fatal("missed heartbeats not detected")
	}
	assert.Equal(t, StateFailed, conn.State())
}

func TestRequestTimeout(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	node := cluster.Node(0)
	conn, err := Dial(testContext(t), nodeEndpoint(node), guestOptions())
	require.NoError(t, err)
	defer conn.Close(context.Background())

	node.Freeze()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = conn.QueryMetadata(ctx, "orders")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{FrameMax: 1024})
	conn, err := Dial(testContext(t), nodeEndpoint(cluster.Node(0)), guestOptions())
	require.NoError(t, err)
	defer conn.Close(context.Background())

	_, err = conn.Request(testContext(t), protocol.KeyCreate, make([]byte, 2048))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.True(t, IsKind(err, KindProtocol))
	assert.Equal(t, StateOpen, conn.State(), "oversized frames are refused before writing")
}

func TestConnectionStreamOperations(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{Nodes: 2})
	ctx := testContext(t)
	conn, err := Dial(ctx, nodeEndpoint(cluster.Node(0)), guestOptions())
	require.NoError(t, err)
	defer conn.Close(context.Background())

	code, err := conn.CreateStream(ctx, "orders", map[string]string{"max-age": "60s"})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)

	code, err = conn.CreateStream(ctx, "orders", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeStreamAlreadyExists, code)

	md, err := conn.QueryMetadata(ctx, "orders", "missing")
	require.NoError(t, err)
	assert.Equal(t, CodeOK, md["orders"].Code)
	assert.Equal(t, nodeEndpoint(cluster.Node(0)), md["orders"].Leader)
	assert.Equal(t, []Endpoint{nodeEndpoint(cluster.Node(1))}, md["orders"].Replicas)
	assert.Equal(t, CodeStreamDoesNotExist, md["missing"].Code)

	require.NoError(t, cluster.Append("orders", []byte("a"), []byte("b")))
	stats, err := conn.StreamStats(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["first_chunk_id"])

	_, err = conn.QueryOffset(ctx, "app", "orders")
	assert.ErrorIs(t, err, ErrNoOffset)
	require.NoError(t, conn.StoreOffset("app", "orders", 42))
	require.Eventually(t, func() bool {
		offset, err := conn.QueryOffset(ctx, "app", "orders")
		return err == nil && offset == 42
	}, waitFor, tick)

	seq, err := conn.QueryPublisherSequence(ctx, "app", "orders")
	require.NoError(t, err)
	assert.Zero(t, seq)

	code, err = conn.DeleteStream(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, CodeOK, code)

	code, err = conn.DeleteStream(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, CodeStreamDoesNotExist, code)

	_, err = conn.StreamStats(ctx, "orders")
	assert.True(t, errors.Is(err, ErrStreamDoesNotExist))
}

func TestReserveIDRespectsLimit(t *testing.T) {
	cluster := brokertest.New(t, brokertest.Options{})
	conn, err := Dial(testContext(t), nodeEndpoint(cluster.Node(0)), guestOptions())
	require.NoError(t, err)
	defer conn.Close(context.Background())

	a, ok := conn.reserveID(publisherIDs, 2)
	require.True(t, ok)
	b, ok := conn.reserveID(publisherIDs, 2)
	require.True(t, ok)
	assert.NotEqual(t, a, b)
	_, ok = conn.reserveID(publisherIDs, 2)
	assert.False(t, ok)

	s, ok := conn.reserveID(subscriptionIDs, 2)
	require.True(t, ok, "kinds are counted separately")

	assert.Equal(t, 2, conn.releaseID(publisherIDs, a))
	c, ok := conn.reserveID(publisherIDs, 2)
	require.True(t, ok)
	assert.Equal(t, a, c, "lowest free id is reused")

	conn.releaseID(publisherIDs, b)
	conn.releaseID(publisherIDs, c)
	assert.Equal(t, 0, conn.releaseID(subscriptionIDs, s))
}

func TestMinNonZero(t *testing.T) {
	tests := []struct{ a, b, want uint32 }{
		{0, 0, 0},
		{0, 5, 5},
		{5, 0, 5},
		{3, 5, 3},
		{5, 3, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, minNonZero(tt.a, tt.b), "minNonZero(%d, %d)", tt.a, tt.b)
	}
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}
