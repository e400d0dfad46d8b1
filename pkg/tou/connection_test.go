package tou

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, c *Connection, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connection did not reach state %s within %s (last seen %s)", want, within, c.State())
}

func TestConnectionSendRecvRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server, _, _ := testLinkPair(ctx, 5*time.Millisecond, time.Second)

	require.NoError(t, client.Send([]byte("hello world")))

	got, err := server.Recv(len("hello world"), 64)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestConnectionBidirectionalTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server, _, _ := testLinkPair(ctx, 5*time.Millisecond, time.Second)

	require.NoError(t, client.Send([]byte("ping")))
	require.NoError(t, server.Send([]byte("pong")))

	got, err := server.Recv(4, 64)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	got, err = client.Recv(4, 64)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestConnectionSurvivesLossyLink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, server, cToS, _ := testLinkPair(ctx, 5*time.Millisecond, 2*time.Second)

	// Drop every third datagram from client to server.
	cToS.mu.Lock()
	cToS.drop = func(seq int, _ []byte) bool { return seq%3 == 0 }
	cToS.mu.Unlock()

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, client.Send(payload))

	got, err := server.Recv(len(payload), len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestConnectionGracefulClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, server, _, _ := testLinkPair(ctx, 5*time.Millisecond, time.Second)

	require.NoError(t, client.Send([]byte("bye")))
	got, err := server.Recv(3, 64)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))

	done := make(chan error, 1)
	go func() { done <- client.Close() }()

	// The server only closes its own side after it notices the peer's FIN.
	waitForState(t, server, StateClosing, time.Second)
	require.NoError(t, server.Close())

	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, StateClosed, server.State())

	assert.ErrorIs(t, client.Send(nil), ErrConnectionClosed)
}

func TestConnectionDetectsPeerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A link whose peer side never reads, simulating a vanished peer.
	outbound := newMemLink(8)
	inbound := newMemLink(8)
	io := &pairedIO{out: outbound, in: inbound}

	client := newConnection(ctx, stringAddr("client"), stringAddr("ghost"), io,
		0, 0, testWindowSize, testWindowSize, 5*time.Millisecond, 30*time.Millisecond, nil)

	require.NoError(t, client.Send([]byte("anyone there?")))
	waitForState(t, client, StateClosed, time.Second)

	_, err := client.Recv(1, 1)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
