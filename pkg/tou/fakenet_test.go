package tou

import (
	"context"
	"errors"
	"sync"
	"time"
)

// memLink is a one-directional in-memory datagram channel: it stands
// in for a UDP socket in tests, with an optional, deterministic drop
// rule so tests can exercise loss and reordering without touching a
// real network.
type memLink struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	seq  int
	drop func(seq int, buf []byte) bool
}

func newMemLink(capacity int) *memLink {
	return &memLink{ch: make(chan []byte, capacity), closed: make(chan struct{})}
}

func (l *memLink) send(buf []byte) error {
	l.mu.Lock()
	seq := l.seq
	l.seq++
	drop := l.drop
	l.mu.Unlock()

	if drop != nil && drop(seq, buf) {
		return nil
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case l.ch <- cp:
	case <-l.closed:
	default:
	}
	return nil
}

func (l *memLink) recv() ([]byte, error) {
	select {
	case buf, ok := <-l.ch:
		if !ok {
			return nil, errLinkClosed
		}
		return buf, nil
	case <-l.closed:
		return nil, errLinkClosed
	}
}

func (l *memLink) close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

var errLinkClosed = errors.New("tou: test link closed")

// pairedIO implements rawIO over a pair of memLinks, one per direction.
type pairedIO struct {
	out *memLink
	in  *memLink
}

func (p *pairedIO) rawSend(buf []byte) error  { return p.out.send(buf) }
func (p *pairedIO) rawRecv() ([]byte, error)  { return p.in.recv() }
func (p *pairedIO) closeRaw() error {
	p.out.close()
	p.in.close()
	return nil
}

// stringAddr is a minimal net.Addr for wiring up test connections.
type stringAddr string

func (a stringAddr) Network() string { return "memlink" }
func (a stringAddr) String() string  { return string(a) }

const testWindowSize = 4096

// testLinkPair builds two already-CONNECTED Connections, wired
// directly through in-memory links (bypassing any handshake or real
// socket), tuned with a fast resend interval so tests run quickly.
func testLinkPair(ctx context.Context, resendInterval, timeout time.Duration) (client, server *Connection, cToS, sToC *memLink) {
	cToS = newMemLink(64)
	sToC = newMemLink(64)

	clientIO := &pairedIO{out: cToS, in: sToC}
	serverIO := &pairedIO{out: sToC, in: cToS}

	client = newConnection(ctx, stringAddr("client"), stringAddr("server"), clientIO,
		1000, 5000, testWindowSize, testWindowSize, resendInterval, timeout, nil)
	server = newConnection(ctx, stringAddr("server"), stringAddr("client"), serverIO,
		5000, 1000, testWindowSize, testWindowSize, resendInterval, timeout, nil)
	return client, server, cToS, sToC
}
