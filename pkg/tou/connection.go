// Package tou implements a reliable, ordered, flow-controlled
// byte-stream transport ("TCP over UDP") on top of an unreliable
// datagram primitive. See Connection, ClientConnection and Host.
package tou

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/ambassador-labs/tou/pkg/tou/segment"
)

// rawIO is the capability a Connection needs from whoever owns the
// actual datagram socket: a ClientConnection supplies its own
// dedicated, connected UDP socket; a HostConnection supplies a thin
// shim that calls back into the Host's shared socket. Connection
// itself never touches a net.Conn directly.
type rawIO interface {
	// rawSend transmits one already-encoded segment.
	rawSend(buf []byte) error
	// rawRecv blocks until the next raw datagram addressed to this
	// connection arrives, or returns a non-nil error once no more will
	// (socket closed, host torn down). A ClientConnection reads its own
	// dedicated socket; a HostConnection reads a private channel fed by
	// the host's single demultiplexing goroutine.
	rawRecv() ([]byte, error)
	// closeRaw releases the underlying transport. It is called exactly
	// once, as soon as the connection decides to tear down, specifically
	// so that a rawRecv blocked in another goroutine wakes up with an
	// error instead of hanging past the connection's own lifetime.
	closeRaw() error
}

// Connection is a single peer-to-peer byte stream. It is created only
// after a successful handshake (see ClientConnection and Host) and is
// mutated exclusively by its own background worker and the calling
// application, coordinated through a single mutex and condition
// variable.
type Connection struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	io         rawIO

	// afterDisconnect, if set, is called exactly once after the
	// background worker has fully exited. HostConnection uses it to
	// deregister itself from the host's connection tables without
	// holding a reference back into the host's socket.
	afterDisconnect func()

	resendInterval time.Duration
	timeout        time.Duration

	send *sendWindow
	recv *recvWindow

	inbound chan *segment.Segment

	mu   sync.Mutex
	cond *sync.Cond
	done chan struct{}

	cancel context.CancelFunc

	state State

	closeRequested bool

	localFINSent  bool
	localFINAcked bool
	finSeq        uint32

	peerFINReceived bool
}

// newConnection builds a Connection already in StateConnected and
// starts its background worker. localSeq0 is the first sequence
// number this side will use for its next outgoing byte (i.e. one past
// its own SYN); peerSeq0 is the first sequence number expected from
// the peer (one past the peer's SYN).
func newConnection(
	parentCtx context.Context,
	local, remote net.Addr,
	io rawIO,
	localSeq0, peerSeq0 uint32,
	peerWindow uint16,
	windowSize uint32,
	resendInterval, timeout time.Duration,
	afterDisconnect func(),
) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		localAddr:       local,
		remoteAddr:      remote,
		io:              io,
		afterDisconnect: afterDisconnect,
		resendInterval:  resendInterval,
		timeout:         timeout,
		send:            newSendWindow(localSeq0, resendInterval, timeout),
		recv:            newRecvWindow(peerSeq0, windowSize),
		inbound:         make(chan *segment.Segment, 64),
		done:            make(chan struct{}),
		cancel:          cancel,
		state:           StateConnected,
	}
	c.cond = sync.NewCond(&c.mu)
	c.send.SetPeerWindow(peerWindow)

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: false})
	grp.Go("io", c.ioLoop)
	grp.Go("recv", c.recvLoop)
	grp.Go("resend", c.tickLoop)
	go func() {
		<-ctx.Done()
		if err := io.closeRaw(); err != nil {
			dlog.Tracef(ctx, "%s: closing raw transport: %v", remote, err)
		}
	}()
	go func() {
		if err := grp.Wait(); err != nil {
			dlog.Errorf(ctx, "%s: connection worker exited with error: %v", remote, err)
		}
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.cond.Broadcast()
		close(c.done)
		if c.afterDisconnect != nil {
			c.afterDisconnect()
		}
	}()
	return c
}

// LocalAddr returns the local endpoint of this connection.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// RemoteAddr returns the peer endpoint of this connection.
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// State returns the connection's current position in the state machine.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues data for delivery. It returns immediately; actual
// transmission happens on the background worker's next tick.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch st {
	case StateConnected:
		c.send.Enqueue(data)
		return nil
	case StateClosed:
		return ErrConnectionClosed
	default:
		return ErrInvalidState
	}
}

// Recv blocks until at least minSize bytes are available or the
// connection leaves StateConnected, then returns up to maxSize bytes.
// Once the connection is closed, Recv drains whatever remains
// buffered and then returns ErrConnectionClosed on an empty read.
func (c *Connection) Recv(minSize, maxSize int) ([]byte, error) {
	c.mu.Lock()
	for c.recv.Available() < minSize && c.state == StateConnected {
		c.cond.Wait()
	}
	st := c.state
	c.mu.Unlock()

	data := c.recv.Drain(maxSize)
	if len(data) > 0 {
		return data, nil
	}
	if st != StateConnected {
		return nil, ErrConnectionClosed
	}
	return data, nil
}

// Close requests a graceful shutdown: once any queued bytes have been
// flushed, a FIN is sent. Close blocks until the connection reaches
// StateClosed and its background worker has joined. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateHandshake:
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.closeRequested = true
	c.mu.Unlock()
	c.cond.Broadcast()

	<-c.done
	return nil
}

// deliver hands a decoded, checksum-validated segment to this
// connection's worker. It is called only by ioLoop, for both
// ClientConnection and HostConnection; the Host's demultiplexer hands
// raw datagrams to a HostConnection through pushRaw instead.
func (c *Connection) deliver(seg *segment.Segment) {
	select {
	case c.inbound <- seg:
	default:
		// Input queue saturated: treat like a dropped datagram. The
		// sender's retransmission timer will recover it.
	}
}

func (c *Connection) transmit(ctx context.Context, seg *segment.Segment) {
	buf, err := segment.Encode(seg)
	if err != nil {
		dlog.Errorf(ctx, "%s: refusing to send malformed segment: %v", c.remoteAddr, err)
		return
	}
	if err := c.io.rawSend(buf); err != nil {
		dlog.Debugf(ctx, "%s: raw send failed: %v", c.remoteAddr, err)
	}
}

// pumpOutgoing drains as much unsent application data as the peer's
// window allows, piggybacking the current ACK on every data segment.
// If nothing was sent but an ACK is owed, it emits a pure ACK.
func (c *Connection) pumpOutgoing(ctx context.Context) {
	ack := c.recv.NextExpected()
	win := c.recv.AdvertisedWindow()

	sentAny := false
	for {
		seg, ok := c.send.NextOut(ack, win)
		if !ok {
			break
		}
		c.transmit(ctx, seg)
		sentAny = true
	}
	if sentAny {
		c.recv.ClearPendingAck()
		return
	}
	if c.recv.HasPendingAck() {
		c.transmit(ctx, &segment.Segment{
			Seq:    c.send.CurrentSeq(),
			Ack:    ack,
			Flags:  segment.FlagACK,
			Window: win,
		})
		c.recv.ClearPendingAck()
	}
}

// maybeSendFIN sends this side's FIN once the application has
// requested close and the send queue has fully drained, moving a
// StateConnected connection to StateClosing.
func (c *Connection) maybeSendFIN(ctx context.Context) {
	flushed := !c.send.HasUnsentBytes() && !c.send.HasUnacked()

	c.mu.Lock()
	shouldSend := c.closeRequested && !c.localFINSent && flushed
	c.mu.Unlock()
	if !shouldSend {
		return
	}

	ack := c.recv.NextExpected()
	win := c.recv.AdvertisedWindow()
	seg := c.send.EnqueueControl(segment.FlagFIN|segment.FlagACK, ack, win)

	c.mu.Lock()
	c.localFINSent = true
	c.finSeq = seg.Seq
	if c.state == StateConnected {
		c.state = StateClosing
	}
	c.mu.Unlock()

	c.transmit(ctx, seg)
}

// handleSegment applies one already-validated inbound segment: ACK
// processing against the send window, payload reassembly against the
// receive window, and FIN bookkeeping, then immediately pumps any
// resulting outgoing data/ACK.
func (c *Connection) handleSegment(ctx context.Context, seg *segment.Segment) {
	c.send.markActivity(time.Now())

	if seg.HasFlag(segment.FlagACK) {
		c.send.OnAck(seg.Ack)
		c.send.SetPeerWindow(seg.Window)

		c.mu.Lock()
		if c.localFINSent && !c.localFINAcked && seg.Ack > c.finSeq {
			c.localFINAcked = true
		}
		c.mu.Unlock()
	}

	if len(seg.Payload) > 0 {
		c.recv.OnSegment(seg)
	}

	if seg.HasFlag(segment.FlagFIN) {
		c.mu.Lock()
		first := !c.peerFINReceived
		c.peerFINReceived = true
		if first && c.state == StateConnected {
			c.state = StateClosing
		}
		c.mu.Unlock()
		if first {
			c.recv.ConsumeControlSeq(seg.Seq)
			c.recv.MarkPendingAck()
		}
	}

	c.pumpOutgoing(ctx)
	c.cond.Broadcast()

	if c.maybeFinalizeClose() {
		c.cancel()
	}
}

// maybeFinalizeClose reports whether both halves of the close
// handshake are done: our FIN sent and acked, and the peer's FIN seen
// (and acknowledged by us).
func (c *Connection) maybeFinalizeClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	if c.localFINSent && c.localFINAcked && c.peerFINReceived {
		c.state = StateClosing
		return true
	}
	return false
}

// checkTimerAndRetransmit inspects the retransmission timer; it
// returns true once the connection should be torn down because the
// peer is found unresponsive while already in StateClosing. The first
// such finding in StateConnected only moves the connection to
// StateClosing (see spec section 4.5's CONNECTED->CLOSING->CLOSED
// timeout chain).
func (c *Connection) checkTimerAndRetransmit(ctx context.Context) bool {
	ack := c.recv.NextExpected()
	win := c.recv.AdvertisedWindow()
	dead, resend := c.send.checkRetransmit(time.Now(), ack, win)
	if dead {
		c.mu.Lock()
		wasClosing := c.state == StateClosing
		if c.state == StateConnected {
			c.state = StateClosing
		}
		c.mu.Unlock()
		c.cond.Broadcast()
		return wasClosing
	}
	for _, seg := range resend {
		c.transmit(ctx, seg)
	}
	return false
}

// ioLoop blocks on the underlying raw transport, decodes each
// datagram into a Segment and hands valid ones to recvLoop via
// deliver. Malformed datagrams (bad checksum, truncated, oversized)
// are silently dropped; a terminal read error tears the connection
// down entirely, since it means the transport itself is gone.
func (c *Connection) ioLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
		}
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		buf, err := c.io.rawRecv()
		if err != nil {
			return nil
		}
		if buf == nil {
			continue
		}
		seg, err := segment.Decode(buf)
		if err != nil {
			dlog.Tracef(ctx, "%s: dropping malformed segment: %v", c.remoteAddr, err)
			continue
		}
		c.deliver(seg)
	}
}

func (c *Connection) recvLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case seg, ok := <-c.inbound:
			if !ok {
				return nil
			}
			c.handleSegment(ctx, seg)
		}
	}
}

func (c *Connection) tickLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
		}
	}()
	ticker := time.NewTicker(c.resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pumpOutgoing(ctx)
			c.maybeSendFIN(ctx)
			if c.checkTimerAndRetransmit(ctx) {
				c.cancel()
				return nil
			}
			if c.maybeFinalizeClose() {
				c.cancel()
				return nil
			}
			c.cond.Broadcast()
		}
	}
}
