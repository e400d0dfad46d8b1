package tou

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ambassador-labs/tou/pkg/tou/segment"
)

// defaultAcceptQueueCapacity bounds the Host's accept channel when no
// explicit MaxConnections is given.
const defaultAcceptQueueCapacity = 256

// halfOpenRequest tracks a SYN this host has answered with SYN+ACK and
// is waiting to see the client's final ACK for.
type halfOpenRequest struct {
	localSeq0  uint32
	peerSeq0   uint32
	peerWindow uint16
}

// HostOptions tunes a Host and every HostConnection it accepts.
type HostOptions struct {
	Options
	// MaxConnections caps the number of half-open plus established
	// connections this host will track at once; a SYN received past
	// the cap is silently dropped. Zero means unlimited.
	MaxConnections int
}

// Host demultiplexes many peer connections over one shared UDP
// socket: it answers SYNs with the passive side of the three-way
// handshake and, once complete, routes each peer's datagrams to its
// own HostConnection.
type Host struct {
	conn *net.UDPConn
	addr net.Addr

	windowSize     uint32
	resendInterval time.Duration
	timeout        time.Duration
	maxConnections int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	pendingHalfOpen map[string]*halfOpenRequest
	established     *connPool

	acceptCh chan *HostConnection
}

// Listen opens localAddr ("host:port", host may be empty for all
// interfaces) and starts accepting connections.
func Listen(ctx context.Context, localAddr string, opts *HostOptions) (*Host, error) {
	var base Options
	max := 0
	if opts != nil {
		base = opts.Options
		max = opts.MaxConnections
	}
	o := base.withDefaults()

	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, errors.Wrap(err, "tou: resolving local address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "tou: listening")
	}
	if err := setReceiveBuffer(conn, o.WindowSize); err != nil {
		dlog.Tracef(ctx, "tou: setting receive buffer: %v", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	capacity := max
	if capacity <= 0 {
		capacity = defaultAcceptQueueCapacity
	}
	h := &Host{
		conn:            conn,
		addr:            conn.LocalAddr(),
		windowSize:      o.WindowSize,
		resendInterval:  o.ResendInterval,
		timeout:         o.Timeout,
		maxConnections:  max,
		ctx:             hctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		pendingHalfOpen: make(map[string]*halfOpenRequest),
		established:     newConnPool(),
		acceptCh:        make(chan *HostConnection, capacity),
	}

	grp := dgroup.NewGroup(hctx, dgroup.GroupConfig{EnableSignalHandling: false})
	grp.Go("accept", h.run)
	go func() {
		<-hctx.Done()
		h.conn.Close()
	}()
	go func() {
		if err := grp.Wait(); err != nil {
			dlog.Errorf(ctx, "tou: host accept loop exited with error: %v", err)
		}
		close(h.done)
	}()

	dlog.Debugf(ctx, "tou: host listening on %s", h.addr)
	return h, nil
}

// LocalAddr returns the host's bound local address.
func (h *Host) LocalAddr() net.Addr { return h.addr }

// Accept blocks until a peer completes the handshake, the host is
// closed, or ctx is done.
func (h *Host) Accept(ctx context.Context) (*HostConnection, error) {
	select {
	case hc, ok := <-h.acceptCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return hc, nil
	case <-h.ctx.Done():
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the accept loop and every connection the host has
// established, aggregating any per-connection close errors.
func (h *Host) Close() error {
	h.cancel()
	<-h.done

	conns := h.established.snapshot()

	var result *multierror.Error
	for _, hc := range conns {
		if err := hc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// run is the host's single demultiplexing goroutine: it is the only
// reader of the shared socket.
func (h *Host) run(ctx context.Context) error {
	buf := make([]byte, segment.HeaderSize+segment.MaxPayloadSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			dlog.Tracef(ctx, "tou: host read error: %v", err)
			return nil
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		h.handleDatagram(ctx, addr, raw)
	}
}

// handleDatagram dispatches one raw datagram per the priority order:
// established connection, then in-progress handshake, then a fresh
// SYN, grounded on the reference host's background receive loop.
func (h *Host) handleDatagram(ctx context.Context, addr *net.UDPAddr, raw []byte) {
	key := addr.String()

	if hc, ok := h.established.get(key); ok {
		hc.pushRaw(raw)
		return
	}
	h.mu.Lock()
	req, isHalfOpen := h.pendingHalfOpen[key]
	h.mu.Unlock()

	if isHalfOpen {
		seg, err := segment.Decode(raw)
		if err != nil {
			return
		}

		if seg.HasFlag(segment.FlagSYN) {
			// The client never saw our SYN+ACK and is retrying with the
			// same SYN. Re-answer with the same localSeq0 (idempotent
			// ISN_s), refreshing peerSeq0 in case the client also
			// regenerated its ISN, grounded on host.py's re-answer of a
			// repeated SYN rather than leaving the half-open stuck.
			req.peerSeq0 = seg.Seq + 1
			req.peerWindow = seg.Window
			h.mu.Lock()
			h.pendingHalfOpen[key] = req
			h.mu.Unlock()
			h.sendSynAck(ctx, addr, req)
			return
		}

		if !seg.HasFlag(segment.FlagACK) || seg.Ack != req.localSeq0+1 {
			return
		}

		h.mu.Lock()
		delete(h.pendingHalfOpen, key)
		h.mu.Unlock()
		hc := h.established.getOrCreate(key, func() *HostConnection {
			return h.newHostConnection(ctx, addr, req)
		})

		select {
		case h.acceptCh <- hc:
		case <-ctx.Done():
		default:
			dlog.Tracef(ctx, "tou: accept queue full, dropping completed handshake from %s", addr)
			hc.Close()
			h.established.release(key)
		}
		return
	}

	seg, err := segment.Decode(raw)
	if err != nil {
		return
	}
	if !seg.HasFlag(segment.FlagSYN) {
		return
	}

	h.mu.Lock()
	total := h.established.len() + len(h.pendingHalfOpen)
	if h.maxConnections > 0 && total >= h.maxConnections {
		h.mu.Unlock()
		dlog.Tracef(ctx, "tou: dropping SYN from %s: %v", addr, ErrHostCapacityExceeded)
		return
	}
	localSeq0, err := randomISN()
	if err != nil {
		h.mu.Unlock()
		return
	}
	newReq := &halfOpenRequest{
		localSeq0:  localSeq0,
		peerSeq0:   seg.Seq + 1,
		peerWindow: seg.Window,
	}
	h.pendingHalfOpen[key] = newReq
	h.mu.Unlock()

	h.sendSynAck(ctx, addr, newReq)
}

// sendSynAck (re)sends the passive side's SYN+ACK for req. It is
// called both for a fresh SYN and for a retransmitted SYN from a peer
// still waiting in pendingHalfOpen, per spec section 4.2 step 4:
// SYN+ACK retransmission is driven by the peer resending its SYN,
// not by a timer of the host's own.
func (h *Host) sendSynAck(ctx context.Context, addr *net.UDPAddr, req *halfOpenRequest) {
	synAck := &segment.Segment{
		Flags:  segment.FlagSYN | segment.FlagACK,
		Seq:    req.localSeq0,
		Ack:    req.peerSeq0,
		Window: uint16(clampWindow(h.windowSize)),
	}
	buf, err := segment.Encode(synAck)
	if err != nil {
		dlog.Errorf(ctx, "tou: encoding SYN-ACK: %v", err)
		return
	}
	if _, err := h.conn.WriteToUDP(buf, addr); err != nil {
		dlog.Tracef(ctx, "tou: sending SYN-ACK to %s: %v", addr, err)
	}
}

func (h *Host) newHostConnection(ctx context.Context, addr *net.UDPAddr, req *halfOpenRequest) *HostConnection {
	hc := &HostConnection{
		host:  h,
		addr:  addr,
		inbox: make(chan []byte, 64),
	}
	hc.Connection = newConnection(
		ctx,
		h.addr, addr,
		hc,
		req.localSeq0+1, req.peerSeq0, req.peerWindow,
		h.windowSize, h.resendInterval, h.timeout,
		func() {
			h.established.release(addr.String())
		},
	)
	return hc
}
