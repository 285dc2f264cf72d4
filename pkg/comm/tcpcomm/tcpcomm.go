// Package tcpcomm implements comm.Communicator over plain TCP sockets
// between OS processes. Unlike localcomm it runs across real processes
// (and real machines), so every exchange is instrumented as an
// OpenTelemetry span the way the rest of this codebase traces
// out-of-process work.
//
// Wireup is a static full mesh: every rank is given the address of every
// other rank up front (see pkg/config's Topology section), rank r dials
// every rank with a higher index and accepts a connection from every
// rank with a lower index, and the dialer announces its own rank as the
// first four bytes on the wire so the acceptor can tell who just
// connected. This avoids the double-dial race a naive "everyone dials
// everyone" scheme would hit.
package tcpcomm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/climbfuji/pario/pkg/comm"
)

var tracer = otel.Tracer("github.com/climbfuji/pario/pkg/comm/tcpcomm")

// collectiveTag is the reserved tag internal collectives (Bcast/Allreduce/
// Barrier/Split) use so they never collide with a caller's exchange
// tags, mirroring localcomm's dedicated gather tag.
const (
	collectiveTag int32 = -1000
)

// peerConn is one persistent connection to another rank: a single
// writer mutex (frames from concurrent Sends must not interleave) and a
// reader goroutine that demultiplexes inbound frames into per-tag
// mailboxes.
type peerConn struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	mailbox map[int32]chan []byte
	readErr error
	closed  chan struct{}
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{
		conn:    conn,
		mailbox: make(map[int32]chan []byte),
		closed:  make(chan struct{}),
	}
}

func (p *peerConn) chanFor(tag int32) chan []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.mailbox[tag]
	if !ok {
		ch = make(chan []byte, 4)
		p.mailbox[tag] = ch
	}
	return ch
}

func (p *peerConn) readLoop() {
	for {
		tag, payload, err := readFrame(p.conn)
		if err != nil {
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			close(p.closed)
			return
		}
		p.chanFor(tag) <- payload
	}
}

func (p *peerConn) send(tag int32, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.conn, tag, payload)
}

func (p *peerConn) recv(ctx context.Context, tag int32) ([]byte, error) {
	select {
	case buf := <-p.chanFor(tag):
		return buf, nil
	case <-p.closed:
		p.mu.Lock()
		err := p.readErr
		p.mu.Unlock()
		return nil, fmt.Errorf("tcpcomm: connection closed: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *peerConn) close() error { return p.conn.Close() }

// Communicator is a tcpcomm rank: a static peer table plus one
// persistent peerConn to every other rank, dialed and accepted at
// construction time.
type Communicator struct {
	rank  int
	peers []string // peers[r] is rank r's listen address
	conns map[int]*peerConn

	selfMu  sync.Mutex
	selfBox map[int32]chan []byte

	listener net.Listener
	// owned is false for Communicators produced by Split: they share
	// peerConns with the mesh they were split from, so Close must not
	// tear those connections down underneath sibling communicators.
	owned bool
}

// DialTimeout bounds how long New waits for a single outbound dial
// attempt before retrying; the acceptor side has no timeout of its own
// since it is purely reactive.
var DialTimeout = 5 * time.Second

// DialRetryInterval is the pause between failed dial attempts while the
// destination rank's listener has not come up yet.
var DialRetryInterval = 200 * time.Millisecond

// New brings up a size-rank tcpcomm communicator: it listens on
// peers[rank], dials every higher-ranked peer, and blocks until every
// lower-ranked peer has connected back. All size ranks must call New
// concurrently (typically: once per OS process) for wireup to complete.
func New(ctx context.Context, rank int, peers []string) (*Communicator, error) {
	if rank < 0 || rank >= len(peers) {
		return nil, fmt.Errorf("tcpcomm: rank %d out of range for %d peers", rank, len(peers))
	}
	ln, err := net.Listen("tcp", peers[rank])
	if err != nil {
		return nil, fmt.Errorf("tcpcomm: listen on %s: %w", peers[rank], err)
	}

	c := &Communicator{
		rank:     rank,
		peers:    append([]string(nil), peers...),
		conns:    make(map[int]*peerConn),
		selfBox:  make(map[int32]chan []byte),
		listener: ln,
		owned:    true,
	}

	expectAccepts := rank // ranks 0..rank-1 dial us
	acceptErrC := make(chan error, 1)
	go c.acceptLoop(expectAccepts, acceptErrC)

	for p := rank + 1; p < len(peers); p++ {
		conn, err := dialWithRetry(ctx, peers[p], rank)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("tcpcomm: dial rank %d at %s: %w", p, peers[p], err)
		}
		pc := newPeerConn(conn)
		c.conns[p] = pc
		go pc.readLoop()
	}

	select {
	case err := <-acceptErrC:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c, nil
}

func dialWithRetry(ctx context.Context, addr string, ownRank int) (net.Conn, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, DialTimeout)
		if err == nil {
			var hdr [4]byte
			binary.BigEndian.PutUint32(hdr[:], uint32(ownRank))
			if _, err := conn.Write(hdr[:]); err == nil {
				return conn, nil
			}
			_ = conn.Close()
		}
		select {
		case <-time.After(DialRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Communicator) acceptLoop(expect int, done chan<- error) {
	seen := 0
	for seen < expect {
		conn, err := c.listener.Accept()
		if err != nil {
			done <- fmt.Errorf("tcpcomm: accept: %w", err)
			return
		}
		var hdr [4]byte
		if _, err := fullRead(conn, hdr[:]); err != nil {
			_ = conn.Close()
			done <- fmt.Errorf("tcpcomm: read peer handshake: %w", err)
			return
		}
		peerRank := int(binary.BigEndian.Uint32(hdr[:]))
		pc := newPeerConn(conn)
		c.conns[peerRank] = pc
		go pc.readLoop()
		seen++
	}
	done <- nil
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Communicator) Rank() int { return c.rank }
func (c *Communicator) Size() int { return len(c.peers) }

func (c *Communicator) Send(ctx context.Context, dst int, tag int, data []byte) error {
	if dst == comm.ProcNull {
		return nil
	}
	_, span := tracer.Start(ctx, "tcpcomm.Send", oteltrace.WithAttributes(
		attribute.Int("pario.rank", c.rank),
		attribute.Int("pario.dst", dst),
		attribute.Int("pario.tag", tag),
		attribute.Int("pario.bytes", len(data)),
	))
	defer span.End()

	var err error
	if dst == c.rank {
		c.selfSend(int32(tag), data)
	} else {
		pc, ok := c.conns[dst]
		if !ok {
			err = fmt.Errorf("tcpcomm: no connection to rank %d", dst)
		} else {
			err = pc.send(int32(tag), data)
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Communicator) Recv(ctx context.Context, src int, tag int) ([]byte, error) {
	if src == comm.ProcNull {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "tcpcomm.Recv", oteltrace.WithAttributes(
		attribute.Int("pario.rank", c.rank),
		attribute.Int("pario.src", src),
		attribute.Int("pario.tag", tag),
	))
	defer span.End()

	var (
		buf []byte
		err error
	)
	if src == c.rank {
		buf, err = c.selfRecv(ctx, int32(tag))
	} else {
		pc, ok := c.conns[src]
		if !ok {
			err = fmt.Errorf("tcpcomm: no connection to rank %d", src)
		} else {
			buf, err = pc.recv(ctx, int32(tag))
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("pario.bytes", len(buf)))
	}
	return buf, err
}

func (c *Communicator) selfSend(tag int32, data []byte) {
	c.selfMu.Lock()
	ch, ok := c.selfBox[tag]
	if !ok {
		ch = make(chan []byte, 4)
		c.selfBox[tag] = ch
	}
	c.selfMu.Unlock()
	buf := append([]byte(nil), data...)
	ch <- buf
}

func (c *Communicator) selfRecv(ctx context.Context, tag int32) ([]byte, error) {
	c.selfMu.Lock()
	ch, ok := c.selfBox[tag]
	if !ok {
		ch = make(chan []byte, 4)
		c.selfBox[tag] = ch
	}
	c.selfMu.Unlock()
	select {
	case buf := <-ch:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases every peer connection and the listener. Communicators
// produced by Split do not own their connections and only drop their
// local references; only the original full-mesh Communicator from New
// actually tears the sockets down. Safe to call more than once.
func (c *Communicator) Close() error {
	if !c.owned {
		return nil
	}
	var firstErr error
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, pc := range c.conns {
		if err := pc.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
