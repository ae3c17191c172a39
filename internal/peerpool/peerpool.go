// Package peerpool implements the pool of upstream TCP sessions (C3): a
// small, fixed-size array of non-blocking connections with an explicit
// connect/connected/dead state machine, length-prefixed read reassembly,
// and an outbound send cursor so a short write never spins the event
// loop. Grounded on peer_connect/peer_connected/peer_sendreq/peer_readres
// in _examples/original_source/ttdnsd.c, with the busy-wait EAGAIN loops
// replaced by cooperative epoll-driven resumption per spec.md §5/§9.
package peerpool

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tordns/ttdnsd/internal/reqtable"
	"github.com/tordns/ttdnsd/internal/socket"
)

// RecvBufSize is the minimum peer receive buffer size from spec.md §3
// (Peer invariants): one 1500-byte DNS message plus its 2-byte length
// prefix. A response longer than that never completes a frame; Recv
// tears the peer down once the buffer is full.
const RecvBufSize = 1502

// State is a peer's position in the DEAD/CONNECTING/CONNECTING2/CONNECTED
// state machine (spec.md §4.3). CONNECTING2 is reserved and unused: the
// spec collapses it into CONNECTING unless a staged transport handshake
// (e.g. a SOCKS CONNECT) is injected ahead of the DNS stream, which this
// forwarder does not do itself — see DESIGN.md.
type State uint8

const (
	Dead State = iota
	Connecting
	Connecting2
	Connected
)

// pendingSend is one request slot queued for a peer write, along with how
// many bytes of its buffer have already been drained. id is the table
// slot's transaction id at Enqueue time, so Flush can tell a slot that was
// reclaimed by reqtable for an unrelated request (spec.md §4.2 eviction)
// from the request it actually queued, instead of writing someone else's
// bytes to this peer.
type pendingSend struct {
	slot   int
	id     uint16
	cursor int
}

// Peer is one upstream TCP session.
type Peer struct {
	Addr         [4]byte
	FD           int
	State        State
	RecvBuf      []byte
	RecvFill     int
	LastActivity time.Time

	sendQueue []pendingSend
}

// Frame is one fully reassembled, length-prefixed DNS response extracted
// from a peer's TCP stream.
type Frame struct {
	ID      uint16
	Payload []byte // the DNS message bytes, id field already in place
}

// Pool is the fixed-size array of peers (MAX_PEERS in the original,
// default 1; spec.md permits 1..K).
type Pool struct {
	peers []Peer
}

// New builds a Pool with size peers, all initially DEAD.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{peers: make([]Peer, size)}
	for i := range p.peers {
		p.peers[i].FD = -1
		p.peers[i].RecvBuf = make([]byte, RecvBufSize)
	}
	return p
}

// Len returns the pool size.
func (p *Pool) Len() int { return len(p.peers) }

// Peer returns a pointer to peer i for read-only inspection (e.g. by the
// event loop when building the epoll readiness set).
func (p *Pool) Peer(i int) *Peer { return &p.peers[i] }

// FirstConnected returns the index of a CONNECTED peer, if any.
func (p *Pool) FirstConnected() (int, bool) {
	for i := range p.peers {
		if p.peers[i].State == Connected {
			return i, true
		}
	}
	return -1, false
}

// FirstDead returns the index of a DEAD peer, if any, for initiating a
// new connection.
func (p *Pool) FirstDead() (int, bool) {
	for i := range p.peers {
		if p.peers[i].State == Dead {
			return i, true
		}
	}
	return -1, false
}

// Connect starts a non-blocking TCP connect to addr:53 for peer i. A
// no-op if the peer is already CONNECTING/CONNECTING2/CONNECTED (spec.md
// §4.3 connect).
func (p *Pool) Connect(i int, addr [4]byte) error {
	peer := &p.peers[i]
	if peer.State != Dead {
		return nil
	}

	fd, _, err := socket.DialTCPNonblocking(addr, 53)
	if err != nil {
		return err
	}

	peer.Addr = addr
	peer.FD = fd
	peer.State = Connecting
	peer.RecvFill = 0
	peer.sendQueue = peer.sendQueue[:0]
	peer.LastActivity = time.Now()
	return nil
}

// ProbeCompletion is invoked when the event loop observes peer i's socket
// as writable while CONNECTING. It reads the pending socket error: zero
// means the connect succeeded and the peer transitions to CONNECTED;
// nonzero closes the socket and transitions to DEAD (spec.md §4.3
// completion probe, §9 non-blocking connect completion).
func (p *Pool) ProbeCompletion(i int) (connected bool) {
	peer := &p.peers[i]
	if err := socket.ConnectError(peer.FD); err != nil {
		p.toDead(i)
		return false
	}
	peer.State = Connected
	peer.LastActivity = time.Now()
	return true
}

// Enqueue queues request table slot for sending on peer i. id is the
// slot's current transaction id, captured now so Flush can detect the
// slot being reclaimed for a different request before it gets there. The
// event loop calls Flush afterward (and again on every subsequent
// writable readiness) to actually drain it.
func (p *Pool) Enqueue(i int, slot int, id uint16) {
	p.peers[i].sendQueue = append(p.peers[i].sendQueue, pendingSend{slot: slot, id: id})
}

// PendingSend reports whether peer i has outbound data queued, so the
// event loop knows to also request EPOLLOUT readiness even while
// CONNECTED (spec.md §5 backpressure: queue rather than busy-loop).
func (p *Pool) PendingSend(i int) bool {
	return len(p.peers[i].sendQueue) > 0
}

// Flush drains as much of peer i's send queue as the socket currently
// accepts. It marks each fully-written request Sent in table. A
// non-retriable write error or a zero-byte write closes the peer
// (spec.md §4.3 send, §7 PeerLost) and reports peerLost; requests not yet
// fully written stay WAITING in the table for the next connect.
func (p *Pool) Flush(i int, table *reqtable.Table) (peerLost bool) {
	peer := &p.peers[i]

	for len(peer.sendQueue) > 0 {
		head := &peer.sendQueue[0]
		req := table.Get(head.slot)
		if req.ID == 0 || req.ID != head.id {
			// request already timed out/released before we got to it, or
			// reqtable reclaimed the slot for an unrelated request — either
			// way, the bytes we queued no longer belong here.
			peer.sendQueue = peer.sendQueue[1:]
			continue
		}

		buf := req.Buf[:req.BufLen]
		n, err := unix.Write(peer.FD, buf[head.cursor:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false // await next EPOLLOUT readiness
			}
			p.toDead(i)
			return true
		}
		if n == 0 {
			p.toDead(i)
			return true
		}

		head.cursor += n
		if head.cursor < len(buf) {
			return false // short write; resume from cursor next time
		}

		req.State = reqtable.Sent
		peer.sendQueue = peer.sendQueue[1:]
	}
	peer.LastActivity = time.Now()
	return false
}

// Recv performs one non-blocking read into peer i's receive buffer and
// reassembles as many complete length-prefixed frames as are available
// (spec.md §4.3 recv and reassembly). EOF or a hard read error closes the
// peer. Each returned Frame.Payload is a copy, safe to hold onto past the
// next call to Recv on the same peer — compacting RecvBuf for frame N+1
// would otherwise overwrite the bytes frame N's payload still needs to be
// read from.
func (p *Pool) Recv(i int) (frames []Frame, peerLost bool) {
	peer := &p.peers[i]

	if peer.RecvFill >= len(peer.RecvBuf) {
		// the buffer filled without ever completing a frame: either a
		// malformed length prefix or a response bigger than RecvBufSize.
		// unix.Read on a zero-length slice returns (0, nil), which Recv
		// would otherwise mistake for EOF, so bail out explicitly instead.
		p.toDead(i)
		return nil, true
	}

	n, err := unix.Read(peer.FD, peer.RecvBuf[peer.RecvFill:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, false
		}
		p.toDead(i)
		return nil, true
	}
	if n == 0 {
		p.toDead(i)
		return nil, true
	}
	peer.RecvFill += n
	peer.LastActivity = time.Now()

	for {
		if peer.RecvFill < 2 {
			break
		}
		l := int(binary.BigEndian.Uint16(peer.RecvBuf[0:2]))
		if peer.RecvFill < l+2 {
			break
		}

		payload := append([]byte(nil), peer.RecvBuf[2:l+2]...)
		id := binary.BigEndian.Uint16(payload[0:2])
		frames = append(frames, Frame{ID: id, Payload: payload})

		rest := peer.RecvFill - (l + 2)
		copy(peer.RecvBuf[0:rest], peer.RecvBuf[l+2:peer.RecvFill])
		peer.RecvFill = rest
	}
	return frames, false
}

// toDead closes peer i's socket and resets it to DEAD, discarding any
// unsent queue (the requests themselves remain in the table and are
// retried on the next connect, or time out — spec.md §7 PeerLost).
func (p *Pool) toDead(i int) {
	peer := &p.peers[i]
	if peer.FD >= 0 {
		unix.Close(peer.FD)
	}
	peer.FD = -1
	peer.State = Dead
	peer.RecvFill = 0
	peer.sendQueue = peer.sendQueue[:0]
}

// Close forcibly tears down peer i, for shutdown.
func (p *Pool) Close(i int) {
	p.toDead(i)
}

// ReadinessEvents returns the epoll event mask the event loop should
// register for peer i's fd: EPOLLIN while CONNECTED (plus EPOLLOUT if a
// send is queued or mid-flight), EPOLLOUT|EPOLLERR otherwise
// (DEAD-with-an-fd never happens; CONNECTING/CONNECTING2 probe
// writability) — spec.md §4.4 step 1.
func (p *Pool) ReadinessEvents(i int) uint32 {
	peer := &p.peers[i]
	if peer.State == Connected {
		ev := uint32(socket.EventRead)
		if len(peer.sendQueue) > 0 {
			ev |= socket.EventWrite
		}
		return ev
	}
	return socket.EventWrite
}
