// Package forwarder implements the event loop (C4): a single-threaded,
// readiness-driven dispatcher that demultiplexes UDP ingress, drives peer
// state transitions, and shuttles bytes between the request table (C2)
// and the peer pool (C3). Grounded on server() in
// _examples/original_source/ttdnsd.c, with poll(2) replaced by epoll(7)
// (internal/socket) and every busy-wait EAGAIN retry replaced by
// returning to epoll_wait, per spec.md §5 and §9.
package forwarder

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tordns/ttdnsd/internal/metrics"
	"github.com/tordns/ttdnsd/internal/peerpool"
	"github.com/tordns/ttdnsd/internal/reqtable"
	"github.com/tordns/ttdnsd/internal/roster"
	"github.com/tordns/ttdnsd/internal/socket"
	"github.com/tordns/ttdnsd/pkg/pool"
)

// Config bundles everything the event loop needs to build its resources.
type Config struct {
	BindIP        net.IP
	BindPort      int
	PeerPoolSize  int
	TableCapacity int
	MaxAge        time.Duration
	Roster        *roster.Roster
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Forwarder owns the UDP socket, the epoll set, the request table, and
// the peer pool. Every field below is touched only from the Run
// goroutine — the sole exception is Stop, which is safe to call from a
// signal handler because it only writes to an eventfd.
type Forwarder struct {
	cfg Config

	udpFD  int
	stopFD int
	epoll  *socket.Epoll

	roster *roster.Roster
	table  *reqtable.Table
	peers  *peerpool.Pool

	log *zap.Logger
	m   *metrics.Metrics

	peerTrackedFD     []int
	peerTrackedEvents []uint32
}

// New binds the UDP socket and builds the epoll set. It does not start
// serving; call Run for that.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.PeerPoolSize <= 0 {
		cfg.PeerPoolSize = 1
	}

	udpFD, err := socket.ListenUDP(cfg.BindIP, cfg.BindPort)
	if err != nil {
		return nil, fmt.Errorf("forwarder: %w", err)
	}

	stopFD, err := socket.NewEventFD()
	if err != nil {
		unix.Close(udpFD)
		return nil, fmt.Errorf("forwarder: eventfd: %w", err)
	}

	ep, err := socket.NewEpoll()
	if err != nil {
		unix.Close(udpFD)
		unix.Close(stopFD)
		return nil, fmt.Errorf("forwarder: %w", err)
	}
	if err := ep.Add(udpFD, socket.EventRead); err != nil {
		ep.Close()
		unix.Close(udpFD)
		unix.Close(stopFD)
		return nil, fmt.Errorf("forwarder: register udp fd: %w", err)
	}
	if err := ep.Add(stopFD, socket.EventRead); err != nil {
		ep.Close()
		unix.Close(udpFD)
		unix.Close(stopFD)
		return nil, fmt.Errorf("forwarder: register stop fd: %w", err)
	}

	f := &Forwarder{
		cfg:    cfg,
		udpFD:  udpFD,
		stopFD: stopFD,
		epoll:  ep,
		roster: cfg.Roster,
		table:  reqtable.New(cfg.TableCapacity, cfg.MaxAge),
		peers:  peerpool.New(cfg.PeerPoolSize),
		log:    cfg.Logger,
		m:      cfg.Metrics,
	}
	f.peerTrackedFD = make([]int, cfg.PeerPoolSize)
	f.peerTrackedEvents = make([]uint32, cfg.PeerPoolSize)
	for i := range f.peerTrackedFD {
		f.peerTrackedFD[i] = -1
	}
	return f, nil
}

// Stop wakes up a blocked Run via the eventfd. Safe to call once, from
// any goroutine (typically a signal handler in coremain).
func (f *Forwarder) Stop() error {
	return socket.SignalEventFD(f.stopFD)
}

// Close releases the UDP socket, eventfd, epoll fd, and all peer sockets.
// Call after Run has returned.
func (f *Forwarder) Close() {
	for i := 0; i < f.peers.Len(); i++ {
		f.peers.Close(i)
	}
	unix.Close(f.udpFD)
	unix.Close(f.stopFD)
	f.epoll.Close()
}

// Occupancy exposes the request table's current occupancy, read by the
// metrics goroutine via the InFlight gauge, which Run refreshes once per
// iteration (no lock needed: Set is called only from Run, Collect only
// reads the gauge's own atomic).
func (f *Forwarder) Occupancy() int { return f.table.Occupancy() }

// Run is the event loop (spec.md §4.4). It blocks until Stop is called
// or an unrecoverable error occurs.
func (f *Forwarder) Run() error {
	events := make([]unix.EpollEvent, 2+f.peers.Len())

	for {
		n, err := f.epoll.Wait(events)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("forwarder: epoll_wait: %w", err)
		}

		for k := 0; k < n; k++ {
			fd := int(events[k].Fd)
			switch {
			case fd == f.stopFD:
				return nil
			case fd == f.udpFD:
				f.handleUDPReadable()
			default:
				f.handlePeerEvent(fd)
			}
		}
		f.m.InFlight.Set(float64(f.table.Occupancy()))
	}
}

// handleUDPReadable implements spec.md §4.4 step 4: accept one datagram,
// frame it for TCP, and either send it immediately via a CONNECTED peer
// or kick off a connect.
func (f *Forwarder) handleUDPReadable() {
	bufPtr := pool.GetReqBuf()
	buf := *bufPtr

	n, from, err := socket.RecvFromUDP(f.udpFD, buf[2:])
	if err != nil {
		pool.ReleaseReqBuf(bufPtr)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		f.log.Debug("udp recv error", zap.Error(err))
		return
	}
	if n < 2 {
		// too short to carry a transaction ID; nothing useful to forward.
		pool.ReleaseReqBuf(bufPtr)
		return
	}

	binary.BigEndian.PutUint16(buf[0:2], uint16(n))
	clientID := binary.BigEndian.Uint16(buf[2:4])

	f.m.QueriesReceived.Inc()

	req := reqtable.Request{
		Client: reqtable.ClientAddr{IP: from.IP, Port: from.Port},
		RID:    clientID,
		ID:     clientID,
		Buf:    buf,
		BufLen: n + 2,
	}

	slot, result, evicted := f.table.Insert(req, time.Now())
	if evicted != nil {
		pool.ReleaseReqBuf(&evicted)
	}
	switch result {
	case reqtable.DroppedDuplicate:
		f.m.QueriesDropped.WithLabelValues("duplicate").Inc()
		pool.ReleaseReqBuf(bufPtr)
		return
	case reqtable.DroppedTableFull:
		f.m.QueriesDropped.WithLabelValues("table_full").Inc()
		f.log.Warn("request table full, dropping query")
		pool.ReleaseReqBuf(bufPtr)
		return
	}

	if got := f.table.Get(slot).ID; got != clientID {
		f.m.IDRewrites.Inc()
		f.log.Debug("rewrote colliding transaction id", zap.Uint16("original", clientID), zap.Uint16("rewritten", got))
	}

	if idx, ok := f.peers.FirstConnected(); ok {
		f.sendViaPeer(idx, slot)
		return
	}

	addr, ok := f.roster.Select()
	if !ok {
		// spec.md §4.1: an empty roster means we must refuse to connect
		// and drop new requests outright rather than leave them stuck.
		f.m.QueriesDropped.WithLabelValues("no_roster").Inc()
		f.releaseSlot(slot)
		return
	}

	if idx, ok := f.peers.FirstDead(); ok {
		if err := f.peers.Connect(idx, addr); err != nil {
			f.log.Warn("upstream connect failed", zap.Error(err))
		} else {
			f.syncPeer(idx)
		}
	}
	// else: every peer is already CONNECTING; this request stays WAITING
	// and is drained by handleOutstanding on completion.
}

// sendViaPeer enqueues slot on peer idx and flushes it, matching
// request_add's immediate-send path when a peer is already CONNECTED.
// Flush marks the slot SENT once its bytes are fully written.
func (f *Forwarder) sendViaPeer(idx, slot int) {
	f.peers.Enqueue(idx, slot, f.table.Get(slot).ID)
	if lost := f.peers.Flush(idx, f.table); lost {
		f.m.PeerLost.Inc()
		f.log.Warn("peer lost during send", zap.Int("peer", idx))
	}
	f.syncPeer(idx)
}

// handlePeerEvent dispatches one epoll-ready peer fd: recv-and-reassemble
// while CONNECTED, or probe connect completion otherwise (spec.md §4.4
// step 3).
func (f *Forwarder) handlePeerEvent(fd int) {
	for i := 0; i < f.peers.Len(); i++ {
		peer := f.peers.Peer(i)
		if peer.FD != fd {
			continue
		}

		switch peer.State {
		case peerpool.Connected:
			frames, lost := f.peers.Recv(i)
			for _, fr := range frames {
				f.deliverFrame(fr)
			}
			if lost {
				f.m.PeerLost.Inc()
				f.log.Warn("peer lost", zap.Int("peer", i))
			} else if f.peers.PendingSend(i) {
				if lost := f.peers.Flush(i, f.table); lost {
					f.m.PeerLost.Inc()
					f.log.Warn("peer lost during flush", zap.Int("peer", i))
				}
			}
			f.syncPeer(i)

		case peerpool.Connecting, peerpool.Connecting2:
			if f.peers.ProbeCompletion(i) {
				f.m.PeerConnected.Inc()
				f.handleOutstanding(i)
			} else {
				f.log.Debug("upstream connect failed", zap.Int("peer", i))
			}
			f.syncPeer(i)
		}
		return
	}
}

// deliverFrame looks up a reassembled TCP response by its (rewritten)
// transaction ID, restores the client's original ID, and sends it back
// to the UDP client (spec.md §4.3 recv step 6).
func (f *Forwarder) deliverFrame(fr peerpool.Frame) {
	slot, ok := f.table.Find(fr.ID)
	if !ok {
		f.m.UnknownResponse.Inc()
		return
	}
	req := f.table.Get(slot)

	binary.BigEndian.PutUint16(fr.Payload[0:2], req.RID)
	to := socket.Addr{IP: req.Client.IP, Port: req.Client.Port}
	if err := socket.SendToUDP(f.udpFD, fr.Payload, to); err != nil {
		f.log.Debug("udp send error", zap.Error(err))
	} else {
		f.m.QueriesAnswered.Inc()
	}
	f.releaseSlot(slot)
}

// handleOutstanding implements spec.md §4.3 handle_outstanding: every
// WAITING request is handed to the newly-CONNECTED peer, and Flush marks
// each one SENT once it is fully written.
func (f *Forwarder) handleOutstanding(idx int) {
	f.table.ForEachWaiting(func(slot int, req *reqtable.Request) bool {
		f.peers.Enqueue(idx, slot, req.ID)
		return true
	})
	if lost := f.peers.Flush(idx, f.table); lost {
		f.m.PeerLost.Inc()
	}
}

// releaseSlot frees a table slot and returns its buffer to the pool.
func (f *Forwarder) releaseSlot(slot int) {
	buf := f.table.Get(slot).Buf
	f.table.Release(slot)
	pool.ReleaseReqBuf(&buf)
}

// syncPeer keeps peer idx's epoll registration in step with its current
// fd and desired event mask. Called after every state transition instead
// of rebuilding the whole interest set each loop iteration, which is the
// correct epoll idiom (registrations persist across epoll_wait calls,
// unlike poll(2)'s per-call array in the original).
func (f *Forwarder) syncPeer(idx int) {
	peer := f.peers.Peer(idx)
	wantFD := peer.FD
	var wantEvents uint32
	if wantFD >= 0 {
		wantEvents = f.peers.ReadinessEvents(idx)
	}

	trackedFD := f.peerTrackedFD[idx]
	if trackedFD != wantFD {
		if wantFD >= 0 {
			if err := f.epoll.Add(wantFD, wantEvents); err != nil {
				f.log.Warn("epoll add failed", zap.Int("peer", idx), zap.Error(err))
			}
		}
		f.peerTrackedFD[idx] = wantFD
		f.peerTrackedEvents[idx] = wantEvents
		return
	}
	if wantFD >= 0 && f.peerTrackedEvents[idx] != wantEvents {
		if err := f.epoll.Modify(wantFD, wantEvents); err != nil {
			f.log.Warn("epoll modify failed", zap.Int("peer", idx), zap.Error(err))
		}
		f.peerTrackedEvents[idx] = wantEvents
	}
}
