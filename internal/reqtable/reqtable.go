// Package reqtable implements the request table (C2): a fixed-capacity,
// open-addressed hash table of in-flight UDP-to-TCP requests keyed by
// (rewritten) DNS transaction ID, with linear probing from id mod N.
// Grounded on request_add/request_find in
// _examples/original_source/ttdnsd.c, generalized per spec.md §4.2.
package reqtable

import (
	"encoding/binary"
	"math/rand/v2"
	"time"
)

// DefaultCapacity is MAX_REQUESTS from ttdnsd.h: a prime chosen to keep
// the linear-probe chains short under the table's load factor.
const DefaultCapacity = 499

// DefaultMaxAge is MAX_TIME from ttdnsd.h: a slot is eligible for
// timeout-based eviction once it has sat occupied longer than this.
const DefaultMaxAge = 3 * time.Second

// State is a request's position in the WAITING/SENT lifecycle (§3).
type State uint8

const (
	Waiting State = iota
	Sent
)

// ClientAddr identifies the UDP peer a request's answer must be returned
// to. Plain value type (not net.UDPAddr) since the event loop talks to
// raw sockets via internal/socket, not the net package.
type ClientAddr struct {
	IP   [4]byte
	Port int
}

// Request is one in-flight UDP query awaiting a TCP answer.
type Request struct {
	Client  ClientAddr
	RID     uint16 // the client's original transaction ID, restored on answer
	ID      uint16 // current (possibly rewritten) transaction ID; 0 == free slot
	Buf     []byte // length-prefixed wire buffer: 2-byte BE length + message
	BufLen  int    // bytes valid in Buf (2 + message length)
	State   State
	Arrival time.Time
}

// InsertResult reports what Insert did, for the event loop's dispatch
// decision (spec.md §4.4 step 4) and for metrics.
type InsertResult int

const (
	// Inserted means a fresh slot was claimed; the stored Request.ID may
	// differ from the incoming one if the original id collided in-table.
	Inserted InsertResult = iota
	// DroppedDuplicate means an identical (client, id) request was
	// already in flight; the new request was discarded.
	DroppedDuplicate
	// DroppedTableFull means every slot along the probe chain was
	// occupied by a live, non-matching request.
	DroppedTableFull
)

// Table is the fixed-capacity open-addressed request table.
type Table struct {
	slots    []Request
	capacity int
	maxAge   time.Duration

	drops     int
	rewrites  int
	evictions int
}

// New builds a Table with the given capacity (0 selects DefaultCapacity)
// and max request age (0 selects DefaultMaxAge).
func New(capacity int, maxAge time.Duration) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Table{
		slots:    make([]Request, capacity),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Cap returns the table's fixed capacity.
func (t *Table) Cap() int { return t.capacity }

// Insert claims a slot for req, rewriting req.ID when an occupant with the
// same id belongs to a different client (spec.md §4.2 step 2). On success
// it also patches the rewritten id into req.Buf at offset 2 (big-endian),
// matching the original's in-place id NAT. It reports the slot index (or
// -1), the outcome, and — when Insert reclaimed a stale occupant's slot —
// that occupant's wire buffer, which the caller owns and must return to
// its buffer pool.
func (t *Table) Insert(req Request, now time.Time) (slot int, result InsertResult, evicted []byte) {
	pos := int(req.ID) % t.capacity
	start := pos

	for {
		occ := &t.slots[pos]

		if occ.ID == 0 {
			break // free slot, claim it
		}

		if occ.ID == req.ID {
			if occ.Client == req.Client {
				if now.Sub(occ.Arrival) <= t.maxAge {
					t.drops++
					return -1, DroppedDuplicate, nil
				}
				// the earlier query never got an answer and aged out: this
				// is the client retrying, not a live duplicate, so reclaim
				// the slot instead of dropping the retry on the floor.
				evicted = occ.Buf
				t.evictions++
				break
			}
			// bucket collision with a different client: NAT the id and
			// restart the probe from the new bucket.
			req.ID = freshID()
			t.rewrites++
			pos = int(req.ID) % t.capacity
			start = pos
			continue
		}

		if now.Sub(occ.Arrival) > t.maxAge {
			evicted = occ.Buf
			t.evictions++
			break // stale occupant, reclaim its slot
		}

		pos = (pos + 1) % t.capacity
		if pos == start {
			t.drops++
			return -1, DroppedTableFull, nil
		}
	}

	req.Arrival = now
	req.State = Waiting
	if len(req.Buf) >= 4 {
		binary.BigEndian.PutUint16(req.Buf[2:4], req.ID)
	}
	t.slots[pos] = req
	return pos, Inserted, evicted
}

// freshID draws a uniformly random id in [1, 65535], avoiding the
// reserved 0 (free-slot sentinel).
func freshID() uint16 {
	for {
		id := uint16(rand.IntN(65536))
		if id != 0 {
			return id
		}
	}
}

// Find locates the slot holding id, probing from id mod N and wrapping
// exactly once (spec.md §4.2 find). Freed slots (ID == 0) are skipped,
// not treated as chain terminators — only a full wrap back to the start
// ends the search (see DESIGN.md for the tombstone-vs-wrap discussion,
// §9 Open Question).
func (t *Table) Find(id uint16) (slot int, ok bool) {
	pos := int(id) % t.capacity
	start := pos
	for {
		if t.slots[pos].ID == id {
			return pos, true
		}
		pos = (pos + 1) % t.capacity
		if pos == start {
			return -1, false
		}
	}
}

// Get returns a pointer to the slot's Request for in-place mutation
// (e.g. State = Sent after a successful write).
func (t *Table) Get(slot int) *Request {
	return &t.slots[slot]
}

// Release frees slot, making it available for reuse (spec.md §4.2
// release). No compaction is performed.
func (t *Table) Release(slot int) {
	t.slots[slot] = Request{}
}

// Occupancy reports how many slots currently hold a live request, for the
// in-flight gauge in internal/metrics.
func (t *Table) Occupancy() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].ID != 0 {
			n++
		}
	}
	return n
}

// ForEachWaiting invokes fn for every occupied slot in state Waiting, used
// by handle_outstanding (spec.md §4.3) when a peer transitions to
// CONNECTED. fn returning false stops the iteration early.
func (t *Table) ForEachWaiting(fn func(slot int, req *Request) bool) {
	for i := range t.slots {
		if t.slots[i].ID != 0 && t.slots[i].State == Waiting {
			if !fn(i, &t.slots[i]) {
				return
			}
		}
	}
}

// Drops, Rewrites, and Evictions return cumulative counters since New.
func (t *Table) Drops() int     { return t.drops }
func (t *Table) Rewrites() int  { return t.rewrites }
func (t *Table) Evictions() int { return t.evictions }
