package reqtable

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeReq(id uint16, port int) Request {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint16(buf[2:4], id)
	return Request{
		Client: ClientAddr{IP: [4]byte{127, 0, 0, 1}, Port: port},
		RID:    id,
		ID:     id,
		Buf:    buf,
		BufLen: len(buf),
	}
}

func TestInsertAndFind(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	now := time.Now()

	slot, result, _ := tab.Insert(makeReq(42, 1000), now)
	require.Equal(t, Inserted, result)
	require.NotEqual(t, -1, slot)

	found, ok := tab.Find(42)
	assert.True(t, ok)
	assert.Equal(t, slot, found)
}

func TestInsertDropsExactDuplicate(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	now := time.Now()

	_, result, _ := tab.Insert(makeReq(7, 1000), now)
	require.Equal(t, Inserted, result)

	_, result, _ = tab.Insert(makeReq(7, 1000), now)
	assert.Equal(t, DroppedDuplicate, result)
	assert.Equal(t, 1, tab.Drops())
}

func TestInsertReclaimsExactMatchOnceItIsStale(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	past := time.Now().Add(-10 * time.Second)

	slotA, result, evicted := tab.Insert(makeReq(7, 1000), past)
	require.Equal(t, Inserted, result)
	assert.Nil(t, evicted)

	// the same client retries the same query after the first attempt
	// timed out without an answer: this must not be dropped forever as a
	// duplicate of a request nobody is waiting on anymore.
	now := past.Add(10 * time.Second)
	slotB, result, evicted := tab.Insert(makeReq(7, 1000), now)
	require.Equal(t, Inserted, result)
	assert.Equal(t, slotA, slotB)
	assert.NotNil(t, evicted)
	assert.Equal(t, 1, tab.Evictions())
}

func TestInsertRewritesOnCollisionFromDifferentClient(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	now := time.Now()

	slotA, result, _ := tab.Insert(makeReq(7, 1000), now)
	require.Equal(t, Inserted, result)

	reqB := makeReq(7, 2000)
	slotB, result, _ := tab.Insert(reqB, now)
	require.Equal(t, Inserted, result)
	assert.NotEqual(t, slotA, slotB)
	assert.Equal(t, 1, tab.Rewrites())

	rewritten := tab.Get(slotB)
	assert.NotEqual(t, uint16(7), rewritten.ID)
	assert.Equal(t, rewritten.ID, binary.BigEndian.Uint16(rewritten.Buf[2:4]))
}

func TestInsertReclaimsStaleSlotOnCollision(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	past := time.Now().Add(-10 * time.Second)

	slotA, result, _ := tab.Insert(makeReq(7, 1000), past)
	require.Equal(t, Inserted, result)

	now := past.Add(10 * time.Second)
	reqB := makeReq(7, 2000)
	slotB, result, evicted := tab.Insert(reqB, now)
	require.Equal(t, Inserted, result)
	assert.Equal(t, slotA, slotB)
	assert.Equal(t, uint16(7), tab.Get(slotB).ID)
	assert.NotNil(t, evicted)
}

func TestInsertTableFullReturnsDroppedTableFull(t *testing.T) {
	tab := New(3, DefaultMaxAge)
	now := time.Now()

	for i, id := range []uint16{3, 6, 9} {
		// 3 % 3 == 0, 6 % 3 == 0, 9 % 3 == 0: forces a full probe chain.
		_, result, _ := tab.Insert(makeReq(id, 1000+i), now)
		require.Equal(t, Inserted, result)
	}

	_, result, _ := tab.Insert(makeReq(12, 2000), now)
	assert.Equal(t, DroppedTableFull, result)
	assert.Equal(t, 1, tab.Drops())
}

func TestFindMissReturnsFalse(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	_, ok := tab.Find(123)
	assert.False(t, ok)
}

func TestFindSkipsFreedSlotsWithoutTerminating(t *testing.T) {
	tab := New(5, DefaultMaxAge)
	now := time.Now()

	slotA, _, _ := tab.Insert(makeReq(5, 1000), now)  // 5 % 5 == 0
	slotB, _, _ := tab.Insert(makeReq(10, 2000), now) // 10 % 5 == 0, probes to slot 1

	tab.Release(slotA)

	found, ok := tab.Find(10)
	assert.True(t, ok)
	assert.Equal(t, slotB, found)
}

func TestReleaseFreesSlot(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	now := time.Now()

	slot, _, _ := tab.Insert(makeReq(7, 1000), now)
	tab.Release(slot)

	_, ok := tab.Find(7)
	assert.False(t, ok)
	assert.Equal(t, 0, tab.Occupancy())
}

func TestOccupancyCountsLiveSlots(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	now := time.Now()

	tab.Insert(makeReq(1, 1000), now)
	tab.Insert(makeReq(2, 2000), now)
	assert.Equal(t, 2, tab.Occupancy())
}

func TestForEachWaitingOnlyVisitsWaitingSlots(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	now := time.Now()

	slotWaiting, _, _ := tab.Insert(makeReq(1, 1000), now)
	slotSent, _, _ := tab.Insert(makeReq(2, 2000), now)
	tab.Get(slotSent).State = Sent

	var visited []int
	tab.ForEachWaiting(func(slot int, req *Request) bool {
		visited = append(visited, slot)
		return true
	})

	assert.Equal(t, []int{slotWaiting}, visited)
}

func TestForEachWaitingStopsEarly(t *testing.T) {
	tab := New(499, DefaultMaxAge)
	now := time.Now()

	tab.Insert(makeReq(1, 1000), now)
	tab.Insert(makeReq(2, 2000), now)

	count := 0
	tab.ForEachWaiting(func(slot int, req *Request) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}
