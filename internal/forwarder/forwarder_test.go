package forwarder

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tordns/ttdnsd/internal/metrics"
	"github.com/tordns/ttdnsd/internal/roster"
)

// Peer connects always target port 53 (spec.md §4.1/§4.3), which a test
// process cannot bind to without root. These tests exercise everything
// up to and including the connect attempt without requiring a real
// upstream to answer on: an unreachable roster address still drives the
// table-insert and peer-state-machine paths the event loop is meant to
// cover, it just never reaches CONNECTED.
func newTestForwarder(t *testing.T, bindPort int) *Forwarder {
	t.Helper()

	fwd, err := New(Config{
		BindIP:        net.ParseIP("127.0.0.1"),
		BindPort:      bindPort,
		PeerPoolSize:  1,
		TableCapacity: 31,
		MaxAge:        2 * time.Second,
		Roster:        roster.New([][4]byte{{198, 51, 100, 1}}), // TEST-NET-2, never answers
		Logger:        zap.NewNop(),
		Metrics:       metrics.New(),
	})
	require.NoError(t, err)
	t.Cleanup(fwd.Close)

	return fwd
}

func TestStopUnblocksRun(t *testing.T) {
	fwd := newTestForwarder(t, 18851)

	done := make(chan error, 1)
	go func() { done <- fwd.Run() }()

	require.NoError(t, fwd.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestForwarderQueuesAQueryAwaitingAConnect(t *testing.T) {
	const bindPort = 18852
	fwd := newTestForwarder(t, bindPort)

	done := make(chan error, 1)
	go func() { done <- fwd.Run() }()
	t.Cleanup(func() {
		fwd.Stop()
		<-done
	})

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer client.Close()

	query := make([]byte, 12)
	binary.BigEndian.PutUint16(query[0:2], 0xBEEF)
	_, err = client.WriteToUDP(query, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: bindPort})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fwd.Occupancy() == 1
	}, 2*time.Second, 10*time.Millisecond, "query should have been inserted into the request table")
}

func TestForwarderDropsOnEmptyRoster(t *testing.T) {
	const bindPort = 18853
	fwd, err := New(Config{
		BindIP:        net.ParseIP("127.0.0.1"),
		BindPort:      bindPort,
		PeerPoolSize:  1,
		TableCapacity: 31,
		Roster:        roster.New(nil),
		Logger:        zap.NewNop(),
		Metrics:       metrics.New(),
	})
	require.NoError(t, err)
	t.Cleanup(fwd.Close)

	done := make(chan error, 1)
	go func() { done <- fwd.Run() }()
	t.Cleanup(func() {
		fwd.Stop()
		<-done
	})

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer client.Close()

	query := make([]byte, 12)
	binary.BigEndian.PutUint16(query[0:2], 0xCAFE)
	_, err = client.WriteToUDP(query, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: bindPort})
	require.NoError(t, err)

	// With no usable upstream, the request must never be left occupying
	// the table: it is dropped outright (spec.md §4.1).
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, fwd.Occupancy())
}
