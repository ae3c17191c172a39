// Package roster loads and serves the upstream resolver list (C1):
// an immutable, capacity-bounded set of IPv4 addresses read once at
// startup, selected from uniformly at random. Grounded on
// load_nameservers in _examples/original_source/ttdnsd.c.
package roster

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"strings"
)

// DefaultCapacity is MAX_NAMESERVERS from ttdnsd.h.
const DefaultCapacity = 32

// ErrEmptyRoster is returned by Load when no line in the resolver file
// yielded a usable address.
var ErrEmptyRoster = errors.New("roster: no usable resolver address loaded")

// rejectedPrefixes are the loopback / RFC 1918 prefixes the original
// rejects textually, matching strstr(line, prefix) == line.
var rejectedPrefixes = []string{"10.", "127.", "192.168."}

// Stats summarizes a Load call, for logging and metrics (C6/C7).
type Stats struct {
	Loaded   int
	Rejected int
	Malformed int
}

// Roster is the read-only, post-startup set of upstream addresses.
type Roster struct {
	addrs [][4]byte
}

// New builds a Roster directly from a pre-validated address list,
// bypassing the resolver-file prefix/format checks in Load. For
// composing a roster out of addresses that didn't come from a config
// file (tests, or a future programmatic source).
func New(addrs [][4]byte) *Roster {
	r := &Roster{addrs: make([][4]byte, len(addrs))}
	copy(r.addrs, addrs)
	return r
}

// Load reads path, one dotted-quad IPv4 address per line. Lines starting
// with '#', a space, or empty lines are skipped. Lines whose address
// textually begins with a loopback/RFC1918 prefix are rejected. At most
// capacity addresses are accepted; further lines are discarded with a
// warning via the returned Stats (the caller logs it — this package has
// no logger dependency by design; low-level packages stay
// logging-agnostic and coremain wires zap.Logger in at the boundary).
func Load(path string, capacity int) (*Roster, Stats, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("roster: open %s: %w", path, err)
	}
	defer f.Close()

	r := &Roster{addrs: make([][4]byte, 0, capacity)}
	var stats Stats

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' || line[0] == ' ' {
			continue
		}
		if rejected(line) {
			stats.Rejected++
			continue
		}

		ip := net.ParseIP(line)
		v4 := ip.To4()
		if v4 == nil {
			stats.Malformed++
			continue
		}

		if len(r.addrs) >= capacity {
			stats.Malformed++ // excess lines discarded, counted alongside malformed
			break
		}
		var a [4]byte
		copy(a[:], v4)
		r.addrs = append(r.addrs, a)
		stats.Loaded++
	}
	if err := sc.Err(); err != nil {
		return nil, stats, fmt.Errorf("roster: read %s: %w", path, err)
	}

	if len(r.addrs) == 0 {
		return nil, stats, ErrEmptyRoster
	}
	return r, stats, nil
}

func rejected(line string) bool {
	for _, p := range rejectedPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Len reports the number of usable addresses in the roster.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.addrs)
}

// Select returns a uniformly random address. The second return value is
// false if the roster is empty — the event loop must refuse to initiate
// new upstream connections in that case (spec.md §4.1).
func (r *Roster) Select() ([4]byte, bool) {
	if r.Len() == 0 {
		return [4]byte{}, false
	}
	return r.addrs[rand.IntN(len(r.addrs))], true
}
