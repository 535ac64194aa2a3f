package relay

import (
	"strconv"
	"sync/atomic"
)

// Stats holds the per-endpoint counters exposed to internal/statlog. There
// is no equivalent in the original relay, which logged only per-packet
// trace lines; a periodic counter snapshot follows the SnmpLogger/
// DefaultSnmp pattern common to UDP-based relays.
type Stats struct {
	PacketsSent       atomic.Uint64
	PacketsReceived   atomic.Uint64
	PacketsDropped    atomic.Uint64
	PacketsRetransmit atomic.Uint64
	ChannelsActivated atomic.Uint64
	CRCFailures       atomic.Uint64
	SenderTimeouts    atomic.Uint64
}

// Header returns the CSV column names, in the same order as ToSlice.
func (s *Stats) Header() []string {
	return []string{
		"PacketsSent", "PacketsReceived", "PacketsDropped",
		"PacketsRetransmit", "ChannelsActivated", "CRCFailures",
		"SenderTimeouts",
	}
}

// ToSlice renders the current counter values as strings, CSV-row order
// matching Header.
func (s *Stats) ToSlice() []string {
	return []string{
		strconv.FormatUint(s.PacketsSent.Load(), 10),
		strconv.FormatUint(s.PacketsReceived.Load(), 10),
		strconv.FormatUint(s.PacketsDropped.Load(), 10),
		strconv.FormatUint(s.PacketsRetransmit.Load(), 10),
		strconv.FormatUint(s.ChannelsActivated.Load(), 10),
		strconv.FormatUint(s.CRCFailures.Load(), 10),
		strconv.FormatUint(s.SenderTimeouts.Load(), 10),
	}
}
