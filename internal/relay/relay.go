// Package relay implements the TCP-over-UDP relay engine: the channel
// table and its activation/deactivation state machine, the per-channel
// TCP helper/sender/receiver workers, and the shared UDP demultiplexer.
//
// An Endpoint owns everything two peer relay processes need to agree on:
// the fixed channel array, the UDP socket shared by every worker, and (in
// target mode) the semaphore gating acceptance of new TCP clients. Workers
// are goroutines holding a shared, non-owning reference to their Channel
// and to the Endpoint, mirroring the arena-style channel array and the
// explicit Endpoint value the design calls for in place of package-level
// mutable state.
package relay

import (
	"log"
	"net"
	"time"
)

// Mode selects which side of the relay an Endpoint plays.
type Mode int

const (
	// ModeTarget accepts TCP clients and binds each to a channel.
	ModeTarget Mode = iota
	// ModeForward dials an origin TCP server on behalf of each channel.
	ModeForward
)

func (m Mode) String() string {
	if m == ModeTarget {
		return "target"
	}
	return "forward"
}

// Process exit codes, mirroring EXIT_NORMAL/EXIT_ABNORMAL/EXIT_PARSE_OPTS/EXIT_PANIC.
const (
	ExitNormal = iota
	ExitAbnormal
	ExitParseOpts
	ExitPanic
)

// SwpBufferSize is the sliding-window reorder/retransmit buffer depth.
const SwpBufferSize = 32

// DefaultMaxChannels is MAX_CHANNELS from the original header.
const DefaultMaxChannels = 16

// DefaultTimeout is TIMEOUT_IN_SECONDS expressed as a duration, now a
// configurable parameter rather than a baked constant; Config.Timeout
// carries the effective value.
const DefaultTimeout = 5 * time.Second

// DefaultMaxRetries bounds the retransmit-then-reset policy chosen for the
// sender's timeout handling (see DESIGN.md).
const DefaultMaxRetries = 4

const udpSocketBufferSize = 40000

// Config collects every parameter an Endpoint needs: addressing, channel
// table sizing, timeouts, and the logging/stats surface exposed over the
// CLI and an optional JSON config file.
type Config struct {
	Mode        Mode
	PeerAddr    *net.UDPAddr
	BasePort    int
	ForwardAddr *net.TCPAddr // ModeForward only
	TargetPort  int          // ModeTarget only: TCP listen port

	MaxChannels int
	Timeout     time.Duration
	MaxRetries  int

	Quiet bool
	Log   *log.Logger

	Stats *Stats

	// Decorate, if set, wraps the plain UDP socket reader before the
	// demultiplexer starts consuming it — the adversary hook's seam.
	Decorate func(PacketReader) PacketReader
}

func (c *Config) maxChannels() int {
	if c.MaxChannels > 0 {
		return c.MaxChannels
	}
	return DefaultMaxChannels
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return DefaultMaxRetries
}

func (c *Config) logger() *log.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.Default()
}

func (c *Config) tracef(format string, args ...any) {
	if c.Quiet {
		return
	}
	c.logger().Printf(format, args...)
}
