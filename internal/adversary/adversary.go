// Package adversary decorates a UDP packet source with configurable loss,
// corruption, duplication, and reordering, so the sliding-window protocol
// in internal/relay can be exercised against an unreliable substrate
// without a real lossy network. In production the decorator is disabled
// and reads pass straight through.
package adversary

import (
	"math/rand"
	"time"
)

// Rates configures the probability, in [0,1], that a given datagram is
// affected by each failure mode. All rates default to zero (pure
// passthrough) when a Rates value is zero-valued.
type Rates struct {
	Drop      float64
	Corrupt   float64
	Duplicate float64
	Reorder   float64
	Seed      int64
}

// enabled reports whether any rate is set; New returns a plain passthrough
// reader when it isn't, so the hot path never pays for the decorator.
func (r Rates) enabled() bool {
	return r.Drop > 0 || r.Corrupt > 0 || r.Duplicate > 0 || r.Reorder > 0
}

// Reader is the interface adversary.New decorates: the same shape
// UdpDemuxReceiver already expects from relay.PacketReader, kept separate
// here so this package has no import dependency on internal/relay.
type Reader interface {
	ReadPacket(buf []byte) (int, error)
}

type passthrough struct {
	Reader
}

// pending holds a packet that reordering has pulled out of its natural
// delivery slot, to be handed back on the following read.
type lossy struct {
	Reader
	rng     *rand.Rand
	rates   Rates
	pending []byte
}

// New wraps src with the loss behavior described by rates. A zero Rates
// returns src unchanged (wrapped only to satisfy the Reader interface).
// rates.Seed of 0 derives a seed from the current time, so repeated runs
// are non-reproducible unless a caller pins an explicit seed.
func New(src Reader, rates Rates) Reader {
	if !rates.enabled() {
		return passthrough{src}
	}
	seed := rates.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lossy{Reader: src, rng: rand.New(rand.NewSource(seed)), rates: rates}
}

func (l *lossy) ReadPacket(buf []byte) (int, error) {
	if l.pending != nil {
		n := copy(buf, l.pending)
		l.pending = nil
		return n, nil
	}

	for {
		n, err := l.Reader.ReadPacket(buf)
		if err != nil {
			return n, err
		}

		if l.rng.Float64() < l.rates.Drop {
			continue
		}

		if l.rng.Float64() < l.rates.Corrupt && n > 0 {
			idx := l.rng.Intn(n)
			buf[idx] ^= 1 << uint(l.rng.Intn(8))
		}

		if l.rng.Float64() < l.rates.Duplicate {
			dup := make([]byte, n)
			copy(dup, buf[:n])
			l.pending = dup
		}

		if l.rng.Float64() < l.rates.Reorder {
			held := make([]byte, n)
			copy(held, buf[:n])
			next, err := l.Reader.ReadPacket(buf)
			if err != nil {
				// Nothing to swap with; deliver the held packet as-is.
				copy(buf, held)
				return n, nil
			}
			swapped := make([]byte, next)
			copy(swapped, buf[:next])
			l.pending = held
			copy(buf, swapped)
			return next, nil
		}

		return n, nil
	}
}
