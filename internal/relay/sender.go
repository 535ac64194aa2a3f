package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/relaylabs/udprelay/internal/wire"
)

// tcpSender is the sliding-window sender: it reads TCP bytes, frames them,
// transmits with a 7-bit sequence number, and retires packets as ACKs
// arrive. On a dead window it retransmits the unacked range up to
// Config.MaxRetries before tearing the channel down; see DESIGN.md for
// why bounded retransmit-then-reset was chosen over unbounded retry.
func (ep *Endpoint) tcpSender(ctx context.Context, ct *Channel) {
	uc := ct.udp[udpSendSlot]

	isActive := false
	var seq, lar uint8
	var tcpClosed bool
	var retries int
	sent := make([][]byte, SwpBufferSize) // indexed by seq % SwpBufferSize

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		state := ct.channelStateValue()
		if !isActive {
			if state&StateSender == 0 {
				ep.cfg.tracef("CHANNEL %d ACTIVATE TCP_SENDER", ct.number)
				isActive = true
				seq = 0
				lar = wire.PrevSeqNum(0)
				tcpClosed = false
				retries = 0
				for i := range sent {
					sent[i] = nil
				}
				continue
			}
		} else if state != StateNone {
			ct.deactivateChannel(StateSender)
			ep.cfg.tracef("CHANNEL %d DEACTIVATE TCP_SENDER", ct.number)
			isActive = false
			continue
		}

		ct.helpMu.Lock()
		hasData := ct.hasData
		ct.helpMu.Unlock()

		if isActive && hasData {
			ct.helpMu.Lock()
			ct.hasData = false
			ct.helpMu.Unlock()

			_, reader := ct.getConn()
			payload := make([]byte, wire.MaxPayloadLen)
			var n int
			var readErr error
			if reader != nil {
				n, readErr = reader.Read(payload)
			} else {
				readErr = io.EOF
			}

			if readErr != nil && readErr != io.EOF {
				ct.deactivateChannel(StateSender)
				ep.cfg.tracef("CHANNEL %d READ FAILED IN TCP_SENDER", ct.number)
				isActive = false
				continue
			}
			if n == 0 && readErr == io.EOF {
				tcpClosed = true
			}

			frame := wire.Frame{
				IsLast:  tcpClosed,
				SeqNum:  seq,
				Epoch:   ct.epochValue(),
				Channel: uint8(ct.number),
				Payload: payload[:n],
			}
			raw, packErr := wire.Pack(frame)
			if packErr == nil {
				sent[seq%SwpBufferSize] = raw
				sendRaw(ep, ct, raw)
				ep.cfg.tracef("CHANNEL %d TCP_SENDER SENT PACKET %02X:%02X%s(%d bytes)",
					ct.number, frame.Epoch, frame.SeqNum, lastTag(frame.IsLast), len(raw))
			}
			seq = wire.NextSeqNum(seq)
		}

		buf := make([]byte, wire.FrameLen)
		n, err := uc.queue.Dequeue(buf)
		if err != nil {
			if !tcpClosed {
				ct.helpMu.Lock()
				ct.needHelp = true
				ct.helpCond.Signal()
				ct.helpMu.Unlock()
			}

			uc.mu.Lock()
			timedOut := false
			for {
				state := ct.channelStateValue()
				keepWaiting := (isActive && state == StateNone) ||
					(!isActive && state&StateSender != 0)
				if !keepWaiting {
					break
				}
				ct.helpMu.Lock()
				hd := ct.hasData
				ct.helpMu.Unlock()
				if hd {
					break
				}
				n, err = uc.queue.Dequeue(buf)
				if err == nil {
					break
				}

				windowOpen := isActive && lar != wire.PrevSeqNum(seq)
				if !windowOpen {
					uc.cond.Wait()
					continue
				}
				if !waitWithTimeout(uc.cond, &uc.mu, ep.cfg.timeout()) {
					timedOut = true
					break
				}
			}
			uc.mu.Unlock()

			if isActive && timedOut {
				if retries < ep.cfg.maxRetries() {
					retries++
					ep.Stats().SenderTimeouts.Add(1)
					retransmitWindow(ep, ct, sent, lar, seq)
					continue
				}
				ct.deactivateChannel(StateSender)
				ep.cfg.tracef("CHANNEL %d TIMEOUT IN TCP_SENDER", ct.number)
				isActive = false
				continue
			}

			if err != nil {
				continue
			}
		}

		if n < 2 {
			continue
		}

		pkt, unpackErr := wire.Unpack(buf[:n])
		if unpackErr != nil {
			continue
		}
		ep.cfg.tracef("CHANNEL %d TCP_SENDER GOT ACK %02X:%02X%s(%d bytes)",
			ct.number, pkt.Epoch, pkt.SeqNum, lastTag(pkt.IsLast), n)

		if !isActive || pkt.Epoch != ct.epochValue() {
			continue
		}

		retries = 0
		lar = wire.NextSeqNum(lar)

		distance := seqDistance(pkt.SeqNum, lar)
		if distance > SwpBufferSize {
			ct.deactivateChannel(StateSender)
			ep.cfg.tracef("CHANNEL %d OUT OF ORDER OR DUPLICATE ACK IN TCP_SENDER", ct.number)
			isActive = false
			continue
		}
		// ACK frames always carry IsLast; what matters is whether the data
		// packet this ACK acknowledges was the last one.
		ackedLast := false
		if raw := sent[pkt.SeqNum%SwpBufferSize]; raw != nil {
			ackedLast = raw[0]&0x80 != 0
		}
		sent[pkt.SeqNum%SwpBufferSize] = nil

		if ackedLast && lar == pkt.SeqNum {
			ct.deactivateChannel(StateSender)
			ep.cfg.tracef("CHANNEL %d STREAM SEND COMPLETED IN TCP_SENDER", ct.number)
			isActive = false
			continue
		}
	}
}

func sendRaw(ep *Endpoint, ct *Channel, raw []byte) {
	_, _ = ep.udpConn.Write(raw) // UDP send errors are ignored; retransmission recovers
	ep.Stats().PacketsSent.Add(1)
}

// retransmitWindow resends every packet in [lar+1, seq-1] still held in
// sent, the bounded-retransmit response to a sender timeout.
func retransmitWindow(ep *Endpoint, ct *Channel, sent [][]byte, lar, seq uint8) {
	for s := wire.NextSeqNum(lar); s != seq; s = wire.NextSeqNum(s) {
		raw := sent[s%SwpBufferSize]
		if raw == nil {
			continue
		}
		sendRaw(ep, ct, raw)
		ep.Stats().PacketsRetransmit.Add(1)
	}
}

// seqDistance returns how far ahead of lar seqNum sits in the 7-bit
// sequence space (0..127), wrapping modulo 128.
func seqDistance(seqNum, lar uint8) int {
	d := int(seqNum) - int(lar)
	if d < 0 {
		d += 128
	}
	return d
}

func lastTag(isLast bool) string {
	if isLast {
		return " LAST "
	}
	return " "
}

// waitWithTimeout waits on cond (locked under mu, which the caller must
// already hold) for at most d, returning false on timeout. It releases mu
// while parked, exactly as sync.Cond.Wait does, and reacquires it before
// returning — the Go equivalent of pthread_cond_timedwait.
func waitWithTimeout(cond *sync.Cond, mu *sync.Mutex, d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		mu.Lock()
		close(done)
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()

	cond.Wait()

	select {
	case <-done:
		return false
	default:
		return true
	}
}
