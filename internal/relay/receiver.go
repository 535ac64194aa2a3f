package relay

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/relaylabs/udprelay/internal/wire"
)

// reorderSlot holds a buffered out-of-order data packet awaiting its turn.
type reorderSlot struct {
	payload []byte
	isLast  bool
}

// tcpReceiver is the sliding-window receiver: it consumes incoming data
// packets, reorders within the window, writes payload to the bound TCP
// connection, and emits one ACK per packet received.
func (ep *Endpoint) tcpReceiver(ctx context.Context, ct *Channel) {
	uc := ct.udp[udpRecvSlot]

	isActive := false
	var nfe uint8
	reorder := make([]*reorderSlot, SwpBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		state := ct.channelStateValue()
		if !isActive {
			if state&StateReceiver == 0 {
				if ep.mode != ModeTarget {
					// Forward mode activates itself on first epoch packet,
					// below; reaching here with the bit cleared otherwise
					// indicates a state-machine bug.
					panic("channel activated incorrectly in tcp_receiver")
				}
				ep.cfg.tracef("CHANNEL %d ACTIVATE TCP_RECEIVER", ct.number)
				isActive = true
				nfe = 0
				for i := range reorder {
					reorder[i] = nil
				}
				continue
			}
		} else if state != StateNone {
			ct.deactivateChannel(StateReceiver)
			ep.cfg.tracef("CHANNEL %d DEACTIVATE TCP_RECEIVER", ct.number)
			isActive = false
			continue
		}

		buf := make([]byte, wire.FrameLen)
		n, err := uc.queue.Dequeue(buf)
		if err != nil {
			uc.mu.Lock()
			for {
				state := ct.channelStateValue()
				keepWaiting := (isActive && state == StateNone) ||
					(!isActive && state&StateReceiver != 0)
				if !keepWaiting {
					break
				}
				n, err = uc.queue.Dequeue(buf)
				if err == nil {
					break
				}
				uc.cond.Wait()
			}
			uc.mu.Unlock()
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
		ep.cfg.tracef("CHANNEL %d TCP_RECEIVER GOT PACKET %02X:%03X%s(%d bytes)",
			ct.number, pkt.Epoch, pkt.SeqNum, lastTag(pkt.IsLast), n)

		if ep.mode == ModeTarget {
			if !isActive || pkt.Epoch != ct.epochValue() {
				continue
			}
		} else {
			curEpoch := ct.epochValue()
			if pkt.Epoch != curEpoch {
				if wire.EpochIsEarlier(pkt.Epoch, curEpoch) {
					continue
				}
				if isActive {
					ep.cfg.tracef("CHANNEL %d NEW EPOCH DEACTIVATION IN TCP_RECEIVER", ct.number)
					ct.deactivateChannel(StateReceiver)
					isActive = false

					uc.mu.Lock()
					for ct.channelStateValue() != StateAll {
						uc.cond.Wait()
					}
					uc.mu.Unlock()

					ct.setEpoch(pkt.Epoch)
				} else {
					ct.setEpoch(pkt.Epoch)
				}
			}

			if !isActive {
				ep.cfg.tracef("CHANNEL %d FIRST EPOCH PACKET ACTIVATION IN TCP_RECEIVER", ct.number)
				if err := ep.openAndActivateChannel(ct); err != nil {
					ep.cfg.tracef("CHANNEL %d FAILED TO OPEN FORWARDING CONNECTION: %v", ct.number, err)
					continue
				}
				isActive = true
				nfe = 0
				for i := range reorder {
					reorder[i] = nil
				}
			}
		}

		seq := pkt.SeqNum
		inWindow := seqDistance(seq, nfe) < SwpBufferSize
		terminal := false
		if inWindow {
			if seq == nfe {
				nfe = wire.NextSeqNum(nfe)
				shiftDown(reorder)

				if writeErr := writeAllTCP(ct, pkt.Payload); writeErr != nil {
					ep.cfg.tracef("CHANNEL %d WRITE FAILED IN TCP_RECEIVER", ct.number)
					ct.deactivateChannel(StateReceiver)
					isActive = false
					continue
				}
				if pkt.IsLast {
					terminal = true
				}

				for reorder[0] != nil {
					drained := reorder[0]
					shiftDown(reorder)
					nfe = wire.NextSeqNum(nfe)
					if writeErr := writeAllTCP(ct, drained.payload); writeErr != nil {
						ep.cfg.tracef("CHANNEL %d WRITE FAILED IN TCP_RECEIVER", ct.number)
						ct.deactivateChannel(StateReceiver)
						isActive = false
						break
					}
					if drained.isLast {
						terminal = true
					}
				}
				if !isActive {
					continue
				}
			} else {
				slot := seqDistance(seq, nfe)
				ep.cfg.tracef("CHANNEL %d PUTTING A PACKET INTO RECV BUFFER SLOT %d", ct.number, slot)
				reorder[slot] = &reorderSlot{payload: pkt.Payload, isLast: pkt.IsLast}
			}
		}

		ack := wire.Frame{
			IsLast:  true,
			SeqNum:  seq,
			Epoch:   pkt.Epoch,
			Channel: wire.AckChannel(uint8(ct.number)),
		}
		raw, packErr := wire.Pack(ack)
		if packErr == nil {
			sendRaw(ep, ct, raw)
			ep.cfg.tracef("CHANNEL %d TCP_RECEIVER SENT ACK %02X:%02X (256 bytes)",
				ct.number, ack.Epoch, ack.SeqNum)
		}

		if terminal {
			ep.cfg.tracef("CHANNEL %d RECEIVED LAST PACKET IN TCP_RECEIVER", ct.number)
			ct.deactivateChannel(StateReceiver)
			isActive = false
			continue
		}
	}
}

// shiftDown slides the reorder buffer down by one slot, discarding slot 0.
func shiftDown(reorder []*reorderSlot) {
	copy(reorder, reorder[1:])
	reorder[len(reorder)-1] = nil
}

// writeAllTCP writes payload to the channel's TCP connection, restarting
// on transient interruption as my_write does.
func writeAllTCP(ct *Channel, payload []byte) error {
	conn, _ := ct.getConn()
	if conn == nil {
		return errors.New("receiver: no TCP connection bound")
	}
	written := 0
	for written < len(payload) {
		n, err := conn.Write(payload[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

// openAndActivateChannel dials the forwarding target on behalf of ct and
// wakes the sender and helper (not the receiver itself, which is the sole
// caller and already knows it is active).
func (ep *Endpoint) openAndActivateChannel(ct *Channel) error {
	conn, err := net.DialTCP("tcp", nil, ep.cfg.ForwardAddr)
	if err != nil {
		// Leave the channel inactive; the next packet retries the dial.
		return errors.Wrap(err, "dial forwarding target")
	}
	ct.setConn(conn)

	ct.channelMu.Lock()
	ct.channelState = StateNone
	ct.channelMu.Unlock()

	ct.wakeThreads(StateReceiver)

	ep.Stats().ChannelsActivated.Add(1)
	return nil
}
