package relay

import (
	"context"
	"errors"
	"net"

	"github.com/relaylabs/udprelay/internal/wire"
)

// udpDemuxReceiver is the single shared-socket reader: it reads one
// datagram at a time, verifies its CRC, and routes it by wire channel
// number to the corresponding channel's ACK or data FifoQueue.
func (ep *Endpoint) udpDemuxReceiver(ctx context.Context) {
	buf := make([]byte, wire.FrameLen)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := ep.reader.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Ignore errors, as the original does: an unreliable
			// substrate is expected to misbehave.
			continue
		}
		if n != wire.FrameLen {
			continue
		}

		if verifyErr := wire.Verify(buf); verifyErr != nil {
			ep.Stats().CRCFailures.Add(1)
			ep.cfg.tracef("UDP_DEMUX CRC FAILURE")
			continue
		}

		chanNum := buf[2]
		dataChan := int(wire.DataChannel(chanNum))
		if dataChan >= ep.table.len() {
			continue
		}
		ct := ep.table.get(dataChan)

		var uc *udpChannel
		if wire.IsAckChannel(chanNum) {
			uc = ct.udp[udpSendSlot]
		} else {
			uc = ct.udp[udpRecvSlot]
		}

		item := make([]byte, n)
		copy(item, buf[:n])

		ep.Stats().PacketsReceived.Add(1)
		if enqErr := uc.queue.Enqueue(item, uc.cond, &uc.mu); enqErr != nil {
			// Full queue: drop silently, recovery is retransmission's job.
			ep.Stats().PacketsDropped.Add(1)
		}
	}
}
