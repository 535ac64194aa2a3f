package relay

import (
	"context"
	"net"
	"time"
)

// tcpHelper turns a blocked read on the channel's TCP connection into a
// condvar wakeup for tcpSender, which otherwise sleeps on its UDP inbound
// queue waiting for ACKs. Where the original blocks in poll(POLLIN) and is
// interrupted by SIGUSR1, this blocks in bufio.Reader.Peek and is
// interrupted by Channel.interruptHelper pushing the read deadline into
// the past — the idiomatic Go stand-in for a self-pipe.
func (ep *Endpoint) tcpHelper(ctx context.Context, ct *Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ct.helpMu.Lock()
		for ct.channelStateValue()&StateHelper != 0 {
			ct.helpCond.Wait()
			if ctx.Err() != nil {
				ct.helpMu.Unlock()
				return
			}
		}
		ct.helpMu.Unlock()

		ep.cfg.tracef("CHANNEL %d ACTIVATE TCP_HELPER", ct.number)

	inner:
		for {
			if ct.channelStateValue() != StateNone {
				ct.deactivateChannel(StateHelper)
				ep.cfg.tracef("CHANNEL %d DEACTIVATE TCP_HELPER", ct.number)
				break inner
			}

			ct.helpMu.Lock()
			needHelp := ct.needHelp
			ct.helpMu.Unlock()

			if needHelp {
				_, reader := ct.getConn()
				if reader == nil {
					continue inner
				}
				if _, err := reader.Peek(1); err != nil {
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						// Self-pipe interrupt: clear the deadline we set
						// and re-check channel state at the top.
						if conn, _ := ct.getConn(); conn != nil {
							conn.SetReadDeadline(time.Time{})
						}
						continue inner
					}
					// A genuine read error (EOF, reset) means the next
					// Read by tcp_sender observes it immediately: treat
					// this exactly like readability.
				}

				uc := ct.udp[udpSendSlot]
				uc.mu.Lock()
				ct.helpMu.Lock()
				ct.needHelp = false
				ct.hasData = true
				ct.helpMu.Unlock()
				ep.cfg.tracef("CHANNEL %d WAKING TCP_SENDER FROM TCP_HELPER", ct.number)
				uc.cond.Signal()
				uc.mu.Unlock()
			}

			ct.helpMu.Lock()
			for !ct.needHelp && ct.channelStateValue() == StateNone {
				ct.helpCond.Wait()
			}
			ct.helpMu.Unlock()
		}
	}
}
