package relay

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Endpoint is the explicit, shared-by-reference replacement for the
// original's package-level globals (mode, chan_tab, fwd_addr, udpchans,
// channel_semaphore). It owns the fixed channel array and the single UDP
// socket multiplexed by every worker.
type Endpoint struct {
	cfg   Config
	mode  Mode
	table *ChannelTable

	udpConn *net.UDPConn
	reader  PacketReader

	listener net.Listener // ModeTarget only
}

// PacketReader is the narrow interface UdpDemuxReceiver consumes, letting
// the adversary hook (internal/adversary) decorate or replace the plain
// socket read without the demultiplexer knowing the difference.
type PacketReader interface {
	ReadPacket(buf []byte) (n int, err error)
}

type plainPacketReader struct {
	conn *net.UDPConn
}

func (p plainPacketReader) ReadPacket(buf []byte) (int, error) {
	return p.conn.Read(buf)
}

// New builds an Endpoint from cfg: it creates and binds the shared UDP
// socket, initializes the channel table, and (target mode) the target TCP
// listener. It does not yet start any worker goroutines; call Run for
// that. If cfg.Decorate is set, it wraps the plain socket reader — the
// seam internal/adversary uses to inject a lossy channel in tests without
// the demultiplexer knowing the difference.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}

	udpConn, err := createUDPSocket(cfg.BasePort, cfg.PeerAddr)
	if err != nil {
		return nil, errors.Wrap(err, "createUDPSocket")
	}

	ep := &Endpoint{cfg: cfg, mode: cfg.Mode, udpConn: udpConn}
	ep.reader = plainPacketReader{conn: udpConn}
	if cfg.Decorate != nil {
		ep.reader = cfg.Decorate(ep.reader)
	}
	ep.table = newChannelTable(ep, cfg.maxChannels(), cfg.Mode)

	if cfg.Mode == ModeTarget {
		ln, err := net.Listen("tcp", net.JoinHostPort("", itoaPort(cfg.TargetPort)))
		if err != nil {
			udpConn.Close()
			return nil, errors.Wrap(err, "listen")
		}
		ep.listener = ln
	}

	return ep, nil
}

// Stats returns the endpoint's counter block, for wiring into
// internal/statlog.
func (ep *Endpoint) Stats() *Stats {
	return ep.cfg.Stats
}

// Run starts every worker goroutine (per-channel helper/sender/receiver,
// the shared UDP demultiplexer) and, in target mode, the TCP accept loop.
// It blocks until ctx is canceled or the accept loop fails fatally.
func (ep *Endpoint) Run(ctx context.Context) error {
	for i := 0; i < ep.table.len(); i++ {
		ct := ep.table.get(i)
		go ep.tcpHelper(ctx, ct)
		go ep.tcpSender(ctx, ct)
		go ep.tcpReceiver(ctx, ct)
	}
	go ep.udpDemuxReceiver(ctx)

	if ep.mode == ModeForward {
		// The original's main thread pthread_exits immediately in forward
		// mode; the process is kept alive by the worker goroutines above.
		<-ctx.Done()
		return nil
	}

	return ep.acceptLoop(ctx)
}

func (ep *Endpoint) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ep.listener.Close()
	}()

	for {
		conn, err := ep.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "accept")
		}

		select {
		case <-ep.table.semaphore:
		case <-ctx.Done():
			conn.Close()
			return nil
		}

		ct := ep.findInactiveChannel()
		if ct == nil {
			// The semaphore guarantees one exists; this would indicate a
			// bookkeeping bug elsewhere in the release path.
			conn.Close()
			ep.table.semaphore <- struct{}{}
			continue
		}
		ct.activate(conn)
	}
}

func (ep *Endpoint) findInactiveChannel() *Channel {
	for i := 0; i < ep.table.len(); i++ {
		ct := ep.table.get(i)
		ct.channelMu.Lock()
		inactive := !ct.active
		ct.channelMu.Unlock()
		if inactive {
			return ct
		}
	}
	return nil
}

// releaseChannel returns one slot to the semaphore after a channel fully
// deactivates in target mode.
func (ep *Endpoint) releaseChannel() {
	ep.table.semaphore <- struct{}{}
}

// createUDPSocket binds a UDP socket to port and connects it to peer,
// exactly as create_udp_socket does: a connected datagram socket, so every
// worker's send() is a plain Write and the demultiplexer's recvfrom is a
// plain Read.
func createUDPSocket(port int, peer *net.UDPAddr) (*net.UDPConn, error) {
	local := &net.UDPAddr{Port: port}
	conn, err := net.DialUDP("udp", local, peer)
	if err != nil {
		return nil, errors.Wrap(err, "dial udp")
	}
	if err := conn.SetWriteBuffer(udpSocketBufferSize); err != nil {
		return nil, errors.Wrap(err, "setsockopt SO_SNDBUF")
	}
	if err := conn.SetReadBuffer(udpSocketBufferSize); err != nil {
		return nil, errors.Wrap(err, "setsockopt SO_RCVBUF")
	}
	return conn, nil
}

func itoaPort(p int) string {
	return strconv.Itoa(p)
}
