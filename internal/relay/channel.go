package relay

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/relaylabs/udprelay/internal/fifoqueue"
)

// ChannelState is the bitmask of worker threads that have acknowledged the
// current deactivation request.
type ChannelState uint32

const (
	StateNone     ChannelState = 0
	StateHelper   ChannelState = 1
	StateReceiver ChannelState = 2
	StateSender   ChannelState = 4
	StateAll      ChannelState = StateHelper | StateReceiver | StateSender
)

// udpQueueDepth and udpItemBound size each direction's FifoQueue; 32
// matches SWP_BUFFER_SIZE and MAX_PKT_LEN from the original fq_create call.
const (
	udpQueueDepth  = 32
	udpItemBound   = 256
	udpSendSlot    = 0 // carries ACKs back to the sender
	udpRecvSlot    = 1 // carries data packets to the receiver
)

// udpChannel is one inbound FifoQueue plus the mutex/condvar pair used to
// sleep/wake its reader. Outbound packets go through the Endpoint's shared
// UDP socket, not through this type.
type udpChannel struct {
	queue *fifoqueue.Queue
	mu    sync.Mutex
	cond  *sync.Cond
}

func newUDPChannel() *udpChannel {
	q, err := fifoqueue.New(udpQueueDepth, udpItemBound)
	if err != nil {
		// Only reachable if the compiled-in constants above are invalid.
		panic(err)
	}
	uc := &udpChannel{queue: q}
	uc.cond = sync.NewCond(&uc.mu)
	return uc
}

// Channel is one slot of the fixed channel table: the epoch, the bound TCP
// connection, the activation flag (target mode), the deactivation state
// machine, and the two UdpChannels carrying its ACK and data traffic.
type Channel struct {
	number int // 0..MaxChannels-1, also the wire data-channel number
	ep     *Endpoint

	epochMu sync.Mutex
	epoch   uint8

	connMu sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	active bool // target mode only

	channelMu    sync.Mutex
	channelState ChannelState

	helpMu   sync.Mutex
	helpCond *sync.Cond
	needHelp bool
	hasData  bool

	udp [2]*udpChannel
}

func newChannel(ep *Endpoint, number int) *Channel {
	ct := &Channel{
		number:       number,
		ep:           ep,
		channelState: StateAll, // inactive until the accept loop/receiver activates it
	}
	ct.helpCond = sync.NewCond(&ct.helpMu)
	ct.udp[0] = newUDPChannel()
	ct.udp[1] = newUDPChannel()
	return ct
}

// ChannelTable is the fixed array of channel records plus, in target mode,
// the semaphore counting inactive channels.
type ChannelTable struct {
	channels  []*Channel
	semaphore chan struct{} // buffered counting semaphore, target mode only
}

func newChannelTable(ep *Endpoint, n int, mode Mode) *ChannelTable {
	ct := &ChannelTable{channels: make([]*Channel, n)}
	for i := range ct.channels {
		ct.channels[i] = newChannel(ep, i)
	}
	if mode == ModeTarget {
		ct.semaphore = make(chan struct{}, n)
		for i := 0; i < n; i++ {
			ct.semaphore <- struct{}{}
		}
	}
	return ct
}

func (t *ChannelTable) get(n int) *Channel {
	return t.channels[n]
}

func (t *ChannelTable) len() int {
	return len(t.channels)
}

// setConn installs a fresh TCP connection on the channel, wrapping it in a
// bufio.Reader shared by TcpHelper's readability Peek and TcpSender's
// payload Read, exactly as the original shares one fd between poll and
// read.
func (ct *Channel) setConn(conn net.Conn) {
	ct.connMu.Lock()
	ct.conn = conn
	if conn != nil {
		ct.reader = bufio.NewReader(conn)
	} else {
		ct.reader = nil
	}
	ct.connMu.Unlock()
}

func (ct *Channel) getConn() (net.Conn, *bufio.Reader) {
	ct.connMu.Lock()
	defer ct.connMu.Unlock()
	return ct.conn, ct.reader
}

// interruptHelper is the self-pipe substitute for SIGUSR1: it forces any
// blocked Peek on the channel's TCP connection to return immediately, by
// pushing the read deadline into the past. The helper distinguishes this
// wakeup from a genuine I/O event by checking net.Error.Timeout().
func (ct *Channel) interruptHelper() {
	conn, _ := ct.getConn()
	if conn != nil {
		conn.SetReadDeadline(time.Unix(0, 1))
	}
}

func (ct *Channel) epochValue() uint8 {
	ct.epochMu.Lock()
	defer ct.epochMu.Unlock()
	return ct.epoch
}

func (ct *Channel) setEpoch(e uint8) {
	ct.epochMu.Lock()
	ct.epoch = e
	ct.epochMu.Unlock()
}

// deactivateChannel records that the worker identified by flag has
// recognized the current deactivation; the last worker to call this
// closes the TCP connection, bumps the epoch, and (target mode) releases
// the channel back to the semaphore. The first caller broadcasts the
// deactivation to the other two workers.
func (ct *Channel) deactivateChannel(flag ChannelState) {
	ct.channelMu.Lock()
	wasFirst := ct.channelState == StateNone
	ct.channelState |= flag
	becameAll := ct.channelState == StateAll
	var conn net.Conn
	if becameAll {
		conn, _ = ct.getConn()
		ct.epochMu.Lock()
		ct.epoch++
		ct.epochMu.Unlock()
		if ct.ep.mode == ModeTarget {
			ct.active = false
		}
	}
	ct.channelMu.Unlock()

	if becameAll {
		if conn != nil {
			conn.Close()
		}
		ct.setConn(nil)
		if ct.ep.mode == ModeTarget {
			ct.ep.releaseChannel()
		}
	}

	if wasFirst {
		ct.wakeThreads(flag)
	}
}

// wakeThreads wakes every worker associated with ct except the one
// identified by ignore, which has already observed the state change by
// virtue of calling deactivateChannel or activate itself.
func (ct *Channel) wakeThreads(ignore ChannelState) {
	if ignore != StateHelper {
		ct.helpMu.Lock()
		ct.helpCond.Signal()
		ct.helpMu.Unlock()
		ct.interruptHelper()
	}
	if ignore != StateReceiver {
		uc := ct.udp[udpRecvSlot]
		uc.mu.Lock()
		uc.cond.Signal()
		uc.mu.Unlock()
	}
	if ignore != StateSender {
		uc := ct.udp[udpSendSlot]
		uc.mu.Lock()
		uc.cond.Signal()
		uc.mu.Unlock()
	}
}

// channelStateValue returns a snapshot of the deactivation bitmask.
func (ct *Channel) channelStateValue() ChannelState {
	ct.channelMu.Lock()
	defer ct.channelMu.Unlock()
	return ct.channelState
}

// activate binds a freshly accepted TCP connection to the channel (target
// mode) and clears it for the worker goroutines to pick up.
func (ct *Channel) activate(conn net.Conn) {
	ct.channelMu.Lock()
	ct.setConn(conn)
	ct.needHelp = false
	ct.hasData = false
	ct.active = true
	ct.channelState = StateNone
	ct.channelMu.Unlock()

	ct.ep.Stats().ChannelsActivated.Add(1)
	ct.wakeThreads(StateNone)
}
