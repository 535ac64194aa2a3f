// Package fifoqueue implements a bounded, non-blocking FIFO queue for
// transferring byte records between goroutines. Each queue supports
// concurrent use by exactly one writer and one reader; any other usage
// pattern is undefined.
//
// Enqueue never blocks: a full queue drops the new item (ItemDiscarded).
// Dequeue never blocks: an empty queue returns ErrQueueEmpty immediately.
// Enqueue optionally wakes a sleeping reader through a caller-supplied
// sync.Cond, letting the reader choose to park on that condition instead
// of busy-polling.
package fifoqueue

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MaxQueueLen is the limit on the number of items a queue can hold.
const MaxQueueLen = 256

// MaxItemLen is the limit on the number of bytes allowed per item.
const MaxItemLen = 32768

// Sentinel errors mirroring the original fq_err_t taxonomy. There is no Go
// analogue for FQ_POSIX_MUTEX_FAILURE / FQ_POSIX_COND_FAILURE: misuse of a
// sync.Mutex or sync.Cond panics rather than returning an error, which is
// the same "fatal, unrecoverable" treatment those two codes called for.
var (
	ErrBadParameter    = errors.New("fifoqueue: bad parameter")
	ErrOutOfMemory     = errors.New("fifoqueue: out of memory")
	ErrItemDiscarded   = errors.New("fifoqueue: queue full, item discarded")
	ErrQueueEmpty      = errors.New("fifoqueue: queue empty")
	ErrInadequateSpace = errors.New("fifoqueue: destination buffer too small")
)

// Queue is a single-producer/single-consumer ring buffer of byte records.
//
// head is advanced only by the reader, tail only by the writer. Both are
// held as atomic values so that the writer's release-store of tail is
// paired with the reader's acquire-load, and vice versa: this is the
// store-store barrier the original C implementation obtained from a
// compiler memory-clobber intrinsic, re-expressed as Go's documented
// happens-before relation for atomic operations.
type Queue struct {
	slots    int // queue_len + 1, the physical ring size
	itemLen  int
	head     atomic.Uint32
	tail     atomic.Uint32
	length   []int32
	data     []byte
}

// New creates a queue holding up to capacity items of up to itemBound
// bytes each.
func New(capacity, itemBound int) (*Queue, error) {
	if capacity < 1 || capacity > MaxQueueLen || itemBound < 1 || itemBound > MaxItemLen {
		return nil, ErrBadParameter
	}
	slots := capacity + 1
	return &Queue{
		slots:   slots,
		itemLen: itemBound,
		length:  make([]int32, slots),
		data:    make([]byte, slots*itemBound),
	}, nil
}

// Enqueue copies buf into the queue and, if the queue might have been
// empty beforehand, wakes a reader parked on cond (locked under lock).
// A full queue returns ErrItemDiscarded: this is the designed drop
// policy, not a failure — the sliding-window protocol above recovers lost
// packets through retransmission.
//
// False positives on the wake check are possible and harmless (a spurious
// wakeup); false negatives cannot occur, because only the writer advances
// tail and only the reader advances head.
func (q *Queue) Enqueue(buf []byte, cond *sync.Cond, lock *sync.Mutex) error {
	if buf == nil || len(buf) > q.itemLen {
		return ErrBadParameter
	}

	tail := q.tail.Load()
	head := q.head.Load()
	if (tail+1)%uint32(q.slots) == head {
		return ErrItemDiscarded
	}

	copy(q.data[int(tail)*q.itemLen:], buf)
	q.length[tail] = int32(len(buf))

	wasEmpty := tail == head
	// Release-store: the payload and length writes above must be visible
	// to any reader that observes the new tail.
	q.tail.Store((tail + 1) % uint32(q.slots))

	if cond != nil && wasEmpty {
		if lock != nil {
			lock.Lock()
		}
		cond.Signal()
		if lock != nil {
			lock.Unlock()
		}
	}
	return nil
}

// Dequeue copies the oldest item into buf[:n] and returns its length. It
// never blocks: an empty queue returns ErrQueueEmpty, and an item too
// large for buf returns ErrInadequateSpace without consuming the item.
func (q *Queue) Dequeue(buf []byte) (n int, err error) {
	if buf == nil {
		return 0, ErrBadParameter
	}

	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return 0, ErrQueueEmpty
	}

	itemLen := int(q.length[head])
	if itemLen > len(buf) {
		return 0, ErrInadequateSpace
	}
	copy(buf, q.data[int(head)*q.itemLen:int(head)*q.itemLen+itemLen])

	// Acquire-release pairing with Enqueue's tail store: the payload read
	// above must complete before head is advanced and becomes visible to
	// the writer's next full-queue check.
	q.head.Store((head + 1) % uint32(q.slots))

	return itemLen, nil
}

// Len reports a snapshot item count. It is advisory only — safe for
// either the reader or the writer to call concurrently with the other,
// but the result may be stale by the time the caller acts on it.
func (q *Queue) Len() int {
	tail := int(q.tail.Load())
	head := int(q.head.Load())
	if tail >= head {
		return tail - head
	}
	return q.slots - head + tail
}

// Cap reports the usable capacity (one less than the physical ring size).
func (q *Queue) Cap() int {
	return q.slots - 1
}
