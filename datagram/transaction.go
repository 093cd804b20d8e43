package datagram

import "github.com/pkg/errors"

var (
	ErrResendsExhausted = errors.New("datagram: frame resend limit reached")
	ErrTooManyMessages  = errors.New("datagram: request exceeds the messages of one transaction")
)

// MaxMsgsPerTransaction bounds the messages of one transaction; message
// sequence numbers are 16 bits wide.
const MaxMsgsPerTransaction = 0xffff

// Transaction tracks the messages of one started request on the sending
// side. It is complete once every message has been sent and acknowledged,
// in any order.
type Transaction struct {
	ID uint32

	total    int
	sent     int
	received int
	sentBit  []bool
	ackBit   []bool
	err      error
}

// NewTransaction returns a transaction of n messages.
func NewTransaction(id uint32, n int) *Transaction {
	return &Transaction{
		ID:      id,
		total:   n,
		sentBit: make([]bool, n),
		ackBit:  make([]bool, n),
	}
}

// Messages returns the number of messages in the transaction.
func (t *Transaction) Messages() int { return t.total }

// MarkSent records that message seq left in a frame. Resends don't count.
func (t *Transaction) MarkSent(seq uint16) {
	if int(seq) < t.total && !t.sentBit[seq] {
		t.sentBit[seq] = true
		t.sent++
	}
}

// Ack records the acknowledgement of message seq and reports whether it was
// new.
func (t *Transaction) Ack(seq uint16) bool {
	if int(seq) >= t.total || t.ackBit[seq] {
		return false
	}
	t.ackBit[seq] = true
	t.received++
	return true
}

// IsComplete reports whether every message has been sent and acknowledged.
func (t *Transaction) IsComplete() bool {
	return t.err == nil && t.sent == t.total && t.received == t.sent
}

// Fail marks the transaction failed. The first error wins.
func (t *Transaction) Fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *Transaction) Err() error { return t.err }
