// Package claim defines the faucet payout request (ClaimTx) and its
// lifecycle state machine.
package claim

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a ClaimTx.
type Status int

const (
	// StatusQueue is the initial state: enqueued, not yet processed.
	StatusQueue Status = iota
	// StatusProcessing means the pipeline has popped the claim and is
	// building/submitting its transaction.
	StatusProcessing
	// StatusPending means a transaction hash was obtained and the pipeline
	// is awaiting its receipt.
	StatusPending
	// StatusConfirmed is a terminal state: the transaction was mined
	// successfully.
	StatusConfirmed
	// StatusFailed is a terminal state: the claim could not be fulfilled.
	StatusFailed
)

// String renders the status the way it would be logged or reported.
func (s Status) String() string {
	switch s {
	case StatusQueue:
		return "QUEUE"
	case StatusProcessing:
		return "PROCESSING"
	case StatusPending:
		return "PENDING"
	case StatusConfirmed:
		return "CONFIRMED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is CONFIRMED or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// validTransitions enumerates the monotonic status graph: QUEUE ->
// PROCESSING -> PENDING -> {CONFIRMED|FAILED}, with PROCESSING allowed to
// fail directly.
var validTransitions = map[Status][]Status{
	StatusQueue:      {StatusProcessing},
	StatusProcessing: {StatusPending, StatusFailed},
	StatusPending:    {StatusConfirmed, StatusFailed},
}

// Record is the durable form of a ClaimTx: the only fields that survive a
// process restart. It is what store.ClaimStore persists.
type Record struct {
	CreatedAt time.Time
	Target    common.Address
	Amount    *big.Int
	Session   string
}

// ClaimTx is one payout request moving through the pipeline.
type ClaimTx struct {
	mu sync.Mutex

	QueueIdx  uint64
	status    Status
	CreatedAt time.Time
	Target    common.Address
	Amount    *big.Int
	Session   string

	// Nonce is set iff Status >= PENDING, or FAILED after a submission
	// attempt was made.
	Nonce uint64
	// TxHex is the signed raw transaction, hex-encoded without 0x prefix.
	TxHex string
	// TxHash is set iff Status >= PENDING.
	TxHash common.Hash
	TxBlock uint64
	// TxFee is the worst-case gasFeeCap*gasLimit while PENDING, overwritten
	// with the receipt's effectiveGasPrice*gasUsed once CONFIRMED or FAILED.
	TxFee *big.Int

	// RetryCount mirrors the source's field of the same name: it is
	// incremented for observability only. The submission retry loop in
	// pipeline.process keeps its own local attempt counter and does not
	// consult this field — see DESIGN.md Open Question 1.
	RetryCount int
	FailReason string

	listeners []func(*ClaimTx)
}

// New constructs a claim in the QUEUE state.
func New(queueIdx uint64, target common.Address, amount *big.Int, session string, createdAt time.Time) *ClaimTx {
	return &ClaimTx{
		QueueIdx:  queueIdx,
		status:    StatusQueue,
		CreatedAt: createdAt,
		Target:    target,
		Amount:    new(big.Int).Set(amount),
		Session:   session,
	}
}

// Status returns the current lifecycle status.
func (c *ClaimTx) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnTransition registers a callback invoked synchronously after every
// successful status transition. Callbacks are invoked in registration order;
// no callback is invoked twice for the same transition.
func (c *ClaimTx) OnTransition(fn func(*ClaimTx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Transition moves the claim to next. It returns an error if the transition
// is not in the monotonic set QUEUE -> PROCESSING -> PENDING ->
// {CONFIRMED|FAILED}.
func (c *ClaimTx) Transition(next Status) error {
	c.mu.Lock()
	cur := c.status
	allowed := validTransitions[cur]
	ok := false
	for _, s := range allowed {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("claim %s: invalid transition %s -> %s", c.Session, cur, next)
	}
	c.status = next
	listeners := append([]func(*ClaimTx){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
	return nil
}

// Record returns the durable form persisted to the claim store.
func (c *ClaimTx) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{
		CreatedAt: c.CreatedAt,
		Target:    c.Target,
		Amount:    new(big.Int).Set(c.Amount),
		Session:   c.Session,
	}
}

// FromRecord reconstructs a queued ClaimTx from its durable form, assigning
// it the given queueIdx. Used when restoring the queue at startup; the order
// entries are restored in defines the queueIdx assignment (spec §6).
func FromRecord(queueIdx uint64, r Record) *ClaimTx {
	return New(queueIdx, r.Target, r.Amount, r.Session, r.CreatedAt)
}

// View is a value copy of a ClaimTx's observable fields, safe for a caller
// to retain after the pipeline has moved on.
type View struct {
	QueueIdx   uint64
	Status     Status
	CreatedAt  time.Time
	Target     common.Address
	Amount     *big.Int
	Session    string
	Nonce      uint64
	TxHex      string
	TxHash     common.Hash
	TxBlock    uint64
	TxFee      *big.Int
	RetryCount int
	FailReason string
}

// Snapshot returns a View of the claim's current observable fields.
func (c *ClaimTx) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		QueueIdx:   c.QueueIdx,
		Status:     c.status,
		CreatedAt:  c.CreatedAt,
		Target:     c.Target,
		Session:    c.Session,
		Nonce:      c.Nonce,
		TxHex:      c.TxHex,
		TxHash:     c.TxHash,
		TxBlock:    c.TxBlock,
		RetryCount: c.RetryCount,
		FailReason: c.FailReason,
	}
	if c.Amount != nil {
		v.Amount = new(big.Int).Set(c.Amount)
	}
	if c.TxFee != nil {
		v.TxFee = new(big.Int).Set(c.TxFee)
	}
	return v
}
