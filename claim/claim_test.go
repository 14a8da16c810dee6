package claim

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
)

func TestTransitionsMonotonic(t *testing.T) {
	c := qt.New(t)

	cl := New(1, common.HexToAddress("0xA"), big.NewInt(1e18), "sess-1", time.Now())
	c.Assert(cl.Status(), qt.Equals, StatusQueue)

	c.Assert(cl.Transition(StatusProcessing), qt.IsNil)
	c.Assert(cl.Status(), qt.Equals, StatusProcessing)

	c.Assert(cl.Transition(StatusPending), qt.IsNil)
	c.Assert(cl.Status(), qt.Equals, StatusPending)

	c.Assert(cl.Transition(StatusConfirmed), qt.IsNil)
	c.Assert(cl.Status(), qt.Equals, StatusConfirmed)
	c.Assert(cl.Status().IsTerminal(), qt.IsTrue)

	// terminal states cannot transition further
	c.Assert(cl.Transition(StatusFailed), qt.Not(qt.IsNil))
}

func TestProcessingCanFailDirectly(t *testing.T) {
	c := qt.New(t)

	cl := New(1, common.HexToAddress("0xA"), big.NewInt(1), "sess-2", time.Now())
	c.Assert(cl.Transition(StatusProcessing), qt.IsNil)
	c.Assert(cl.Transition(StatusFailed), qt.IsNil)
	c.Assert(cl.Status().IsTerminal(), qt.IsTrue)
}

func TestInvalidTransitionRejected(t *testing.T) {
	c := qt.New(t)

	cl := New(1, common.HexToAddress("0xA"), big.NewInt(1), "sess-3", time.Now())
	// cannot jump straight to PENDING from QUEUE
	c.Assert(cl.Transition(StatusPending), qt.Not(qt.IsNil))
	c.Assert(cl.Status(), qt.Equals, StatusQueue)
}

func TestOnTransitionFanOut(t *testing.T) {
	c := qt.New(t)

	cl := New(1, common.HexToAddress("0xA"), big.NewInt(1), "sess-4", time.Now())
	var seen []Status
	cl.OnTransition(func(c *ClaimTx) { seen = append(seen, c.Status()) })
	cl.OnTransition(func(c *ClaimTx) { seen = append(seen, c.Status()) })

	c.Assert(cl.Transition(StatusProcessing), qt.IsNil)
	c.Assert(seen, qt.DeepEquals, []Status{StatusProcessing, StatusProcessing})
}

func TestRecordRoundTrip(t *testing.T) {
	c := qt.New(t)

	now := time.Now().UTC().Round(time.Millisecond)
	r := Record{
		CreatedAt: now,
		Target:    common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		Amount:    big.NewInt(1234900000000000000),
		Session:   "session-xyz",
	}

	encoded, err := Encode(r)
	c.Assert(err, qt.IsNil)

	decoded, err := Decode(encoded)
	c.Assert(err, qt.IsNil)
	c.Assert(decoded.CreatedAt.Equal(r.CreatedAt), qt.IsTrue)
	c.Assert(decoded.Target, qt.Equals, r.Target)
	c.Assert(decoded.Amount.Cmp(r.Amount), qt.Equals, 0)
	c.Assert(decoded.Session, qt.Equals, r.Session)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := qt.New(t)

	cl := New(7, common.HexToAddress("0xA"), big.NewInt(42), "sess-5", time.Now())
	snap := cl.Snapshot()
	c.Assert(snap.QueueIdx, qt.Equals, uint64(7))

	cl.Amount.SetInt64(99)
	c.Assert(snap.Amount.Int64(), qt.Equals, int64(42))
}
