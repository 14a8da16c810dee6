package pebblestore

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/vocdoni/faucetd/claim"
)

func TestAddLoadRemove(t *testing.T) {
	c := qt.New(t)

	s, err := New(t.TempDir())
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = s.Close() })

	now := time.Now().UTC().Round(time.Millisecond)
	r1 := claim.Record{CreatedAt: now, Target: common.HexToAddress("0xA"), Amount: big.NewInt(1), Session: "s1"}
	r2 := claim.Record{CreatedAt: now, Target: common.HexToAddress("0xB"), Amount: big.NewInt(2), Session: "s2"}
	r3 := claim.Record{CreatedAt: now, Target: common.HexToAddress("0xC"), Amount: big.NewInt(3), Session: "s3"}

	c.Assert(s.Add(r1), qt.IsNil)
	c.Assert(s.Add(r2), qt.IsNil)
	c.Assert(s.Add(r3), qt.IsNil)

	queue, err := s.LoadQueue()
	c.Assert(err, qt.IsNil)
	c.Assert(queue, qt.HasLen, 3)
	c.Assert(queue[0].Session, qt.Equals, "s1")
	c.Assert(queue[1].Session, qt.Equals, "s2")
	c.Assert(queue[2].Session, qt.Equals, "s3")

	c.Assert(s.Remove("s2"), qt.IsNil)
	queue, err = s.LoadQueue()
	c.Assert(err, qt.IsNil)
	c.Assert(queue, qt.HasLen, 2)
	c.Assert(queue[0].Session, qt.Equals, "s1")
	c.Assert(queue[1].Session, qt.Equals, "s3")

	// removing a session not present is a no-op, not an error
	c.Assert(s.Remove("does-not-exist"), qt.IsNil)
}

func TestPersistsAcrossReopen(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	s1, err := New(dir)
	c.Assert(err, qt.IsNil)
	c.Assert(s1.Add(claim.Record{
		CreatedAt: time.Now(),
		Target:    common.HexToAddress("0xA"),
		Amount:    big.NewInt(7),
		Session:   "persisted",
	}), qt.IsNil)
	c.Assert(s1.Close(), qt.IsNil)

	s2, err := New(dir)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = s2.Close() })

	queue, err := s2.LoadQueue()
	c.Assert(err, qt.IsNil)
	c.Assert(queue, qt.HasLen, 1)
	c.Assert(queue[0].Session, qt.Equals, "persisted")

	// the sequence counter must have been restored, not reset
	c.Assert(s2.Add(claim.Record{
		CreatedAt: time.Now(),
		Target:    common.HexToAddress("0xB"),
		Amount:    big.NewInt(1),
		Session:   "after-reopen",
	}), qt.IsNil)
	queue, err = s2.LoadQueue()
	c.Assert(err, qt.IsNil)
	c.Assert(queue, qt.HasLen, 2)
}
