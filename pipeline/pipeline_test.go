package pipeline

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"

	"github.com/vocdoni/faucetd/claim"
	"github.com/vocdoni/faucetd/wallet"
	"github.com/vocdoni/faucetd/web3/txbuilder"
)

// fakeStore is an in-memory store.ClaimStore used only to exercise the
// pipeline's persistence calls.
type fakeStore struct {
	records []claim.Record
	removed []string
}

func (s *fakeStore) LoadQueue() ([]claim.Record, error) { return s.records, nil }
func (s *fakeStore) Add(r claim.Record) error {
	s.records = append(s.records, r)
	return nil
}
func (s *fakeStore) Remove(session string) error {
	s.removed = append(s.removed, session)
	for i, r := range s.records {
		if r.Session == session {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	return nil
}
func (s *fakeStore) Close() error { return nil }

func testPipeline(cfg Config) (*Pipeline, *fakeStore) {
	st := &fakeStore{}
	cfg.setDefaults()
	p := &Pipeline{
		cfg:     cfg,
		store:   st,
		wallet:  wallet.New(nil, common.HexToAddress("0xFAUCET"), wallet.Native, nil, big.NewInt(1)),
		pending: make(map[common.Hash]*claim.ClaimTx),
		history: make(map[uint64]*claim.ClaimTx),
		stats:   noopStats{},
	}
	return p, st
}

func TestNewRestoresQueueInOrder(t *testing.T) {
	c := qt.New(t)
	st := &fakeStore{records: []claim.Record{
		{Target: common.HexToAddress("0xA"), Amount: big.NewInt(1), Session: "s1"},
		{Target: common.HexToAddress("0xB"), Amount: big.NewInt(2), Session: "s2"},
	}}
	cfg := Config{MaxPending: 4}
	p, err := New(cfg, st, wallet.New(nil, common.HexToAddress("0xFAUCET"), wallet.Native, nil, big.NewInt(1)), nil, nil, nil, nil, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(len(p.queue), qt.Equals, 2)
	c.Assert(p.queue[0].Session, qt.Equals, "s1")
	c.Assert(p.queue[0].QueueIdx, qt.Equals, uint64(1))
	c.Assert(p.queue[1].QueueIdx, qt.Equals, uint64(2))
}

func TestAddClaimTransactionPersistsAndRejectsDuplicateSession(t *testing.T) {
	c := qt.New(t)
	p, st := testPipeline(Config{MaxPending: 4})

	cl, err := p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(100), "sess-1")
	c.Assert(err, qt.IsNil)
	c.Assert(cl.Status(), qt.Equals, claim.StatusQueue)
	c.Assert(len(st.records), qt.Equals, 1)

	_, err = p.AddClaimTransaction(common.HexToAddress("0xB"), big.NewInt(1), "sess-1")
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestGetClaimTransactionAcrossStates(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{MaxPending: 4})

	queued, _ := p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(1), "queued")
	c.Assert(queued, qt.Not(qt.IsNil))

	pendingCl := claim.New(99, common.HexToAddress("0xB"), big.NewInt(1), "pending", time.Now())
	p.pending[common.HexToHash("0x1")] = pendingCl

	historyCl := claim.New(100, common.HexToAddress("0xC"), big.NewInt(1), "history", time.Now())
	p.history[100] = historyCl

	got, ok := p.GetClaimTransaction("queued")
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Session, qt.Equals, "queued")

	got, ok = p.GetClaimTransaction("pending")
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Session, qt.Equals, "pending")

	got, ok = p.GetClaimTransaction("history")
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Session, qt.Equals, "history")

	_, ok = p.GetClaimTransaction("nope")
	c.Assert(ok, qt.IsFalse)
}

func TestQueuedAmountSumsQueueOnly(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{MaxPending: 4})
	_, _ = p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(100), "a")
	_, _ = p.AddClaimTransaction(common.HexToAddress("0xB"), big.NewInt(250), "b")
	p.pending[common.HexToHash("0x1")] = claim.New(3, common.HexToAddress("0xC"), big.NewInt(9_999), "c", time.Now())

	c.Assert(p.QueuedAmount().Int64(), qt.Equals, int64(350))
}

func TestAddClaimTransactionManyUniqueSessions(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{MaxPending: 100})

	sessions := make([]string, 20)
	for i := range sessions {
		sessions[i] = uuid.New().String()
		_, err := p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(1), sessions[i])
		c.Assert(err, qt.IsNil)
	}
	c.Assert(len(p.queue), qt.Equals, len(sessions))

	// re-submitting one of the generated session ids must still be rejected
	_, err := p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(1), sessions[0])
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestDequeueIfProcessableRespectsMaxPending(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{MaxPending: 1})
	_, _ = p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(1), "a")
	_, _ = p.AddClaimTransaction(common.HexToAddress("0xB"), big.NewInt(1), "b")

	p.mu.Lock()
	p.pending[common.HexToHash("0x1")] = claim.New(0, common.Address{}, big.NewInt(1), "in-flight", time.Now())
	p.mu.Unlock()

	_, ok := p.dequeueIfProcessable()
	c.Assert(ok, qt.IsFalse)
}

func TestDequeueIfProcessableAdvancesLastProcessedIdx(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{MaxPending: 4})
	cl, _ := p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(1), "a")

	dequeued, ok := p.dequeueIfProcessable()
	c.Assert(ok, qt.IsTrue)
	c.Assert(dequeued.Session, qt.Equals, "a")
	c.Assert(p.LastProcessedClaimIdx(), qt.Equals, cl.QueueIdx)
	c.Assert(len(p.queue), qt.Equals, 0)
}

func TestCanCoverLockedGasReserveBoundary(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{GasLimit: 21000, MaxFee: big.NewInt(10), SpareFunds: new(big.Int)})

	// native balance exactly equal to the gas reserve must be rejected
	v := wallet.View{NativeBalance: big.NewInt(210_000), TokenBalance: big.NewInt(1_000_000)}
	c.Assert(p.canCoverLocked(v, big.NewInt(1)), qt.IsFalse)

	v.NativeBalance = big.NewInt(210_001)
	c.Assert(p.canCoverLocked(v, big.NewInt(1)), qt.IsTrue)
}

func TestCanCoverLockedSpareFundsReservation(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{GasLimit: 1, MaxFee: big.NewInt(0), SpareFunds: big.NewInt(500)})
	v := wallet.View{NativeBalance: big.NewInt(1_000_000), TokenBalance: big.NewInt(1_000)}

	c.Assert(p.canCoverLocked(v, big.NewInt(501)), qt.IsFalse) // 1000 - 500 = 500 < 501
	c.Assert(p.canCoverLocked(v, big.NewInt(500)), qt.IsTrue)
}

func TestFailTransitionsAndFilesHistory(t *testing.T) {
	c := qt.New(t)
	p, st := testPipeline(Config{MaxPending: 4, HistoryTTL: time.Hour})
	cl, _ := p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(1), "doomed")
	c.Assert(cl.Transition(claim.StatusProcessing), qt.IsNil)

	p.fail(cl, "insufficient funds")

	c.Assert(cl.Status(), qt.Equals, claim.StatusFailed)
	c.Assert(cl.FailReason, qt.Equals, "insufficient funds")
	c.Assert(st.removed, qt.Contains, "doomed")

	p.mu.Lock()
	_, inHistory := p.history[cl.QueueIdx]
	p.mu.Unlock()
	c.Assert(inHistory, qt.IsTrue)
}

// fakeWallet is a controllable WalletHandle used to exercise process() and
// awaitReceipt() without real RPC machinery.
type fakeWallet struct {
	mu             sync.Mutex
	view           wallet.View
	nonce          uint64
	reconcileErr   error
	reconcileCalls int
	deductSpend    []*big.Int
	deductFee      []*big.Int
}

func (w *fakeWallet) Snapshot() wallet.View {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.view
	v.Nonce = w.nonce
	return v
}

func (w *fakeWallet) Ready() bool { return w.Snapshot().Ready }

func (w *fakeWallet) Reconcile(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconcileCalls++
	return w.reconcileErr
}

func (w *fakeWallet) AdvanceNonce() {
	w.mu.Lock()
	w.nonce++
	w.mu.Unlock()
}

func (w *fakeWallet) DeductSpend(amount *big.Int) {
	w.mu.Lock()
	w.deductSpend = append(w.deductSpend, amount)
	w.mu.Unlock()
}

func (w *fakeWallet) DeductFee(fee *big.Int) {
	w.mu.Lock()
	w.deductFee = append(w.deductFee, fee)
	w.mu.Unlock()
}

// fakeBuilder stands in for txbuilder.Builder, signing nothing and instead
// producing a deterministic unsigned legacy transaction at the given nonce.
type fakeBuilder struct {
	calls int
}

func (b *fakeBuilder) Build(ctx context.Context, to common.Address, value *big.Int, nonce uint64, data []byte, gasLimit uint64) (*txbuilder.Built, error) {
	b.calls++
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: big.NewInt(1),
		Data:     data,
	})
	return &txbuilder.Built{
		Tx:   tx,
		Hash: tx.Hash(),
		Hex:  common.Bytes2Hex([]byte{0xde, 0xad, 0xbe, 0xef}),
		Fee:  new(big.Int).Mul(big.NewInt(1), new(big.Int).SetUint64(gasLimit)),
	}, nil
}

// fakeClient stands in for rpcclient.Client: SendTransaction consumes
// sendErrs in order (further calls succeed), and TransactionReceipt returns
// nil until receiptCallsBeforeReady polls have elapsed.
type fakeClient struct {
	mu                      sync.Mutex
	sendErrs                []error
	sendCalls               int
	receipt                 *gethtypes.Receipt
	receiptCallsBeforeReady int
	receiptCalls            int
}

func (c *fakeClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.sendCalls
	c.sendCalls++
	if idx < len(c.sendErrs) {
		return c.sendErrs[idx]
	}
	return nil
}

func (c *fakeClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptCalls++
	if c.receiptCalls <= c.receiptCallsBeforeReady {
		return nil, nil
	}
	return c.receipt, nil
}

// processTestPipeline builds a Pipeline wired directly to the given fakes,
// bypassing New (which would restore a queue from the store).
func processTestPipeline(cfg Config, w WalletHandle, client txSender, builder txBuilder) (*Pipeline, *fakeStore) {
	st := &fakeStore{}
	cfg.setDefaults()
	p := &Pipeline{
		cfg:     cfg,
		store:   st,
		wallet:  w,
		client:  client,
		builder: builder,
		pending: make(map[common.Hash]*claim.ClaimTx),
		history: make(map[uint64]*claim.ClaimTx),
		stats:   noopStats{},
	}
	return p, st
}

// waitUntil polls cond until it reports true or timeout elapses, returning
// the final result of cond.
func waitUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestProcessHappyPathConfirmsWithReceiptDerivedFee(t *testing.T) {
	c := qt.New(t)

	w := &fakeWallet{view: wallet.View{Ready: true, NativeBalance: big.NewInt(1_000_000), TokenBalance: big.NewInt(1_000_000)}}
	builder := &fakeBuilder{}
	client := &fakeClient{
		receiptCallsBeforeReady: 2, // unmined for the first two polls
		receipt: &gethtypes.Receipt{
			Status:            gethtypes.ReceiptStatusSuccessful,
			BlockNumber:       big.NewInt(42),
			GasUsed:           21_000,
			EffectiveGasPrice: big.NewInt(7),
		},
	}

	cfg := Config{
		MaxPending:       4,
		GasLimit:         21_000,
		MaxFee:           big.NewInt(10),
		SpareFunds:       new(big.Int),
		ReceiptPoll:      2 * time.Millisecond,
		SubmitRetrySleep: time.Millisecond,
	}
	p, st := processTestPipeline(cfg, w, client, builder)

	cl, err := p.AddClaimTransaction(common.HexToAddress("0xA"), big.NewInt(100), "happy")
	c.Assert(err, qt.IsNil)
	p.queue = nil

	p.process(context.Background(), cl)

	c.Assert(cl.Status(), qt.Equals, claim.StatusPending)
	c.Assert(builder.calls, qt.Equals, 1)
	c.Assert(len(w.deductSpend), qt.Equals, 1)
	c.Assert(st.removed, qt.Contains, "happy")

	ok := waitUntil(func() bool { return cl.Status() == claim.StatusConfirmed }, time.Second)
	c.Assert(ok, qt.IsTrue)

	// 21000 * 7, from the receipt, not gasFeeCap (10) * gasLimit (21000).
	c.Assert(cl.TxFee.Int64(), qt.Equals, int64(21_000*7))
	c.Assert(len(w.deductFee), qt.Equals, 1)
	c.Assert(w.deductFee[0].Int64(), qt.Equals, int64(21_000*7))
	c.Assert(cl.TxBlock, qt.Equals, uint64(42))
}

func TestProcessRetriesSubmissionAfterTransientErrorThenSucceeds(t *testing.T) {
	c := qt.New(t)

	w := &fakeWallet{view: wallet.View{Ready: true, NativeBalance: big.NewInt(1_000_000), TokenBalance: big.NewInt(1_000_000)}}
	builder := &fakeBuilder{}
	client := &fakeClient{
		sendErrs: []error{errors.New("nonce too low")},
		receipt: &gethtypes.Receipt{
			Status:            gethtypes.ReceiptStatusSuccessful,
			BlockNumber:       big.NewInt(1),
			GasUsed:           21_000,
			EffectiveGasPrice: big.NewInt(3),
		},
	}

	cfg := Config{
		MaxPending:       4,
		GasLimit:         21_000,
		MaxFee:           big.NewInt(10),
		SpareFunds:       new(big.Int),
		ReceiptPoll:      2 * time.Millisecond,
		SubmitRetrySleep: time.Millisecond,
		SubmitAttempts:   4,
	}
	p, _ := processTestPipeline(cfg, w, client, builder)

	cl, err := p.AddClaimTransaction(common.HexToAddress("0xB"), big.NewInt(50), "retry")
	c.Assert(err, qt.IsNil)
	p.queue = nil

	p.process(context.Background(), cl)

	c.Assert(cl.Status(), qt.Equals, claim.StatusPending)
	c.Assert(client.sendCalls, qt.Equals, 2)
	c.Assert(builder.calls, qt.Equals, 2)
	c.Assert(w.reconcileCalls, qt.Equals, 1)
	// the nonce only advances once, on the attempt that actually succeeded.
	c.Assert(w.Snapshot().Nonce, qt.Equals, uint64(1))
}

func TestTickIsNonReentrant(t *testing.T) {
	c := qt.New(t)
	p, _ := testPipeline(Config{MaxPending: 4})

	c.Assert(p.ticking.TryLock(), qt.IsTrue)
	defer p.ticking.Unlock()

	// Tick must return immediately without blocking, since ticking is held.
	done := make(chan struct{})
	go func() {
		p.Tick(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("Tick did not return promptly while already ticking")
	}
}
