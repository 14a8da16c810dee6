// Package pipeline drains the queue of accepted claims onto the chain,
// tracks them through submission and confirmation, and keeps a short-lived
// history of terminal claims. It is the orchestrator's busiest component.
package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vocdoni/faucetd/claim"
	"github.com/vocdoni/faucetd/log"
	"github.com/vocdoni/faucetd/status"
	"github.com/vocdoni/faucetd/store"
	"github.com/vocdoni/faucetd/wallet"
	"github.com/vocdoni/faucetd/web3/rpcclient"
	"github.com/vocdoni/faucetd/web3/txbuilder"
)

const (
	defaultTickInterval     = 2 * time.Second
	defaultHistoryTTL       = 30 * time.Minute
	defaultReadyReconcile   = 600 * time.Second
	defaultNotReadyReconcile = 10 * time.Second
	defaultReceiptPoll      = 30 * time.Second
	defaultSubmitRetrySleep = 2 * time.Second
	defaultSubmitAttempts   = 4
)

// StatsSink is the external statistics logger, consulted only to report
// confirmed or failed claims. Out of scope to implement.
type StatsSink interface {
	AddClaimStats(session string, amount *big.Int, confirmed bool)
}

// noopStats is used when no StatsSink is configured.
type noopStats struct{}

func (noopStats) AddClaimStats(string, *big.Int, bool) {}

// Config holds the pipeline's tunable policy, corresponding to the
// eth*-prefixed faucet options.
type Config struct {
	MaxPending      int
	QueueNoFunds    bool
	SpareFunds      *big.Int
	GasLimit        uint64
	MaxFee          *big.Int
	TokenAddress    common.Address
	CoinType        wallet.CoinType

	// Decimals and Symbol format the payout balance for status publishing
	// (see status.ReadableAmount).
	Decimals uint8
	Symbol   string

	TickInterval      time.Duration
	HistoryTTL        time.Duration
	ReadyReconcile    time.Duration
	NotReadyReconcile time.Duration
	ReceiptPoll       time.Duration
	SubmitRetrySleep  time.Duration
	SubmitAttempts    int
}

func (c *Config) setDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.HistoryTTL == 0 {
		c.HistoryTTL = defaultHistoryTTL
	}
	if c.ReadyReconcile == 0 {
		c.ReadyReconcile = defaultReadyReconcile
	}
	if c.NotReadyReconcile == 0 {
		c.NotReadyReconcile = defaultNotReadyReconcile
	}
	if c.ReceiptPoll == 0 {
		c.ReceiptPoll = defaultReceiptPoll
	}
	if c.SubmitRetrySleep == 0 {
		c.SubmitRetrySleep = defaultSubmitRetrySleep
	}
	if c.SubmitAttempts == 0 {
		c.SubmitAttempts = defaultSubmitAttempts
	}
	if c.SpareFunds == nil {
		c.SpareFunds = new(big.Int)
	}
}

// RefillInvoker is the narrow view of the refill controller the pipeline
// drives once per tick.
type RefillInvoker interface {
	Tick(ctx context.Context)
	Configured() bool
}

// WalletHandle is the wallet surface the pipeline drives: cached-state
// reads, reconciliation, and the optimistic local updates made around
// submission and confirmation. *wallet.Wallet satisfies this.
type WalletHandle interface {
	Snapshot() wallet.View
	Ready() bool
	Reconcile(ctx context.Context) error
	AdvanceNonce()
	DeductSpend(amount *big.Int)
	DeductFee(fee *big.Int)
}

// txSender is the narrow RPC surface the pipeline needs to submit
// transactions and poll for their receipts. *rpcclient.Client satisfies
// this.
type txSender interface {
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
}

// txBuilder is the narrow transaction-construction surface the pipeline
// drives once per submission attempt. *txbuilder.Builder satisfies this.
type txBuilder interface {
	Build(ctx context.Context, to common.Address, value *big.Int, nonce uint64, data []byte, gasLimit uint64) (*txbuilder.Built, error)
}

// Pipeline owns the claim queue, the in-flight pending map, and the
// short-lived terminal history, draining the queue on a periodic,
// non-reentrant tick.
type Pipeline struct {
	cfg     Config
	store   store.ClaimStore
	wallet  WalletHandle
	builder txBuilder
	client  txSender
	status  *status.Publisher
	stats   StatsSink
	refill  RefillInvoker

	mu      sync.Mutex
	queue   []*claim.ClaimTx
	pending map[common.Hash]*claim.ClaimTx
	history map[uint64]*claim.ClaimTx
	counter uint64
	lastProcessedIdx uint64
	lastWalletRefresh time.Time

	ticking sync.Mutex
}

// New constructs a Pipeline and restores its queue from st.
func New(cfg Config, st store.ClaimStore, w WalletHandle, builder txBuilder, client txSender, pub *status.Publisher, stats StatsSink, refill RefillInvoker) (*Pipeline, error) {
	cfg.setDefaults()
	if stats == nil {
		stats = noopStats{}
	}
	p := &Pipeline{
		cfg:     cfg,
		store:   st,
		wallet:  w,
		builder: builder,
		client:  client,
		status:  pub,
		stats:   stats,
		refill:  refill,
		pending: make(map[common.Hash]*claim.ClaimTx),
		history: make(map[uint64]*claim.ClaimTx),
	}
	records, err := st.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("restore claim queue: %w", err)
	}
	for _, r := range records {
		p.counter++
		p.queue = append(p.queue, claim.FromRecord(p.counter, r))
	}
	return p, nil
}

// AddClaimTransaction enqueues a new claim. It fails if session already
// identifies a claim in the queue, pending map, or history.
func (p *Pipeline) AddClaimTransaction(target common.Address, amount *big.Int, session string) (*claim.ClaimTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.findLocked(session) != nil {
		return nil, fmt.Errorf("session %q already has an active claim", session)
	}

	p.counter++
	cl := claim.New(p.counter, target, amount, session, time.Now())
	p.queue = append(p.queue, cl)

	if err := p.store.Add(cl.Record()); err != nil {
		return nil, fmt.Errorf("persist claim: %w", err)
	}
	return cl, nil
}

// GetClaimTransaction looks up a claim by session across queue, pending,
// and history, in that order.
func (p *Pipeline) GetClaimTransaction(session string) (*claim.ClaimTx, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cl := p.findLocked(session)
	return cl, cl != nil
}

func (p *Pipeline) findLocked(session string) *claim.ClaimTx {
	for _, cl := range p.queue {
		if cl.Session == session {
			return cl
		}
	}
	for _, cl := range p.pending {
		if cl.Session == session {
			return cl
		}
	}
	for _, cl := range p.history {
		if cl.Session == session {
			return cl
		}
	}
	return nil
}

// Queue returns independent Views of every claim currently queued, pending,
// or in history; with queueOnly set, only the queued claims.
func (p *Pipeline) Queue(queueOnly bool) []claim.View {
	p.mu.Lock()
	defer p.mu.Unlock()

	views := make([]claim.View, 0, len(p.queue))
	for _, cl := range p.queue {
		views = append(views, cl.Snapshot())
	}
	if queueOnly {
		return views
	}
	for _, cl := range p.pending {
		views = append(views, cl.Snapshot())
	}
	for _, cl := range p.history {
		views = append(views, cl.Snapshot())
	}
	return views
}

// QueuedAmount returns the sum of amounts over the current queue.
func (p *Pipeline) QueuedAmount() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := new(big.Int)
	for _, cl := range p.queue {
		total.Add(total, cl.Amount)
	}
	return total
}

// LastProcessedClaimIdx returns the queueIdx of the most recently dequeued
// claim, or 0 if none has been processed yet.
func (p *Pipeline) LastProcessedClaimIdx() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProcessedIdx
}

// PendingCount returns the number of claims currently awaiting a receipt.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Tick runs one iteration of the pipeline's control loop: draining the
// queue up to the in-flight cap, opportunistically reconciling wallet
// state when idle, and invoking the refill controller. It is non-reentrant;
// a tick already in progress causes a new call to return immediately.
func (p *Pipeline) Tick(ctx context.Context) {
	if !p.ticking.TryLock() {
		return
	}
	defer p.ticking.Unlock()

	for {
		cl, ok := p.dequeueIfProcessable()
		if !ok {
			break
		}
		p.process(ctx, cl)
	}

	p.mu.Lock()
	idle := len(p.pending) == 0
	lastRefresh := p.lastWalletRefresh
	p.mu.Unlock()

	if idle {
		threshold := p.cfg.NotReadyReconcile
		if p.wallet.Ready() {
			threshold = p.cfg.ReadyReconcile
		}
		if time.Since(lastRefresh) > threshold {
			if err := p.reconcileWallet(ctx); err != nil {
				log.Warnw("wallet reconciliation failed during tick", "error", err)
			}
			p.mu.Lock()
			p.lastWalletRefresh = time.Now()
			p.mu.Unlock()
		}
	}

	if p.refill != nil && p.refill.Configured() && p.wallet.Ready() {
		p.refill.Tick(ctx)
	}
}

// dequeueIfProcessable pops the queue head if the in-flight cap has room
// and, when ethQueueNoFunds is set, the wallet can cover it. It returns
// ok=false when there is nothing to do this round.
func (p *Pipeline) dequeueIfProcessable() (*claim.ClaimTx, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) >= p.cfg.MaxPending || len(p.queue) == 0 {
		return nil, false
	}
	head := p.queue[0]
	if p.cfg.QueueNoFunds {
		v := p.wallet.Snapshot()
		if !p.canCoverLocked(v, head.Amount) {
			return nil, false
		}
	}
	p.queue = p.queue[1:]
	p.lastProcessedIdx = head.QueueIdx
	return head, true
}

// canCoverLocked implements the gas-reserve and balance predicates shared
// by the drain check and process() step 1.
func (p *Pipeline) canCoverLocked(v wallet.View, amount *big.Int) bool {
	gasReserve := new(big.Int).Mul(new(big.Int).SetUint64(p.cfg.GasLimit), p.cfg.MaxFee)
	if v.NativeBalance.Cmp(gasReserve) <= 0 {
		return false
	}
	available := new(big.Int).Sub(v.TokenBalance, p.cfg.SpareFunds)
	return available.Cmp(amount) >= 0
}

// evictHistory removes a terminal claim from history after the configured
// TTL, unless it has already been removed (e.g. by a test or a restart).
func (p *Pipeline) evictHistory(queueIdx uint64) {
	time.AfterFunc(p.cfg.HistoryTTL, func() {
		p.mu.Lock()
		delete(p.history, queueIdx)
		p.mu.Unlock()
	})
}

// fail transitions cl to FAILED, records reason, removes it from the
// durable queue store, reports it to the stats sink, and files it in
// history under its queueIdx.
func (p *Pipeline) fail(cl *claim.ClaimTx, reason string) {
	cl.FailReason = reason
	if err := cl.Transition(claim.StatusFailed); err != nil {
		log.Warnw("claim transition failed", "session", cl.Session, "error", err)
	}
	if err := p.store.Remove(cl.Session); err != nil {
		log.Warnw("removing failed claim from store", "session", cl.Session, "error", err)
	}
	p.stats.AddClaimStats(cl.Session, cl.Amount, false)

	p.mu.Lock()
	p.history[cl.QueueIdx] = cl
	p.mu.Unlock()
	p.evictHistory(cl.QueueIdx)
}

// process runs one claim through build, submit-retry-reconcile, and
// detaches a receipt poller on success. It never reschedules a claim back
// onto the queue: a claim that exhausts its submission attempts is FAILED.
func (p *Pipeline) process(ctx context.Context, cl *claim.ClaimTx) {
	v := p.wallet.Snapshot()
	if !v.Ready {
		p.fail(cl, "wallet not ready")
		return
	}
	if !p.canCoverLocked(v, cl.Amount) {
		p.fail(cl, "insufficient funds")
		return
	}

	if err := cl.Transition(claim.StatusProcessing); err != nil {
		log.Warnw("claim transition failed", "session", cl.Session, "error", err)
		return
	}

	var built *txbuilder.Built
	var lastErr error
	for attempt := 1; attempt <= p.cfg.SubmitAttempts; attempt++ {
		nonce := p.wallet.Snapshot().Nonce
		b, err := p.buildFor(ctx, cl, nonce)
		if err != nil {
			lastErr = err
			log.Warnw("building claim transaction failed", "session", cl.Session, "attempt", attempt, "error", err)
			if attempt < p.cfg.SubmitAttempts {
				cl.RetryCount++
				time.Sleep(p.cfg.SubmitRetrySleep)
				p.reconcileForRetry(ctx)
			}
			continue
		}

		if err := p.client.SendTransaction(ctx, b.Tx); err != nil {
			lastErr = err
			log.Warnw("submitting claim transaction failed", "session", cl.Session, "attempt", attempt, "error", err)
			if rpcclient.IsPermanentError(err) {
				break
			}
			if attempt < p.cfg.SubmitAttempts {
				cl.RetryCount++
				time.Sleep(p.cfg.SubmitRetrySleep)
				p.reconcileForRetry(ctx)
			}
			continue
		}

		built = b
		break
	}

	if built == nil {
		reason := "submission failed"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		p.fail(cl, reason)
		return
	}

	cl.Nonce = built.Tx.Nonce()
	cl.TxHex = built.Hex
	cl.TxHash = built.Hash
	cl.TxFee = built.Fee

	p.wallet.AdvanceNonce()
	p.wallet.DeductSpend(cl.Amount)
	p.publishStatus()

	if err := p.store.Remove(cl.Session); err != nil {
		log.Warnw("removing submitted claim from queue store", "session", cl.Session, "error", err)
	}
	if err := cl.Transition(claim.StatusPending); err != nil {
		log.Warnw("claim transition failed", "session", cl.Session, "error", err)
	}

	p.mu.Lock()
	p.pending[cl.TxHash] = cl
	p.mu.Unlock()

	go p.awaitReceipt(cl)
}

// buildFor constructs the outgoing transaction for cl: a plain value
// transfer in Native mode, or an ERC-20 transfer call in ERC20 mode.
func (p *Pipeline) buildFor(ctx context.Context, cl *claim.ClaimTx, nonce uint64) (*txbuilder.Built, error) {
	if p.cfg.CoinType == wallet.Native {
		return p.builder.Build(ctx, cl.Target, cl.Amount, nonce, nil, p.cfg.GasLimit)
	}

	token := wallet.TokenState{Address: p.cfg.TokenAddress}
	data, err := token.TransferCalldata(cl.Target, cl.Amount)
	if err != nil {
		return nil, fmt.Errorf("encode transfer calldata: %w", err)
	}
	return p.builder.Build(ctx, p.cfg.TokenAddress, new(big.Int), nonce, data, p.cfg.GasLimit)
}

// reconcileForRetry re-reads wallet state between submission attempts so a
// retry picks up a nonce that may have advanced underneath it (e.g. after
// a nonce-too-low rejection).
func (p *Pipeline) reconcileForRetry(ctx context.Context) {
	if err := p.reconcileWallet(ctx); err != nil {
		log.Warnw("wallet reconciliation during submit retry failed", "error", err)
	}
}

// reconcileWallet reconciles the wallet and, on success, publishes the
// resulting status.
func (p *Pipeline) reconcileWallet(ctx context.Context) error {
	if err := p.wallet.Reconcile(ctx); err != nil {
		return err
	}
	p.publishStatus()
	return nil
}

// publishStatus emits the current wallet status under the configured
// decimals and symbol, if a status publisher is configured.
func (p *Pipeline) publishStatus() {
	if p.status == nil {
		return
	}
	v := p.wallet.Snapshot()
	readable := status.ReadableAmount(v.TokenBalance, p.cfg.Decimals, p.cfg.Symbol)
	p.status.Publish(v, readable)
}

// awaitReceipt polls for cl's receipt every ReceiptPoll interval until one
// is found, then deducts the paid fee, moves cl to its terminal state, and
// evicts it from the pending map into history.
func (p *Pipeline) awaitReceipt(cl *claim.ClaimTx) {
	ctx := context.Background()
	ticker := time.NewTicker(p.cfg.ReceiptPoll)
	defer ticker.Stop()

	for range ticker.C {
		receipt, err := p.client.TransactionReceipt(ctx, cl.TxHash)
		if err != nil {
			log.Warnw("polling claim receipt failed", "session", cl.Session, "error", err)
			continue
		}
		if receipt == nil {
			continue
		}

		cl.TxBlock = receipt.BlockNumber.Uint64()
		fee := new(big.Int)
		if receipt.EffectiveGasPrice != nil {
			fee.Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
		}
		cl.TxFee = fee
		p.wallet.DeductFee(fee)

		confirmed := receipt.Status == gethtypes.ReceiptStatusSuccessful
		next := claim.StatusConfirmed
		if !confirmed {
			next = claim.StatusFailed
			cl.FailReason = "transaction reverted"
		}
		if err := cl.Transition(next); err != nil {
			log.Warnw("claim transition failed", "session", cl.Session, "error", err)
		}
		p.stats.AddClaimStats(cl.Session, cl.Amount, confirmed)

		p.mu.Lock()
		delete(p.pending, cl.TxHash)
		p.history[cl.QueueIdx] = cl
		p.mu.Unlock()
		p.evictHistory(cl.QueueIdx)
		return
	}
}
