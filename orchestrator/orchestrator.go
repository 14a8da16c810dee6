// Package orchestrator wires the faucet's components into a single
// process-wide service and exposes the operations an out-of-scope
// front-end calls.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vocdoni/faucetd/claim"
	"github.com/vocdoni/faucetd/config"
	ethsigner "github.com/vocdoni/faucetd/crypto/signatures/ethereum"
	"github.com/vocdoni/faucetd/log"
	"github.com/vocdoni/faucetd/pipeline"
	"github.com/vocdoni/faucetd/refill"
	"github.com/vocdoni/faucetd/status"
	"github.com/vocdoni/faucetd/store"
	"github.com/vocdoni/faucetd/store/pebblestore"
	"github.com/vocdoni/faucetd/wallet"
	"github.com/vocdoni/faucetd/web3/rpcclient"
	"github.com/vocdoni/faucetd/web3/txbuilder"
)

const defaultTickInterval = 2 * time.Second

// contractCodeRe matches the deployed-code pattern checkIsContract tests
// against: a non-trivial hex blob, not the empty "0x" an EOA returns.
var contractCodeRe = regexp.MustCompile(`^0x[0-9a-f]{2,}$`)

// Orchestrator bundles the store, RPC client, wallet, builder, status
// publisher, pipeline, and refill controller, and exposes the operations an
// out-of-scope HTTP front-end would call.
type Orchestrator struct {
	cfg *config.Config

	store    store.ClaimStore
	client   *rpcclient.Client
	signer   *ethsigner.Signer
	wallet   *wallet.Wallet
	builder  *txbuilder.Builder
	status   *status.Publisher
	pipeline *pipeline.Pipeline
	refill   *refill.Controller

	ticker *time.Ticker
	done   chan struct{}
}

// refillSlot adapts a *refill.Controller, assigned after construction, to
// pipeline.RefillInvoker, breaking the construction cycle between the
// pipeline (which needs a RefillInvoker) and the refill controller (which
// needs the pipeline as its QueueObserver).
type refillSlot struct {
	ctl *refill.Controller
}

func (r *refillSlot) Tick(ctx context.Context) {
	if r.ctl != nil {
		r.ctl.Tick(ctx)
	}
}

func (r *refillSlot) Configured() bool {
	return r.ctl != nil && r.ctl.Configured()
}

// New constructs every component from cfg but does not start the tick loop;
// call Start for that.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	signer, err := ethsigner.NewSignerFromHex(cfg.Web3.WalletKey)
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}

	st, err := pebblestore.New(cfg.Datadir)
	if err != nil {
		return nil, fmt.Errorf("open claim store: %w", err)
	}

	client, err := rpcclient.Dial(ctx, cfg.Web3.RpcHost)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}

	var chainID *big.Int
	if cfg.Web3.ChainID != 0 {
		chainID = big.NewInt(cfg.Web3.ChainID)
	}

	coinType := wallet.Native
	var token *wallet.TokenState
	var tokenAddress common.Address
	if cfg.Faucet.CoinType == config.CoinERC20 {
		coinType = wallet.ERC20
		tokenAddress = txbuilder.ParseAddress(cfg.Faucet.CoinContract)
		token = &wallet.TokenState{Address: tokenAddress}
	}
	w := wallet.New(client, signer.Address(), coinType, token, chainID)

	maxFee, err := config.ParseBigInt(cfg.Web3.TxMaxFee)
	if err != nil {
		return nil, fmt.Errorf("parse web3.txMaxFee: %w", err)
	}
	prioFee, err := config.ParseBigInt(cfg.Web3.TxPrioFee)
	if err != nil {
		return nil, fmt.Errorf("parse web3.txPrioFee: %w", err)
	}
	mode := txbuilder.DynamicFee
	if cfg.Web3.LegacyTx {
		mode = txbuilder.Legacy
	}
	builder := txbuilder.New(client, signer, chainID, mode, prioFee, maxFee)

	gasReserve := new(big.Int).Mul(new(big.Int).SetUint64(cfg.Web3.TxGasLimit), maxFee)
	noFunds, err := config.ParseBigInt(cfg.Status.NoFundsBalance)
	if err != nil {
		return nil, fmt.Errorf("parse status.noFundsBalance: %w", err)
	}
	lowFunds, err := config.ParseBigInt(cfg.Status.LowFundsBalance)
	if err != nil {
		return nil, fmt.Errorf("parse status.lowFundsBalance: %w", err)
	}
	statusPub := status.New(status.Config{
		NoFundsBalance:     noFunds,
		LowFundsBalance:    lowFunds,
		GasReserve:         gasReserve,
		LowFundsWarning:    cfg.Status.LowFundsWarning,
		NoFundsError:       cfg.Status.NoFundsError,
		RPCConnectionError: cfg.Status.RPCConnectionError,
	}, nil)

	spareFunds, err := config.ParseBigInt(cfg.Web3.SpareFunds)
	if err != nil {
		return nil, fmt.Errorf("parse web3.spareFundsAmount: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		store:   st,
		client:  client,
		signer:  signer,
		wallet:  w,
		builder: builder,
		status:  statusPub,
		done:    make(chan struct{}),
	}

	decimals := uint8(18)
	symbol := cfg.Faucet.CoinSymbol
	if cfg.Faucet.CoinType == config.CoinERC20 {
		decimals = cfg.Faucet.CoinDecimals
	} else if symbol == "" {
		symbol = "ETH"
	}

	slot := &refillSlot{}
	p, err := pipeline.New(pipeline.Config{
		MaxPending:   cfg.Web3.MaxPending,
		QueueNoFunds: cfg.Web3.QueueNoFunds,
		SpareFunds:   spareFunds,
		GasLimit:     cfg.Web3.TxGasLimit,
		MaxFee:       maxFee,
		TokenAddress: tokenAddress,
		CoinType:     coinType,
		Decimals:     decimals,
		Symbol:       symbol,
	}, st, w, builder, client, statusPub, nil, slot)
	if err != nil {
		return nil, fmt.Errorf("construct pipeline: %w", err)
	}
	o.pipeline = p

	if cfg.Refill.Configured() {
		refillCfg, err := buildRefillConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build refill config: %w", err)
		}
		refillCfg.TokenAddress = tokenAddress
		o.refill = refill.New(refillCfg, w, builder, client, p, nil)
		slot.ctl = o.refill
	}

	return o, nil
}

func buildRefillConfig(cfg *config.Config) (refill.Config, error) {
	parsedABI, err := abi.JSON(strings.NewReader(cfg.Refill.ABI))
	if err != nil {
		return refill.Config{}, fmt.Errorf("parse vault ABI: %w", err)
	}
	trigger, err := config.ParseBigInt(cfg.Refill.TriggerBalance)
	if err != nil {
		return refill.Config{}, fmt.Errorf("parse refill.triggerBalance: %w", err)
	}
	var overflow *big.Int
	if cfg.Refill.OverflowBalance != "" {
		overflow, err = config.ParseBigInt(cfg.Refill.OverflowBalance)
		if err != nil {
			return refill.Config{}, fmt.Errorf("parse refill.overflowBalance: %w", err)
		}
	}
	requestAmount, err := config.ParseBigInt(cfg.Refill.RequestAmount)
	if err != nil {
		return refill.Config{}, fmt.Errorf("parse refill.requestAmount: %w", err)
	}

	rc := refill.Config{
		Contract:         txbuilder.ParseAddress(cfg.Refill.Contract),
		ABI:              parsedABI,
		TriggerBalance:   trigger,
		OverflowBalance:  overflow,
		CooldownTime:     cfg.Refill.CooldownTime,
		RequestAmount:    requestAmount,
		WithdrawFn:       refill.ArgTemplate{Func: cfg.Refill.WithdrawFn, Args: cfg.Refill.WithdrawFnArgs},
		WithdrawGasLimit: cfg.Refill.WithdrawGasLimit,
	}
	if cfg.Refill.AllowanceFn != "" {
		rc.AllowanceFn = &refill.ArgTemplate{Func: cfg.Refill.AllowanceFn, Args: cfg.Refill.AllowanceFnArgs}
	}
	if cfg.Refill.DepositFn != "" {
		rc.DepositFn = &refill.ArgTemplate{Func: cfg.Refill.DepositFn, Args: cfg.Refill.DepositFnArgs}
	}
	if cfg.Refill.CheckContractBalance != "" {
		addr := txbuilder.ParseAddress(cfg.Refill.CheckContractBalance)
		rc.CheckContractBalance = &addr
	}
	if cfg.Refill.ContractDustBalance != "" {
		dust, err := config.ParseBigInt(cfg.Refill.ContractDustBalance)
		if err != nil {
			return refill.Config{}, fmt.Errorf("parse refill.contractDustBalance: %w", err)
		}
		rc.ContractDustBalance = dust
	}
	return rc, nil
}

// Start begins the periodic tick loop, reconciling wallet state once
// immediately before the first tick.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.wallet.Reconcile(ctx); err != nil {
		log.Warnw("initial wallet reconciliation failed", "error", err)
	} else {
		v := o.wallet.Snapshot()
		o.status.Publish(v, o.ReadableAmount(v.TokenBalance))
	}
	o.ticker = time.NewTicker(defaultTickInterval)
	go func() {
		for {
			select {
			case <-o.done:
				return
			case <-o.ticker.C:
				o.pipeline.Tick(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the tick loop and closes the underlying RPC connection and
// claim store, in reverse order of construction.
func (o *Orchestrator) Stop() error {
	close(o.done)
	if o.ticker != nil {
		o.ticker.Stop()
	}
	if err := o.client.Close(); err != nil {
		log.Warnw("closing rpc client", "error", err)
	}
	return o.store.Close()
}

// GetTransactionQueue returns every tracked claim, or only the queued ones.
func (o *Orchestrator) GetTransactionQueue(queueOnly bool) []claim.View {
	return o.pipeline.Queue(queueOnly)
}

// GetFaucetAddress returns the faucet's signing address.
func (o *Orchestrator) GetFaucetAddress() common.Address {
	return o.wallet.Address()
}

// GetFaucetDecimals returns the decimals of the payout coin: the configured
// ERC-20 decimals, or 18 for native.
func (o *Orchestrator) GetFaucetDecimals() uint8 {
	if o.cfg.Faucet.CoinType == config.CoinERC20 {
		return o.cfg.Faucet.CoinDecimals
	}
	return 18
}

// ReadableAmount floors amount to 3 decimal places and suffixes it with the
// configured token symbol (or "ETH" for native).
func (o *Orchestrator) ReadableAmount(amount *big.Int) string {
	symbol := o.cfg.Faucet.CoinSymbol
	if o.cfg.Faucet.CoinType == config.CoinNative && symbol == "" {
		symbol = "ETH"
	}
	return status.ReadableAmount(amount, o.GetFaucetDecimals(), symbol)
}

// GetWalletBalance returns the native balance of an arbitrary address.
func (o *Orchestrator) GetWalletBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return o.client.NativeBalanceAt(ctx, addr)
}

// CheckIsContract reports whether addr has deployed code.
func (o *Orchestrator) CheckIsContract(ctx context.Context, addr common.Address) (bool, error) {
	code, err := o.client.CodeAt(ctx, addr)
	if err != nil {
		return false, err
	}
	return contractCodeRe.MatchString(hexutil.Encode(code)), nil
}

// GetFaucetBalance returns the faucet's cached payout balance: token balance
// in ERC-20 mode, native balance in native mode.
func (o *Orchestrator) GetFaucetBalance() *big.Int {
	v := o.wallet.Snapshot()
	return v.TokenBalance
}

// GetQueuedAmount returns the sum of amounts currently queued.
func (o *Orchestrator) GetQueuedAmount() *big.Int {
	return o.pipeline.QueuedAmount()
}

// GetLastProcessedClaimIdx returns the queueIdx of the most recently
// dequeued claim.
func (o *Orchestrator) GetLastProcessedClaimIdx() uint64 {
	return o.pipeline.LastProcessedClaimIdx()
}

// AddClaimTransaction enqueues a new claim.
func (o *Orchestrator) AddClaimTransaction(target common.Address, amount *big.Int, session string) (*claim.ClaimTx, error) {
	return o.pipeline.AddClaimTransaction(target, amount, session)
}

// GetClaimTransaction looks up a claim by session id.
func (o *Orchestrator) GetClaimTransaction(session string) (*claim.ClaimTx, bool) {
	return o.pipeline.GetClaimTransaction(session)
}

// GetFaucetRefillCooldown returns the seconds remaining until the refill
// controller's cooldown expires, or 0 if no refill controller is configured
// or none has ever completed.
func (o *Orchestrator) GetFaucetRefillCooldown() int64 {
	if o.refill == nil {
		return 0
	}
	last := o.refill.LastSuccessfulRefill()
	if last.IsZero() {
		return 0
	}
	remaining := last.Add(o.cfg.Refill.CooldownTime).Sub(time.Now())
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}
