// Package refill keeps the faucet wallet's token balance within a target
// band by issuing its own signed transactions against a configured vault
// contract, through the same nonce stream the claim pipeline uses.
package refill

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/vocdoni/faucetd/log"
	"github.com/vocdoni/faucetd/wallet"
	"github.com/vocdoni/faucetd/web3/rpcclient"
	"github.com/vocdoni/faucetd/web3/txbuilder"
)

const (
	minAttemptInterval   = 60 * time.Second
	defaultDustBalance   = 1_000_000_000 // 1e9, the spec's literal default
	defaultReceiptPoll   = 30 * time.Second
	defaultGasLimit      = 120_000
)

// RewardLimiter is the external proof-of-work rate limiter, consulted only
// for its view of rewards owed but not yet claimed. Out of scope to
// implement; the orchestrator wires in whatever concrete limiter it uses.
type RewardLimiter interface {
	UnclaimedBalance() *big.Int
}

// QueueObserver reports the sum of amounts currently queued, so the
// controller can subtract it from the effective balance without importing
// the pipeline package.
type QueueObserver interface {
	QueuedAmount() *big.Int
}

// CallArgs resolves an argument list at call time, substituting the
// {walletAddr}, {amount}, and {token} placeholders the spec allows in
// ABI call-argument templates.
type CallArgs []string

// ArgTemplate names an ABI function and the raw (possibly templated)
// argument strings to pass it.
type ArgTemplate struct {
	Func string
	Args CallArgs
}

// Config mirrors the ethRefillContract option group.
type Config struct {
	Contract        common.Address
	ABI             abi.ABI
	TriggerBalance  *big.Int
	OverflowBalance *big.Int // nil disables overflow
	CooldownTime    time.Duration
	RequestAmount   *big.Int

	AllowanceFn *ArgTemplate // nil disables the allowance check

	CheckContractBalance  *common.Address // nil disables the check; zero-value address means "the vault itself"
	ContractDustBalance   *big.Int        // defaults to 1e9 when CheckContractBalance is set

	WithdrawFn       ArgTemplate
	WithdrawGasLimit uint64
	DepositFn        *ArgTemplate // nil means overflow sends a plain value transfer

	TokenAddress common.Address
	GasLimit     uint64
}

func (c *Config) setDefaults() {
	if c.ContractDustBalance == nil {
		c.ContractDustBalance = big.NewInt(defaultDustBalance)
	}
	if c.GasLimit == 0 {
		c.GasLimit = defaultGasLimit
	}
}

// Controller runs the refill/overflow decision once per pipeline tick.
type Controller struct {
	cfg     Config
	wallet  *wallet.Wallet
	builder *txbuilder.Builder
	client  *rpcclient.Client
	queue   QueueObserver
	limiter RewardLimiter

	mu             sync.Mutex
	running        bool
	lastAttempt    time.Time
	lastSuccessful time.Time
}

// New constructs a Controller. A zero-value Config.Contract means the controller is
// unconfigured; Configured() reports false and Tick is a no-op, matching the
// "invoked per tick when ... ethRefillContract is configured" guard.
func New(cfg Config, w *wallet.Wallet, builder *txbuilder.Builder, client *rpcclient.Client, queue QueueObserver, limiter RewardLimiter) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:     cfg,
		wallet:  w,
		builder: builder,
		client:  client,
		queue:   queue,
		limiter: limiter,
	}
}

// Configured reports whether a vault contract was configured.
func (c *Controller) Configured() bool {
	return c.cfg.Contract != (common.Address{})
}

// LastSuccessfulRefill returns the timestamp of the last successful refill
// or overflow.
func (c *Controller) LastSuccessfulRefill() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccessful
}

// Tick evaluates the effective balance and, if warranted, issues a refill or
// overflow transaction. It is a no-op unless Configured, and guards against
// concurrent attempts, a sub-60s retry cadence, and the configured cooldown.
func (c *Controller) Tick(ctx context.Context) {
	if !c.Configured() {
		return
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastAttempt) < minAttemptInterval {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastSuccessful) < c.cfg.CooldownTime {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	effective := c.effectiveBalance()
	action, amount := c.decide(effective)

	var err error
	switch action {
	case actionOverflow:
		err = c.overflow(ctx, amount)
	case actionRefill:
		err = c.refill(ctx, amount)
	default:
		return
	}

	if err != nil {
		log.Warnw("refill controller action failed", "action", action.String(), "error", err)
		return
	}

	if rerr := c.wallet.Reconcile(ctx); rerr != nil {
		log.Warnw("wallet reconciliation after refill failed", "error", rerr)
	}
	c.mu.Lock()
	c.lastSuccessful = time.Now()
	c.mu.Unlock()
}

// effectiveBalance computes tokenBalance - unclaimedRewardLiability -
// queuedAmount.
func (c *Controller) effectiveBalance() *big.Int {
	v := c.wallet.Snapshot()
	effective := new(big.Int).Set(v.TokenBalance)
	if c.limiter != nil {
		effective.Sub(effective, c.limiter.UnclaimedBalance())
	}
	if c.queue != nil {
		effective.Sub(effective, c.queue.QueuedAmount())
	}
	return effective
}

type action int

const (
	actionNone action = iota
	actionRefill
	actionOverflow
)

func (a action) String() string {
	switch a {
	case actionRefill:
		return "refill"
	case actionOverflow:
		return "overflow"
	default:
		return "none"
	}
}

// decide applies the spec's ordering: overflow takes priority over refill.
func (c *Controller) decide(effective *big.Int) (action, *big.Int) {
	if c.cfg.OverflowBalance != nil && effective.Cmp(c.cfg.OverflowBalance) > 0 {
		return actionOverflow, new(big.Int).Sub(effective, c.cfg.OverflowBalance)
	}
	if effective.Cmp(c.cfg.TriggerBalance) < 0 {
		return actionRefill, nil
	}
	return actionNone, nil
}

// substitute renders a template argument, replacing the spec's three
// supported placeholders.
func substitute(raw string, walletAddr common.Address, amount *big.Int, token common.Address) string {
	raw = strings.ReplaceAll(raw, "{walletAddr}", walletAddr.Hex())
	if amount != nil {
		raw = strings.ReplaceAll(raw, "{amount}", amount.String())
	}
	raw = strings.ReplaceAll(raw, "{token}", token.Hex())
	return raw
}

// packCall resolves t's argument templates against the wallet address,
// amount, and token, then packs them through the configured ABI.
func (c *Controller) packCall(t ArgTemplate, amount *big.Int) ([]byte, error) {
	method, ok := c.cfg.ABI.Methods[t.Func]
	if !ok {
		return nil, fmt.Errorf("refill: vault ABI has no method %q", t.Func)
	}
	if len(t.Args) != len(method.Inputs) {
		return nil, fmt.Errorf("refill: method %q expects %d args, template has %d", t.Func, len(method.Inputs), len(t.Args))
	}

	args := make([]any, len(t.Args))
	addr := c.wallet.Address()
	for i, raw := range t.Args {
		rendered := substitute(raw, addr, amount, c.cfg.TokenAddress)
		converted, err := convertArg(method.Inputs[i].Type, rendered)
		if err != nil {
			return nil, fmt.Errorf("refill: argument %d of %q: %w", i, t.Func, err)
		}
		args[i] = converted
	}
	return c.cfg.ABI.Pack(t.Func, args...)
}

// convertArg converts a rendered string argument to the Go type abi.Pack
// expects for typ. Only address, integer (base-10) and string arguments are
// supported; any other type, bytes included, is rejected.
func convertArg(typ abi.Type, rendered string) (any, error) {
	switch typ.T {
	case abi.AddressTy:
		return common.HexToAddress(rendered), nil
	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(rendered, 10)
		if !ok {
			return nil, fmt.Errorf("not a base-10 integer: %q", rendered)
		}
		return n, nil
	case abi.StringTy:
		return rendered, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", typ.String())
	}
}

// refill instantiates the vault contract call, applies the allowance and
// dust guards, then submits a withdraw transaction at the current nonce.
func (c *Controller) refill(ctx context.Context, _ *big.Int) error {
	requestAmount := new(big.Int).Set(c.cfg.RequestAmount)

	if c.cfg.AllowanceFn != nil {
		allowance, err := c.readUint(ctx, *c.cfg.AllowanceFn, nil)
		if err != nil {
			return fmt.Errorf("read allowance: %w", err)
		}
		if allowance.Sign() == 0 {
			return fmt.Errorf("refill: allowance is zero")
		}
		if allowance.Cmp(requestAmount) < 0 {
			requestAmount = allowance
		}
	}

	if c.cfg.CheckContractBalance != nil {
		target := *c.cfg.CheckContractBalance
		if target == (common.Address{}) {
			target = c.cfg.Contract
		}
		balance, err := c.nativeBalanceOf(ctx, target)
		if err != nil {
			return fmt.Errorf("read vault contract balance: %w", err)
		}
		if belowDust(balance, c.cfg.ContractDustBalance) {
			return fmt.Errorf("refill: vault contract balance %s at or below dust threshold %s", balance, c.cfg.ContractDustBalance)
		}
		if balance.Cmp(requestAmount) < 0 {
			requestAmount = balance
		}
	}

	data, err := c.packCall(c.cfg.WithdrawFn, requestAmount)
	if err != nil {
		return fmt.Errorf("pack withdraw call: %w", err)
	}

	return c.submitAndAwait(ctx, c.cfg.Contract, new(big.Int), data, c.cfg.WithdrawGasLimit)
}

// overflow sends amount native currency to the vault, attaching depositFn
// calldata if one is configured.
func (c *Controller) overflow(ctx context.Context, amount *big.Int) error {
	var data []byte
	if c.cfg.DepositFn != nil {
		d, err := c.packCall(*c.cfg.DepositFn, amount)
		if err != nil {
			return fmt.Errorf("pack deposit call: %w", err)
		}
		data = d
	}
	return c.submitAndAwait(ctx, c.cfg.Contract, amount, data, c.cfg.GasLimit)
}

// submitAndAwait builds, signs, and submits a transaction at the wallet's
// current nonce, advances the nonce optimistically, and blocks until a
// receipt is observed, polling every 30s just like the pipeline's fallback.
func (c *Controller) submitAndAwait(ctx context.Context, to common.Address, value *big.Int, data []byte, gasLimit uint64) error {
	nonce := c.wallet.Snapshot().Nonce
	built, err := c.builder.Build(ctx, to, value, nonce, data, gasLimit)
	if err != nil {
		return fmt.Errorf("build transaction: %w", err)
	}
	if err := c.client.SendTransaction(ctx, built.Tx); err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}
	c.wallet.AdvanceNonce()

	ticker := time.NewTicker(defaultReceiptPoll)
	defer ticker.Stop()
	for range ticker.C {
		receipt, err := c.client.TransactionReceipt(ctx, built.Hash)
		if err != nil {
			log.Warnw("polling refill receipt failed", "hash", built.Hash.Hex(), "error", err)
			continue
		}
		if receipt == nil {
			continue
		}
		if receipt.Status != 1 {
			return fmt.Errorf("refill transaction %s reverted", built.Hash.Hex())
		}
		c.wallet.DeductFee(built.Fee)
		return nil
	}
	return nil
}

// readUint calls an ABI method returning a single uint256, used for the
// allowance check.
func (c *Controller) readUint(ctx context.Context, t ArgTemplate, amount *big.Int) (*big.Int, error) {
	calldata, err := c.packCall(t, amount)
	if err != nil {
		return nil, err
	}
	out, err := c.ethCall(ctx, c.cfg.Contract, calldata)
	if err != nil {
		return nil, err
	}
	unpacked, err := c.cfg.ABI.Unpack(t.Func, out)
	if err != nil {
		return nil, err
	}
	if len(unpacked) == 0 {
		return nil, fmt.Errorf("refill: %s returned no values", t.Func)
	}
	n, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("refill: %s did not return a uint256", t.Func)
	}
	return n, nil
}

func (c *Controller) nativeBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.client.NativeBalanceAt(ctx, addr)
}

func (c *Controller) ethCall(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.client.CallContract(ctx, to, data)
}

// belowDust reports whether balance is at or below dust, using uint256
// rather than big.Int since both operands are EVM-native 256-bit balances,
// always non-negative and never exceeding the word size. Falls back to the
// big.Int comparison on the (practically unreachable) case of a balance
// too large for 256 bits.
func belowDust(balance, dust *big.Int) bool {
	b, ok1 := uint256.FromBig(balance)
	d, ok2 := uint256.FromBig(dust)
	if !ok1 || !ok2 {
		return balance.Cmp(dust) <= 0
	}
	return b.Cmp(d) <= 0
}
