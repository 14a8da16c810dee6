// Package wallet maintains the faucet's cached view of its own on-chain
// state: native balance, token balance, nonce, and a readiness flag. It is
// reconciled against the configured RPC node on the schedule the pipeline
// drives.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/vocdoni/faucetd/log"
	"github.com/vocdoni/faucetd/web3/rpcclient"
)

// erc20ABIJSON is the minimal ERC-20 surface the faucet needs: balanceOf,
// decimals, and transfer. Parsed once at init like the teacher parses its
// contract ABIs.
const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Errorf("wallet: parsing erc20 ABI: %w", err))
	}
	erc20ABI = parsed
}

// CoinType selects whether the faucet pays out the chain's native coin or
// an ERC-20 token.
type CoinType int

const (
	Native CoinType = iota
	ERC20
)

// pendingTagUnsupported is the error substring a node returns when it
// rejects the "pending" block tag.
const pendingTagUnsupported = `"pending" is not yet supported`

// TokenState is the faucet's view of the ERC-20 token it pays out. It is
// unused in Native mode.
type TokenState struct {
	Address  common.Address
	Decimals uint8

	decimalsLoaded bool
}

// BalanceOfCalldata returns the calldata for an eth_call to balanceOf(owner).
func (t *TokenState) BalanceOfCalldata(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

// DecimalsCalldata returns the calldata for an eth_call to decimals().
func (t *TokenState) DecimalsCalldata() ([]byte, error) {
	return erc20ABI.Pack("decimals")
}

// TransferCalldata returns the calldata for transfer(to, amount).
func (t *TokenState) TransferCalldata(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// View is an independent snapshot of WalletState, safe to read without
// holding the wallet's lock.
type View struct {
	Ready         bool
	Nonce         uint64
	NativeBalance *big.Int
	TokenBalance  *big.Int
}

// Wallet holds the cached (nativeBalance, tokenBalance, nonce, ready)
// quadruple for the faucet's single signing address, plus the machinery to
// reconcile it against the configured node.
//
// Exposed read methods take a RWMutex rather than relying on the pipeline's
// single-threaded tick, since external callers (e.g. an out-of-scope HTTP
// front-end reading getWalletBalance concurrently) may read while the tick
// goroutine is reconciling.
type Wallet struct {
	client   *rpcclient.Client
	address  common.Address
	coinType CoinType
	token    *TokenState

	mu            sync.RWMutex
	ready         bool
	nonce         uint64
	nativeBalance *big.Int
	tokenBalance  *big.Int
	chainID       *big.Int

	lastReconciled time.Time
}

// New constructs a Wallet for address, starting not-ready until the first
// successful Reconcile. chainID may be nil, in which case it is queried on
// first reconciliation.
func New(client *rpcclient.Client, address common.Address, coinType CoinType, token *TokenState, chainID *big.Int) *Wallet {
	return &Wallet{
		client:        client,
		address:       address,
		coinType:      coinType,
		token:         token,
		chainID:       chainID,
		nativeBalance: new(big.Int),
		tokenBalance:  new(big.Int),
	}
}

// Snapshot returns an independent copy of the current cached state.
func (w *Wallet) Snapshot() View {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return View{
		Ready:         w.ready,
		Nonce:         w.nonce,
		NativeBalance: new(big.Int).Set(w.nativeBalance),
		TokenBalance:  new(big.Int).Set(w.tokenBalance),
	}
}

// Ready reports whether the wallet has completed at least one successful
// reconciliation since the last failure.
func (w *Wallet) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ready
}

// ChainID returns the configured or discovered chain ID, or nil if neither
// has happened yet.
func (w *Wallet) ChainID() *big.Int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.chainID == nil {
		return nil
	}
	return new(big.Int).Set(w.chainID)
}

// Address returns the faucet's signing address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// LastReconciled returns the time of the last successful reconciliation.
func (w *Wallet) LastReconciled() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReconciled
}

// AdvanceNonce increments the cached nonce by one, called optimistically by
// the pipeline immediately after a successful submission.
func (w *Wallet) AdvanceNonce() {
	w.mu.Lock()
	w.nonce++
	w.mu.Unlock()
}

// DeductSpend subtracts amount from the token balance (and, in Native mode,
// the same amount also represents the native balance; callers in Native
// mode should only call this once per spend). Called optimistically on
// successful submission.
func (w *Wallet) DeductSpend(amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokenBalance.Sub(w.tokenBalance, amount)
	if w.coinType == Native {
		w.nativeBalance.Sub(w.nativeBalance, amount)
	}
}

// DeductFee subtracts a paid transaction fee from the native balance, and
// additionally from the token balance when the faucet pays out its native
// coin. Called when a receipt is observed.
func (w *Wallet) DeductFee(fee *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nativeBalance.Sub(w.nativeBalance, fee)
	if w.coinType == Native {
		w.tokenBalance.Sub(w.tokenBalance, fee)
	}
}

// reconcileReads holds the results of the four parallel RPC reads performed
// by Reconcile.
type reconcileReads struct {
	nativeBalance *big.Int
	nonce         uint64
	chainID       *big.Int
	tokenBalance  *big.Int
}

// Reconcile re-reads native balance, nonce, chain ID (if not already known),
// and token balance (if in ERC-20 mode) from the node, all in parallel. If
// the node rejects the "pending" tag, balance and nonce are retried at
// "latest". On success it marks the wallet ready; on any other error it
// marks the wallet not-ready and returns the error.
func (w *Wallet) Reconcile(ctx context.Context) error {
	reads, err := w.loadState(ctx)
	if err != nil {
		w.mu.Lock()
		w.ready = false
		w.mu.Unlock()
		log.Warnw("wallet reconciliation failed", "address", w.address.Hex(), "error", err)
		return err
	}

	w.mu.Lock()
	w.nativeBalance = reads.nativeBalance
	w.nonce = reads.nonce
	if w.chainID == nil && reads.chainID != nil {
		w.chainID = reads.chainID
	}
	if w.coinType == ERC20 {
		w.tokenBalance = reads.tokenBalance
	} else {
		w.tokenBalance = new(big.Int).Set(reads.nativeBalance)
	}
	w.ready = true
	w.lastReconciled = time.Now()
	w.mu.Unlock()

	log.Infow("wallet reconciled",
		"address", w.address.Hex(),
		"nonce", reads.nonce,
		"nativeBalance", reads.nativeBalance.String())
	return nil
}

func (w *Wallet) loadState(ctx context.Context) (*reconcileReads, error) {
	wantChainID := w.ChainID() == nil

	reads := &reconcileReads{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var balance *big.Int
		err := w.client.Call(gctx, func(ctx context.Context, eth *ethclient.Client) error {
			b, err := eth.PendingBalanceAt(ctx, w.address)
			if err != nil && isPendingTagUnsupported(err) {
				b, err = eth.BalanceAt(ctx, w.address, nil)
			}
			if err != nil {
				return err
			}
			balance = b
			return nil
		})
		if err != nil {
			return fmt.Errorf("read native balance: %w", err)
		}
		reads.nativeBalance = balance
		return nil
	})

	g.Go(func() error {
		var nonce uint64
		err := w.client.Call(gctx, func(ctx context.Context, eth *ethclient.Client) error {
			n, err := eth.PendingNonceAt(ctx, w.address)
			if err != nil && isPendingTagUnsupported(err) {
				n, err = eth.NonceAt(ctx, w.address, nil)
			}
			if err != nil {
				return err
			}
			nonce = n
			return nil
		})
		if err != nil {
			return fmt.Errorf("read nonce: %w", err)
		}
		reads.nonce = nonce
		return nil
	})

	if wantChainID {
		g.Go(func() error {
			var chainID *big.Int
			err := w.client.Call(gctx, func(ctx context.Context, eth *ethclient.Client) error {
				id, err := eth.ChainID(ctx)
				if err != nil {
					return err
				}
				chainID = id
				return nil
			})
			if err != nil {
				return fmt.Errorf("read chain id: %w", err)
			}
			reads.chainID = chainID
			return nil
		})
	}

	if w.coinType == ERC20 {
		g.Go(func() error {
			if !w.token.decimalsLoaded {
				if err := w.loadTokenDecimals(gctx); err != nil {
					return fmt.Errorf("read token decimals: %w", err)
				}
			}
			calldata, err := w.token.BalanceOfCalldata(w.address)
			if err != nil {
				return fmt.Errorf("encode balanceOf calldata: %w", err)
			}
			var balance *big.Int
			err = w.client.Call(gctx, func(ctx context.Context, eth *ethclient.Client) error {
				out, err := eth.CallContract(ctx, callMsg(w.token.Address, calldata), nil)
				if err != nil {
					return err
				}
				var unpacked []any
				unpacked, err = erc20ABI.Unpack("balanceOf", out)
				if err != nil {
					return err
				}
				balance = unpacked[0].(*big.Int)
				return nil
			})
			if err != nil {
				return err
			}
			reads.tokenBalance = balance
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reads, nil
}

func (w *Wallet) loadTokenDecimals(ctx context.Context) error {
	calldata, err := w.token.DecimalsCalldata()
	if err != nil {
		return err
	}
	return w.client.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		out, err := eth.CallContract(ctx, callMsg(w.token.Address, calldata), nil)
		if err != nil {
			return err
		}
		unpacked, err := erc20ABI.Unpack("decimals", out)
		if err != nil {
			return err
		}
		w.token.Decimals = unpacked[0].(uint8)
		w.token.decimalsLoaded = true
		return nil
	})
}

func isPendingTagUnsupported(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), strings.ToLower(pendingTagUnsupported))
}

func callMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}
