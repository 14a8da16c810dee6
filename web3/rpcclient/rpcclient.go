// Package rpcclient manages the single JSON-RPC connection to the chain node
// the faucet wallet operates against. Unlike the teacher's Web3Pool, which
// balances load across many endpoints for many chains, the faucet only ever
// talks to one endpoint on one chain, so this package collapses that pool
// down to a single reconnecting client.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/vocdoni/faucetd/log"
)

// reconnectDelay is how long the client waits before dialing a fresh
// connection after a persistent transport reports its end channel closed.
const reconnectDelay = 2 * time.Second

const (
	defaultRetries    = 2
	defaultRetrySleep = 200 * time.Millisecond
)

var defaultTimeout = 3 * time.Second

// Client holds the current connection to the configured endpoint and
// transparently redials persistent transports (ws/wss, unix sockets) when
// their underlying connection drops.
type Client struct {
	endpoint string

	mu            sync.RWMutex
	eth           *ethclient.Client
	rpc           *gethrpc.Client
	sub           *gethrpc.ClientSubscription
	lastRefreshed time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// isPersistent reports whether uri uses a transport that keeps a live
// connection open (websocket or local socket), as opposed to plain HTTP
// where every call dials anew.
func isPersistent(uri string) bool {
	return strings.HasPrefix(uri, "ws://") ||
		strings.HasPrefix(uri, "wss://") ||
		strings.HasPrefix(uri, "/")
}

// Dial connects to endpoint, selecting the transport from its scheme:
// ws://, wss:// dial a persistent websocket, a leading "/" dials a local
// unix socket, and anything else is treated as plain HTTP.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	rpcCli, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint %s: %w", endpoint, err)
	}
	c := &Client{
		endpoint: endpoint,
		eth:      ethclient.NewClient(rpcCli),
		rpc:      rpcCli,
	}
	c.lastRefreshed = time.Now()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if isPersistent(endpoint) {
		c.watch()
	}
	return c, nil
}

// watch subscribes to newHeads on a persistent transport purely to obtain a
// live error/end signal: when the subscription's Err channel fires, either
// the server closed the stream or the connection was lost. Either way the
// client tears itself down and schedules a fresh dial after reconnectDelay.
func (c *Client) watch() {
	c.mu.RLock()
	rpcCli := c.rpc
	c.mu.RUnlock()

	ch := make(chan map[string]any)
	sub, err := rpcCli.EthSubscribe(c.ctx, ch, "newHeads")
	if err != nil {
		log.Warnw("rpc endpoint does not support subscriptions, falling back to plain calls",
			"endpoint", c.endpoint, "error", err)
		return
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ch:
				// drain, we only care about the error/end signal below
			case err := <-sub.Err():
				if err == nil {
					return
				}
				log.Warnw("rpc connection ended, scheduling reconnect",
					"endpoint", c.endpoint, "error", err, "delay", reconnectDelay)
				c.scheduleReconnect()
				return
			}
		}
	}()
}

// scheduleReconnect waits reconnectDelay then dials a fresh client, retrying
// indefinitely on failure until the client is closed.
func (c *Client) scheduleReconnect() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}

			if err := c.reconnect(); err != nil {
				log.Errorw(err, fmt.Sprintf("reconnect to %s failed, will retry", c.endpoint))
				continue
			}
			log.Infow("rpc reconnected", "endpoint", c.endpoint)
			return
		}
	}()
}

// reconnect dials a fresh client and swaps it in, resetting the timestamp
// LastRefreshed reports to the zero time.
func (c *Client) reconnect() error {
	rpcCli, err := gethrpc.DialContext(c.ctx, c.endpoint)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.rpc
	c.rpc = rpcCli
	c.eth = ethclient.NewClient(rpcCli)
	c.lastRefreshed = time.Time{}
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if isPersistent(c.endpoint) {
		c.watch()
	}
	return nil
}

// Reload forces a fresh connection regardless of current connection state
// and invalidates the wallet-refresh timestamp, mirroring what happens on
// an unsolicited end-of-stream event.
func (c *Client) Reload(ctx context.Context) error {
	rpcCli, err := gethrpc.DialContext(ctx, c.endpoint)
	if err != nil {
		return fmt.Errorf("reload rpc endpoint %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	old := c.rpc
	c.rpc = rpcCli
	c.eth = ethclient.NewClient(rpcCli)
	c.lastRefreshed = time.Time{}
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if isPersistent(c.endpoint) {
		c.watch()
	}
	return nil
}

// LastRefreshed returns the timestamp set by Dial or MarkRefreshed. It is the
// zero time immediately after a reload or reconnect. Neither the wallet nor
// the pipeline package reads it, so a reload or reconnect does not by itself
// trigger a wallet reconciliation.
func (c *Client) LastRefreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefreshed
}

// MarkRefreshed records that the wallet state has just been reconciled
// against the current connection.
func (c *Client) MarkRefreshed() {
	c.mu.Lock()
	c.lastRefreshed = time.Now()
	c.mu.Unlock()
}

// EthClient returns the current *ethclient.Client. Callers must not cache
// the returned pointer across a reconnect; always re-fetch through Client.
func (c *Client) EthClient() *ethclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eth
}

// Close stops the reconnect watcher and releases the underlying connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
	}
	return nil
}

// Call executes fn against the current ethclient.Client, retrying a small
// number of times on the same connection before giving up. It does not
// rotate endpoints, since the faucet is only ever configured with one.
func (c *Client) Call(ctx context.Context, fn func(ctx context.Context, eth *ethclient.Client) error) error {
	var lastErr error
	for attempt := range defaultRetries {
		eth := c.EthClient()
		if eth == nil {
			return fmt.Errorf("rpc client %s is not connected", c.endpoint)
		}
		callCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		err := fn(callCtx, eth)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanentError(err) {
			return err
		}
		if attempt < defaultRetries-1 {
			time.Sleep(defaultRetrySleep)
		}
	}
	return fmt.Errorf("rpc call to %s failed after %d attempts: %w", c.endpoint, defaultRetries, lastErr)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return c.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		return eth.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt fetches the receipt for hash. It returns (nil, nil),
// not an error, when the transaction is not yet mined, so callers can treat
// that as "keep polling" without string-matching ethereum.NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	var receipt *gethtypes.Receipt
	err := c.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		r, err := eth.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// NativeBalanceAt returns addr's confirmed (latest block) native balance.
func (c *Client) NativeBalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		b, err := eth.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	return balance, err
}

// CodeAt returns the deployed code at addr in the latest block, or an empty
// slice for an externally-owned account.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		b, err := eth.CodeAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		code = b
		return nil
	})
	return code, err
}

// CallContract performs an eth_call against the latest block with no sender
// set, returning the raw return data.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		o, err := eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// permanentErrorPatterns are contract-level rejections that will never
// succeed regardless of retries.
var permanentErrorPatterns = []string{
	"execution reverted",
}

// IsPermanentError reports whether err represents a failure that retrying
// will never fix.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
