// Package txbuilder constructs and signs the legacy or EIP-1559 transactions
// the faucet wallet submits, under a single configured fee mode.
package txbuilder

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	ethsigner "github.com/vocdoni/faucetd/crypto/signatures/ethereum"
	"github.com/vocdoni/faucetd/web3/rpcclient"
)

// Mode selects which transaction type the builder produces.
type Mode int

const (
	// Legacy transactions carry a single gas price fetched from the node at
	// submission time, bumped by PrioFee and capped at MaxFee.
	Legacy Mode = iota
	// DynamicFee transactions (EIP-1559) carry an explicit tip and fee cap,
	// neither of which requires a runtime gas price query.
	DynamicFee
)

// Builder signs outgoing transactions for a single wallet against a single
// chain. It holds no nonce state of its own; callers (the pipeline and
// refill packages) supply the nonce to use for each built transaction.
type Builder struct {
	client  *rpcclient.Client
	signer  *ethsigner.Signer
	chainID *big.Int
	mode    Mode

	// PrioFee is added to the node-reported gas price in Legacy mode, and is
	// used directly as maxPriorityFeePerGas in DynamicFee mode.
	PrioFee *big.Int
	// MaxFee caps the Legacy gas price if greater than zero, and is used
	// directly as maxFeePerGas in DynamicFee mode.
	MaxFee *big.Int
}

// New builds a Builder for the given chain, signing key, and fee mode.
func New(client *rpcclient.Client, signer *ethsigner.Signer, chainID *big.Int, mode Mode, prioFee, maxFee *big.Int) *Builder {
	return &Builder{
		client:  client,
		signer:  signer,
		chainID: chainID,
		mode:    mode,
		PrioFee: prioFee,
		MaxFee:  maxFee,
	}
}

// normalizeAddress rewrites an exact "0X" two-character prefix to "0x". It
// intentionally does not touch any other casing in the address; the source
// this behavior is modeled on only ever corrects that one literal prefix.
func normalizeAddress(addr string) string {
	if strings.HasPrefix(addr, "0X") {
		return "0x" + addr[2:]
	}
	return addr
}

// ParseAddress normalizes and parses a hex address string.
func ParseAddress(addr string) common.Address {
	return common.HexToAddress(normalizeAddress(addr))
}

// Built is a signed transaction ready for submission.
type Built struct {
	Tx   *gtypes.Transaction
	Hash common.Hash
	// Hex is the RLP-encoded signed transaction, hex-ASCII without a
	// leading "0x" prefix. Submission sends Tx itself; Hex is only recorded.
	Hex string
	Fee *big.Int
}

// Build constructs, estimates gas for, and signs a transaction sending
// value to "to" at the given nonce. gasLimit, if non-zero, is used verbatim
// instead of calling eth_estimateGas.
func (b *Builder) Build(ctx context.Context, to common.Address, value *big.Int, nonce uint64, data []byte, gasLimit uint64) (*Built, error) {
	if gasLimit == 0 {
		estimated, err := b.estimateGas(ctx, to, value, data)
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = estimated
	}

	var tx *gtypes.Transaction
	switch b.mode {
	case Legacy:
		gasPrice, err := b.legacyGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("compute legacy gas price: %w", err)
		}
		tx = gtypes.NewTx(&gtypes.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
	case DynamicFee:
		tx = gtypes.NewTx(&gtypes.DynamicFeeTx{
			ChainID:   b.chainID,
			Nonce:     nonce,
			To:        &to,
			Value:     value,
			Gas:       gasLimit,
			GasTipCap: b.PrioFee,
			GasFeeCap: b.MaxFee,
			Data:      data,
		})
	default:
		return nil, fmt.Errorf("unknown transaction mode %d", b.mode)
	}

	signed, err := b.sign(tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode signed transaction: %w", err)
	}

	return &Built{
		Tx:   signed,
		Hash: signed.Hash(),
		Hex:  common.Bytes2Hex(raw),
		Fee:  effectiveFee(signed),
	}, nil
}

// sign signs tx under London hardfork rules forked off mainnet with the
// builder's configured chain ID. No Cancun/blob signer is needed since the
// faucet never issues blob transactions.
func (b *Builder) sign(tx *gtypes.Transaction) (*gtypes.Transaction, error) {
	signer := gtypes.NewLondonSigner(b.chainID)
	return gtypes.SignTx(tx, signer, (*ecdsa.PrivateKey)(b.signer))
}

func (b *Builder) legacyGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := b.client.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		p, err := eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	price = new(big.Int).Add(price, b.PrioFee)
	if b.MaxFee != nil && b.MaxFee.Sign() > 0 && price.Cmp(b.MaxFee) > 0 {
		price = new(big.Int).Set(b.MaxFee)
	}
	return price, nil
}

func (b *Builder) estimateGas(ctx context.Context, to common.Address, value *big.Int, data []byte) (uint64, error) {
	from := b.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
	var gas uint64
	err := b.client.Call(ctx, func(ctx context.Context, eth *ethclient.Client) error {
		g, err := eth.EstimateGas(ctx, msg)
		if err != nil {
			return err
		}
		gas = g
		return nil
	})
	return gas, err
}

// effectiveFee returns gasLimit * fee cap (gas price for legacy), the
// worst-case cost of the transaction. The pipeline records it as the claim's
// TxFee until the receipt arrives; the refill controller deducts it.
func effectiveFee(tx *gtypes.Transaction) *big.Int {
	price := tx.GasFeeCap()
	if tx.Type() == gtypes.LegacyTxType {
		price = tx.GasPrice()
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(tx.Gas()))
}
