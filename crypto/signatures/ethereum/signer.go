// Package ethereum wraps an ECDSA private key used to sign outgoing
// transactions for the faucet wallet.
package ethereum

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer wraps an ECDSA private key used as the faucet's single signing
// wallet. It is a thin type conversion over go-ethereum's ecdsa.PrivateKey so
// it can be passed directly to core/types.SignTx.
type Signer ecdsa.PrivateKey

// Address returns the Ethereum address derived from the signer's public key.
func (s *Signer) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.PublicKey)
}

// PrivateKey returns the underlying *ecdsa.PrivateKey.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return (*ecdsa.PrivateKey)(s)
}

// HexPrivateKey returns the hex-encoded (no 0x prefix) private key.
func (s *Signer) HexPrivateKey() string {
	return hex.EncodeToString(ethcrypto.FromECDSA((*ecdsa.PrivateKey)(s)))
}

// NewSigner creates a new random signer.
func NewSigner() (*Signer, error) {
	s, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return (*Signer)(s), nil
}

// NewSignerFromHex creates a signer from a hex-encoded (with or without 0x
// prefix) ECDSA private key.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	s, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}
	return (*Signer)(s), nil
}

// NewSignerFromSeed derives a signer from an arbitrary-length seed by hashing
// it down to a scalar with keccak256.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	h := ethcrypto.Keccak256(seed)
	s, err := ethcrypto.ToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("could not derive key from seed: %w", err)
	}
	return (*Signer)(s), nil
}
