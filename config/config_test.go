package config

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestParseBigIntEmptyIsZero(t *testing.T) {
	c := qt.New(t)
	n, err := ParseBigInt("")
	c.Assert(err, qt.IsNil)
	c.Assert(n.Sign(), qt.Equals, 0)
}

func TestParseBigIntRejectsGarbage(t *testing.T) {
	c := qt.New(t)
	_, err := ParseBigInt("not-a-number")
	c.Assert(err, qt.Not(qt.IsNil))
}

func validConfig() *Config {
	return &Config{
		Web3: Web3Config{
			RpcHost:   "http://localhost:8545",
			WalletKey: "deadbeef",
		},
		Faucet: FaucetConfig{CoinType: CoinNative},
	}
}

func TestValidateRequiresRPCHost(t *testing.T) {
	c := qt.New(t)
	cfg := validConfig()
	cfg.Web3.RpcHost = ""
	c.Assert(Validate(cfg), qt.Not(qt.IsNil))
}

func TestValidateRequiresWalletKey(t *testing.T) {
	c := qt.New(t)
	cfg := validConfig()
	cfg.Web3.WalletKey = ""
	c.Assert(Validate(cfg), qt.Not(qt.IsNil))
}

func TestValidateRejectsUnknownCoinType(t *testing.T) {
	c := qt.New(t)
	cfg := validConfig()
	cfg.Faucet.CoinType = "bogus"
	c.Assert(Validate(cfg), qt.Not(qt.IsNil))
}

func TestValidateERC20RequiresContract(t *testing.T) {
	c := qt.New(t)
	cfg := validConfig()
	cfg.Faucet.CoinType = CoinERC20
	c.Assert(Validate(cfg), qt.Not(qt.IsNil))

	cfg.Faucet.CoinContract = "0xTOKEN"
	c.Assert(Validate(cfg), qt.IsNil)
}

func TestValidateRefillRequiresABIAndWithdrawFn(t *testing.T) {
	c := qt.New(t)
	cfg := validConfig()
	cfg.Refill.Contract = "0xVAULT"
	c.Assert(Validate(cfg), qt.Not(qt.IsNil))

	cfg.Refill.ABI = "[]"
	c.Assert(Validate(cfg), qt.Not(qt.IsNil))

	cfg.Refill.WithdrawFn = "withdraw"
	c.Assert(Validate(cfg), qt.IsNil)
}
