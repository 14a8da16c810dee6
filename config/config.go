// Package config loads faucetd's configuration from flags, environment
// variables, and defaults, following the spec's recognized-option table.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".faucetd" // prefixed with the user's home directory

	defaultGasLimit   = 21_000
	defaultMaxPending = 8
)

// CoinType selects whether the faucet pays its native coin or an ERC-20.
type CoinType string

const (
	CoinNative CoinType = "native"
	CoinERC20  CoinType = "erc20"
)

// Web3Config holds the RPC endpoint, signing key, chain identity, and the
// transaction fee envelope.
type Web3Config struct {
	RpcHost   string `mapstructure:"rpcHost"`
	ChainID   int64  `mapstructure:"chainId"`
	WalletKey string `mapstructure:"walletKey"`
	LegacyTx  bool   `mapstructure:"legacyTx"`

	TxGasLimit uint64 `mapstructure:"txGasLimit"`
	TxMaxFee   string `mapstructure:"txMaxFee"`
	TxPrioFee  string `mapstructure:"txPrioFee"`

	MaxPending   int    `mapstructure:"maxPending"`
	QueueNoFunds bool   `mapstructure:"queueNoFunds"`
	SpareFunds   string `mapstructure:"spareFundsAmount"`
}

// StatusConfig holds the wallet-health thresholds and message templates.
type StatusConfig struct {
	NoFundsBalance  string `mapstructure:"noFundsBalance"`
	LowFundsBalance string `mapstructure:"lowFundsBalance"`

	LowFundsWarning    string `mapstructure:"lowFundsWarning"`
	NoFundsError       string `mapstructure:"noFundsError"`
	RPCConnectionError string `mapstructure:"rpcConnectionError"`
}

// FaucetConfig identifies what the faucet pays out.
type FaucetConfig struct {
	CoinType     CoinType `mapstructure:"coinType"`
	CoinContract string   `mapstructure:"coinContract"`
	CoinSymbol   string   `mapstructure:"coinSymbol"`
	CoinDecimals uint8    `mapstructure:"coinDecimals"`
}

// RefillConfig mirrors the ethRefillContract option group.
type RefillConfig struct {
	Contract        string `mapstructure:"contract"`
	ABI             string `mapstructure:"abi"`
	TriggerBalance  string `mapstructure:"triggerBalance"`
	OverflowBalance string `mapstructure:"overflowBalance"`
	RequestAmount   string `mapstructure:"requestAmount"`
	CooldownTime    time.Duration `mapstructure:"cooldownTime"`

	AllowanceFn     string   `mapstructure:"allowanceFn"`
	AllowanceFnArgs []string `mapstructure:"allowanceFnArgs"`

	WithdrawFn       string   `mapstructure:"withdrawFn"`
	WithdrawFnArgs   []string `mapstructure:"withdrawFnArgs"`
	WithdrawGasLimit uint64   `mapstructure:"withdrawGasLimit"`

	DepositFn     string   `mapstructure:"depositFn"`
	DepositFnArgs []string `mapstructure:"depositFnArgs"`

	CheckContractBalance string `mapstructure:"checkContractBalance"`
	ContractDustBalance  string `mapstructure:"contractDustBalance"`
}

// Configured reports whether a vault contract was set.
func (r RefillConfig) Configured() bool {
	return r.Contract != ""
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// Config is the faucetd application configuration.
type Config struct {
	Web3    Web3Config
	Status  StatusConfig
	Faucet  FaucetConfig
	Refill  RefillConfig
	Log     LogConfig
	Datadir string
}

// ParseBigInt parses a decimal string into a *big.Int, returning zero for an
// empty string.
func ParseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// Load reads configuration from CLI flags, FAUCETD_-prefixed environment
// variables, and defaults.
func Load(args []string) (*Config, error) {
	v := viper.New()
	fs := flag.NewFlagSet("faucetd", flag.ContinueOnError)

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("web3.txGasLimit", defaultGasLimit)
	v.SetDefault("web3.maxPending", defaultMaxPending)
	v.SetDefault("faucet.coinType", string(CoinNative))

	fs.String("datadir", defaultDatadirPath, "data directory for the claim queue database")
	fs.String("log.level", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	fs.String("log.output", defaultLogOutput, "log output (stdout, stderr, or filepath)")

	fs.String("web3.rpcHost", "", "chain RPC endpoint (http(s)://, ws(s)://, or a unix socket path)")
	fs.Int64("web3.chainId", 0, "chain id; queried at startup if zero")
	fs.String("web3.walletKey", "", "hex-encoded secp256k1 private key for the faucet's signing wallet")
	fs.Bool("web3.legacyTx", false, "use legacy transactions instead of EIP-1559")
	fs.Uint64("web3.txGasLimit", defaultGasLimit, "gas limit for outgoing transactions")
	fs.String("web3.txMaxFee", "", "max fee per gas (wei, decimal)")
	fs.String("web3.txPrioFee", "", "max priority fee per gas (wei, decimal)")
	fs.Int("web3.maxPending", defaultMaxPending, "maximum number of in-flight claim transactions")
	fs.Bool("web3.queueNoFunds", false, "pause draining the queue when the wallet cannot cover its head")
	fs.String("web3.spareFundsAmount", "0", "minimum reserve kept on top of each claim amount")

	fs.String("status.noFundsBalance", "0", "token balance at or below which the wallet is NOFUNDS")
	fs.String("status.lowFundsBalance", "0", "token balance at or below which the wallet is LOWFUNDS")
	fs.String("status.lowFundsWarning", "", "LOWFUNDS message template ({1} substituted with the readable balance)")
	fs.String("status.noFundsError", "", "NOFUNDS message template")
	fs.String("status.rpcConnectionError", "", "OFFLINE message template")

	fs.String("faucet.coinType", string(CoinNative), "payout coin type: native or erc20")
	fs.String("faucet.coinContract", "", "ERC-20 token contract address (erc20 mode only)")
	fs.String("faucet.coinSymbol", "", "payout coin symbol, used in readable balance messages")

	fs.String("refill.contract", "", "vault contract address; empty disables the refill controller")
	fs.String("refill.abi", "", "vault contract ABI, JSON-encoded")
	fs.String("refill.triggerBalance", "0", "effective balance below which a refill is triggered")
	fs.String("refill.overflowBalance", "", "effective balance above which an overflow is triggered; empty disables overflow")
	fs.String("refill.requestAmount", "0", "amount requested from the vault on refill")
	fs.Duration("refill.cooldownTime", 0, "minimum time between successful refills")
	fs.String("refill.allowanceFn", "", "vault ABI function to read the faucet's withdrawal allowance")
	fs.StringSlice("refill.allowanceFnArgs", nil, "allowanceFn argument templates")
	fs.String("refill.withdrawFn", "", "vault ABI function to withdraw funds")
	fs.StringSlice("refill.withdrawFnArgs", nil, "withdrawFn argument templates")
	fs.Uint64("refill.withdrawGasLimit", defaultGasLimit, "gas limit for the withdraw transaction")
	fs.String("refill.depositFn", "", "vault ABI function to attach to an overflow deposit")
	fs.StringSlice("refill.depositFnArgs", nil, "depositFn argument templates")
	fs.String("refill.checkContractBalance", "", "address whose native balance gates a refill (empty disables the check; the zero address means the vault itself)")
	fs.String("refill.contractDustBalance", "", "vault balance at or below which a refill is refused")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v.SetEnvPrefix("FAUCETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields Load cannot itself guarantee: an RPC endpoint
// to dial, a non-empty signing key, a known coin type (with a token contract
// in erc20 mode), and, when a vault contract is set, its ABI and withdrawFn.
// It does not compare the trigger and overflow balances.
func Validate(cfg *Config) error {
	if cfg.Web3.RpcHost == "" {
		return fmt.Errorf("web3.rpcHost is required")
	}
	if cfg.Web3.WalletKey == "" {
		return fmt.Errorf("web3.walletKey is required")
	}
	switch cfg.Faucet.CoinType {
	case CoinNative, CoinERC20:
	default:
		return fmt.Errorf("faucet.coinType must be %q or %q, got %q", CoinNative, CoinERC20, cfg.Faucet.CoinType)
	}
	if cfg.Faucet.CoinType == CoinERC20 && cfg.Faucet.CoinContract == "" {
		return fmt.Errorf("faucet.coinContract is required when faucet.coinType is %q", CoinERC20)
	}
	if cfg.Refill.Configured() {
		if cfg.Refill.ABI == "" {
			return fmt.Errorf("refill.abi is required when refill.contract is set")
		}
		if cfg.Refill.WithdrawFn == "" {
			return fmt.Errorf("refill.withdrawFn is required when refill.contract is set")
		}
	}
	return nil
}
