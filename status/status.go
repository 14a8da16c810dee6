// Package status derives a coarse faucet wallet status from wallet.View and
// publishes it under a fixed key so later emissions replace earlier ones.
package status

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/vocdoni/faucetd/log"
	"github.com/vocdoni/faucetd/wallet"
)

// Tier is the coarse wallet health classification.
type Tier int

const (
	Normal Tier = iota
	LowFunds
	NoFunds
	Offline
)

func (t Tier) String() string {
	switch t {
	case Normal:
		return "NORMAL"
	case LowFunds:
		return "LOWFUNDS"
	case NoFunds:
		return "NOFUNDS"
	case Offline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// Severity is the log/notification severity attached to a non-NORMAL tier.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityError
)

// publishKey is the fixed key all wallet status notifications are emitted
// under, so a later status replaces an earlier one rather than accumulating.
const publishKey = "wallet"

// Config holds the thresholds and message templates used to classify and
// describe wallet health.
type Config struct {
	NoFundsBalance  *big.Int
	LowFundsBalance *big.Int
	GasReserve      *big.Int // ethTxGasLimit * ethTxMaxFee

	// Message templates may contain "{1}", substituted with the readable
	// balance. An empty template suppresses the message for that tier.
	LowFundsWarning   string
	NoFundsError      string
	RPCConnectionError string
}

// Publisher derives and publishes wallet status. Publish is a caller-
// supplied sink (e.g. the statistics/monitoring service); the default used
// by the orchestrator logs via log.Monitor under publishKey.
type Publisher struct {
	cfg     Config
	publish func(key string, fields map[string]any)

	mu   sync.Mutex
	last Tier
}

// New constructs a Publisher. If publish is nil, status is emitted via
// log.Monitor.
func New(cfg Config, publish func(key string, fields map[string]any)) *Publisher {
	if publish == nil {
		publish = func(key string, fields map[string]any) {
			log.Monitor(key, fields)
		}
	}
	return &Publisher{cfg: cfg, publish: publish}
}

// Classify maps a wallet snapshot to a status tier, following spec order:
// OFFLINE first, then NOFUNDS, then LOWFUNDS, else NORMAL.
func (p *Publisher) Classify(v wallet.View) Tier {
	if !v.Ready {
		return Offline
	}
	if belowOrEqual(v.TokenBalance, p.cfg.NoFundsBalance) || belowOrEqual(v.NativeBalance, p.cfg.GasReserve) {
		return NoFunds
	}
	if belowOrEqual(v.TokenBalance, p.cfg.LowFundsBalance) {
		return LowFunds
	}
	return Normal
}

func belowOrEqual(balance, threshold *big.Int) bool {
	if threshold == nil || balance == nil {
		return false
	}
	return balance.Cmp(threshold) <= 0
}

// message returns the configured message for tier, with "{1}" substituted
// by readableBalance. An empty template (and NORMAL) yield no message.
func (p *Publisher) message(tier Tier, readableBalance string) (string, Severity) {
	var tmpl string
	var sev Severity
	switch tier {
	case LowFunds:
		tmpl, sev = p.cfg.LowFundsWarning, SeverityWarning
	case NoFunds:
		tmpl, sev = p.cfg.NoFundsError, SeverityError
	case Offline:
		tmpl, sev = p.cfg.RPCConnectionError, SeverityError
	default:
		return "", SeverityNone
	}
	if tmpl == "" {
		return "", SeverityNone
	}
	return strings.ReplaceAll(tmpl, "{1}", readableBalance), sev
}

// Publish classifies v, composes its message, and emits it under the fixed
// publishKey. readableBalance is the human-formatted balance to substitute
// into the message template (see ReadableAmount).
func (p *Publisher) Publish(v wallet.View, readableBalance string) Tier {
	tier := p.Classify(v)
	msg, sev := p.message(tier, readableBalance)

	p.mu.Lock()
	p.last = tier
	p.mu.Unlock()

	fields := map[string]any{
		"tier": tier.String(),
	}
	if msg != "" {
		fields["message"] = msg
		fields["severity"] = severityString(sev)
	}
	p.publish(publishKey, fields)
	return tier
}

// Last returns the most recently published tier.
func (p *Publisher) Last() Tier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func severityString(s Severity) string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return ""
	}
}

// ReadableAmount floors amount (in the smallest unit, with the given number
// of decimals) to 3 decimal places and suffixes it with symbol.
func ReadableAmount(amount *big.Int, decimals uint8, symbol string) string {
	if amount == nil {
		amount = new(big.Int)
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.DivMod(amount, unit, frac)

	// scale the fractional remainder down to 3 decimal digits, floored.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(3), nil)
	frac.Mul(frac, scale)
	frac.Div(frac, unit)

	return fmt.Sprintf("%s.%03d %s", whole.String(), frac.Int64(), symbol)
}
