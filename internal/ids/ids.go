// Package ids generates prefixed external identifiers for every entity the
// control plane persists, following the "prefix_base32" convention used
// throughout the API surface (e.g. rev_, exp_, txo_).
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a new external ID of the form "<prefix>_<random>", where
// random is a lowercase base32 encoding of 16 cryptographically random
// bytes (128 bits of entropy, 26 characters).
func New(prefix string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("ids: failed to read random bytes: " + err.Error())
	}
	return prefix + "_" + strings.ToLower(encoding.EncodeToString(buf))
}

// Entity prefixes used across the schema.
const (
	PrefixAgent                = "agt"
	PrefixProject               = "proj"
	PrefixRevenueEvent          = "rev"
	PrefixExpenseEvent          = "exp"
	PrefixCapitalEvent          = "pcap"
	PrefixMarketingFeeAccrual   = "mfee"
	PrefixSettlement            = "stl"
	PrefixReconciliationReport  = "rcn"
	PrefixBounty                = "bty"
	PrefixTxOutboxTask          = "txo"
	PrefixGitOutboxTask         = "gto"
	PrefixOracleRequest         = "orq"
)

// Agent returns a new agent ID.
func Agent() string { return New(PrefixAgent) }

// Project returns a new project ID.
func Project() string { return New(PrefixProject) }

// RevenueEvent returns a new revenue event ID.
func RevenueEvent() string { return New(PrefixRevenueEvent) }

// ExpenseEvent returns a new expense event ID.
func ExpenseEvent() string { return New(PrefixExpenseEvent) }

// CapitalEvent returns a new project capital event ID.
func CapitalEvent() string { return New(PrefixCapitalEvent) }

// MarketingFeeAccrual returns a new marketing fee accrual event ID.
func MarketingFeeAccrual() string { return New(PrefixMarketingFeeAccrual) }

// Settlement returns a new settlement ID.
func Settlement() string { return New(PrefixSettlement) }

// ReconciliationReport returns a new reconciliation report ID.
func ReconciliationReport() string { return New(PrefixReconciliationReport) }

// Bounty returns a new bounty ID.
func Bounty() string { return New(PrefixBounty) }

// TxOutboxTask returns a new tx outbox task ID.
func TxOutboxTask() string { return New(PrefixTxOutboxTask) }

// GitOutboxTask returns a new git outbox task ID.
func GitOutboxTask() string { return New(PrefixGitOutboxTask) }
