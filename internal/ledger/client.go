// Package ledger reconciles scheme state across two stores: an
// authoritative-when-available blockchain ledger (the FundTracker
// contract) and a fallback relational store. The Mirror is the only
// write path for schemes and settlements.
package ledger

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// SchemeSnapshot is the on-chain view of a scheme. Amounts are
// unsigned integers on the ledger side; fractional currency units do
// not exist at that layer.
type SchemeSnapshot struct {
	ID         int64
	Name       string
	TotalFunds *big.Int
	UsedFunds  *big.Int
}

// Client is the ledger contract surface consumed by the Mirror and the
// Reconciler. All methods are blocking remote calls; implementations
// must respect the context deadline.
type Client interface {
	// AddScheme registers a scheme on chain and waits for the write to
	// be block-finalized. The new scheme id is the post-increment
	// schemeCount value.
	AddScheme(ctx context.Context, name string, totalFunds *big.Int) (txHash string, err error)

	// UseFund increments a scheme's used funds on chain and returns
	// the confirmed transaction hash.
	UseFund(ctx context.Context, schemeID int64, amount *big.Int) (txHash string, err error)

	// GetScheme reads the current on-chain scheme snapshot.
	GetScheme(ctx context.Context, schemeID int64) (*SchemeSnapshot, error)

	// SchemeCount reads the on-chain scheme counter.
	SchemeCount(ctx context.Context) (int64, error)

	// Close releases the underlying connection.
	Close()
}

// ledgerUnits converts a decimal amount to the ledger's integral unit,
// flooring fractional values to match the contract's uint accounting.
func ledgerUnits(d decimal.Decimal) *big.Int {
	return d.Floor().BigInt()
}

// fromLedgerUnits converts an integral on-chain amount back to a
// decimal.
func fromLedgerUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}
