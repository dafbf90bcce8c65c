package jobs

import (
	"context"

	"cardvault-backend/internal/logger"
)

// VerifyLedgerBalances reports wallets whose balance disagrees with the sum
// of their entries. It never corrects anything.
func (jr *JobRunner) VerifyLedgerBalances() {
	jr.runWithRecovery("VerifyLedgerBalances", func() {
		ctx := context.Background()

		drifts, err := jr.repos.Ledger.ListDriftedAccounts(ctx, jr.config.Fulfillment.SweepBatchSize)
		if err != nil {
			logger.Error("Failed to verify ledger balances", "error", err)
			return
		}
		for _, d := range drifts {
			logger.Error("Wallet balance does not match its ledger",
				"accountID", d.AccountID,
				"balance", d.Balance.StringFixed(2),
				"entriesSum", d.EntriesSum.StringFixed(2),
				"difference", d.Balance.Sub(d.EntriesSum).StringFixed(2))
		}
		logger.Info("Verified ledger balances", "drifted", len(drifts))
	})
}
