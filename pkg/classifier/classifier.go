// Package classifier maps a wallet snapshot to the action the sentinel takes.
package classifier

import (
	"fmt"
	"math/big"

	"github.com/speedrun-hq/sentinel/pkg/models"
)

// Classify returns the action for snapshot. Tokens are checked first, in snapshot order,
// so a wallet holding any token is never classified as an emergency.
func Classify(snapshot *models.WalletSnapshot, thresholds models.Thresholds) models.Action {
	if snapshot == nil {
		return models.Action{Kind: models.ActionNone, Reason: "no_snapshot"}
	}

	for _, tb := range snapshot.Tokens {
		if !tb.Balance.IsZero() {
			return models.Action{
				Kind:      models.ActionTransfer,
				TokenKind: tb.Token.Kind(),
				Reason:    fmt.Sprintf("%s_balance_gt_zero", tb.Token.Kind()),
			}
		}
	}

	if above(snapshot.Native.Raw, thresholds.Emergency) {
		return models.Action{
			Kind:      models.ActionEmergency,
			TokenKind: models.KindNative,
			Reason:    "native_balance_gt_threshold",
		}
	}

	return models.Action{Kind: models.ActionNone, Reason: "below_threshold"}
}

// IsEmpty reports whether the wallet holds no tokens and native at or below reserve
func IsEmpty(snapshot *models.WalletSnapshot, reserve *big.Int) bool {
	return !snapshot.HasTokens() && !above(snapshot.Native.Raw, reserve)
}

// ShouldHandOff reports whether an emergency should hand the wallet to the transfer executor
func ShouldHandOff(snapshot *models.WalletSnapshot, thresholds models.Thresholds) bool {
	return snapshot.HasTokens() || above(snapshot.Native.Raw, thresholds.Handoff)
}

// above reports value > limit, treating nil as zero
func above(value, limit *big.Int) bool {
	if value == nil {
		return false
	}
	if limit == nil {
		return value.Sign() > 0
	}
	return value.Cmp(limit) > 0
}
