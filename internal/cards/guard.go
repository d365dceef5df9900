package cards

import (
	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

// assertVersion rejects a mutation when the caller's expected version does
// not match the card's persisted version. The persisted counter only moves
// forward, so a mismatch means the caller is acting on stale state.
func assertVersion(card *models.Card, expected int64) error {
	if card.Version != expected {
		return errors.Newf(errors.KindPreconditionFailed,
			"card state has changed (current version %d, got %d), please refresh and try again",
			card.Version, expected)
	}
	return nil
}
