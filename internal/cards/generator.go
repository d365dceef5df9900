package cards

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/models"
)

// generateCardNumber draws 16-digit numbers under the scheme's BIN until
// one is unused.
func (s *Service) generateCardNumber(ctx context.Context, cardType models.CardType) (string, error) {
	bin := binVisa
	if cardType == models.CardTypeUzcard {
		bin = binUzcard
	}

	for {
		randomPart := 100_000_000_000 + rand.Int63n(900_000_000_000)
		number := fmt.Sprintf("%s%d", bin, randomPart)

		var count int64
		err := s.db.WithContext(ctx).Model(&models.Card{}).
			Where("card_number = ?", number).Count(&count).Error
		if err != nil {
			return "", errors.Wrap(errors.KindInternal, "failed to check card number uniqueness", err)
		}
		if count == 0 {
			return number, nil
		}
	}
}
