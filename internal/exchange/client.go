// Package exchange resolves currency conversion rates from the Central Bank
// of Uzbekistan JSON feed.
package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sardorbek/cardpay/pkg/errors"
	"github.com/sardorbek/cardpay/pkg/metrics"
	"github.com/sardorbek/cardpay/pkg/models"
)

// ratePrecision is the scale of the intermediate cross rate. The final
// amount is rounded to the target currency's native scale by the caller.
const ratePrecision = 10

// RateProvider resolves the conversion rate between two currencies.
// The identity pair always yields exactly 1.
type RateProvider interface {
	Rate(ctx context.Context, from, to models.Currency) (decimal.Decimal, error)
}

// cbuRate is one entry of the CBU rate feed: Rate is the price of Nominal
// units of Ccy in UZS.
type cbuRate struct {
	Ccy     string          `json:"Ccy"`
	Rate    decimal.Decimal `json:"Rate"`
	Nominal int64           `json:"Nominal,string"`
}

// CBUClient fetches rates from the CBU archive endpoint. All quotes are
// UZS-based, so a cross rate goes through UZS.
type CBUClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewCBUClient creates a rate client against the given feed endpoint.
func NewCBUClient(endpoint string, timeout time.Duration, logger *zap.Logger) *CBUClient {
	return &CBUClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Rate returns the from→to conversion rate at scale 10, rounded half up.
func (c *CBUClient) Rate(ctx context.Context, from, to models.Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	fromInUZS, err := c.rateInUZS(ctx, from)
	if err != nil {
		metrics.ExchangeRateRequests.WithLabelValues("error").Inc()
		return decimal.Zero, err
	}
	toInUZS, err := c.rateInUZS(ctx, to)
	if err != nil {
		metrics.ExchangeRateRequests.WithLabelValues("error").Inc()
		return decimal.Zero, err
	}

	rate := fromInUZS.DivRound(toInUZS, ratePrecision)
	metrics.ExchangeRateRequests.WithLabelValues("ok").Inc()
	c.logger.Info("cross-rate calculated",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("rate", rate.String()))
	return rate, nil
}

func (c *CBUClient) rateInUZS(ctx context.Context, currency models.Currency) (decimal.Decimal, error) {
	if currency == models.UZS {
		return decimal.NewFromInt(1), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(errors.KindUnavailable, "currency service request failed", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(errors.KindUnavailable, "currency service temporarily unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Newf(errors.KindUnavailable, "currency service returned status %d", resp.StatusCode)
	}

	var rates []cbuRate
	if err := json.NewDecoder(resp.Body).Decode(&rates); err != nil {
		return decimal.Zero, errors.Wrap(errors.KindUnavailable, "malformed currency feed response", err)
	}

	for _, r := range rates {
		if r.Ccy != string(currency) {
			continue
		}
		if r.Nominal <= 0 || r.Rate.Sign() <= 0 {
			return decimal.Zero, errors.Newf(errors.KindUnavailable, "feed quote for %s is unusable", currency)
		}
		return r.Rate.DivRound(decimal.NewFromInt(r.Nominal), ratePrecision), nil
	}

	return decimal.Zero, errors.Newf(errors.KindValidation, "currency not found in CBU rates: %s", currency)
}
