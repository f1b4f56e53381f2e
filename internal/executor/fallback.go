// fallback.go negotiates amount precision with the exchange.
//
// Bitvavo rejects an order whose amount has too many decimals with an error
// like "Specify a valid amount with 6 decimal digits". The fallback truncates
// (floor, never round — rounding up could overspend) to the hinted count and
// retries once; if the hint itself is rejected it walks the counts down to 0,
// trying each exactly once. The count that finally succeeds is cached so
// future orders for that market start there.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"bitvavo-trader/internal/exchange"
)

var precisionRe = regexp.MustCompile(`with (\d+) decimal digits`)

// Placer is the slice of the exchange client the fallback needs; the guard
// reuses it for its market sells.
type Placer interface {
	PlaceOrder(ctx context.Context, body map[string]string) (*exchange.OrderResponse, error)
}

// precisionHint extracts the decimal-digit hint from an exchange error.
func precisionHint(err error) (int, bool) {
	var apiErr *exchange.APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	m := precisionRe.FindStringSubmatch(apiErr.Message)
	if m == nil {
		return 0, false
	}
	n, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return n, true
}

// TruncateAmount floors an amount string to the given decimal count.
func TruncateAmount(amount string, decimals int) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", err
	}
	return d.Truncate(int32(decimals)).String(), nil
}

// PlaceWithFallback places an order, negotiating the precision of
// body[amountKey] as described above. On a fallback success the accepted
// count is cached for the market.
func PlaceWithFallback(ctx context.Context, placer Placer, cache *PrecisionCache, body map[string]string, amountKey string, logger *slog.Logger) (*exchange.OrderResponse, error) {
	market := body["market"]
	amount := body[amountKey]

	// Start from the cached count when we have one.
	if d, ok := cache.Get(market); ok {
		truncated, err := TruncateAmount(amount, d)
		if err != nil {
			return nil, err
		}
		body[amountKey] = truncated
	}

	res, err := placer.PlaceOrder(ctx, body)
	if err == nil {
		return res, nil
	}
	hint, ok := precisionHint(err)
	if !ok {
		return nil, err
	}

	tried := map[int]bool{}
	for d := hint; d >= 0; d-- {
		if tried[d] {
			continue
		}
		tried[d] = true

		truncated, tErr := TruncateAmount(amount, d)
		if tErr != nil {
			return nil, tErr
		}
		body[amountKey] = truncated
		logger.Info("retrying with truncated amount", "market", market, "decimals", d, "amount", truncated)

		res, err = placer.PlaceOrder(ctx, body)
		if err == nil {
			cache.Put(ctx, market, d)
			return res, nil
		}
		if _, ok := precisionHint(err); !ok {
			return nil, err
		}
	}
	return nil, err
}
