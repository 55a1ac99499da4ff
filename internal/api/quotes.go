package api

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// GetQuote fetches the current quote for id.
func (c *Client) GetQuote(ctx context.Context, id model.InstrumentID) (Quote, error) {
	q, err := c.getQuote(ctx, id)
	if err != nil {
		c.failures.Add(1)
		var pe *ProviderError
		if errors.As(err, &pe) {
			pe.Instrument = id
			switch pe.Kind {
			case KindRateLimited:
				c.rateLimited.Add(1)
			case KindNotFound:
				c.notFound.Add(1)
			}
		}
		return Quote{}, err
	}
	return q, nil
}

func (c *Client) getQuote(ctx context.Context, id model.InstrumentID) (Quote, error) {
	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", MarketDivStock)
	query.Set("FID_INPUT_ISCD", string(id))

	var resp inquirePriceResponse
	if err := c.get(ctx, InquirePricePath, TrIDInquirePrice, query, &resp); err != nil {
		return Quote{}, err
	}

	if resp.RtCd != rtCodeSuccess {
		kind := KindGeneric
		if resp.MsgCd == msgRateLimited {
			kind = KindRateLimited
		}
		return Quote{}, &ProviderError{Kind: kind, Code: resp.MsgCd, Message: resp.Msg1}
	}

	q, ok := toQuote(resp.Output)
	if !ok {
		return Quote{}, &ProviderError{Kind: KindNotFound, Message: "no price in response"}
	}
	q.Instrument = id
	q.FetchedAt = time.Now()
	return q, nil
}

// GetPrice fetches the current price for id.
func (c *Client) GetPrice(ctx context.Context, id model.InstrumentID) (decimal.Decimal, error) {
	q, err := c.GetQuote(ctx, id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return q.Price, nil
}

// GetPrices fetches prices one at a time. Failures are logged and left out
// of the result; cancellation stops the loop early.
func (c *Client) GetPrices(ctx context.Context, ids []model.InstrumentID) map[model.InstrumentID]decimal.Decimal {
	prices := make(map[model.InstrumentID]decimal.Decimal, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			c.logger.Warn("price batch interrupted",
				"fetched", len(prices),
				"requested", len(ids),
			)
			break
		}

		price, err := c.GetPrice(ctx, id)
		if err != nil {
			c.logger.Warn("price fetch failed", "instrument", id, "error", err)
			continue
		}
		prices[id] = price
	}
	return prices
}
