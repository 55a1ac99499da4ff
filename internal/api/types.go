package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// Quotation endpoints.
const (
	InquirePricePath = "/uapi/domestic-stock/v1/quotations/inquire-price"
	TrIDInquirePrice = "FHKST01010100"
	MarketDivStock   = "J"
)

// Quote is a current price snapshot from the REST API.
type Quote struct {
	Instrument model.InstrumentID
	Price      decimal.Decimal
	Change     decimal.Decimal
	ChangeRate decimal.Decimal
	Sign       string
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Volume     int64 // Accumulated session volume
	FetchedAt  time.Time
}

// inquirePriceResponse is the body of an inquire-price call.
type inquirePriceResponse struct {
	envelope
	Output *quoteOutput `json:"output"`
}

// quoteOutput holds the fields used from the inquire-price output block.
// Numbers arrive as strings.
type quoteOutput struct {
	Price      string `json:"stck_prpr"`
	Change     string `json:"prdy_vrss"`
	ChangeSign string `json:"prdy_vrss_sign"`
	ChangeRate string `json:"prdy_ctrt"`
	Open       string `json:"stck_oprc"`
	High       string `json:"stck_hgpr"`
	Low        string `json:"stck_lwpr"`
	Volume     string `json:"acml_vol"`
}
