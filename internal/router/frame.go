package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// Data frames look like:
//
//	0|H0STCNT0|001|005930^095544^102400^5^-1100^-1.06^...
//
// flag ("0" plain, "1" encrypted) | tr_id | record count | '^'-joined fields.
const (
	frameSections  = 4
	minFieldCount  = 15
	fieldSeparator = "^"
)

// Positions inside one record.
const (
	fieldCode = iota
	fieldTradeTime
	fieldPrice
	fieldSign
	fieldChange
	fieldChangeRate
	fieldWeightedAvg
	fieldOpen
	fieldHigh
	fieldLow
	fieldAsk
	fieldBid
	fieldVolume
	fieldAccVolume
	fieldAccAmount
)

// ErrEncrypted marks frames whose payload is encrypted (flag "1").
var ErrEncrypted = errors.New("encrypted payload not supported")

// ParseError describes a data frame that could not be turned into ticks.
// Parse errors are local to the frame: it is dropped and the stream goes on.
type ParseError struct {
	Reason string
	Frame  string // leading bytes of the frame, for logs
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse frame: %s: %v", e.Reason, e.Err)
	}
	return "parse frame: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(frame, reason string, err error) *ParseError {
	const maxFrame = 64
	if len(frame) > maxFrame {
		frame = frame[:maxFrame]
	}
	return &ParseError{Reason: reason, Frame: frame, Err: err}
}

// Parser turns realtime trade frames into ticks.
type Parser struct {
	trID string
	loc  *time.Location
}

// NewParser creates a parser accepting frames for trID, interpreting
// HHMMSS trade times in loc.
func NewParser(trID string, loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{trID: trID, loc: loc}
}

// Parse decodes one data frame. Multi-record frames yield one tick per record.
func (p *Parser) Parse(data []byte, receivedAt time.Time) ([]model.PriceTick, error) {
	frame := string(data)

	sections := strings.SplitN(frame, "|", frameSections)
	if len(sections) < frameSections {
		return nil, parseErr(frame, fmt.Sprintf("expected %d sections, got %d", frameSections, len(sections)), nil)
	}

	switch sections[0] {
	case "0":
	case "1":
		return nil, parseErr(frame, "frame flag 1", ErrEncrypted)
	default:
		return nil, parseErr(frame, fmt.Sprintf("unknown frame flag %q", sections[0]), nil)
	}

	if p.trID != "" && sections[1] != p.trID {
		return nil, parseErr(frame, fmt.Sprintf("unexpected tr_id %q", sections[1]), nil)
	}

	count, err := strconv.Atoi(sections[2])
	if err != nil || count < 1 {
		return nil, parseErr(frame, fmt.Sprintf("invalid record count %q", sections[2]), err)
	}

	fields := strings.Split(sections[3], fieldSeparator)
	width := len(fields)
	if count > 1 {
		if len(fields)%count != 0 {
			return nil, parseErr(frame, fmt.Sprintf("%d fields do not split into %d records", len(fields), count), nil)
		}
		width = len(fields) / count
	}
	if width < minFieldCount {
		return nil, parseErr(frame, fmt.Sprintf("expected at least %d fields, got %d", minFieldCount, width), nil)
	}

	ticks := make([]model.PriceTick, 0, count)
	for i := 0; i < count; i++ {
		tick, err := p.parseRecord(fields[i*width:(i+1)*width], receivedAt)
		if err != nil {
			return nil, parseErr(frame, fmt.Sprintf("record %d", i), err)
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

func (p *Parser) parseRecord(f []string, receivedAt time.Time) (model.PriceTick, error) {
	id, err := model.ParseInstrumentID(f[fieldCode])
	if err != nil {
		return model.PriceTick{}, err
	}

	price, err := decimal.NewFromString(f[fieldPrice])
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("price %q: %w", f[fieldPrice], err)
	}
	if !price.IsPositive() {
		return model.PriceTick{}, fmt.Errorf("price %s must be positive", price)
	}

	change, err := decimal.NewFromString(f[fieldChange])
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("change %q: %w", f[fieldChange], err)
	}
	rate, err := decimal.NewFromString(f[fieldChangeRate])
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("change rate %q: %w", f[fieldChangeRate], err)
	}

	volume, err := strconv.ParseInt(f[fieldVolume], 10, 64)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("volume %q: %w", f[fieldVolume], err)
	}
	if volume < 0 {
		return model.PriceTick{}, fmt.Errorf("volume %d must not be negative", volume)
	}

	return model.PriceTick{
		Instrument:        id,
		Price:             price,
		Change:            change,
		ChangeRate:        rate,
		TradeTime:         p.tradeTime(f[fieldTradeTime], receivedAt),
		Volume:            volume,
		ReceivedAt:        receivedAt,
		Sign:              f[fieldSign],
		Open:              lenientDecimal(f[fieldOpen]),
		High:              lenientDecimal(f[fieldHigh]),
		Low:               lenientDecimal(f[fieldLow]),
		AccumulatedVolume: lenientInt(f[fieldAccVolume]),
		AccumulatedAmount: lenientInt(f[fieldAccAmount]),
	}, nil
}

// tradeTime places an HHMMSS exchange time on the receive date. Malformed
// values fall back to the receive time.
func (p *Parser) tradeTime(hhmmss string, receivedAt time.Time) time.Time {
	if len(hhmmss) != 6 {
		return receivedAt
	}
	h, err1 := strconv.Atoi(hhmmss[0:2])
	m, err2 := strconv.Atoi(hhmmss[2:4])
	s, err3 := strconv.Atoi(hhmmss[4:6])
	if err1 != nil || err2 != nil || err3 != nil || h > 23 || m > 59 || s > 59 {
		return receivedAt
	}

	local := receivedAt.In(p.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, s, 0, p.loc)
}

func lenientDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func lenientInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
