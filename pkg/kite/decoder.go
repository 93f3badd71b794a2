package kite

import (
	"encoding/binary"

	"github.com/shopspring/decimal"
)

// Registry resolves instrument tokens to display metadata.
type Registry interface {
	Lookup(token int32) (Instrument, bool)
	Tokens() []int32
}

var hundred = decimal.NewFromInt(100)

// Decode parses a binary ticker frame into ticks.
//
// Frame layout: a 2-byte big-endian record count followed by that many
// [2-byte big-endian length][payload] records. Decoding is fail-soft: a
// truncated length or body ends the frame and the ticks decoded so far are
// returned. Records shorter than 8 bytes are skipped, and records whose token
// is not in reg are dropped.
func Decode(buf []byte, reg Registry) []Tick {
	if len(buf) < 2 {
		return nil
	}

	count := int(binary.BigEndian.Uint16(buf[0:2]))
	offset := 2

	var ticks []Tick
	for i := 0; i < count; i++ {
		if len(buf)-offset < 2 {
			break // truncated record length
		}
		n := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2

		if len(buf)-offset < n {
			break // truncated record body
		}
		record := buf[offset : offset+n]
		offset += n

		if len(record) < LTPRecordLen {
			continue
		}

		if tick, ok := decodeRecord(record, reg); ok {
			ticks = append(ticks, tick)
		}
	}
	return ticks
}

func decodeRecord(record []byte, reg Registry) (Tick, bool) {
	token := readInt32(record, 0)
	meta, ok := reg.Lookup(token)
	if !ok {
		return Tick{}, false
	}

	ltp := price(readInt32(record, 4))
	tick := Tick{
		Token:     token,
		Symbol:    meta.Symbol,
		Name:      meta.Name,
		Icon:      meta.Icon,
		LastPrice: ltp.InexactFloat64(),
	}

	if len(record) >= QuoteRecordLen {
		closePrice := price(readInt32(record, 40))
		change := ltp.Sub(closePrice)
		changePercent := decimal.Zero
		if !closePrice.IsZero() {
			changePercent = change.Div(closePrice).Mul(hundred)
		}

		tick.Quote = &Quote{
			LastQuantity:  readInt32(record, 8),
			AveragePrice:  price(readInt32(record, 12)).InexactFloat64(),
			Volume:        readInt32(record, 16),
			BuyQuantity:   readInt32(record, 20),
			SellQuantity:  readInt32(record, 24),
			Open:          price(readInt32(record, 28)).InexactFloat64(),
			High:          price(readInt32(record, 32)).InexactFloat64(),
			Low:           price(readInt32(record, 36)).InexactFloat64(),
			Close:         closePrice.InexactFloat64(),
			Change:        change.InexactFloat64(),
			ChangePercent: changePercent.InexactFloat64(),
		}
	}
	return tick, true
}

// price converts a wire value in paise to rupees without float rounding.
func price(raw int32) decimal.Decimal {
	return decimal.New(int64(raw), -2)
}

func readInt32(b []byte, off int) int32 {
	return int32(binary.BigEndian.Uint32(b[off : off+4]))
}
