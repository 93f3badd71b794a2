package kite

import "encoding/binary"

// RawQuote is a quote-mode record with prices in paise, as sent on the wire.
// An LTP-only record uses just Token and LastPrice.
type RawQuote struct {
	Token        int32
	LastPrice    int32
	LastQuantity int32
	AveragePrice int32
	Volume       int32
	BuyQuantity  int32
	SellQuantity int32
	Open         int32
	High         int32
	Low          int32
	Close        int32
}

// LTPRecord encodes the 8-byte LTP record shape.
func (q RawQuote) LTPRecord() []byte {
	b := make([]byte, LTPRecordLen)
	putInt32(b, 0, q.Token)
	putInt32(b, 4, q.LastPrice)
	return b
}

// QuoteRecord encodes the 44-byte quote record shape.
func (q RawQuote) QuoteRecord() []byte {
	b := make([]byte, QuoteRecordLen)
	for i, v := range []int32{
		q.Token, q.LastPrice, q.LastQuantity, q.AveragePrice, q.Volume,
		q.BuyQuantity, q.SellQuantity, q.Open, q.High, q.Low, q.Close,
	} {
		putInt32(b, i*4, v)
	}
	return b
}

// EncodePacket frames records the way the ticker does: a record count
// followed by length-prefixed payloads.
func EncodePacket(records ...[]byte) []byte {
	size := 2
	for _, r := range records {
		size += 2 + len(r)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(records)))
	offset := 2
	for _, r := range records {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(r)))
		offset += 2
		offset += copy(buf[offset:], r)
	}
	return buf
}

func putInt32(b []byte, off int, v int32) {
	binary.BigEndian.PutUint32(b[off:off+4], uint32(v))
}
