package kite

// Instrument is the display metadata joined onto each decoded tick.
type Instrument struct {
	Token  int32
	Symbol string
	Name   string
	Icon   string
}

// Tick is one instrument's snapshot decoded from a binary ticker record.
// Quote is nil for LTP-only records, which drops its fields from JSON.
type Tick struct {
	Token     int32   `json:"token"`
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Icon      string  `json:"icon"`
	LastPrice float64 `json:"ltp"` // last traded price in rupees
	*Quote
}

// Quote holds the extended fields of a quote-mode (>= 44 byte) record.
type Quote struct {
	LastQuantity  int32   `json:"lastQty"`
	AveragePrice  float64 `json:"avgPrice"`
	Volume        int32   `json:"volume"`
	BuyQuantity   int32   `json:"buyQty"`
	SellQuantity  int32   `json:"sellQty"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"` // previous session close
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
}

// ControlFrame is a JSON text frame sent to the ticker, e.g.
// {"a":"subscribe","v":[256265]} or {"a":"mode","v":["quote",[256265]]}.
type ControlFrame struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

const (
	actionSubscribe = "subscribe"
	actionMode      = "mode"
)

func SubscribeFrame(tokens []int32) ControlFrame {
	return ControlFrame{Action: actionSubscribe, Value: tokenList(tokens)}
}

func ModeFrame(mode Mode, tokens []int32) ControlFrame {
	return ControlFrame{Action: actionMode, Value: []any{string(mode), tokenList(tokens)}}
}

// tokenList keeps an empty subscription encoded as [] rather than null.
func tokenList(tokens []int32) []int32 {
	if tokens == nil {
		return []int32{}
	}
	return tokens
}
