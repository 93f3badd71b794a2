package kite

import "fmt"

// Mode is the ticker streaming mode requested per token.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Record lengths. Full-mode records carry a timestamp and market depth after
// the quote fields; the decoder reads only the quote prefix.
const (
	LTPRecordLen   = 8
	QuoteRecordLen = 44
)

func (m Mode) IsValid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeFull:
		return true
	}
	return false
}

// ParseMode parses a configured mode string.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("invalid ticker mode: %q", s)
	}
	return m, nil
}
