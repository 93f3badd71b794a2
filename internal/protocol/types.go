package protocol

import (
	"encoding/json"
	"fmt"

	"tickrelay/pkg/kite"
)

const (
	TypeStatus = "status"
	TypeTick   = "tick"
)

// StatusMessage is pushed to browsers on connect and on every upstream
// connectivity change.
type StatusMessage struct {
	Type          string `json:"type"`
	KiteConnected bool   `json:"kiteConnected"`
}

// TickMessage carries one decoded frame's ticks.
type TickMessage struct {
	Type string      `json:"type"`
	Data []kite.Tick `json:"data"`
}

// CredentialsRequest carries the result of the external OAuth exchange.
type CredentialsRequest struct {
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Marshal serializes a feed event into its downstream JSON payload.
func Marshal(ev kite.Event) ([]byte, error) {
	switch e := ev.(type) {
	case kite.StatusEvent:
		return json.Marshal(StatusMessage{Type: TypeStatus, KiteConnected: e.Connected})
	case kite.TicksEvent:
		return json.Marshal(TickMessage{Type: TypeTick, Data: e.Ticks})
	default:
		return nil, fmt.Errorf("protocol: unsupported event %T", ev)
	}
}
