package postgres

import "time"

// TickRecord is one archived tick. Quote columns are null for LTP-only ticks.
type TickRecord struct {
	ID uint `gorm:"primaryKey" json:"-"`

	Token  int32  `gorm:"not null;index:idx_tick_token_received" json:"token"`
	Symbol string `gorm:"type:text;not null;index:idx_tick_symbol" json:"symbol"`

	LastPrice float64 `gorm:"type:numeric;not null" json:"ltp"`

	LastQuantity  *int32   `json:"lastQty,omitempty"`
	AveragePrice  *float64 `gorm:"type:numeric" json:"avgPrice,omitempty"`
	Volume        *int32   `json:"volume,omitempty"`
	BuyQuantity   *int32   `json:"buyQty,omitempty"`
	SellQuantity  *int32   `json:"sellQty,omitempty"`
	Open          *float64 `gorm:"type:numeric" json:"open,omitempty"`
	High          *float64 `gorm:"type:numeric" json:"high,omitempty"`
	Low           *float64 `gorm:"type:numeric" json:"low,omitempty"`
	Close         *float64 `gorm:"type:numeric" json:"close,omitempty"`
	Change        *float64 `gorm:"type:numeric" json:"change,omitempty"`
	ChangePercent *float64 `gorm:"type:numeric" json:"changePercent,omitempty"`

	ReceivedAt time.Time `gorm:"not null;index:idx_tick_token_received;index:idx_tick_received" json:"receivedAt"`
}

// TableName overrides the default table name for GORM.
func (TickRecord) TableName() string {
	return "tick_record"
}
