package postgres

import (
	"context"
	"time"

	"tickrelay/pkg/kite"
)

const insertBatchSize = 500

// InsertTicks archives one decoded frame.
func (p *PostgresClient) InsertTicks(ctx context.Context, records []*TickRecord) error {
	if len(records) == 0 {
		return nil
	}
	return p.DB.WithContext(ctx).CreateInBatches(records, insertBatchSize).Error
}

// LatestTicks returns the most recent records for token, newest first.
func (p *PostgresClient) LatestTicks(ctx context.Context, token int32, limit int) ([]TickRecord, error) {
	var records []TickRecord
	err := p.DB.WithContext(ctx).
		Where("token = ?", token).
		Order("received_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// DeleteOldTicks prunes everything received before the cutoff and reports how
// many rows were removed.
func (p *PostgresClient) DeleteOldTicks(ctx context.Context, before time.Time) (int64, error) {
	tx := p.DB.WithContext(ctx).
		Where("received_at < ?", before).
		Delete(&TickRecord{})
	return tx.RowsAffected, tx.Error
}

// ToTickRecord converts a decoded tick into a row stamped with receivedAt.
func ToTickRecord(t kite.Tick, receivedAt time.Time) *TickRecord {
	r := &TickRecord{
		Token:      t.Token,
		Symbol:     t.Symbol,
		LastPrice:  t.LastPrice,
		ReceivedAt: receivedAt.UTC(),
	}
	if t.Quote != nil {
		q := *t.Quote
		r.LastQuantity = &q.LastQuantity
		r.AveragePrice = &q.AveragePrice
		r.Volume = &q.Volume
		r.BuyQuantity = &q.BuyQuantity
		r.SellQuantity = &q.SellQuantity
		r.Open = &q.Open
		r.High = &q.High
		r.Low = &q.Low
		r.Close = &q.Close
		r.Change = &q.Change
		r.ChangePercent = &q.ChangePercent
	}
	return r
}

// ToTickRecords converts a whole frame with a shared receive time.
func ToTickRecords(ticks []kite.Tick, receivedAt time.Time) []*TickRecord {
	records := make([]*TickRecord, 0, len(ticks))
	for _, t := range ticks {
		records = append(records, ToTickRecord(t, receivedAt))
	}
	return records
}
