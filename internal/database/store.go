package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/truvis/pricestream/internal/model"
)

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Schema statements, applied in order by Migrate.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS current_prices (
		instrument TEXT PRIMARY KEY,
		price      NUMERIC(20, 4) NOT NULL CHECK (price > 0),
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id          UUID PRIMARY KEY,
		instrument  TEXT NOT NULL,
		price       NUMERIC(20, 4) NOT NULL,
		change      NUMERIC(20, 4) NOT NULL,
		change_rate NUMERIC(10, 4) NOT NULL,
		volume      BIGINT NOT NULL,
		trade_time  TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS price_history_instrument_time_idx
		ON price_history (instrument, trade_time DESC)`,
}

const (
	selectPriceSQL = `
		SELECT price::text, updated_at FROM current_prices WHERE instrument = $1`

	upsertPriceSQL = `
		INSERT INTO current_prices (instrument, price, updated_at)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (instrument) DO UPDATE
		SET price = EXCLUDED.price, updated_at = EXCLUDED.updated_at`

	insertHistorySQL = `
		INSERT INTO price_history (id, instrument, price, change, change_rate, volume, trade_time, created_at)
		VALUES ($1::uuid, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	listInstrumentsSQL = `
		SELECT instrument FROM current_prices ORDER BY instrument`
)

// Store reads and writes prices in PostgreSQL.
type Store struct {
	db DB
}

// NewStore creates a Store on db.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// GetPrice returns the stored price for id, or model.ErrNotFound.
func (s *Store) GetPrice(ctx context.Context, id model.InstrumentID) (model.CurrentPriceEntry, error) {
	var (
		raw   string
		entry = model.CurrentPriceEntry{Instrument: id}
	)
	err := s.db.QueryRow(ctx, selectPriceSQL, string(id)).Scan(&raw, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CurrentPriceEntry{}, model.ErrNotFound
	}
	if err != nil {
		return model.CurrentPriceEntry{}, fmt.Errorf("select price %s: %w", id, err)
	}

	entry.Price, err = decimal.NewFromString(raw)
	if err != nil {
		return model.CurrentPriceEntry{}, fmt.Errorf("decode price %s: %w", id, err)
	}
	return entry, nil
}

// UpsertPrice writes one current price. Last write wins.
func (s *Store) UpsertPrice(ctx context.Context, e model.CurrentPriceEntry) error {
	if _, err := s.db.Exec(ctx, upsertPriceSQL, string(e.Instrument), e.Price.String(), e.UpdatedAt); err != nil {
		return fmt.Errorf("upsert price %s: %w", e.Instrument, err)
	}
	return nil
}

// UpsertPrices writes current prices using pgx.Batch.
func (s *Store) UpsertPrices(ctx context.Context, entries []model.CurrentPriceEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsertPriceSQL, string(e.Instrument), e.Price.String(), e.UpdatedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for _, e := range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert price %s: %w", e.Instrument, err)
		}
	}
	return nil
}

// AppendHistoryBatch inserts records using pgx.Batch with ON CONFLICT DO
// NOTHING. Returns the number of rows actually inserted.
func (s *Store) AppendHistoryBatch(ctx context.Context, records []model.HistoryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertHistorySQL,
			r.ID.String(),
			string(r.Instrument),
			r.Price.String(),
			r.Change.String(),
			r.ChangeRate.String(),
			r.Volume,
			r.TradeTime,
			r.CreatedAt,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range records {
		ct, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("insert history: %w", err)
		}
		inserted += int(ct.RowsAffected())
	}
	return inserted, nil
}

// ListInstruments returns every instrument with a stored price.
func (s *Store) ListInstruments(ctx context.Context) ([]model.InstrumentID, error) {
	rows, err := s.db.Query(ctx, listInstrumentsSQL)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan instruments: %w", err)
	}

	ids := make([]model.InstrumentID, 0, len(codes))
	for _, c := range codes {
		ids = append(ids, model.InstrumentID(c))
	}
	return ids, nil
}
