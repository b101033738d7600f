// Package universe maintains the ticker universe table that feeds the
// screener and the ingest scheduler.
package universe

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is one universe member.
type Ticker struct {
	Symbol   string    `json:"symbol"`
	TickerID int64     `json:"ticker_id"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	AddedAt  time.Time `json:"added_at"`
}

// Repository handles ticker universe database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a ticker universe repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "universe").Logger(),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS tickers (
	symbol TEXT PRIMARY KEY,
	ticker_id INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	added_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickers_active ON tickers(active);
`

// EnsureSchema creates the tickers table when it does not exist.
func (r *Repository) EnsureSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create universe schema: %w", err)
	}
	return nil
}

// Seed inserts symbols that are not in the universe yet, leaving existing
// rows untouched. Used at startup with the configured default ticker.
func (r *Repository) Seed(symbols []string) error {
	for _, symbol := range symbols {
		normalized := normalizeSymbol(symbol)
		if normalized == "" {
			continue
		}
		_, err := r.db.Exec(
			"INSERT OR IGNORE INTO tickers (symbol, ticker_id, name, active, added_at) VALUES (?, 0, '', 1, ?)",
			normalized, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to seed ticker %s: %w", normalized, err)
		}
	}
	return nil
}

// Upsert inserts or updates a ticker.
func (r *Repository) Upsert(t Ticker) error {
	symbol := normalizeSymbol(t.Symbol)
	if symbol == "" {
		return fmt.Errorf("ticker symbol is required")
	}
	addedAt := t.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO tickers (symbol, ticker_id, name, active, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			ticker_id = excluded.ticker_id,
			name = excluded.name,
			active = excluded.active`,
		symbol, t.TickerID, t.Name, boolToInt(t.Active), addedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ticker %s: %w", symbol, err)
	}
	return nil
}

// Get returns a ticker by symbol, or nil when it is not in the universe.
func (r *Repository) Get(symbol string) (*Ticker, error) {
	rows, err := r.db.Query(
		"SELECT symbol, ticker_id, name, active, added_at FROM tickers WHERE symbol = ?",
		normalizeSymbol(symbol),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticker: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil // Ticker not found
	}
	t, err := scanTicker(rows)
	if err != nil {
		return nil, err
	}
	return t, rows.Err()
}

// ActiveSymbols returns the active universe symbols, sorted.
func (r *Repository) ActiveSymbols() ([]string, error) {
	rows, err := r.db.Query("SELECT symbol FROM tickers WHERE active = 1 ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to query active tickers: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan ticker symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// Deactivate removes a ticker from the active universe without deleting
// its row.
func (r *Repository) Deactivate(symbol string) error {
	res, err := r.db.Exec("UPDATE tickers SET active = 0 WHERE symbol = ?", normalizeSymbol(symbol))
	if err != nil {
		return fmt.Errorf("failed to deactivate ticker %s: %w", symbol, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		r.log.Warn().Str("symbol", symbol).Msg("Deactivate matched no ticker")
	}
	return nil
}

// Count returns the total number of universe rows, active or not.
func (r *Repository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM tickers").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tickers: %w", err)
	}
	return count, nil
}

func scanTicker(rows *sql.Rows) (*Ticker, error) {
	var t Ticker
	var active int
	var addedAt string
	if err := rows.Scan(&t.Symbol, &t.TickerID, &t.Name, &active, &addedAt); err != nil {
		return nil, fmt.Errorf("failed to scan ticker: %w", err)
	}
	t.Active = active != 0
	if parsed, err := time.Parse(time.RFC3339, addedAt); err == nil {
		t.AddedAt = parsed
	}
	return &t, nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
