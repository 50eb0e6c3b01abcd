// Package models persists investment models with optimistic locking.
// Positions and portfolio associations are stored as JSON alongside the
// version counter; a Save with a stale version fails with ConcurrencyError
// so callers re-read and retry.
package models

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS investment_models (
	name TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 1,
	positions TEXT NOT NULL DEFAULT '[]',
	portfolio_ids TEXT NOT NULL DEFAULT '[]',
	last_rebalance_date TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// ErrNotFound is returned when a model does not exist.
var ErrNotFound = errors.New("model not found")

// positionRecord is the JSON shape of one stored position. Decimals are
// stored as strings and re-validated through the value-object constructors
// on load, so storage corruption surfaces as a ValidationError.
type positionRecord struct {
	SecurityID string `json:"security_id"`
	Target     string `json:"target"`
	BoundLow   string `json:"bound_low"`
	BoundHigh  string `json:"bound_high"`
}

// Repository stores investment models in SQLite.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates the repository and applies its schema.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply models schema: %w", err)
	}
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "models").Logger(),
	}, nil
}

// Get loads one model by name.
func (r *Repository) Get(name string) (*domain.InvestmentModel, error) {
	row := r.db.QueryRow(
		`SELECT name, version, positions, portfolio_ids, last_rebalance_date
		 FROM investment_models WHERE name = ?`, name)

	model, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", name, err)
	}
	return model, nil
}

// GetAll loads every stored model, ordered by name.
func (r *Repository) GetAll() ([]*domain.InvestmentModel, error) {
	rows, err := r.db.Query(
		`SELECT name, version, positions, portfolio_ids, last_rebalance_date
		 FROM investment_models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var result []*domain.InvestmentModel
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		result = append(result, model)
	}
	return result, rows.Err()
}

// Save persists a model using version compare-and-swap. A model with
// Version 0 is inserted at version 1; otherwise the row is updated only if
// the stored version still matches, and the in-memory Version is bumped on
// success. A mismatch yields ConcurrencyError.
func (r *Repository) Save(model *domain.InvestmentModel) error {
	positions, portfolios, err := encodeModel(model)
	if err != nil {
		return err
	}

	lastRebalance := ""
	if !model.LastRebalanceDate.IsZero() {
		lastRebalance = model.LastRebalanceDate.UTC().Format(time.RFC3339)
	}

	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if model.Version == 0 {
			_, err := tx.Exec(
				`INSERT INTO investment_models (name, version, positions, portfolio_ids, last_rebalance_date, updated_at)
				 VALUES (?, 1, ?, ?, ?, datetime('now'))`,
				model.Name, positions, portfolios, lastRebalance)
			if err != nil {
				return fmt.Errorf("failed to insert model %s: %w", model.Name, err)
			}
			model.Version = 1
			return nil
		}

		res, err := tx.Exec(
			`UPDATE investment_models
			 SET version = version + 1, positions = ?, portfolio_ids = ?, last_rebalance_date = ?, updated_at = datetime('now')
			 WHERE name = ? AND version = ?`,
			positions, portfolios, lastRebalance, model.Name, model.Version)
		if err != nil {
			return fmt.Errorf("failed to update model %s: %w", model.Name, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update count for %s: %w", model.Name, err)
		}
		if affected == 0 {
			var found int64
			err := tx.QueryRow(`SELECT version FROM investment_models WHERE name = ?`, model.Name).Scan(&found)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, model.Name)
			}
			if err != nil {
				return fmt.Errorf("failed to read stored version for %s: %w", model.Name, err)
			}
			return &domain.ConcurrencyError{ModelName: model.Name, Expected: model.Version, Found: found}
		}

		model.Version++
		return nil
	})
}

// Delete removes a model by name.
func (r *Repository) Delete(name string) error {
	res, err := r.db.Exec(`DELETE FROM investment_models WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete model %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete count for %s: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func encodeModel(model *domain.InvestmentModel) (positions, portfolios string, err error) {
	records := make([]positionRecord, 0, len(model.Positions))
	for _, pos := range model.Positions {
		records = append(records, positionRecord{
			SecurityID: pos.SecurityID,
			Target:     pos.Target.Decimal().String(),
			BoundLow:   pos.Bounds.Low().String(),
			BoundHigh:  pos.Bounds.High().String(),
		})
	}

	posJSON, err := json.Marshal(records)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode positions for %s: %w", model.Name, err)
	}

	ids := model.PortfolioIDs
	if ids == nil {
		ids = []string{}
	}
	idJSON, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode portfolio ids for %s: %w", model.Name, err)
	}

	return string(posJSON), string(idJSON), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (*domain.InvestmentModel, error) {
	var (
		name          string
		version       int64
		positionsJSON string
		portfolioJSON string
		lastRebalance string
	)
	if err := row.Scan(&name, &version, &positionsJSON, &portfolioJSON, &lastRebalance); err != nil {
		return nil, err
	}

	model, err := domain.NewInvestmentModel(name)
	if err != nil {
		return nil, err
	}
	model.Version = version

	var records []positionRecord
	if err := json.Unmarshal([]byte(positionsJSON), &records); err != nil {
		return nil, fmt.Errorf("corrupt positions JSON: %w", err)
	}
	for _, rec := range records {
		target, err := parseTarget(rec.Target)
		if err != nil {
			return nil, err
		}
		bounds, err := parseBounds(rec.BoundLow, rec.BoundHigh)
		if err != nil {
			return nil, err
		}
		if err := model.AddPosition(rec.SecurityID, target, bounds); err != nil {
			return nil, err
		}
	}

	if err := json.Unmarshal([]byte(portfolioJSON), &model.PortfolioIDs); err != nil {
		return nil, fmt.Errorf("corrupt portfolio ids JSON: %w", err)
	}

	if lastRebalance != "" {
		t, err := time.Parse(time.RFC3339, lastRebalance)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_rebalance_date: %w", err)
		}
		model.LastRebalanceDate = t
	}

	return model, nil
}

func parseTarget(s string) (domain.TargetPercentage, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return domain.TargetPercentage{}, fmt.Errorf("corrupt target %q: %w", s, err)
	}
	return domain.NewTargetPercentage(v)
}

func parseBounds(low, high string) (domain.DriftBounds, error) {
	l, err := decimal.NewFromString(low)
	if err != nil {
		return domain.DriftBounds{}, fmt.Errorf("corrupt bound %q: %w", low, err)
	}
	h, err := decimal.NewFromString(high)
	if err != nil {
		return domain.DriftBounds{}, fmt.Errorf("corrupt bound %q: %w", high, err)
	}
	return domain.NewDriftBounds(l, h)
}
