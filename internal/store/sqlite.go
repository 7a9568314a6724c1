package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dealbrief/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS deals (
	id           TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL UNIQUE,
	raw_text     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	last_error   TEXT,
	extracted    TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);
CREATE INDEX IF NOT EXISTS idx_deals_created_at ON deals(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDeal(ctx context.Context, rawText, contentHash string) (*model.Deal, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	// ON CONFLICT DO NOTHING keeps the insert atomic under concurrent
	// identical submissions; zero rows affected means another writer won.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deals (id, content_hash, raw_text, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		id, contentHash, rawText, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert deal")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var existingID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM deals WHERE content_hash = ?`, contentHash,
		).Scan(&existingID)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup existing deal")
		}
		return nil, &DuplicateError{ExistingID: existingID}
	}

	return &model.Deal{
		ID:          id,
		ContentHash: contentHash,
		RawText:     rawText,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash, raw_text, status, last_error, extracted, created_at, updated_at
		 FROM deals WHERE id = ?`, id,
	)
	return scanDeal(row)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.DealStatus, lastError *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deals SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update deal status %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SetExtracted(ctx context.Context, id string, extracted *model.ExtractedDeal) error {
	payload, err := json.Marshal(extracted)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extracted")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE deals SET status = ?, extracted = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusCompleted), string(payload), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set extracted %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListDeals(ctx context.Context, limit int) ([]model.DealSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, extracted, created_at
		 FROM deals ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deals")
	}
	defer rows.Close()

	var out []model.DealSummary
	for rows.Next() {
		var (
			summary   model.DealSummary
			status    string
			extracted sql.NullString
		)
		if err := rows.Scan(&summary.ID, &status, &extracted, &summary.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deal summary")
		}
		parsed, err := model.ParseStatus(status)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list deals")
		}
		summary.Status = parsed
		if extracted.Valid {
			var e model.ExtractedDeal
			if err := json.Unmarshal([]byte(extracted.String), &e); err == nil {
				summary.CompanyName = e.CompanyName
			}
		}
		out = append(out, summary)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate deals")
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*model.Deal, error) {
	var (
		deal      model.Deal
		status    string
		lastError sql.NullString
		extracted sql.NullString
	)
	err := row.Scan(
		&deal.ID, &deal.ContentHash, &deal.RawText, &status,
		&lastError, &extracted, &deal.CreatedAt, &deal.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan deal")
	}

	deal.Status, err = model.ParseStatus(status)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan deal")
	}
	if lastError.Valid {
		deal.LastError = &lastError.String
	}
	if extracted.Valid {
		var e model.ExtractedDeal
		if err := json.Unmarshal([]byte(extracted.String), &e); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal extracted")
		}
		deal.Extracted = &e
	}
	return &deal, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
