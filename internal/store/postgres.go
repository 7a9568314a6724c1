package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dealbrief/internal/db"
	"github.com/sells-group/dealbrief/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS deals (
	id           TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL UNIQUE,
	raw_text     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	last_error   TEXT,
	extracted    JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);
CREATE INDEX IF NOT EXISTS idx_deals_created_at ON deals(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateDeal(ctx context.Context, rawText, contentHash string) (*model.Deal, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO deals (id, content_hash, raw_text, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (content_hash) DO NOTHING`,
		id, contentHash, rawText, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert deal")
	}
	if tag.RowsAffected() == 0 {
		var existingID string
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM deals WHERE content_hash = $1`, contentHash,
		).Scan(&existingID)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: lookup existing deal")
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

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	var (
		deal      model.Deal
		status    string
		lastError *string
		extracted []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, content_hash, raw_text, status, last_error, extracted, created_at, updated_at
		 FROM deals WHERE id = $1`, id,
	).Scan(
		&deal.ID, &deal.ContentHash, &deal.RawText, &status,
		&lastError, &extracted, &deal.CreatedAt, &deal.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get deal %s", id)
	}

	deal.Status, err = model.ParseStatus(status)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get deal")
	}
	deal.LastError = lastError
	if len(extracted) > 0 {
		var e model.ExtractedDeal
		if err := json.Unmarshal(extracted, &e); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal extracted")
		}
		deal.Extracted = &e
	}
	return &deal, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status model.DealStatus, lastError *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deals SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update deal status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetExtracted(ctx context.Context, id string, extracted *model.ExtractedDeal) error {
	payload, err := json.Marshal(extracted)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extracted")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE deals SET status = $1, extracted = $2, updated_at = $3 WHERE id = $4`,
		string(model.StatusCompleted), payload, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set extracted %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDeals(ctx context.Context, limit int) ([]model.DealSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, extracted, created_at
		 FROM deals ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deals")
	}
	defer rows.Close()

	var out []model.DealSummary
	for rows.Next() {
		var (
			summary   model.DealSummary
			status    string
			extracted []byte
		)
		if err := rows.Scan(&summary.ID, &status, &extracted, &summary.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deal summary")
		}
		parsed, err := model.ParseStatus(status)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list deals")
		}
		summary.Status = parsed
		if len(extracted) > 0 {
			var e model.ExtractedDeal
			if err := json.Unmarshal(extracted, &e); err == nil {
				summary.CompanyName = e.CompanyName
			}
		}
		out = append(out, summary)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate deals")
}
