package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealbrief/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateDeal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO deals`).
		WithArgs(pgxmock.AnyArg(), "hash-1", "raw text", "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	deal, err := s.CreateDeal(context.Background(), "raw text", "hash-1")
	require.NoError(t, err)
	assert.NotEmpty(t, deal.ID)
	assert.Equal(t, model.StatusPending, deal.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDeal_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO deals`).
		WithArgs(pgxmock.AnyArg(), "hash-1", "raw text", "pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id FROM deals WHERE content_hash = \$1`).
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	_, err := s.CreateDeal(context.Background(), "raw text", "hash-1")
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "existing-id", dup.ExistingID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDeal_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, content_hash, raw_text, status, last_error, extracted, created_at, updated_at FROM deals WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDeal(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDeal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	extracted, err := json.Marshal(&model.ExtractedDeal{
		CompanyName:     "Acme Corp",
		InvestmentBrief: []string{"bullet"},
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, content_hash, raw_text, status, last_error, extracted, created_at, updated_at FROM deals WHERE id = \$1`).
		WithArgs("deal-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "content_hash", "raw_text", "status", "last_error", "extracted", "created_at", "updated_at",
		}).AddRow("deal-1", "hash-1", "raw text", "completed", (*string)(nil), extracted, now, now))

	deal, err := s.GetDeal(context.Background(), "deal-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, deal.Status)
	require.NotNil(t, deal.Extracted)
	assert.Equal(t, "Acme Corp", deal.Extracted.CompanyName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE deals SET status = \$1, last_error = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("extracting", (*string)(nil), pgxmock.AnyArg(), "nonexistent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateStatus(context.Background(), "nonexistent", model.StatusExtracting, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetExtracted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE deals SET status = \$1, extracted = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("completed", pgxmock.AnyArg(), pgxmock.AnyArg(), "deal-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetExtracted(context.Background(), "deal-1", &model.ExtractedDeal{
		CompanyName:     "Acme Corp",
		InvestmentBrief: []string{"bullet"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDeals(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, status, extracted, created_at FROM deals ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "extracted", "created_at"}).
			AddRow("deal-2", "pending", []byte(nil), now).
			AddRow("deal-1", "failed", []byte(nil), now.Add(-time.Minute)))

	deals, err := s.ListDeals(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, "deal-2", deals[0].ID)
	assert.Equal(t, model.StatusFailed, deals[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
