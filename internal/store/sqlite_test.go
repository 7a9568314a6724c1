package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealbrief/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_CreateDeal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	deal, err := st.CreateDeal(ctx, "Acme Corp raised $2M seed", "hash-1")
	require.NoError(t, err)
	assert.NotEmpty(t, deal.ID)
	assert.Equal(t, model.StatusPending, deal.Status)
	assert.Equal(t, "hash-1", deal.ContentHash)
	assert.Nil(t, deal.Extracted)
	assert.Nil(t, deal.LastError)
}

func TestSQLite_CreateDeal_Duplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.CreateDeal(ctx, "Acme Corp raised $2M seed", "hash-1")
	require.NoError(t, err)

	_, err = st.CreateDeal(ctx, "Acme Corp raised $2M seed", "hash-1")
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
}

func TestSQLite_CreateDeal_ConcurrentIdentical(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const n = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		createdID  string
		created    int
		conflicts  []string
		unexpected []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deal, err := st.CreateDeal(ctx, "same text", "same-hash")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
				createdID = deal.ID
				return
			}
			var dup *DuplicateError
			if errors.As(err, &dup) {
				conflicts = append(conflicts, dup.ExistingID)
				return
			}
			unexpected = append(unexpected, err)
		}()
	}
	wg.Wait()

	require.Empty(t, unexpected)
	assert.Equal(t, 1, created, "exactly one submission may create")
	assert.Len(t, conflicts, n-1)
	for _, id := range conflicts {
		assert.Equal(t, createdID, id)
	}
}

func TestSQLite_GetDeal_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetDeal(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpdateStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	deal, err := st.CreateDeal(ctx, "text", "hash-1")
	require.NoError(t, err)

	require.NoError(t, st.UpdateStatus(ctx, deal.ID, model.StatusExtracting, nil))

	got, err := st.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtracting, got.Status)
	assert.Nil(t, got.LastError)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))
}

func TestSQLite_UpdateStatus_Failed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	deal, err := st.CreateDeal(ctx, "text", "hash-1")
	require.NoError(t, err)

	reason := "model call failed: timeout"
	require.NoError(t, st.UpdateStatus(ctx, deal.ID, model.StatusFailed, &reason))

	got, err := st.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, reason, *got.LastError)
}

func TestSQLite_UpdateStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateStatus(context.Background(), "nonexistent", model.StatusExtracting, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_SetExtracted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	deal, err := st.CreateDeal(ctx, "text", "hash-1")
	require.NoError(t, err)

	extracted := &model.ExtractedDeal{
		CompanyName:     "Acme Corp",
		Founders:        []string{"Jane Doe"},
		RoundSize:       "$2M",
		Metrics:         map[string]string{"arr": "$500k"},
		InvestmentBrief: []string{"strong team", "growing market"},
		Tags:            []string{"Seed"},
	}
	require.NoError(t, st.SetExtracted(ctx, deal.ID, extracted))

	got, err := st.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.Extracted)
	assert.Equal(t, extracted, got.Extracted)
}

func TestSQLite_ExtractedNonNullOnlyWhenCompleted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	deal, err := st.CreateDeal(ctx, "text", "hash-1")
	require.NoError(t, err)

	for _, status := range []model.DealStatus{model.StatusExtracting, model.StatusValidating} {
		require.NoError(t, st.UpdateStatus(ctx, deal.ID, status, nil))
		got, err := st.GetDeal(ctx, deal.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Extracted, "extracted must be nil in %s", status)
	}
}

func TestSQLite_ListDeals(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, text := range []string{"first deal", "second deal", "third deal"} {
		_, err := st.CreateDeal(ctx, text, text)
		require.NoError(t, err, "deal %d", i)
	}

	deals, err := st.ListDeals(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, deals, 2)

	all, err := st.ListDeals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].CreatedAt.Before(all[i].CreatedAt), "newest first")
	}
}

func TestSQLite_ListDeals_CompanyNameFromExtracted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	deal, err := st.CreateDeal(ctx, "text", "hash-1")
	require.NoError(t, err)
	require.NoError(t, st.SetExtracted(ctx, deal.ID, &model.ExtractedDeal{
		CompanyName:     "Acme Corp",
		InvestmentBrief: []string{"bullet"},
	}))

	deals, err := st.ListDeals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, "Acme Corp", deals[0].CompanyName)
	assert.Equal(t, model.StatusCompleted, deals[0].Status)
}
