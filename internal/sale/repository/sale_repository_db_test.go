package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openmint/mintwatch/internal/errors"
	"github.com/openmint/mintwatch/internal/sale/domain"
	"github.com/openmint/mintwatch/internal/testutil"
)

// Two claims against one ready sale: the first wins, the second must see an
// empty queue. The claimed row moves to posting, which the claim filter
// excludes, so a competing claimant can neither re-read nor re-update it.
func TestPostgreSQLSaleRepository_ClaimNextReady_SingleWinner(t *testing.T) {
	testutil.SkipIfNoPostgres(t)

	db := testutil.SetupPostgresDB(t)
	defer testutil.TeardownDB(t, db)
	defer testutil.CleanupPostgresDB(t, db)

	repo := NewPostgreSQLSaleRepository(db)
	ctx := context.Background()
	saleID := testutil.CreateTestSale(t, db, "postgres", "42")
	now := time.Now().UTC()

	first, err := repo.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, saleID, first.ID)
	assert.Equal(t, domain.StatusPosting, first.Status)

	_, err = repo.ClaimNextReady(ctx, now)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	// The winner's claim is still intact.
	stored, err := repo.GetByID(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosting, stored.Status)
	require.NotNil(t, stored.PostingAt)
}

func TestMySQLSaleRepository_ClaimNextReady_SingleWinner(t *testing.T) {
	testutil.SkipIfNoMySQL(t)

	db := testutil.SetupMySQLDB(t)
	defer testutil.TeardownDB(t, db)
	defer testutil.CleanupMySQLDB(t, db)

	repo := NewMySQLSaleRepository(db)
	ctx := context.Background()
	saleID := testutil.CreateTestSale(t, db, "mysql", "42")
	now := time.Now().UTC()

	first, err := repo.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, saleID, first.ID)

	_, err = repo.ClaimNextReady(ctx, now)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
