package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/openmint/mintwatch/internal/database"
	apperrors "github.com/openmint/mintwatch/internal/errors"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

// MySQLSaleRepository handles sale persistence for MySQL.
type MySQLSaleRepository struct {
	db *sql.DB
}

// NewMySQLSaleRepository creates a new MySQLSaleRepository.
func NewMySQLSaleRepository(db *sql.DB) *MySQLSaleRepository {
	return &MySQLSaleRepository{
		db: db,
	}
}

// SeedSeen bulk inserts sales with status seen, skipping ids already
// present. Returns the number of rows inserted.
func (r *MySQLSaleRepository) SeedSeen(
	ctx context.Context,
	sales []*domain.Sale,
	seenAt time.Time,
) (int, error) {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT IGNORE INTO sales (id, token_id, collection, price, symbol, side, payload,
				  created_at, seen_at, status, attempt_count)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	inserted := 0
	for _, sale := range sales {
		result, err := querier.ExecContext(ctx, query,
			sale.ID, sale.TokenID, sale.Collection, sale.Price, sale.Symbol, sale.Side,
			sale.Payload, sale.CreatedAt, seenAt, domain.StatusSeen)
		if err != nil {
			return 0, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(affected)
	}

	return inserted, nil
}

// EnqueueNew inserts sales with status queued, skipping ids already present
// and suppressing tokens posted within the cooldown window. Returns the
// number of rows actually inserted as queued.
func (r *MySQLSaleRepository) EnqueueNew(
	ctx context.Context,
	sales []*domain.Sale,
	seenAt time.Time,
	cooldown time.Duration,
) (int, error) {
	querier := database.GetTx(ctx, r.db)

	insertQuery := `INSERT IGNORE INTO sales (id, token_id, collection, price, symbol, side, payload,
						created_at, seen_at, enqueued_at, status, attempt_count)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

	cooldownQuery := `SELECT EXISTS (
						  SELECT 1 FROM sales
						  WHERE token_id = ? AND status = 'posted' AND posted_at > ?
					  )`

	queued := 0
	for _, sale := range sales {
		status := domain.StatusQueued
		var enqueuedAt *time.Time

		if cooldown > 0 {
			var suppressed bool
			cutoff := seenAt.Add(-cooldown)
			if err := querier.QueryRowContext(ctx, cooldownQuery, sale.TokenID, cutoff).Scan(&suppressed); err != nil {
				return 0, err
			}
			if suppressed {
				status = domain.StatusSeen
			}
		}
		if status == domain.StatusQueued {
			enqueuedAt = &seenAt
		}

		result, err := querier.ExecContext(ctx, insertQuery,
			sale.ID, sale.TokenID, sale.Collection, sale.Price, sale.Symbol, sale.Side,
			sale.Payload, sale.CreatedAt, seenAt, enqueuedAt, status)
		if err != nil {
			return 0, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected > 0 && status == domain.StatusQueued {
			queued++
		}
	}

	return queued, nil
}

// ClaimNextReady selects the oldest ready sale, then atomically marks it
// posting with a conditional write re-checking the claim filter. Zero rows
// updated is reported as errors.ErrNotFound.
func (r *MySQLSaleRepository) ClaimNextReady(ctx context.Context, now time.Time) (*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	selectQuery := `SELECT ` + saleColumns + `
					FROM sales
					WHERE ` + claimableFilter + `
					  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
					ORDER BY COALESCE(enqueued_at, seen_at) ASC
					LIMIT 1`

	sale, err := scanSale(querier.QueryRowContext(ctx, selectQuery, now))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	claimQuery := `UPDATE sales
				   SET status = 'posting', posting_at = ?
				   WHERE id = ?
					 AND ` + claimableFilter + `
					 AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`

	result, err := querier.ExecContext(ctx, claimQuery, now, sale.ID, now)
	if err != nil {
		return nil, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, apperrors.ErrNotFound
	}

	sale.Status = domain.StatusPosting
	sale.PostingAt = &now

	return sale, nil
}

// MarkPosted records the successful outcome and moves the sale to its
// terminal posted status.
func (r *MySQLSaleRepository) MarkPosted(
	ctx context.Context,
	saleID, tweetID, tweetText string,
	postedAt time.Time,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE sales
			  SET status = 'posted', tweet_id = ?, tweet_text = ?, posted_at = ?,
				  posting_at = NULL, next_attempt_at = NULL
			  WHERE id = ?`

	return execExpectingRow(ctx, querier, query, tweetID, tweetText, postedAt, saleID)
}

// RequeueAfterRateLimit pushes a rate-limited sale back to queued with the
// deferred attempt time, counting the spent attempt.
func (r *MySQLSaleRepository) RequeueAfterRateLimit(
	ctx context.Context,
	saleID string,
	nextAttemptAt time.Time,
) error {
	return r.requeue(ctx, saleID, nextAttemptAt, true)
}

// ScheduleRetry pushes a failed sale back to queued with the computed
// backoff time, counting the failed attempt.
func (r *MySQLSaleRepository) ScheduleRetry(
	ctx context.Context,
	saleID string,
	nextAttemptAt time.Time,
) error {
	return r.requeue(ctx, saleID, nextAttemptAt, true)
}

// RequeueStale pushes a sale stuck in posting back to queued after crash
// recovery found no matching published post.
func (r *MySQLSaleRepository) RequeueStale(
	ctx context.Context,
	saleID string,
	nextAttemptAt time.Time,
) error {
	return r.requeue(ctx, saleID, nextAttemptAt, false)
}

func (r *MySQLSaleRepository) requeue(
	ctx context.Context,
	saleID string,
	nextAttemptAt time.Time,
	countAttempt bool,
) error {
	querier := database.GetTx(ctx, r.db)

	increment := 0
	if countAttempt {
		increment = 1
	}

	query := `UPDATE sales
			  SET status = 'queued', posting_at = NULL, next_attempt_at = ?,
				  attempt_count = attempt_count + ?
			  WHERE id = ?`

	return execExpectingRow(ctx, querier, query, nextAttemptAt, increment, saleID)
}

// UpdateStatus records the sale's position in the pipeline.
func (r *MySQLSaleRepository) UpdateStatus(ctx context.Context, saleID string, status domain.Status) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE sales SET status = ? WHERE id = ?`

	return execExpectingRow(ctx, querier, query, status, saleID)
}

// SetHTMLPath checkpoints the rendered HTML artifact.
func (r *MySQLSaleRepository) SetHTMLPath(ctx context.Context, saleID, htmlPath string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET html_path = ? WHERE id = ?`, htmlPath, saleID)
}

// SetFramesDir checkpoints the captured frames directory.
func (r *MySQLSaleRepository) SetFramesDir(ctx context.Context, saleID, framesDir string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET frames_dir = ? WHERE id = ?`, framesDir, saleID)
}

// SetVideoPath checkpoints the rendered video artifact.
func (r *MySQLSaleRepository) SetVideoPath(ctx context.Context, saleID, videoPath string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET video_path = ? WHERE id = ?`, videoPath, saleID)
}

// SetCaptureFPS checkpoints the measured capture rate.
func (r *MySQLSaleRepository) SetCaptureFPS(ctx context.Context, saleID string, fps float64) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET capture_fps = ? WHERE id = ?`, fps, saleID)
}

// SetMediaUpload checkpoints the uploaded media id with its upload time.
func (r *MySQLSaleRepository) SetMediaUpload(
	ctx context.Context,
	saleID, mediaID string,
	uploadedAt time.Time,
) error {
	querier := database.GetTx(ctx, r.db)
	query := `UPDATE sales SET media_id = ?, media_uploaded_at = ? WHERE id = ?`
	return execExpectingRow(ctx, querier, query, mediaID, uploadedAt, saleID)
}

// ClearMediaUpload drops an expired media checkpoint so the upload re-runs.
func (r *MySQLSaleRepository) ClearMediaUpload(ctx context.Context, saleID string) error {
	querier := database.GetTx(ctx, r.db)
	query := `UPDATE sales SET media_id = NULL, media_uploaded_at = NULL WHERE id = ?`
	return execExpectingRow(ctx, querier, query, saleID)
}

// SetMetadataJSON checkpoints the enrichment attributes.
func (r *MySQLSaleRepository) SetMetadataJSON(ctx context.Context, saleID, metadataJSON string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET metadata_json = ? WHERE id = ?`, metadataJSON, saleID)
}

// ListStalePosting returns sales stuck in posting since before cutoff.
func (r *MySQLSaleRepository) ListStalePosting(ctx context.Context, cutoff time.Time) ([]*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + saleColumns + `
			  FROM sales
			  WHERE status = 'posting' AND posting_at IS NOT NULL AND posting_at <= ?
			  ORDER BY posting_at ASC`

	return querySales(ctx, querier, query, cutoff)
}

// PruneOld deletes terminal sales whose completion time is older than
// cutoff. Returns rows deleted.
func (r *MySQLSaleRepository) PruneOld(ctx context.Context, cutoff time.Time) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `DELETE FROM sales
			  WHERE status IN ('posted', 'failed', 'seen')
				AND COALESCE(posted_at, seen_at) < ?`

	result, err := querier.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetByID returns one sale, or errors.ErrNotFound.
func (r *MySQLSaleRepository) GetByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = ?`

	sale, err := scanSale(querier.QueryRowContext(ctx, query, saleID))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return sale, nil
}

// ListRecent returns the most recently seen sales, newest first.
func (r *MySQLSaleRepository) ListRecent(ctx context.Context, limit int) ([]*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + saleColumns + `
			  FROM sales
			  ORDER BY seen_at DESC, id DESC
			  LIMIT ?`

	return querySales(ctx, querier, query, limit)
}
