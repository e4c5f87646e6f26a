// Package repository implements the durable sale queue and state machine
// over a relational store. All multi-statement operations expect to run
// inside a TxManager transaction; the claim's conditional write is the sole
// concurrency-safety mechanism and stays correct with multiple processes
// sharing the store.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/openmint/mintwatch/internal/database"
	apperrors "github.com/openmint/mintwatch/internal/errors"
	"github.com/openmint/mintwatch/internal/sale/domain"
)

// saleColumns is the canonical select list; scanSale must stay in sync.
const saleColumns = `id, token_id, collection, price, symbol, side, payload,
	created_at, seen_at, enqueued_at, posting_at, posted_at,
	status, attempt_count, next_attempt_at,
	html_path, frames_dir, video_path, capture_fps,
	media_id, media_uploaded_at, metadata_json,
	tweet_id, tweet_text`

// claimableFilter matches every status a ready sale may be claimed from.
// 'posting' is deliberately absent: the claim writes it, so once a claim
// commits no competing conditional update can match the row again. Rows
// stuck in posting after a crash belong to startup reconciliation, which
// requeues them before they become claimable.
const claimableFilter = `status IN ('queued', 'fetching_html', 'capturing_frames',
	'rendering_video', 'uploading_media')`

// PostgreSQLSaleRepository handles sale persistence for PostgreSQL.
type PostgreSQLSaleRepository struct {
	db *sql.DB
}

// NewPostgreSQLSaleRepository creates a new PostgreSQLSaleRepository.
func NewPostgreSQLSaleRepository(db *sql.DB) *PostgreSQLSaleRepository {
	return &PostgreSQLSaleRepository{
		db: db,
	}
}

// SeedSeen bulk inserts sales with status seen, skipping ids already
// present. Used only during bootstrap so a historical backlog is recorded
// without ever being posted. Returns the number of rows inserted.
func (r *PostgreSQLSaleRepository) SeedSeen(
	ctx context.Context,
	sales []*domain.Sale,
	seenAt time.Time,
) (int, error) {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO sales (id, token_id, collection, price, symbol, side, payload,
				  created_at, seen_at, status, attempt_count)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
			  ON CONFLICT (id) DO NOTHING`

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

// EnqueueNew inserts sales with status queued, skipping ids already present.
// Duplicate-id filtering runs first: an existing row is never re-classified.
// When cooldown is non-zero and another sale for the same token was posted
// within the window, the new sale is inserted as seen instead of queued, so
// rapidly re-traded tokens are recorded without being re-posted. Returns the
// number of rows actually inserted as queued.
func (r *PostgreSQLSaleRepository) EnqueueNew(
	ctx context.Context,
	sales []*domain.Sale,
	seenAt time.Time,
	cooldown time.Duration,
) (int, error) {
	querier := database.GetTx(ctx, r.db)

	insertQuery := `INSERT INTO sales (id, token_id, collection, price, symbol, side, payload,
						created_at, seen_at, enqueued_at, status, attempt_count)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
					ON CONFLICT (id) DO NOTHING`

	cooldownQuery := `SELECT EXISTS (
						  SELECT 1 FROM sales
						  WHERE token_id = $1 AND status = 'posted' AND posted_at > $2
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

// ClaimNextReady selects the oldest sale that is claimable and due, then
// atomically marks it posting with a conditional write re-checking the same
// filter. A zero-row update means another claimant won the race (or the row
// stopped qualifying) and is reported as errors.ErrNotFound; the caller
// decides whether to loop.
func (r *PostgreSQLSaleRepository) ClaimNextReady(ctx context.Context, now time.Time) (*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	selectQuery := `SELECT ` + saleColumns + `
					FROM sales
					WHERE ` + claimableFilter + `
					  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
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
				   SET status = 'posting', posting_at = $1
				   WHERE id = $2
					 AND ` + claimableFilter + `
					 AND (next_attempt_at IS NULL OR next_attempt_at <= $3)`

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
func (r *PostgreSQLSaleRepository) MarkPosted(
	ctx context.Context,
	saleID, tweetID, tweetText string,
	postedAt time.Time,
) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE sales
			  SET status = 'posted', tweet_id = $1, tweet_text = $2, posted_at = $3,
				  posting_at = NULL, next_attempt_at = NULL
			  WHERE id = $4`

	return execExpectingRow(ctx, querier, query, tweetID, tweetText, postedAt, saleID)
}

// RequeueAfterRateLimit pushes a rate-limited sale back to queued with the
// deferred attempt time, counting the spent attempt.
func (r *PostgreSQLSaleRepository) RequeueAfterRateLimit(
	ctx context.Context,
	saleID string,
	nextAttemptAt time.Time,
) error {
	return r.requeue(ctx, saleID, nextAttemptAt, true)
}

// ScheduleRetry pushes a failed sale back to queued with the computed
// backoff time, counting the failed attempt.
func (r *PostgreSQLSaleRepository) ScheduleRetry(
	ctx context.Context,
	saleID string,
	nextAttemptAt time.Time,
) error {
	return r.requeue(ctx, saleID, nextAttemptAt, true)
}

// RequeueStale pushes a sale stuck in posting back to queued after crash
// recovery found no matching published post. The interrupted run is not
// counted as a failed attempt.
func (r *PostgreSQLSaleRepository) RequeueStale(
	ctx context.Context,
	saleID string,
	nextAttemptAt time.Time,
) error {
	return r.requeue(ctx, saleID, nextAttemptAt, false)
}

func (r *PostgreSQLSaleRepository) requeue(
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
			  SET status = 'queued', posting_at = NULL, next_attempt_at = $1,
				  attempt_count = attempt_count + $2
			  WHERE id = $3`

	return execExpectingRow(ctx, querier, query, nextAttemptAt, increment, saleID)
}

// UpdateStatus records the sale's position in the pipeline. Idempotent
// single-column write used by the workflow engine as steps begin.
func (r *PostgreSQLSaleRepository) UpdateStatus(ctx context.Context, saleID string, status domain.Status) error {
	querier := database.GetTx(ctx, r.db)

	query := `UPDATE sales SET status = $1 WHERE id = $2`

	return execExpectingRow(ctx, querier, query, status, saleID)
}

// SetHTMLPath checkpoints the rendered HTML artifact.
func (r *PostgreSQLSaleRepository) SetHTMLPath(ctx context.Context, saleID, htmlPath string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET html_path = $1 WHERE id = $2`, htmlPath, saleID)
}

// SetFramesDir checkpoints the captured frames directory.
func (r *PostgreSQLSaleRepository) SetFramesDir(ctx context.Context, saleID, framesDir string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET frames_dir = $1 WHERE id = $2`, framesDir, saleID)
}

// SetVideoPath checkpoints the rendered video artifact.
func (r *PostgreSQLSaleRepository) SetVideoPath(ctx context.Context, saleID, videoPath string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET video_path = $1 WHERE id = $2`, videoPath, saleID)
}

// SetCaptureFPS checkpoints the measured capture rate.
func (r *PostgreSQLSaleRepository) SetCaptureFPS(ctx context.Context, saleID string, fps float64) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET capture_fps = $1 WHERE id = $2`, fps, saleID)
}

// SetMediaUpload checkpoints the uploaded media id with its upload time,
// from which the reuse TTL is computed.
func (r *PostgreSQLSaleRepository) SetMediaUpload(
	ctx context.Context,
	saleID, mediaID string,
	uploadedAt time.Time,
) error {
	querier := database.GetTx(ctx, r.db)
	query := `UPDATE sales SET media_id = $1, media_uploaded_at = $2 WHERE id = $3`
	return execExpectingRow(ctx, querier, query, mediaID, uploadedAt, saleID)
}

// ClearMediaUpload drops an expired media checkpoint so the upload re-runs.
func (r *PostgreSQLSaleRepository) ClearMediaUpload(ctx context.Context, saleID string) error {
	querier := database.GetTx(ctx, r.db)
	query := `UPDATE sales SET media_id = NULL, media_uploaded_at = NULL WHERE id = $1`
	return execExpectingRow(ctx, querier, query, saleID)
}

// SetMetadataJSON checkpoints the enrichment attributes.
func (r *PostgreSQLSaleRepository) SetMetadataJSON(ctx context.Context, saleID, metadataJSON string) error {
	querier := database.GetTx(ctx, r.db)
	return execExpectingRow(ctx, querier, `UPDATE sales SET metadata_json = $1 WHERE id = $2`, metadataJSON, saleID)
}

// ListStalePosting returns sales stuck in posting since before cutoff.
// Used once at startup by crash reconciliation.
func (r *PostgreSQLSaleRepository) ListStalePosting(ctx context.Context, cutoff time.Time) ([]*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + saleColumns + `
			  FROM sales
			  WHERE status = 'posting' AND posting_at IS NOT NULL AND posting_at <= $1
			  ORDER BY posting_at ASC`

	return querySales(ctx, querier, query, cutoff)
}

// PruneOld deletes terminal sales whose completion time is older than
// cutoff. Interval gating lives with the caller. Returns rows deleted.
func (r *PostgreSQLSaleRepository) PruneOld(ctx context.Context, cutoff time.Time) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	query := `DELETE FROM sales
			  WHERE status IN ('posted', 'failed', 'seen')
				AND COALESCE(posted_at, seen_at) < $1`

	result, err := querier.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetByID returns one sale, or errors.ErrNotFound.
func (r *PostgreSQLSaleRepository) GetByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`

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
func (r *PostgreSQLSaleRepository) ListRecent(ctx context.Context, limit int) ([]*domain.Sale, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT ` + saleColumns + `
			  FROM sales
			  ORDER BY seen_at DESC, id DESC
			  LIMIT $1`

	return querySales(ctx, querier, query, limit)
}

// execExpectingRow runs an update that must match an existing sale and maps
// a zero-row result to errors.ErrNotFound.
func execExpectingRow(ctx context.Context, querier database.Querier, query string, args ...any) error {
	result, err := querier.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func querySales(ctx context.Context, querier database.Querier, query string, args ...any) ([]*domain.Sale, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var sales []*domain.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sales, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var createdAt, enqueuedAt, postingAt, postedAt, mediaUploadedAt, nextAttemptAt sql.NullTime
	var htmlPath, framesDir, videoPath, mediaID, metadataJSON, tweetID, tweetText sql.NullString
	var captureFPS sql.NullFloat64

	err := row.Scan(
		&sale.ID, &sale.TokenID, &sale.Collection, &sale.Price, &sale.Symbol, &sale.Side, &sale.Payload,
		&createdAt, &sale.SeenAt, &enqueuedAt, &postingAt, &postedAt,
		&sale.Status, &sale.AttemptCount, &nextAttemptAt,
		&htmlPath, &framesDir, &videoPath, &captureFPS,
		&mediaID, &mediaUploadedAt, &metadataJSON,
		&tweetID, &tweetText,
	)
	if err != nil {
		return nil, err
	}

	sale.CreatedAt = timePtr(createdAt)
	sale.EnqueuedAt = timePtr(enqueuedAt)
	sale.PostingAt = timePtr(postingAt)
	sale.PostedAt = timePtr(postedAt)
	sale.NextAttemptAt = timePtr(nextAttemptAt)
	sale.MediaUploadedAt = timePtr(mediaUploadedAt)
	sale.HTMLPath = stringPtr(htmlPath)
	sale.FramesDir = stringPtr(framesDir)
	sale.VideoPath = stringPtr(videoPath)
	sale.MediaID = stringPtr(mediaID)
	sale.MetadataJSON = stringPtr(metadataJSON)
	sale.TweetID = stringPtr(tweetID)
	sale.TweetText = stringPtr(tweetText)
	if captureFPS.Valid {
		sale.CaptureFPS = &captureFPS.Float64
	}

	return &sale, nil
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
