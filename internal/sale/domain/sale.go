// Package domain defines the sale entity, its status state machine, and the
// typed ingestion boundary over raw feed payloads.
package domain

import "time"

// Status represents a sale's position in the posting pipeline.
type Status string

// Pipeline statuses. The machine is strictly forward-moving on the success
// path; any in-progress status may return to queued on retry. seen is a
// terminal bootstrap-only status that never transitions out.
const (
	StatusSeen            Status = "seen"
	StatusQueued          Status = "queued"
	StatusFetchingHTML    Status = "fetching_html"
	StatusCapturingFrames Status = "capturing_frames"
	StatusRenderingVideo  Status = "rendering_video"
	StatusUploadingMedia  Status = "uploading_media"
	StatusPosting         Status = "posting"
	StatusPosted          Status = "posted"
	StatusFailed          Status = "failed"
)

// ClaimableStatuses are the statuses a ready sale may be claimed from:
// queued plus every in-progress pipeline state (a crash mid-pipeline leaves
// the row claimable again, resumed via checkpoints).
var ClaimableStatuses = []Status{
	StatusQueued,
	StatusFetchingHTML,
	StatusCapturingFrames,
	StatusRenderingVideo,
	StatusUploadingMedia,
	StatusPosting,
}

// Terminal reports whether a sale in this status is eligible for pruning.
func (s Status) Terminal() bool {
	return s == StatusSeen || s == StatusPosted || s == StatusFailed
}

// Sale is one externally observed sale event, keyed by the feed's stable
// sale id. The raw payload is kept as an opaque blob for persistence and
// debugging; all typed fields are extracted once at ingestion and never
// re-parsed downstream.
type Sale struct {
	ID         string
	TokenID    string
	Collection string
	Price      float64
	Symbol     string
	Side       string
	Payload    string

	CreatedAt  *time.Time
	SeenAt     time.Time
	EnqueuedAt *time.Time
	PostingAt  *time.Time
	PostedAt   *time.Time

	Status        Status
	AttemptCount  int
	NextAttemptAt *time.Time

	// Checkpoints, each nil until the corresponding pipeline step completed.
	HTMLPath        *string
	FramesDir       *string
	VideoPath       *string
	CaptureFPS      *float64
	MediaID         *string
	MediaUploadedAt *time.Time
	MetadataJSON    *string

	TweetID   *string
	TweetText *string
}

// PostResult is the platform's record of a published post.
type PostResult struct {
	ID   string
	Text string
}
