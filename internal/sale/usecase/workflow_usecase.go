package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/openmint/mintwatch/internal/sale/domain"
)

// videoMimeType is what the renderer produces and the platform expects.
const videoMimeType = "video/mp4"

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	// DefaultCaptureFPS is assumed when a resumed sale has frames but the
	// recorded capture rate was lost.
	DefaultCaptureFPS float64
	// MediaUploadTTL bounds how long an uploaded media id may be reused.
	MediaUploadTTL time.Duration
	// RenderRootSelector locates the sale card root in produced HTML; a
	// checkpointed file missing it is treated as invalid and re-produced.
	RenderRootSelector string
}

// WorkflowUseCase drives a claimed sale through the six pipeline steps. Every
// step checkpoints its artifact before the next begins, so a crashed or
// requeued sale resumes where it left off instead of redoing completed work.
// The engine carries no retry or rate policy: errors, including the
// governor's limit error, propagate unmodified to the poller.
type WorkflowUseCase struct {
	config    WorkflowConfig
	saleRepo  SaleRepository
	html      HTMLProducer
	frames    FrameCapturer
	video     VideoRenderer
	metadata  MetadataFetcher
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorkflowUseCase creates a new WorkflowUseCase.
func NewWorkflowUseCase(
	config WorkflowConfig,
	saleRepo SaleRepository,
	html HTMLProducer,
	frames FrameCapturer,
	video VideoRenderer,
	metadata MetadataFetcher,
	publisher Publisher,
	logger *slog.Logger,
) *WorkflowUseCase {
	return &WorkflowUseCase{
		config:    config,
		saleRepo:  saleRepo,
		html:      html,
		frames:    frames,
		video:     video,
		metadata:  metadata,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Process runs the pipeline for one claimed sale.
func (u *WorkflowUseCase) Process(ctx context.Context, sale *domain.Sale) error {
	if err := u.ensureHTML(ctx, sale); err != nil {
		return err
	}
	if err := u.ensureFrames(ctx, sale); err != nil {
		return err
	}
	if err := u.ensureVideo(ctx, sale); err != nil {
		return err
	}
	if err := u.ensureMetadata(ctx, sale); err != nil {
		return err
	}
	if err := u.ensureMediaUpload(ctx, sale); err != nil {
		return err
	}
	return u.post(ctx, sale)
}

func (u *WorkflowUseCase) ensureHTML(ctx context.Context, sale *domain.Sale) error {
	if sale.HTMLPath != nil {
		if u.validHTML(*sale.HTMLPath) {
			return nil
		}
		u.logger.Warn("discarding invalid html checkpoint",
			slog.String("sale_id", sale.ID),
			slog.String("path", *sale.HTMLPath),
		)
		sale.HTMLPath = nil
	}

	if err := u.saleRepo.UpdateStatus(ctx, sale.ID, domain.StatusFetchingHTML); err != nil {
		return err
	}
	sale.Status = domain.StatusFetchingHTML

	path, err := u.html.Produce(ctx, sale.TokenID)
	if err != nil {
		return err
	}
	if err := u.saleRepo.SetHTMLPath(ctx, sale.ID, path); err != nil {
		return err
	}
	sale.HTMLPath = &path

	return nil
}

func (u *WorkflowUseCase) ensureFrames(ctx context.Context, sale *domain.Sale) error {
	if sale.FramesDir != nil {
		if u.validFrames(*sale.FramesDir) {
			if sale.CaptureFPS == nil {
				// Resumed from before the rate was recorded.
				fps := u.config.DefaultCaptureFPS
				if err := u.saleRepo.SetCaptureFPS(ctx, sale.ID, fps); err != nil {
					return err
				}
				sale.CaptureFPS = &fps
			}
			return nil
		}
		u.logger.Warn("discarding invalid frames checkpoint",
			slog.String("sale_id", sale.ID),
			slog.String("dir", *sale.FramesDir),
		)
		sale.FramesDir = nil
		sale.CaptureFPS = nil
	}

	if err := u.saleRepo.UpdateStatus(ctx, sale.ID, domain.StatusCapturingFrames); err != nil {
		return err
	}
	sale.Status = domain.StatusCapturingFrames

	dir, fps, err := u.frames.Capture(ctx, *sale.HTMLPath)
	if err != nil {
		return err
	}
	if err := u.saleRepo.SetFramesDir(ctx, sale.ID, dir); err != nil {
		return err
	}
	if err := u.saleRepo.SetCaptureFPS(ctx, sale.ID, fps); err != nil {
		return err
	}
	sale.FramesDir = &dir
	sale.CaptureFPS = &fps

	return nil
}

func (u *WorkflowUseCase) ensureVideo(ctx context.Context, sale *domain.Sale) error {
	if sale.VideoPath != nil {
		if u.validVideo(*sale.VideoPath) {
			return nil
		}
		u.logger.Warn("discarding invalid video checkpoint",
			slog.String("sale_id", sale.ID),
			slog.String("path", *sale.VideoPath),
		)
		sale.VideoPath = nil
	}

	if err := u.saleRepo.UpdateStatus(ctx, sale.ID, domain.StatusRenderingVideo); err != nil {
		return err
	}
	sale.Status = domain.StatusRenderingVideo

	path, err := u.video.Render(ctx, *sale.FramesDir, *sale.CaptureFPS)
	if err != nil {
		return err
	}
	if err := u.saleRepo.SetVideoPath(ctx, sale.ID, path); err != nil {
		return err
	}
	sale.VideoPath = &path

	return nil
}

func (u *WorkflowUseCase) ensureMetadata(ctx context.Context, sale *domain.Sale) error {
	if sale.MetadataJSON != nil {
		return nil
	}

	attrs, err := u.metadata.Fetch(ctx, sale.TokenID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	metadataJSON := string(raw)

	if err := u.saleRepo.SetMetadataJSON(ctx, sale.ID, metadataJSON); err != nil {
		return err
	}
	sale.MetadataJSON = &metadataJSON

	return nil
}

func (u *WorkflowUseCase) ensureMediaUpload(ctx context.Context, sale *domain.Sale) error {
	if sale.MediaID != nil {
		fresh := sale.MediaUploadedAt != nil &&
			u.now().Sub(*sale.MediaUploadedAt) < u.config.MediaUploadTTL
		if fresh {
			return nil
		}
		// The platform forgets uploads after a day; reusing a stale id
		// would fail the post.
		if err := u.saleRepo.ClearMediaUpload(ctx, sale.ID); err != nil {
			return err
		}
		sale.MediaID = nil
		sale.MediaUploadedAt = nil
	}

	if err := u.saleRepo.UpdateStatus(ctx, sale.ID, domain.StatusUploadingMedia); err != nil {
		return err
	}
	sale.Status = domain.StatusUploadingMedia

	mediaID, err := u.publisher.UploadMedia(ctx, *sale.VideoPath, videoMimeType)
	if err != nil {
		return err
	}

	uploadedAt := u.now()
	if err := u.saleRepo.SetMediaUpload(ctx, sale.ID, mediaID, uploadedAt); err != nil {
		return err
	}
	sale.MediaID = &mediaID
	sale.MediaUploadedAt = &uploadedAt

	return nil
}

func (u *WorkflowUseCase) post(ctx context.Context, sale *domain.Sale) error {
	if err := u.saleRepo.UpdateStatus(ctx, sale.ID, domain.StatusPosting); err != nil {
		return err
	}
	sale.Status = domain.StatusPosting

	text := domain.FormatPostText(sale, decodeAttrs(sale.MetadataJSON))

	result, err := u.publisher.Post(ctx, text, []string{*sale.MediaID})
	if err != nil {
		return err
	}

	postedText := result.Text
	if postedText == "" {
		postedText = text
	}

	postedAt := u.now()
	if err := u.saleRepo.MarkPosted(ctx, sale.ID, result.ID, postedText, postedAt); err != nil {
		return err
	}
	sale.Status = domain.StatusPosted
	sale.PostedAt = &postedAt

	u.logger.Info("sale posted",
		slog.String("sale_id", sale.ID),
		slog.String("tweet_id", result.ID),
		slog.Int("attempt_count", sale.AttemptCount),
	)

	return nil
}

func (u *WorkflowUseCase) validHTML(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close() //nolint:errcheck

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return false
	}

	return doc.Find(u.config.RenderRootSelector).Length() > 0
}

func (u *WorkflowUseCase) validFrames(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func (u *WorkflowUseCase) validVideo(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// decodeAttrs tolerates a missing or unreadable metadata checkpoint; the
// post falls back to the typed sale fields.
func decodeAttrs(metadataJSON *string) map[string]string {
	if metadataJSON == nil {
		return nil
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(*metadataJSON), &attrs); err != nil {
		return nil
	}
	return attrs
}
