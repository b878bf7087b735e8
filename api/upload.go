package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/storage"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// defaultMimeTypes applies when a campaign does not restrict uploads
// itself.
var defaultMimeTypes = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"image/tiff",
	"text/plain",
	"text/csv",
}

// UploadResponse is returned on a successful document upload.
type UploadResponse struct {
	DocumentUUID string `json:"document_uuid"`
	JobUUID      string `json:"job_uuid"`
	State        string `json:"state"`
}

// Upload accepts a multipart document for a campaign, persists it and
// enqueues the first pipeline step.
func (s *Server) Upload(c echo.Context) error {
	t, err := s.resolveTenant(c)
	if err != nil {
		return err
	}
	slug := c.Param("slug")

	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}

	var resp UploadResponse
	err = s.binder.WithTenant(c.Request().Context(), t, func(ctx context.Context, db *gorm.DB) error {
		repos := s.repos(db)

		campaign, err := repos.Campaigns.BySlug(ctx, slug)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("campaign %q not found", slug))
		}
		if campaign.State != model.CampaignActive {
			return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("campaign %q is %s, not active", slug, campaign.State))
		}

		if campaign.MaxFileSizeBytes > 0 && file.Size > campaign.MaxFileSizeBytes {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf(
				"file is %s, campaign limit is %s",
				humanize.Bytes(uint64(file.Size)), humanize.Bytes(uint64(campaign.MaxFileSizeBytes))))
		}

		mimeType := file.Header.Get(echo.HeaderContentType)
		if !mimeAllowed(campaign, mimeType) {
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, fmt.Sprintf("mime type %q is not accepted", mimeType))
		}

		src, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open upload: %w", err)
		}
		defer src.Close()
		content, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("failed to read upload: %w", err)
		}
		digest := sha256.Sum256(content)

		now := time.Now()
		doc := &model.Document{
			UUID:             uuid.NewString(),
			CampaignID:       campaign.ID,
			OriginalFilename: file.Filename,
			MimeType:         mimeType,
			SizeBytes:        int64(len(content)),
			SHA256Hash:       hex.EncodeToString(digest[:]),
			StorageDisk:      s.disk,
			State:            model.DocumentPending,
			UploadedBy:       c.Request().Header.Get("X-User-ID"),
		}
		if err := repos.Documents.Create(ctx, doc); err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}

		key := storage.ObjectKey(t.ID, doc.ID, file.Filename, now)
		if err := s.store.Write(ctx, key, content); err != nil {
			return fmt.Errorf("failed to store document: %w", err)
		}
		doc.StoragePath = key
		if err := repos.Documents.Save(ctx, doc); err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}

		job := &model.DocumentJob{
			UUID:             uuid.NewString(),
			DocumentID:       doc.ID,
			CampaignID:       campaign.ID,
			State:            model.JobPending,
			PipelineSnapshot: campaign.PipelineConfig,
			MaxAttempts:      model.DefaultMaxAttempts,
		}
		if err := repos.Jobs.Create(ctx, job); err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		if _, err := repos.Documents.Transition(ctx, doc, model.DocumentQueued); err != nil {
			return fmt.Errorf("failed to queue document: %w", err)
		}
		if err := repos.Audit.RecordTransition(ctx, "Document", doc.ID, model.DocumentPending, model.DocumentQueued); err != nil {
			s.log.Warnf("audit write failed: %v", err)
		}
		if _, err := repos.Jobs.Transition(ctx, job, model.JobQueued); err != nil {
			return fmt.Errorf("failed to queue job: %w", err)
		}
		if err := repos.Audit.RecordTransition(ctx, "DocumentJob", job.ID, model.JobPending, model.JobQueued); err != nil {
			s.log.Warnf("audit write failed: %v", err)
		}

		if err := repos.Usage.Record(ctx, &model.UsageEvent{
			Type:       "upload",
			Units:      doc.SizeBytes,
			CampaignID: &campaign.ID,
			DocumentID: &doc.ID,
			JobID:      &job.ID,
		}); err != nil {
			s.log.Warnf("usage write failed: %v", err)
		}

		if err := s.enqueuer.EnqueueStep(ctx, t.ID, job.ID, 0, 0, 0); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}

		s.log.WithField("tenant", t.Slug).
			WithField("campaign", campaign.Slug).
			WithField("document", doc.UUID).
			Info("document accepted")

		resp = UploadResponse{DocumentUUID: doc.UUID, JobUUID: job.UUID, State: model.DocumentQueued}
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

func mimeAllowed(campaign *model.Campaign, mimeType string) bool {
	allowed := []string(campaign.AllowedMimeTypes)
	if len(allowed) == 0 {
		allowed = defaultMimeTypes
	}
	for _, m := range allowed {
		if m == mimeType {
			return true
		}
	}
	return false
}
