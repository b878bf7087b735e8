package api

import (
	"context"
	"net/http"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/progress"
	"github.com/labstack/echo/v4"
)

// ProgressResponse is the polling read model for one document.
type ProgressResponse struct {
	Status             string    `json:"status"`
	PercentageComplete int       `json:"percentage_complete"`
	StageCount         int       `json:"stage_count"`
	CompletedStages    int       `json:"completed_stages"`
	CurrentStage       string    `json:"current_stage,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ProcessorInfo names the processor behind one metrics row.
type ProcessorInfo struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// MetricsEntry is one completed or attempted step of a document's job.
type MetricsEntry struct {
	ProcessorID string        `json:"processor_id"`
	Processor   ProcessorInfo `json:"processor"`
	DurationMs  int64         `json:"duration_ms"`
	Status      string        `json:"status"`
	CompletedAt *time.Time    `json:"completed_at"`
}

// Progress reports pipeline progress for a document by its public uuid.
func (s *Server) Progress(c echo.Context) error {
	uuid := c.Param("uuid")

	var resp ProgressResponse
	err := s.withTenant(c, func(ctx context.Context, repos Repos) error {
		job, err := s.jobByDocumentUUID(ctx, repos, uuid)
		if err != nil {
			return err
		}

		row, err := repos.Progress.ByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if row == nil {
			// The projection lags the first transition; derive it.
			row = progress.Snapshot(job)
		}

		resp = ProgressResponse{
			Status:             row.Status,
			PercentageComplete: row.PercentageComplete,
			StageCount:         row.StageCount,
			CompletedStages:    row.CompletedStages,
			CurrentStage:       row.CurrentStageName,
			UpdatedAt:          row.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Metrics lists per-step execution metrics for a document by its public
// uuid, ordered as the steps ran.
func (s *Server) Metrics(c echo.Context) error {
	uuid := c.Param("uuid")

	entries := []MetricsEntry{}
	err := s.withTenant(c, func(ctx context.Context, repos Repos) error {
		job, err := s.jobByDocumentUUID(ctx, repos, uuid)
		if err != nil {
			return err
		}

		execs, err := repos.Executions.ListByJob(ctx, job.ID)
		if err != nil {
			return err
		}

		stepTypes := map[string]string{}
		for _, step := range job.PipelineSnapshot.Processors {
			stepTypes[step.ID] = step.Type
		}

		for _, exec := range execs {
			info := ProcessorInfo{Name: stepTypes[exec.StepID]}
			if desc, err := s.registry.Describe(stepTypes[exec.StepID]); err == nil {
				info = ProcessorInfo{Name: desc.Name, Category: desc.Category}
			}
			entries = append(entries, MetricsEntry{
				ProcessorID: exec.StepID,
				Processor:   info,
				DurationMs:  exec.DurationMs,
				Status:      exec.State,
				CompletedAt: exec.CompletedAt,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) jobByDocumentUUID(ctx context.Context, repos Repos, uuid string) (*model.DocumentJob, error) {
	doc, err := repos.Documents.ByUUID(ctx, uuid)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	job, err := repos.Jobs.ByDocument(ctx, doc.ID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "document has no job")
	}
	return job, nil
}
