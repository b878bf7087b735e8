// Package progress maintains the pipeline progress projection: an
// append-updated read model written alongside orchestrator transitions and
// polled by clients every couple of seconds.
package progress

import (
	"context"
	"errors"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/tenant"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Projection writes and reads PipelineProgress rows in the tenant
// database.
type Projection struct {
	db *gorm.DB
}

// NewProjection creates a projection over a tenant database handle.
func NewProjection(db *gorm.DB) *Projection {
	return &Projection{db: db}
}

// Upsert writes the projection row for a job, keyed by job id.
func (p *Projection) Upsert(ctx context.Context, row *model.PipelineProgress) error {
	if _, err := tenant.FromContext(ctx); err != nil {
		return err
	}
	row.UpdatedAt = time.Now()
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"stage_count", "completed_stages", "percentage_complete",
				"current_stage_name", "status", "updated_at",
			}),
		}).
		Create(row).Error
}

// ByJob returns the projection row for a job, or nil when none exists yet.
func (p *Projection) ByJob(ctx context.Context, jobID uint) (*model.PipelineProgress, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	var row model.PipelineProgress
	err := p.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Snapshot computes the projection values for a job without persisting
// them. The orchestrator uses it to build the row it upserts after every
// transition.
func Snapshot(job *model.DocumentJob) *model.PipelineProgress {
	stageCount := len(job.PipelineSnapshot.Processors)
	completed := job.CurrentStepIndex
	if completed > stageCount {
		completed = stageCount
	}

	percentage := 0
	if stageCount > 0 {
		percentage = completed * 100 / stageCount
	}

	currentStage := ""
	if job.State == model.JobCompleted {
		percentage = 100
	} else if completed < stageCount {
		currentStage = job.PipelineSnapshot.Processors[completed].ID
	}

	return &model.PipelineProgress{
		JobID:              job.ID,
		StageCount:         stageCount,
		CompletedStages:    completed,
		PercentageComplete: percentage,
		CurrentStageName:   currentStage,
		Status:             job.State,
	}
}
