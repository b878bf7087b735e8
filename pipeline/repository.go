package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/statemachine"
	"github.com/docuflow/docuflow/tenant"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a pipeline entity does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateExecution is returned when an execution with the same
// (job_id, step_id, attempt) key already exists. Callers treat it as the
// idempotency signal, not as a failure.
var ErrDuplicateExecution = errors.New("execution already recorded")

// JobRepository persists document jobs. Transition applies a guarded,
// conditional state change: it returns false without error when another
// writer moved the row first.
type JobRepository interface {
	Create(ctx context.Context, job *model.DocumentJob) error
	ByID(ctx context.Context, id uint) (*model.DocumentJob, error)
	ByUUID(ctx context.Context, uuid string) (*model.DocumentJob, error)
	ByDocument(ctx context.Context, documentID uint) (*model.DocumentJob, error)
	Transition(ctx context.Context, job *model.DocumentJob, to string) (bool, error)
	Save(ctx context.Context, job *model.DocumentJob) error
}

// DocumentRepository persists documents.
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	ByID(ctx context.Context, id uint) (*model.Document, error)
	ByUUID(ctx context.Context, uuid string) (*model.Document, error)
	Transition(ctx context.Context, doc *model.Document, to string) (bool, error)
	Save(ctx context.Context, doc *model.Document) error
}

// ExecutionRepository persists processor executions.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *model.ProcessorExecution) error
	ByKey(ctx context.Context, jobID uint, stepID string, attempt int) (*model.ProcessorExecution, error)
	Transition(ctx context.Context, exec *model.ProcessorExecution, to string) (bool, error)
	Save(ctx context.Context, exec *model.ProcessorExecution) error
	ListByJob(ctx context.Context, jobID uint) ([]model.ProcessorExecution, error)
}

// CampaignRepository persists campaigns.
type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign) error
	ByID(ctx context.Context, id uint) (*model.Campaign, error)
	BySlug(ctx context.Context, slug string) (*model.Campaign, error)
}

// ProcessorCatalog reads registered processor rows, used by the lazy
// registry fallback.
type ProcessorCatalog interface {
	ListActive(ctx context.Context) ([]model.Processor, error)
}

func guard(ctx context.Context) error {
	_, err := tenant.FromContext(ctx)
	return err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

// GormJobRepository is the tenant-database JobRepository.
type GormJobRepository struct {
	db *gorm.DB
}

// NewGormJobRepository creates a job repository over a tenant handle.
func NewGormJobRepository(db *gorm.DB) *GormJobRepository {
	return &GormJobRepository{db: db}
}

func (r *GormJobRepository) Create(ctx context.Context, job *model.DocumentJob) error {
	if err := guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *GormJobRepository) ByID(ctx context.Context, id uint) (*model.DocumentJob, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var job model.DocumentJob
	err := r.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *GormJobRepository) ByUUID(ctx context.Context, uuid string) (*model.DocumentJob, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var job model.DocumentJob
	err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, uuid)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *GormJobRepository) ByDocument(ctx context.Context, documentID uint) (*model.DocumentJob, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var job model.DocumentJob
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("id DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: job for document %d", ErrNotFound, documentID)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Transition applies the state change only when the row still holds the
// expected source state. The state machine guard rejects illegal edges
// before any SQL runs.
func (r *GormJobRepository) Transition(ctx context.Context, job *model.DocumentJob, to string) (bool, error) {
	if err := guard(ctx); err != nil {
		return false, err
	}
	from := job.State
	if err := statemachine.Guard(statemachine.MachineJob, from, to); err != nil {
		return false, err
	}
	result := r.db.WithContext(ctx).Model(&model.DocumentJob{}).
		Where("id = ? AND state = ?", job.ID, from).
		Updates(map[string]interface{}{"state": to, "updated_at": time.Now()})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	job.State = to
	return true, nil
}

func (r *GormJobRepository) Save(ctx context.Context, job *model.DocumentJob) error {
	if err := guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(job).Error
}

// GormDocumentRepository is the tenant-database DocumentRepository.
type GormDocumentRepository struct {
	db *gorm.DB
}

// NewGormDocumentRepository creates a document repository over a tenant
// handle.
func NewGormDocumentRepository(db *gorm.DB) *GormDocumentRepository {
	return &GormDocumentRepository{db: db}
}

func (r *GormDocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *GormDocumentRepository) ByID(ctx context.Context, id uint) (*model.Document, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var doc model.Document
	err := r.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *GormDocumentRepository) ByUUID(ctx context.Context, uuid string) (*model.Document, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var doc model.Document
	err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, uuid)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *GormDocumentRepository) Transition(ctx context.Context, doc *model.Document, to string) (bool, error) {
	if err := guard(ctx); err != nil {
		return false, err
	}
	from := doc.State
	if err := statemachine.Guard(statemachine.MachineDocument, from, to); err != nil {
		return false, err
	}
	result := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND state = ?", doc.ID, from).
		Updates(map[string]interface{}{"state": to, "updated_at": time.Now()})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 && from != to {
		return false, nil
	}
	doc.State = to
	return true, nil
}

func (r *GormDocumentRepository) Save(ctx context.Context, doc *model.Document) error {
	if err := guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(doc).Error
}

// GormExecutionRepository is the tenant-database ExecutionRepository.
type GormExecutionRepository struct {
	db *gorm.DB
}

// NewGormExecutionRepository creates an execution repository over a tenant
// handle.
func NewGormExecutionRepository(db *gorm.DB) *GormExecutionRepository {
	return &GormExecutionRepository{db: db}
}

// Create inserts the execution row. The unique (job_id, step_id, attempt)
// index turns a concurrent double-create into ErrDuplicateExecution.
func (r *GormExecutionRepository) Create(ctx context.Context, exec *model.ProcessorExecution) error {
	if err := guard(ctx); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Create(exec).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: job %d step %s attempt %d", ErrDuplicateExecution, exec.JobID, exec.StepID, exec.Attempt)
	}
	return err
}

func (r *GormExecutionRepository) ByKey(ctx context.Context, jobID uint, stepID string, attempt int) (*model.ProcessorExecution, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var exec model.ProcessorExecution
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND step_id = ? AND attempt = ?", jobID, stepID, attempt).
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: execution %d/%s/%d", ErrNotFound, jobID, stepID, attempt)
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (r *GormExecutionRepository) Transition(ctx context.Context, exec *model.ProcessorExecution, to string) (bool, error) {
	if err := guard(ctx); err != nil {
		return false, err
	}
	from := exec.State
	if err := statemachine.Guard(statemachine.MachineExecution, from, to); err != nil {
		return false, err
	}
	result := r.db.WithContext(ctx).Model(&model.ProcessorExecution{}).
		Where("id = ? AND state = ?", exec.ID, from).
		Updates(map[string]interface{}{"state": to, "updated_at": time.Now()})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	exec.State = to
	return true, nil
}

func (r *GormExecutionRepository) Save(ctx context.Context, exec *model.ProcessorExecution) error {
	if err := guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(exec).Error
}

func (r *GormExecutionRepository) ListByJob(ctx context.Context, jobID uint) ([]model.ProcessorExecution, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var execs []model.ProcessorExecution
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id").
		Find(&execs).Error
	return execs, err
}

// GormCampaignRepository is the tenant-database CampaignRepository.
type GormCampaignRepository struct {
	db *gorm.DB
}

// NewGormCampaignRepository creates a campaign repository over a tenant
// handle.
func NewGormCampaignRepository(db *gorm.DB) *GormCampaignRepository {
	return &GormCampaignRepository{db: db}
}

func (r *GormCampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if err := guard(ctx); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *GormCampaignRepository) ByID(ctx context.Context, id uint) (*model.Campaign, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var c model.Campaign
	err := r.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: campaign %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormCampaignRepository) BySlug(ctx context.Context, slug string) (*model.Campaign, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var c model.Campaign
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: campaign %s", ErrNotFound, slug)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GormProcessorCatalog reads processor rows from the tenant database.
type GormProcessorCatalog struct {
	db *gorm.DB
}

// NewGormProcessorCatalog creates a processor catalog over a tenant handle.
func NewGormProcessorCatalog(db *gorm.DB) *GormProcessorCatalog {
	return &GormProcessorCatalog{db: db}
}

func (r *GormProcessorCatalog) ListActive(ctx context.Context) ([]model.Processor, error) {
	if err := guard(ctx); err != nil {
		return nil, err
	}
	var rows []model.Processor
	err := r.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error
	return rows, err
}
