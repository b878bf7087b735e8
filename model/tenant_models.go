package model

import (
	"time"

	"gorm.io/gorm"
)

// Campaign types.
const (
	CampaignTypeTemplate = "template"
	CampaignTypeCustom   = "custom"
	CampaignTypeMeta     = "meta"
)

// Campaign states.
const (
	CampaignDraft    = "draft"
	CampaignActive   = "active"
	CampaignPaused   = "paused"
	CampaignArchived = "archived"
)

// DefaultMaxFileSizeBytes is the platform default upload ceiling.
const DefaultMaxFileSizeBytes = 10_485_760

// Campaign is a user-authored pipeline template and its constraints.
type Campaign struct {
	ID                uint   `gorm:"primaryKey"`
	Slug              string `gorm:"uniqueIndex;size:64"`
	Name              string
	Description       string
	Type              string `gorm:"size:16"`
	State             string `gorm:"size:16;default:draft"`
	PipelineConfig    PipelineConfig
	Settings          JSONMap
	AllowedMimeTypes  StringList
	MaxFileSizeBytes  int64 `gorm:"default:10485760"`
	MaxConcurrentJobs int   `gorm:"default:10"`
	RetentionDays     int   `gorm:"default:90"`
	ChecklistTemplate JSONMap
	Credentials       []byte // opaque ciphertext blob
	PublishedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

// Document states.
const (
	DocumentPending    = "pending"
	DocumentQueued     = "queued"
	DocumentProcessing = "processing"
	DocumentCompleted  = "completed"
	DocumentFailed     = "failed"
	DocumentCancelled  = "cancelled"
)

// Document is an ingested artifact subject to processing.
type Document struct {
	ID                uint   `gorm:"primaryKey"`
	UUID              string `gorm:"uniqueIndex;size:36"`
	CampaignID        uint   `gorm:"index"`
	OriginalFilename  string
	MimeType          string `gorm:"size:128"`
	SizeBytes         int64
	SHA256Hash        string `gorm:"size:64;column:sha256_hash"`
	StoragePath       string
	StorageDisk       string `gorm:"size:16"`
	State             string `gorm:"size:16;default:pending;index"`
	Metadata          JSONMap
	ProcessingHistory HistoryLog
	Retries           int
	ErrorMessage      string
	UploadedBy        string `gorm:"size:64"` // opaque central user id
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DocumentJob states.
const (
	JobPending   = "pending"
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// DefaultMaxAttempts bounds per-step retries.
const DefaultMaxAttempts = 3

// DocumentJob is one execution instance of a campaign pipeline for a
// document. current_step_index stays below the snapshot length while the
// job is pending or running and equals it on completion.
type DocumentJob struct {
	ID               uint   `gorm:"primaryKey"`
	UUID             string `gorm:"uniqueIndex;size:36"`
	DocumentID       uint   `gorm:"index"`
	CampaignID       uint   `gorm:"index"`
	State            string `gorm:"size:16;default:pending;index"`
	PipelineSnapshot PipelineConfig
	CurrentStepIndex int
	Attempts         int
	MaxAttempts      int `gorm:"default:3"`
	ErrorLog         ErrorLog
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Processor categories.
const (
	CategoryOCR            = "ocr"
	CategoryClassification = "classification"
	CategoryExtraction     = "extraction"
	CategoryValidation     = "validation"
	CategoryEnrichment     = "enrichment"
	CategoryNotification   = "notification"
	CategoryStorage        = "storage"
)

// Processor is registered implementation metadata, stored per tenant so
// lazily loaded processors survive worker restarts.
type Processor struct {
	ID           uint   `gorm:"primaryKey"`
	Slug         string `gorm:"uniqueIndex;size:64"`
	Name         string
	Category     string `gorm:"size:32"`
	ClassRef     string
	ConfigSchema JSONMap
	Version      string `gorm:"size:16"`
	IsSystem     bool
	Active       bool `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProcessorExecution states.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionSkipped   = "skipped"
)

// ProcessorExecution is a single invocation of a processor within a job.
// The (job_id, step_id, attempt) key makes orchestrator re-invocations
// idempotent.
type ProcessorExecution struct {
	ID             uint   `gorm:"primaryKey"`
	JobID          uint   `gorm:"index;uniqueIndex:idx_execution_attempt,priority:1"`
	ProcessorID    uint   `gorm:"index"`
	StepID         string `gorm:"size:64;uniqueIndex:idx_execution_attempt,priority:2"`
	Attempt        int    `gorm:"uniqueIndex:idx_execution_attempt,priority:3"`
	State          string `gorm:"size:16;default:pending"`
	InputDigest    string `gorm:"size:64"`
	Output         JSONMap
	ConfigSnapshot JSONMap
	TokensUsed     int64
	CostCredits    int64
	DurationMs     int64
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Credential scopes, searched narrowest first during resolution.
const (
	ScopeSystem    = "system"
	ScopeTenant    = "tenant"
	ScopeCampaign  = "campaign"
	ScopeProcessor = "processor"
)

// Credential is an encrypted key/value entry. EncryptedValue is opaque
// ciphertext; decryption happens only at use sites.
type Credential struct {
	ID             uint   `gorm:"primaryKey"`
	Key            string `gorm:"size:128;index:idx_credential_scope,priority:1"`
	EncryptedValue []byte
	Scope          string `gorm:"size:16;index:idx_credential_scope,priority:2"`
	ScopeRef       string `gorm:"size:64;index:idx_credential_scope,priority:3"`
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

// Usage event types.
const (
	UsageUpload             = "upload"
	UsageStorage            = "storage"
	UsageProcessorExecution = "processor_execution"
	UsageAITask             = "ai_task"
	UsageConnectorCall      = "connector_call"
)

// UsageEvent is an append-only metering record.
type UsageEvent struct {
	ID          uint   `gorm:"primaryKey"`
	Type        string `gorm:"size:32;index"`
	Units       int64
	CostCredits int64
	CampaignID  *uint `gorm:"index"`
	DocumentID  *uint `gorm:"index"`
	JobID       *uint `gorm:"index"`
	OccurredAt  time.Time
}

// AuditLog is an append-only audit record. Updates and deletes are hard
// rejected at the repository layer.
type AuditLog struct {
	ID            uint   `gorm:"primaryKey"`
	AuditableType string `gorm:"size:64;index:idx_auditable"`
	AuditableID   uint   `gorm:"index:idx_auditable"`
	Event         string `gorm:"size:64"`
	OldValues     JSONMap
	NewValues     JSONMap
	UserID        string `gorm:"size:64"` // opaque central user id
	IP            string `gorm:"size:45"`
	Tags          StringList
	CreatedAt     time.Time
}

// PipelineProgress is the read-model projection maintained alongside
// orchestrator transitions.
type PipelineProgress struct {
	ID                 uint `gorm:"primaryKey"`
	JobID              uint `gorm:"uniqueIndex"`
	StageCount         int
	CompletedStages    int
	PercentageComplete int
	CurrentStageName   string
	Status             string `gorm:"size:16"`
	UpdatedAt          time.Time
}

// CustomValidationRule types.
const (
	RuleTypeRegex      = "regex"
	RuleTypeExpression = "expression"
)

// CustomValidationRule is a tenant-scoped row-level validation rule for
// table-oriented processors.
type CustomValidationRule struct {
	ID           uint   `gorm:"primaryKey"`
	Slug         string `gorm:"uniqueIndex;size:64"`
	Type         string `gorm:"size:16"`
	Config       JSONMap
	Translations JSONMap // locale -> message template
	Placeholders JSONMap // locale -> map of placeholder -> value
	Active       bool    `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TenantModels lists every tenant-scoped entity, in migration order. The
// connection manager migrates this set when a tenant database is first
// bound.
func TenantModels() []interface{} {
	return []interface{}{
		&Campaign{},
		&Document{},
		&DocumentJob{},
		&Processor{},
		&ProcessorExecution{},
		&Credential{},
		&UsageEvent{},
		&AuditLog{},
		&PipelineProgress{},
		&CustomValidationRule{},
	}
}

// CentralModels lists every central entity, in migration order.
func CentralModels() []interface{} {
	return []interface{}{
		&Tenant{},
		&Domain{},
		&User{},
		&Membership{},
	}
}
