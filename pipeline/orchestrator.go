// Package pipeline contains the orchestrator: the state machine that owns
// the execution of a single document job, invoked by queue workers one
// step attempt at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/events"
	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/processor"
	"github.com/docuflow/docuflow/progress"
	"github.com/docuflow/docuflow/statemachine"
	"github.com/docuflow/docuflow/tenant"
)

// MaxBackoff caps the exponential retry delay.
const MaxBackoff = 5 * time.Minute

// Backoff returns the delay before re-enqueueing the given attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Second << uint(attempt)
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

// Enqueuer schedules step attempts on the durable queue.
type Enqueuer interface {
	EnqueueStep(ctx context.Context, tenantID, jobID uint, stepIndex, attempt int, delay time.Duration) error
}

// CredentialResolver resolves a credential across the four scopes.
// credentials.Store satisfies it.
type CredentialResolver interface {
	Resolve(ctx context.Context, key, processorRef, campaignRef, tenantRef string) (string, error)
}

// AuditTrail records state transitions. ledger.AuditLedger satisfies it.
type AuditTrail interface {
	RecordTransition(ctx context.Context, auditableType string, auditableID uint, from, to string) error
}

// UsageRecorder appends usage events. ledger.UsageLedger satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, event *model.UsageEvent) error
}

// ProgressWriter maintains the progress projection. progress.Projection
// satisfies it.
type ProgressWriter interface {
	Upsert(ctx context.Context, row *model.PipelineProgress) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Jobs        JobRepository
	Documents   DocumentRepository
	Campaigns   CampaignRepository
	Executions  ExecutionRepository
	Processors  ProcessorCatalog
	Registry    *processor.Registry
	Hooks       *processor.HookManager
	Credentials CredentialResolver
	Storage     processor.ContentStore
	Audit       AuditTrail
	Usage       UsageRecorder
	Progress    ProgressWriter
	Events      events.Publisher
	Enqueuer    Enqueuer
	Logger      *common.ContextLogger
	Now         func() time.Time
}

// Orchestrator executes one step attempt of a document job per invocation.
// It is safe to invoke repeatedly for the same unit: execution creation is
// keyed by (job_id, step_id, attempt) and completions are conditional
// updates, so duplicates no-op.
type Orchestrator struct {
	cfg Config
}

// NewOrchestrator validates the wiring and builds an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Jobs == nil, cfg.Documents == nil, cfg.Campaigns == nil, cfg.Executions == nil:
		return nil, fmt.Errorf("orchestrator requires job, document, campaign and execution repositories")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("orchestrator requires a processor registry")
	case cfg.Enqueuer == nil:
		return nil, fmt.Errorf("orchestrator requires an enqueuer")
	}
	if cfg.Hooks == nil {
		cfg.Hooks = processor.NewHookManager()
	}
	if cfg.Events == nil {
		cfg.Events = events.NoopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = common.NewContextLogger(common.Logger, map[string]interface{}{"component": "orchestrator"})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg}, nil
}

// scopedCredentials binds the step's scope references onto the resolver so
// processors only see key-based lookups.
type scopedCredentials struct {
	resolver     CredentialResolver
	processorRef string
	campaignRef  string
	tenantRef    string
}

func (s scopedCredentials) Resolve(ctx context.Context, key string) (string, error) {
	if s.resolver == nil {
		return "", fmt.Errorf("no credential resolver bound")
	}
	return s.resolver.Resolve(ctx, key, s.processorRef, s.campaignRef, s.tenantRef)
}

// Run executes one step attempt for a job. The tenant binding must already
// be on ctx; workers restore it from the work unit before calling.
func (o *Orchestrator) Run(ctx context.Context, jobID uint, stepIndex, attempt int) error {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	log := o.cfg.Logger.WithField("tenant", t.Slug).
		WithField("job_id", jobID).
		WithField("step_index", stepIndex).
		WithField("attempt", attempt)

	job, err := o.cfg.Jobs.ByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if statemachine.IsTerminal(statemachine.MachineJob, job.State) {
		log.Debugf("job already terminal in state %s", job.State)
		return nil
	}
	// Units for a step the job has moved past are stale redeliveries.
	if stepIndex != job.CurrentStepIndex {
		log.Debugf("stale unit for step %d, job is at %d", stepIndex, job.CurrentStepIndex)
		return nil
	}
	if stepIndex >= len(job.PipelineSnapshot.Processors) {
		return o.completeJob(ctx, job)
	}

	if job.State != model.JobRunning {
		if err := o.transitionJob(ctx, job, model.JobRunning); err != nil {
			return err
		}
		if job.StartedAt == nil {
			now := o.cfg.Now()
			job.StartedAt = &now
			if err := o.cfg.Jobs.Save(ctx, job); err != nil {
				return fmt.Errorf("failed to save job start: %w", err)
			}
		}
	}

	doc, err := o.cfg.Documents.ByID(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	if doc.State == model.DocumentQueued {
		if err := o.transitionDocument(ctx, doc, model.DocumentProcessing); err != nil {
			return err
		}
	}

	campaign, err := o.cfg.Campaigns.ByID(ctx, job.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}

	step := job.PipelineSnapshot.Processors[stepIndex]
	proc, err := o.resolveProcessor(ctx, step.Type)
	if err != nil {
		log.WithError(err).Errorf("processor %s not registered", step.Type)
		return o.failStep(ctx, job, doc, nil, step, attempt,
			processor.Fail(processor.KindNotRegistered, err.Error(), false))
	}
	desc := proc.Describe()

	exec := &model.ProcessorExecution{
		JobID:          job.ID,
		StepID:         step.ID,
		Attempt:        attempt,
		State:          model.ExecutionPending,
		ConfigSnapshot: step.Config,
	}
	if err := o.cfg.Executions.Create(ctx, exec); err != nil {
		if errors.Is(err, ErrDuplicateExecution) {
			// Another worker owns or owned this attempt.
			log.Debug("execution attempt already recorded")
			return nil
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}

	o.cfg.Hooks.RunBefore(exec)
	if _, err := o.cfg.Executions.Transition(ctx, exec, model.ExecutionRunning); err != nil {
		return err
	}
	startedAt := o.cfg.Now()
	exec.StartedAt = &startedAt
	if err := o.cfg.Executions.Save(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution start: %w", err)
	}

	// Surrender before doing work if the job was cancelled in the
	// meantime.
	if cancelled, err := o.jobCancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		return o.abandonCancelled(ctx, exec)
	}

	result := o.invoke(ctx, proc, desc, step, doc, campaign, job, t)

	if result.Success {
		return o.commitSuccess(ctx, job, doc, campaign, exec, desc, step, attempt, result)
	}
	return o.failStep(ctx, job, doc, exec, step, attempt, result)
}

// invoke runs the processor under its declared timeout with panic
// isolation. A panic becomes a retriable execution failure.
func (o *Orchestrator) invoke(ctx context.Context, proc processor.Processor, desc processor.Description,
	step model.PipelineStep, doc *model.Document, campaign *model.Campaign,
	job *model.DocumentJob, t *model.Tenant) (result processor.Result) {

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = processor.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = processor.Failf(processor.KindExecution, true, "processor panicked: %v", r)
		}
	}()

	prior, err := o.priorOutputs(ctx, job.ID)
	if err != nil {
		return processor.Failf(processor.KindExecution, true, "failed to load prior outputs: %v", err)
	}

	ec := &processor.ExecutionContext{
		Document:     doc,
		Campaign:     campaign,
		StepConfig:   step.Config,
		PriorOutputs: prior,
		Credentials: scopedCredentials{
			resolver:     o.cfg.Credentials,
			processorRef: step.Type,
			campaignRef:  fmt.Sprintf("%d", campaign.ID),
			tenantRef:    t.Slug,
		},
		Storage: o.cfg.Storage,
		Logger:  o.cfg.Logger.WithField("step", step.ID),
	}

	result = proc.Execute(execCtx, ec)
	if !result.Success {
		return result
	}
	if execCtx.Err() != nil {
		return processor.Failf(processor.KindTimeout, true, "processor %s exceeded %s timeout", step.Type, timeout)
	}
	return result
}

// priorOutputs collects the committed output of each completed step,
// keyed by step id. Later attempts of the same step overwrite earlier
// ones, which cannot happen for completed executions anyway.
func (o *Orchestrator) priorOutputs(ctx context.Context, jobID uint) (map[string]model.JSONMap, error) {
	execs, err := o.cfg.Executions.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]model.JSONMap)
	for _, e := range execs {
		if e.State == model.ExecutionCompleted {
			outputs[e.StepID] = e.Output
		}
	}
	return outputs, nil
}

func (o *Orchestrator) resolveProcessor(ctx context.Context, slug string) (processor.Processor, error) {
	if p, ok := o.cfg.Registry.Get(slug); ok {
		return p, nil
	}
	// Lazy fallback: rebuild from the tenant's processors table. New rows
	// registered by other workers since boot become visible here.
	if o.cfg.Processors != nil {
		rows, err := o.cfg.Processors.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load processors: %w", err)
		}
		o.cfg.Registry.RegisterFromDatabase(ctx, rows)
		if p, ok := o.cfg.Registry.Get(slug); ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", processor.ErrNotRegistered, slug)
}

// commitSuccess validates output, commits the execution, advances the job
// and either re-enqueues the next step or completes the pipeline.
func (o *Orchestrator) commitSuccess(ctx context.Context, job *model.DocumentJob, doc *model.Document,
	campaign *model.Campaign, exec *model.ProcessorExecution, desc processor.Description,
	step model.PipelineStep, attempt int, result processor.Result) error {

	if err := processor.ValidateOutput(desc, result.Output); err != nil {
		// Malformed output must not propagate to later steps: the whole
		// job fails, without retries.
		return o.failStep(ctx, job, doc, exec, step, attempt,
			processor.Fail(processor.KindOutputValidation, err.Error(), false))
	}

	// Cancellation check at the persistence boundary.
	if cancelled, err := o.jobCancelled(ctx, job.ID); err != nil {
		return err
	} else if cancelled {
		return o.abandonCancelled(ctx, exec)
	}

	applied, err := o.cfg.Executions.Transition(ctx, exec, model.ExecutionCompleted)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent worker already committed this attempt.
		return nil
	}
	o.auditTransition(ctx, "ProcessorExecution", exec.ID, model.ExecutionRunning, model.ExecutionCompleted)

	completedAt := o.cfg.Now()
	exec.CompletedAt = &completedAt
	exec.Output = result.Output
	exec.TokensUsed = result.TokensUsed
	exec.CostCredits = result.CostCredits
	if exec.StartedAt != nil {
		exec.DurationMs = completedAt.Sub(*exec.StartedAt).Milliseconds()
	}
	if err := o.cfg.Executions.Save(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution result: %w", err)
	}
	o.cfg.Hooks.RunAfter(exec, result.Output)

	doc.ProcessingHistory = append(doc.ProcessingHistory, model.HistoryEntry{
		StepID:      step.ID,
		Processor:   step.Type,
		Status:      model.ExecutionCompleted,
		CompletedAt: completedAt.Format(time.RFC3339),
	})
	if len(result.MetadataDelta) > 0 {
		if doc.Metadata == nil {
			doc.Metadata = model.JSONMap{}
		}
		for k, v := range result.MetadataDelta {
			doc.Metadata[k] = v
		}
	}
	if err := o.cfg.Documents.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	o.recordUsage(ctx, &model.UsageEvent{
		Type:        model.UsageProcessorExecution,
		CostCredits: result.CostCredits,
		CampaignID:  &campaign.ID,
		DocumentID:  &doc.ID,
		JobID:       &job.ID,
	})
	if result.TokensUsed > 0 {
		o.recordUsage(ctx, &model.UsageEvent{
			Type:       model.UsageAITask,
			Units:      result.TokensUsed,
			CampaignID: &campaign.ID,
			DocumentID: &doc.ID,
			JobID:      &job.ID,
		})
	}

	job.CurrentStepIndex++
	if err := o.cfg.Jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to advance job: %w", err)
	}

	if job.CurrentStepIndex >= len(job.PipelineSnapshot.Processors) {
		return o.completeJob(ctx, job)
	}

	o.writeProgress(ctx, job)
	t, _ := tenant.FromContext(ctx)
	if err := o.cfg.Enqueuer.EnqueueStep(ctx, t.ID, job.ID, job.CurrentStepIndex, 0, 0); err != nil {
		return fmt.Errorf("failed to enqueue next step: %w", err)
	}
	return nil
}

// completeJob transitions job and document to completed and emits the
// completion event.
func (o *Orchestrator) completeJob(ctx context.Context, job *model.DocumentJob) error {
	if err := o.transitionJob(ctx, job, model.JobCompleted); err != nil {
		return err
	}
	now := o.cfg.Now()
	job.CompletedAt = &now
	if err := o.cfg.Jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save completed job: %w", err)
	}

	doc, err := o.cfg.Documents.ByID(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if doc.State != model.DocumentCompleted {
		if err := o.transitionDocument(ctx, doc, model.DocumentCompleted); err != nil {
			return err
		}
	}

	o.writeProgress(ctx, job)

	t, _ := tenant.FromContext(ctx)
	o.publish(events.DocumentEvent{
		Kind:         events.DocumentCompleted,
		TenantID:     t.ID,
		DocumentID:   doc.ID,
		DocumentUUID: doc.UUID,
		JobID:        job.ID,
		CampaignID:   job.CampaignID,
		OccurredAt:   now,
	})
	return nil
}

// failStep records the failure, then either schedules a retry or fails the
// job. exec may be nil when the failure happened before an execution row
// existed (unregistered processor).
func (o *Orchestrator) failStep(ctx context.Context, job *model.DocumentJob, doc *model.Document,
	exec *model.ProcessorExecution, step model.PipelineStep, attempt int, result processor.Result) error {

	now := o.cfg.Now()

	if exec != nil {
		o.cfg.Hooks.RunOnFailure(exec, errors.New(result.Message))
		applied, err := o.cfg.Executions.Transition(ctx, exec, model.ExecutionFailed)
		if err != nil {
			return err
		}
		if applied {
			o.auditTransition(ctx, "ProcessorExecution", exec.ID, model.ExecutionRunning, model.ExecutionFailed)
			exec.CompletedAt = &now
			exec.Error = result.Message
			if exec.StartedAt != nil {
				exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
			}
			if err := o.cfg.Executions.Save(ctx, exec); err != nil {
				return fmt.Errorf("failed to save failed execution: %w", err)
			}
		}
	}

	job.ErrorLog = append(job.ErrorLog, model.ErrorEntry{
		StepID:     step.ID,
		Attempt:    attempt,
		Kind:       result.Kind,
		Message:    result.Message,
		OccurredAt: now.Format(time.RFC3339),
	})

	if result.Retriable && attempt+1 < o.maxAttempts(job) && result.Kind != processor.KindCancelled {
		job.Attempts = attempt + 1
		if err := o.cfg.Jobs.Save(ctx, job); err != nil {
			return fmt.Errorf("failed to save job retry state: %w", err)
		}
		o.writeProgress(ctx, job)
		t, _ := tenant.FromContext(ctx)
		delay := Backoff(attempt)
		if err := o.cfg.Enqueuer.EnqueueStep(ctx, t.ID, job.ID, job.CurrentStepIndex, attempt+1, delay); err != nil {
			return fmt.Errorf("failed to enqueue retry: %w", err)
		}
		return nil
	}

	return o.failJob(ctx, job, doc, result)
}

// failJob moves job and document to failed and emits the failure event.
// Subsequent steps stay un-executed; committed outputs of earlier steps
// remain.
func (o *Orchestrator) failJob(ctx context.Context, job *model.DocumentJob, doc *model.Document, result processor.Result) error {
	if err := o.transitionJob(ctx, job, model.JobFailed); err != nil {
		return err
	}
	now := o.cfg.Now()
	job.CompletedAt = &now
	if err := o.cfg.Jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save failed job: %w", err)
	}

	if doc == nil {
		var err error
		doc, err = o.cfg.Documents.ByID(ctx, job.DocumentID)
		if err != nil {
			return err
		}
	}
	// failed -> failed is a legal self-loop so re-marking after retry
	// exhaustion stays idempotent. The message reflects the latest
	// failure, the job error_log keeps the full history.
	if err := o.transitionDocument(ctx, doc, model.DocumentFailed); err != nil {
		return err
	}
	doc.ErrorMessage = result.Message
	if err := o.cfg.Documents.Save(ctx, doc); err != nil {
		return fmt.Errorf("failed to save failed document: %w", err)
	}

	o.writeProgress(ctx, job)

	t, _ := tenant.FromContext(ctx)
	o.publish(events.DocumentEvent{
		Kind:         events.DocumentFailed,
		TenantID:     t.ID,
		DocumentID:   doc.ID,
		DocumentUUID: doc.UUID,
		JobID:        job.ID,
		CampaignID:   job.CampaignID,
		FailureKind:  result.Kind,
		OccurredAt:   now,
	})
	return nil
}

// abandonCancelled records an in-flight execution as failed with the
// cancelled kind, without committing any output.
func (o *Orchestrator) abandonCancelled(ctx context.Context, exec *model.ProcessorExecution) error {
	applied, err := o.cfg.Executions.Transition(ctx, exec, model.ExecutionFailed)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	now := o.cfg.Now()
	exec.CompletedAt = &now
	exec.Error = "job cancelled"
	if err := o.cfg.Executions.Save(ctx, exec); err != nil {
		return fmt.Errorf("failed to record cancelled execution: %w", err)
	}
	o.auditTransition(ctx, "ProcessorExecution", exec.ID, model.ExecutionRunning, model.ExecutionFailed)
	return nil
}

func (o *Orchestrator) jobCancelled(ctx context.Context, jobID uint) (bool, error) {
	current, err := o.cfg.Jobs.ByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	return current.State == model.JobCancelled, nil
}

func (o *Orchestrator) transitionJob(ctx context.Context, job *model.DocumentJob, to string) error {
	from := job.State
	applied, err := o.cfg.Jobs.Transition(ctx, job, to)
	if err != nil {
		return err
	}
	if applied {
		o.auditTransition(ctx, "DocumentJob", job.ID, from, to)
	} else {
		// Reload: the idempotent case is the row already being where we
		// wanted it.
		current, err := o.cfg.Jobs.ByID(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.State != to {
			return &statemachine.TransitionError{Machine: statemachine.MachineJob, From: current.State, To: to}
		}
		job.State = to
	}
	return nil
}

func (o *Orchestrator) transitionDocument(ctx context.Context, doc *model.Document, to string) error {
	from := doc.State
	applied, err := o.cfg.Documents.Transition(ctx, doc, to)
	if err != nil {
		return err
	}
	if applied {
		o.auditTransition(ctx, "Document", doc.ID, from, to)
	}
	return nil
}

func (o *Orchestrator) maxAttempts(job *model.DocumentJob) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return model.DefaultMaxAttempts
}

func (o *Orchestrator) writeProgress(ctx context.Context, job *model.DocumentJob) {
	if o.cfg.Progress == nil {
		return
	}
	if err := o.cfg.Progress.Upsert(ctx, progress.Snapshot(job)); err != nil {
		o.cfg.Logger.WithError(err).Errorf("failed to update progress for job %d", job.ID)
	}
}

func (o *Orchestrator) auditTransition(ctx context.Context, auditableType string, id uint, from, to string) {
	if o.cfg.Audit == nil {
		return
	}
	if err := o.cfg.Audit.RecordTransition(ctx, auditableType, id, from, to); err != nil {
		o.cfg.Logger.WithError(err).Errorf("failed to audit %s %d transition", auditableType, id)
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, event *model.UsageEvent) {
	if o.cfg.Usage == nil {
		return
	}
	if err := o.cfg.Usage.Record(ctx, event); err != nil {
		o.cfg.Logger.WithError(err).Errorf("failed to record %s usage event", event.Type)
	}
}

// publish sends the event, logging instead of failing the pipeline when
// the broker is unavailable.
func (o *Orchestrator) publish(event events.DocumentEvent) {
	if err := o.cfg.Events.Publish(event); err != nil {
		o.cfg.Logger.WithError(err).Errorf("failed to publish %s event", event.Kind)
	}
}
