package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/pipeline"
	"github.com/docuflow/docuflow/processor"
	"github.com/docuflow/docuflow/storage"
	"github.com/docuflow/docuflow/tenant"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// apiWorld is one tenant's isolated data set, standing in for the
// tenant's physical database.
type apiWorld struct {
	mu        sync.Mutex
	docs      map[uint]*model.Document
	jobs      map[uint]*model.DocumentJob
	campaigns map[string]*model.Campaign
	execs     []model.ProcessorExecution
	progress  map[uint]*model.PipelineProgress
	usage     []model.UsageEvent
	audit     []string
	nextID    uint
}

func newAPIWorld() *apiWorld {
	return &apiWorld{
		docs:      map[uint]*model.Document{},
		jobs:      map[uint]*model.DocumentJob{},
		campaigns: map[string]*model.Campaign{},
		progress:  map[uint]*model.PipelineProgress{},
		nextID:    100,
	}
}

func (w *apiWorld) id() uint {
	w.nextID++
	return w.nextID
}

type enqueuedStep struct {
	tenantID  uint
	jobID     uint
	stepIndex int
	attempt   int
	delay     time.Duration
}

// harness wires the api server against per-tenant in-memory worlds.
type harness struct {
	worlds    map[uint]*apiWorld
	byUser    map[uint]*model.Tenant
	byHost    map[string]*model.Tenant
	suspended map[uint]bool
	store     storage.Store
	enqueued  []enqueuedStep
	registry  *processor.Registry
	e         *echo.Echo
}

func (h *harness) world(ctx context.Context) *apiWorld {
	t, err := tenant.FromContext(ctx)
	if err != nil {
		panic("repository used without tenant binding")
	}
	return h.worlds[t.ID]
}

func (h *harness) ByUser(_ context.Context, userID uint) (*model.Tenant, error) {
	if t, ok := h.byUser[userID]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("no tenant for user %d", userID)
}

func (h *harness) ByHost(_ context.Context, host string) (*model.Tenant, error) {
	if t, ok := h.byHost[host]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("no tenant for host %s", host)
}

func (h *harness) EnsureActive(t *model.Tenant) error {
	if h.suspended[t.ID] {
		return tenant.ErrSuspended
	}
	return nil
}

func (h *harness) WithTenant(ctx context.Context, t *model.Tenant, fn func(ctx context.Context, db *gorm.DB) error) error {
	return tenant.Run(ctx, t, func(ctx context.Context) error {
		return fn(ctx, nil)
	})
}

func (h *harness) EnqueueStep(_ context.Context, tenantID, jobID uint, stepIndex, attempt int, delay time.Duration) error {
	h.enqueued = append(h.enqueued, enqueuedStep{tenantID, jobID, stepIndex, attempt, delay})
	return nil
}

type hDocs struct{ h *harness }

func (r hDocs) Create(ctx context.Context, doc *model.Document) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	doc.ID = w.id()
	copy := *doc
	w.docs[doc.ID] = &copy
	return nil
}

func (r hDocs) ByID(ctx context.Context, id uint) (*model.Document, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	if doc, ok := w.docs[id]; ok {
		copy := *doc
		return &copy, nil
	}
	return nil, fmt.Errorf("%w: document %d", pipeline.ErrNotFound, id)
}

func (r hDocs) ByUUID(ctx context.Context, uuid string) (*model.Document, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, doc := range w.docs {
		if doc.UUID == uuid {
			copy := *doc
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: document %s", pipeline.ErrNotFound, uuid)
}

func (r hDocs) Transition(ctx context.Context, doc *model.Document, to string) (bool, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	stored := w.docs[doc.ID]
	if stored == nil || stored.State != doc.State {
		return false, nil
	}
	stored.State = to
	doc.State = to
	return true, nil
}

func (r hDocs) Save(ctx context.Context, doc *model.Document) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	copy := *doc
	w.docs[doc.ID] = &copy
	return nil
}

type hJobs struct{ h *harness }

func (r hJobs) Create(ctx context.Context, job *model.DocumentJob) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	job.ID = w.id()
	copy := *job
	w.jobs[job.ID] = &copy
	return nil
}

func (r hJobs) ByID(ctx context.Context, id uint) (*model.DocumentJob, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.jobs[id]; ok {
		copy := *job
		return &copy, nil
	}
	return nil, fmt.Errorf("%w: job %d", pipeline.ErrNotFound, id)
}

func (r hJobs) ByUUID(ctx context.Context, uuid string) (*model.DocumentJob, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, job := range w.jobs {
		if job.UUID == uuid {
			copy := *job
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s", pipeline.ErrNotFound, uuid)
}

func (r hJobs) ByDocument(ctx context.Context, documentID uint) (*model.DocumentJob, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, job := range w.jobs {
		if job.DocumentID == documentID {
			copy := *job
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: job for document %d", pipeline.ErrNotFound, documentID)
}

func (r hJobs) Transition(ctx context.Context, job *model.DocumentJob, to string) (bool, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	stored := w.jobs[job.ID]
	if stored == nil || stored.State != job.State {
		return false, nil
	}
	stored.State = to
	job.State = to
	return true, nil
}

func (r hJobs) Save(ctx context.Context, job *model.DocumentJob) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	copy := *job
	w.jobs[job.ID] = &copy
	return nil
}

type hCampaigns struct{ h *harness }

func (r hCampaigns) Create(ctx context.Context, c *model.Campaign) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	c.ID = w.id()
	w.campaigns[c.Slug] = c
	return nil
}

func (r hCampaigns) ByID(ctx context.Context, id uint) (*model.Campaign, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.campaigns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: campaign %d", pipeline.ErrNotFound, id)
}

func (r hCampaigns) BySlug(ctx context.Context, slug string) (*model.Campaign, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.campaigns[slug]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: campaign %s", pipeline.ErrNotFound, slug)
}

type hExecs struct{ h *harness }

func (r hExecs) Create(ctx context.Context, exec *model.ProcessorExecution) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	exec.ID = w.id()
	w.execs = append(w.execs, *exec)
	return nil
}

func (r hExecs) ByKey(ctx context.Context, jobID uint, stepID string, attempt int) (*model.ProcessorExecution, error) {
	return nil, pipeline.ErrNotFound
}

func (r hExecs) Transition(context.Context, *model.ProcessorExecution, string) (bool, error) {
	return true, nil
}

func (r hExecs) Save(context.Context, *model.ProcessorExecution) error { return nil }

func (r hExecs) ListByJob(ctx context.Context, jobID uint) ([]model.ProcessorExecution, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []model.ProcessorExecution
	for _, exec := range w.execs {
		if exec.JobID == jobID {
			out = append(out, exec)
		}
	}
	return out, nil
}

type hUsage struct{ h *harness }

func (r hUsage) Record(ctx context.Context, event *model.UsageEvent) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usage = append(w.usage, *event)
	return nil
}

type hAudit struct{ h *harness }

func (r hAudit) RecordTransition(ctx context.Context, auditableType string, _ uint, from, to string) error {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audit = append(w.audit, fmt.Sprintf("%s:%s->%s", auditableType, from, to))
	return nil
}

type hProgress struct{ h *harness }

func (r hProgress) ByJob(ctx context.Context, jobID uint) (*model.PipelineProgress, error) {
	w := r.h.world(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	if row, ok := w.progress[jobID]; ok {
		copy := *row
		return &copy, nil
	}
	return nil, nil
}

type namedProcessor struct {
	slug     string
	name     string
	category string
}

func (p *namedProcessor) ID() string { return p.slug }
func (p *namedProcessor) Describe() processor.Description {
	return processor.Description{Name: p.name, Category: p.category}
}
func (p *namedProcessor) Execute(context.Context, *processor.ExecutionContext) processor.Result {
	return processor.Succeed(nil)
}

func activeCampaign() *model.Campaign {
	return &model.Campaign{
		Slug:  "invoices",
		Name:  "Invoices",
		Type:  model.CampaignTypeCustom,
		State: model.CampaignActive,
		PipelineConfig: model.PipelineConfig{Processors: []model.PipelineStep{
			{ID: "ocr", Type: "ocr", Config: model.JSONMap{}},
			{ID: "ext", Type: "extraction", Config: model.JSONMap{}},
		}},
		AllowedMimeTypes: model.StringList{"application/pdf"},
		MaxFileSizeBytes: 1024,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	registry := processor.NewRegistry()
	registry.Register(&namedProcessor{slug: "ocr", name: "OCR", category: model.CategoryOCR})
	registry.Register(&namedProcessor{slug: "extraction", name: "Field Extraction", category: model.CategoryExtraction})

	acme := &model.Tenant{ID: 1, Slug: "acme", Status: model.TenantActive}
	globex := &model.Tenant{ID: 2, Slug: "globex", Status: model.TenantActive}

	h := &harness{
		worlds:    map[uint]*apiWorld{1: newAPIWorld(), 2: newAPIWorld()},
		byUser:    map[uint]*model.Tenant{7: acme, 8: globex},
		byHost:    map[string]*model.Tenant{"acme.example.com": acme},
		suspended: map[uint]bool{},
		store:     store,
		registry:  registry,
	}

	repos := func(*gorm.DB) Repos {
		return Repos{
			Documents:  hDocs{h},
			Jobs:       hJobs{h},
			Campaigns:  hCampaigns{h},
			Executions: hExecs{h},
			Usage:      hUsage{h},
			Audit:      hAudit{h},
			Progress:   hProgress{h},
		}
	}

	srv := NewServer(h, h, repos, store, h, registry, "local")
	h.e = echo.New()
	srv.RegisterRoutes(h.e)

	ctx := tenant.With(context.Background(), acme)
	require.NoError(t, hCampaigns{h}.Create(ctx, activeCampaign()))

	return h
}

func multipartBody(t *testing.T, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func upload(t *testing.T, h *harness, userID, slug, filename, mime string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, filename, mime, content)
	req := httptest.NewRequest(http.MethodPost, "/campaigns/"+slug+"/documents", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func TestUpload_HappyPath(t *testing.T) {
	h := newHarness(t)
	content := []byte("%PDF-1.7 invoice body")

	rec := upload(t, h, "7", "invoices", "invoice.pdf", "application/pdf", content)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.DocumentUUID)
	assert.NotEmpty(t, resp.JobUUID)
	assert.Equal(t, model.DocumentQueued, resp.State)

	w := h.worlds[1]
	require.Len(t, w.docs, 1)
	var doc *model.Document
	for _, d := range w.docs {
		doc = d
	}
	assert.Equal(t, model.DocumentQueued, doc.State)
	assert.Equal(t, "invoice.pdf", doc.OriginalFilename)
	assert.Equal(t, int64(len(content)), doc.SizeBytes)
	digest := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(digest[:]), doc.SHA256Hash)
	assert.Equal(t, "local", doc.StorageDisk)
	assert.Contains(t, doc.StoragePath, "tenants/1/documents/")

	stored, err := h.store.Read(context.Background(), doc.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	require.Len(t, w.jobs, 1)
	var job *model.DocumentJob
	for _, j := range w.jobs {
		job = j
	}
	assert.Equal(t, model.JobQueued, job.State)
	assert.Equal(t, doc.ID, job.DocumentID)
	assert.Len(t, job.PipelineSnapshot.Processors, 2)

	require.Len(t, h.enqueued, 1)
	assert.Equal(t, uint(1), h.enqueued[0].tenantID)
	assert.Equal(t, job.ID, h.enqueued[0].jobID)
	assert.Equal(t, 0, h.enqueued[0].stepIndex)
	assert.Equal(t, 0, h.enqueued[0].attempt)

	require.Len(t, w.usage, 1)
	assert.Equal(t, "upload", w.usage[0].Type)
	assert.Equal(t, int64(len(content)), w.usage[0].Units)

	assert.Equal(t, []string{
		"Document:pending->queued",
		"DocumentJob:pending->queued",
	}, w.audit)
}

func TestUpload_HostFallbackResolvesTenant(t *testing.T) {
	h := newHarness(t)
	body, contentType := multipartBody(t, "a.pdf", "application/pdf", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/campaigns/invoices/documents", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.Host = "acme.example.com"
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestUpload_SuspendedTenant(t *testing.T) {
	h := newHarness(t)
	h.suspended[1] = true

	rec := upload(t, h, "7", "invoices", "a.pdf", "application/pdf", []byte("x"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.worlds[1].docs)
}

func TestUpload_UnknownUser(t *testing.T) {
	h := newHarness(t)
	rec := upload(t, h, "999", "invoices", "a.pdf", "application/pdf", []byte("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpload_UnknownCampaign(t *testing.T) {
	h := newHarness(t)
	rec := upload(t, h, "7", "receipts", "a.pdf", "application/pdf", []byte("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpload_InactiveCampaign(t *testing.T) {
	h := newHarness(t)
	draft := activeCampaign()
	draft.Slug = "drafted"
	draft.State = model.CampaignDraft
	ctx := tenant.With(context.Background(), h.byUser[7])
	require.NoError(t, hCampaigns{h}.Create(ctx, draft))

	rec := upload(t, h, "7", "drafted", "a.pdf", "application/pdf", []byte("x"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "draft")
}

func TestUpload_FileTooLarge(t *testing.T) {
	h := newHarness(t)
	big := bytes.Repeat([]byte("a"), 2048)

	rec := upload(t, h, "7", "invoices", "big.pdf", "application/pdf", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.0 kB")
	assert.Empty(t, h.worlds[1].docs)
}

func TestUpload_UnsupportedMimeType(t *testing.T) {
	h := newHarness(t)
	rec := upload(t, h, "7", "invoices", "a.zip", "application/zip", []byte("x"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestUpload_MissingFile(t *testing.T) {
	h := newHarness(t)
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/campaigns/invoices/documents", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedDocumentWithJob(t *testing.T, h *harness, tenantID uint) (*model.Document, *model.DocumentJob) {
	t.Helper()
	ctx := tenant.With(context.Background(), &model.Tenant{ID: tenantID})
	doc := &model.Document{UUID: fmt.Sprintf("doc-%d", tenantID), State: model.DocumentProcessing}
	require.NoError(t, hDocs{h}.Create(ctx, doc))
	job := &model.DocumentJob{
		UUID:       fmt.Sprintf("job-%d", tenantID),
		DocumentID: doc.ID,
		State:      model.JobRunning,
		PipelineSnapshot: model.PipelineConfig{Processors: []model.PipelineStep{
			{ID: "ocr", Type: "ocr"},
			{ID: "ext", Type: "extraction"},
		}},
		CurrentStepIndex: 1,
	}
	require.NoError(t, hJobs{h}.Create(ctx, job))
	return doc, job
}

func TestProgress_FromProjectionRow(t *testing.T) {
	h := newHarness(t)
	doc, job := seedDocumentWithJob(t, h, 1)
	h.worlds[1].progress[job.ID] = &model.PipelineProgress{
		JobID:              job.ID,
		StageCount:         2,
		CompletedStages:    1,
		PercentageComplete: 50,
		CurrentStageName:   "ext",
		Status:             model.JobRunning,
	}

	req := httptest.NewRequest(http.MethodGet, "/documents/"+doc.UUID+"/progress", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ProgressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.JobRunning, resp.Status)
	assert.Equal(t, 50, resp.PercentageComplete)
	assert.Equal(t, 2, resp.StageCount)
	assert.Equal(t, 1, resp.CompletedStages)
	assert.Equal(t, "ext", resp.CurrentStage)
}

func TestProgress_DerivedWhenProjectionMissing(t *testing.T) {
	h := newHarness(t)
	doc, _ := seedDocumentWithJob(t, h, 1)

	req := httptest.NewRequest(http.MethodGet, "/documents/"+doc.UUID+"/progress", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ProgressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.JobRunning, resp.Status)
	assert.Equal(t, 50, resp.PercentageComplete)
	assert.Equal(t, "ext", resp.CurrentStage)
}

func TestProgress_UnknownDocument(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/documents/nope/progress", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgress_CrossTenantIsolation(t *testing.T) {
	h := newHarness(t)
	doc, _ := seedDocumentWithJob(t, h, 1)

	// The same uuid requested by a user of another tenant resolves
	// against that tenant's database and finds nothing.
	req := httptest.NewRequest(http.MethodGet, "/documents/"+doc.UUID+"/progress", nil)
	req.Header.Set("X-User-ID", "8")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_ListsExecutions(t *testing.T) {
	h := newHarness(t)
	doc, job := seedDocumentWithJob(t, h, 1)

	ctx := tenant.With(context.Background(), h.byUser[7])
	completedAt := time.Now().Truncate(time.Second)
	require.NoError(t, hExecs{h}.Create(ctx, &model.ProcessorExecution{
		JobID:       job.ID,
		StepID:      "ocr",
		State:       model.ExecutionCompleted,
		DurationMs:  420,
		CompletedAt: &completedAt,
	}))
	require.NoError(t, hExecs{h}.Create(ctx, &model.ProcessorExecution{
		JobID:  job.ID,
		StepID: "ext",
		State:  model.ExecutionRunning,
	}))

	req := httptest.NewRequest(http.MethodGet, "/documents/"+doc.UUID+"/metrics", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var entries []MetricsEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)

	assert.Equal(t, "ocr", entries[0].ProcessorID)
	assert.Equal(t, "OCR", entries[0].Processor.Name)
	assert.Equal(t, model.CategoryOCR, entries[0].Processor.Category)
	assert.Equal(t, int64(420), entries[0].DurationMs)
	assert.Equal(t, model.ExecutionCompleted, entries[0].Status)
	require.NotNil(t, entries[0].CompletedAt)

	assert.Equal(t, "ext", entries[1].ProcessorID)
	assert.Equal(t, "Field Extraction", entries[1].Processor.Name)
	assert.Equal(t, model.ExecutionRunning, entries[1].Status)
	assert.Nil(t, entries[1].CompletedAt)
}

func TestMetrics_EmptyForFreshJob(t *testing.T) {
	h := newHarness(t)
	doc, _ := seedDocumentWithJob(t, h, 1)

	req := httptest.NewRequest(http.MethodGet, "/documents/"+doc.UUID+"/metrics", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
