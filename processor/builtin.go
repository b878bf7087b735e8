package processor

import (
	"context"
	"strings"
	"time"

	"github.com/docuflow/docuflow/model"
)

// Built-in class refs, referenced by tenant processor rows.
const (
	ClassRefOCR            = "docuflow.ocr"
	ClassRefClassification = "docuflow.classification"
	ClassRefExtraction     = "docuflow.extraction"
	ClassRefValidation     = "docuflow.validation"
	ClassRefEnrichment     = "docuflow.enrichment"
	ClassRefNotification   = "docuflow.notification"
)

// RegisterBuiltins installs the baseline processors and their factories.
// The worker calls this at boot; the registry never depends on in-memory
// state surviving restarts.
func RegisterBuiltins(r *Registry) {
	r.Register(&OCRProcessor{})
	r.Register(&ClassificationProcessor{})
	r.Register(&ExtractionProcessor{})
	r.Register(&ValidationProcessor{})
	r.Register(&EnrichmentProcessor{})
	r.Register(&NotificationProcessor{})

	r.RegisterFactory(ClassRefOCR, func(model.Processor) (Processor, error) { return &OCRProcessor{}, nil })
	r.RegisterFactory(ClassRefClassification, func(model.Processor) (Processor, error) { return &ClassificationProcessor{}, nil })
	r.RegisterFactory(ClassRefExtraction, func(model.Processor) (Processor, error) { return &ExtractionProcessor{}, nil })
	r.RegisterFactory(ClassRefValidation, func(model.Processor) (Processor, error) { return &ValidationProcessor{}, nil })
	r.RegisterFactory(ClassRefEnrichment, func(model.Processor) (Processor, error) { return &EnrichmentProcessor{}, nil })
	r.RegisterFactory(ClassRefNotification, func(model.Processor) (Processor, error) { return &NotificationProcessor{}, nil })
}

// OCRProcessor extracts text from document content. The baseline
// implementation treats the stored content as a plain-text rendition;
// engine-backed implementations replace it per deployment.
type OCRProcessor struct{}

func (p *OCRProcessor) ID() string { return SlugFromName("OCRProcessor") }

func (p *OCRProcessor) Describe() Description {
	return Description{
		Name:     "OCR",
		Category: model.CategoryOCR,
		ConfigSchema: model.JSONMap{
			"type": "object",
			"properties": map[string]interface{}{
				"lang": map[string]interface{}{"type": "string"},
			},
		},
		Timeout: 2 * time.Minute,
	}
}

func (p *OCRProcessor) Execute(ctx context.Context, ec *ExecutionContext) Result {
	lang, _ := ec.StepConfig["lang"].(string)
	if lang == "" {
		lang = "eng"
	}

	var text string
	if ec.Storage != nil && ec.Document.StoragePath != "" {
		content, err := ec.Storage.Read(ctx, ec.Document.StoragePath)
		if err != nil {
			return Failf(KindExecution, true, "failed to read document content: %v", err)
		}
		text = string(content)
	}

	return Succeed(model.JSONMap{
		"text": text,
		"lang": lang,
	})
}

// ClassificationProcessor assigns one of the configured categories based on
// the extracted text.
type ClassificationProcessor struct{}

func (p *ClassificationProcessor) ID() string { return SlugFromName("ClassificationProcessor") }

func (p *ClassificationProcessor) Describe() Description {
	return Description{
		Name:     "Classification",
		Category: model.CategoryClassification,
		ConfigSchema: model.JSONMap{
			"type":     "object",
			"required": []interface{}{"categories"},
			"properties": map[string]interface{}{
				"categories": map[string]interface{}{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]interface{}{"type": "string"},
				},
			},
		},
	}
}

func (p *ClassificationProcessor) Execute(_ context.Context, ec *ExecutionContext) Result {
	raw, ok := ec.StepConfig["categories"].([]interface{})
	if !ok || len(raw) == 0 {
		return Fail(KindExecution, "classification requires a non-empty categories list", false)
	}
	categories := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			categories = append(categories, s)
		}
	}

	text := priorText(ec)
	category := categories[0]
	for _, c := range categories {
		if strings.Contains(strings.ToLower(text), strings.ToLower(c)) {
			category = c
			break
		}
	}

	return Succeed(model.JSONMap{"category": category})
}

// ExtractionProcessor pulls structured fields out of the classified text.
// It declares an output schema, so malformed results fail the job before
// the step commits.
type ExtractionProcessor struct{}

func (p *ExtractionProcessor) ID() string { return SlugFromName("ExtractionProcessor") }

func (p *ExtractionProcessor) Describe() Description {
	return Description{
		Name:     "Extraction",
		Category: model.CategoryExtraction,
		ConfigSchema: model.JSONMap{
			"type":     "object",
			"required": []interface{}{"schema"},
			"properties": map[string]interface{}{
				"schema": map[string]interface{}{"type": "object"},
			},
		},
		OutputSchema: model.JSONMap{
			"type":     "object",
			"required": []interface{}{"fields"},
			"properties": map[string]interface{}{
				"fields": map[string]interface{}{"type": "object"},
			},
		},
	}
}

func (p *ExtractionProcessor) Execute(_ context.Context, ec *ExecutionContext) Result {
	schema, ok := ec.StepConfig["schema"].(map[string]interface{})
	if !ok {
		return Fail(KindExecution, "extraction requires a schema object", false)
	}

	category := priorCategory(ec)
	text := priorText(ec)

	fields := model.JSONMap{}
	if fieldList, ok := schema[category].([]interface{}); ok {
		for _, f := range fieldList {
			name, ok := f.(string)
			if !ok {
				continue
			}
			fields[name] = extractField(text, name)
		}
	}

	return Succeed(model.JSONMap{"fields": map[string]interface{}(fields)})
}

// extractField scans for "name: value" lines in the text rendition.
func extractField(text, name string) string {
	for _, line := range strings.Split(text, "\n") {
		if idx := strings.Index(line, ":"); idx > 0 {
			if strings.EqualFold(strings.TrimSpace(line[:idx]), name) {
				return strings.TrimSpace(line[idx+1:])
			}
		}
	}
	return ""
}

// ValidationProcessor checks that required metadata keys are present after
// the earlier stages ran. A violation is non-retriable.
type ValidationProcessor struct{}

func (p *ValidationProcessor) ID() string { return SlugFromName("ValidationProcessor") }

func (p *ValidationProcessor) Describe() Description {
	return Description{
		Name:     "Validation",
		Category: model.CategoryValidation,
		ConfigSchema: model.JSONMap{
			"type": "object",
			"properties": map[string]interface{}{
				"required": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
		},
	}
}

func (p *ValidationProcessor) Execute(_ context.Context, ec *ExecutionContext) Result {
	required, _ := ec.StepConfig["required"].([]interface{})
	missing := []string{}
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := ec.Document.Metadata[key]; !present {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Failf(KindExecution, false, "missing required metadata: %s", strings.Join(missing, ", "))
	}
	return Succeed(model.JSONMap{"valid": true})
}

// EnrichmentProcessor merges configured metadata into the document.
type EnrichmentProcessor struct{}

func (p *EnrichmentProcessor) ID() string { return SlugFromName("EnrichmentProcessor") }

func (p *EnrichmentProcessor) Describe() Description {
	return Description{
		Name:     "Enrichment",
		Category: model.CategoryEnrichment,
		ConfigSchema: model.JSONMap{
			"type": "object",
			"properties": map[string]interface{}{
				"metadata": map[string]interface{}{"type": "object"},
			},
		},
	}
}

func (p *EnrichmentProcessor) Execute(_ context.Context, ec *ExecutionContext) Result {
	extra, _ := ec.StepConfig["metadata"].(map[string]interface{})
	delta := model.JSONMap{}
	keys := make([]interface{}, 0, len(extra))
	for k, v := range extra {
		delta[k] = v
		keys = append(keys, k)
	}
	result := Succeed(model.JSONMap{"enriched": keys})
	result.MetadataDelta = delta
	return result
}

// NotificationProcessor reports pipeline progress outward. The webhook
// credential is optional; without one the notification is only logged.
type NotificationProcessor struct{}

func (p *NotificationProcessor) ID() string { return SlugFromName("NotificationProcessor") }

func (p *NotificationProcessor) Describe() Description {
	return Description{
		Name:     "Notification",
		Category: model.CategoryNotification,
		ConfigSchema: model.JSONMap{
			"type": "object",
			"properties": map[string]interface{}{
				"channel": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func (p *NotificationProcessor) Execute(ctx context.Context, ec *ExecutionContext) Result {
	channel, _ := ec.StepConfig["channel"].(string)
	if channel == "" {
		channel = "log"
	}

	webhook, hasWebhook := ec.OptionalCredential(ctx, "webhook_url")
	if ec.Logger != nil {
		ec.Logger.WithField("channel", channel).
			WithField("document", ec.Document.UUID).
			Info("document notification")
	}

	return Succeed(model.JSONMap{
		"notified": true,
		"channel":  channel,
		"webhook":  hasWebhook && webhook != "",
	})
}

// priorText returns the text produced by the most recent ocr-category step.
func priorText(ec *ExecutionContext) string {
	for _, output := range ec.PriorOutputs {
		if text, ok := output["text"].(string); ok {
			return text
		}
	}
	return ""
}

// priorCategory returns the category chosen by an earlier classification
// step, falling back to "default".
func priorCategory(ec *ExecutionContext) string {
	for _, output := range ec.PriorOutputs {
		if category, ok := output["category"].(string); ok {
			return category
		}
	}
	return "default"
}

// BuiltinRows returns tenant processor rows describing the baseline
// processors, used when seeding a fresh tenant database.
func BuiltinRows() []model.Processor {
	builtins := []struct {
		p        Processor
		classRef string
	}{
		{&OCRProcessor{}, ClassRefOCR},
		{&ClassificationProcessor{}, ClassRefClassification},
		{&ExtractionProcessor{}, ClassRefExtraction},
		{&ValidationProcessor{}, ClassRefValidation},
		{&EnrichmentProcessor{}, ClassRefEnrichment},
		{&NotificationProcessor{}, ClassRefNotification},
	}
	rows := make([]model.Processor, 0, len(builtins))
	for _, b := range builtins {
		desc := b.p.Describe()
		rows = append(rows, model.Processor{
			Slug:         b.p.ID(),
			Name:         desc.Name,
			Category:     desc.Category,
			ClassRef:     b.classRef,
			ConfigSchema: desc.ConfigSchema,
			Version:      "1.0.0",
			IsSystem:     true,
			Active:       true,
		})
	}
	return rows
}
