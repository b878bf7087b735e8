// Package importer loads, validates and materializes campaign definitions
// from JSON or YAML supplied by file, STDIN or inline string.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/pipeline"
	"github.com/docuflow/docuflow/processor"
	"gopkg.in/yaml.v3"
)

// ValidationError is one field-level problem in a definition.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidDefinitionError aggregates every validation failure found in a
// definition. Nothing is persisted when it is returned.
type InvalidDefinitionError struct {
	Errors []ValidationError
}

func (e *InvalidDefinitionError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		parts[i] = v.Error()
	}
	return "invalid campaign definition: " + strings.Join(parts, "; ")
}

// ParseError reports unreadable or syntactically invalid input.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse campaign definition: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StepDefinition is one pipeline step in a definition.
type StepDefinition struct {
	ID     string                 `json:"id" yaml:"id"`
	Type   string                 `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// ChecklistItem is one entry of an optional checklist template.
type ChecklistItem struct {
	Label    string `json:"label" yaml:"label"`
	Required bool   `json:"required" yaml:"required"`
}

// Definition is the external campaign definition format.
type Definition struct {
	Name              string                 `json:"name" yaml:"name"`
	Slug              string                 `json:"slug" yaml:"slug"`
	Description       string                 `json:"description" yaml:"description"`
	Type              string                 `json:"type" yaml:"type"`
	State             string                 `json:"state" yaml:"state"`
	Processors        []StepDefinition       `json:"processors" yaml:"processors"`
	Settings          map[string]interface{} `json:"settings" yaml:"settings"`
	AllowedMimeTypes  []string               `json:"allowed_mime_types" yaml:"allowed_mime_types"`
	MaxFileSizeBytes  int64                  `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	MaxConcurrentJobs int                    `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	RetentionDays     int                    `json:"retention_days" yaml:"retention_days"`
	ChecklistTemplate []ChecklistItem        `json:"checklist_template" yaml:"checklist_template"`
}

// Source describes where the definition comes from. When several are set
// the priority is inline, then STDIN, then file.
type Source struct {
	Inline   string
	Stdin    io.Reader
	FilePath string
}

// Load reads and parses a definition from the highest-priority source.
// YAML parsing also accepts JSON input.
func Load(source Source) (*Definition, error) {
	var raw []byte
	switch {
	case source.Inline != "":
		raw = []byte(source.Inline)
	case source.Stdin != nil:
		data, err := io.ReadAll(source.Stdin)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("failed to read STDIN: %w", err)}
		}
		raw = data
	case source.FilePath != "":
		data, err := os.ReadFile(source.FilePath)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("failed to read %s: %w", source.FilePath, err)}
		}
		raw = data
	default:
		return nil, &ParseError{Err: errors.New("no definition source provided")}
	}

	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, &ParseError{Err: errors.New("definition is empty")}
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &def, nil
}

var campaignTypes = map[string]bool{
	model.CampaignTypeTemplate: true,
	model.CampaignTypeCustom:   true,
	model.CampaignTypeMeta:     true,
}

var campaignStates = map[string]bool{
	model.CampaignDraft:    true,
	model.CampaignActive:   true,
	model.CampaignPaused:   true,
	model.CampaignArchived: true,
}

// Importer validates definitions against the processor registry and
// materializes campaigns in the tenant database.
type Importer struct {
	registry  *processor.Registry
	campaigns pipeline.CampaignRepository
}

// NewImporter creates an importer. campaigns may be nil for validate-only
// use without a tenant binding.
func NewImporter(registry *processor.Registry, campaigns pipeline.CampaignRepository) *Importer {
	return &Importer{registry: registry, campaigns: campaigns}
}

// Validate runs every check on the definition and returns the full list
// of problems found.
func (im *Importer) Validate(ctx context.Context, def *Definition) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, ValidationError{Field: "name", Reason: "required"})
	}
	if !campaignTypes[def.Type] {
		errs = append(errs, ValidationError{Field: "type", Reason: fmt.Sprintf("must be one of template, custom, meta; got %q", def.Type)})
	}
	if !campaignStates[def.State] {
		errs = append(errs, ValidationError{Field: "state", Reason: fmt.Sprintf("must be one of draft, active, paused, archived; got %q", def.State)})
	}
	if len(def.Processors) == 0 {
		errs = append(errs, ValidationError{Field: "processors", Reason: "must not be empty"})
	}

	seen := map[string]bool{}
	for i, step := range def.Processors {
		if strings.TrimSpace(step.ID) == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("processors[%d].id", i), Reason: "required"})
		} else if seen[step.ID] {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("processors[%d].id", i), Reason: "duplicate"})
		}
		seen[step.ID] = true

		if strings.TrimSpace(step.Type) == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("processors[%d].type", i), Reason: "required"})
			continue
		}
		desc, err := im.registry.Describe(step.Type)
		if err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("processors[%d].type", i), Reason: fmt.Sprintf("unknown processor %q", step.Type)})
			continue
		}
		if err := processor.ValidateStepConfig(desc, model.JSONMap(step.Config)); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("processors[%d].config", i), Reason: err.Error()})
		}
	}

	if slug := im.effectiveSlug(def); slug != "" && im.campaigns != nil {
		_, err := im.campaigns.BySlug(ctx, slug)
		switch {
		case err == nil:
			errs = append(errs, ValidationError{Field: "slug", Reason: fmt.Sprintf("%q already exists", slug)})
		case errors.Is(err, pipeline.ErrNotFound):
			// Free to use.
		default:
			errs = append(errs, ValidationError{Field: "slug", Reason: fmt.Sprintf("uniqueness check failed: %v", err)})
		}
	}

	return errs
}

// Import validates the definition and, unless validateOnly is set,
// persists the campaign in the tenant database.
func (im *Importer) Import(ctx context.Context, def *Definition, validateOnly bool) (*model.Campaign, error) {
	if errs := im.Validate(ctx, def); len(errs) > 0 {
		return nil, &InvalidDefinitionError{Errors: errs}
	}

	campaign := im.materialize(def)
	if validateOnly {
		return campaign, nil
	}
	if im.campaigns == nil {
		return nil, errors.New("no campaign repository bound")
	}
	if err := im.campaigns.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("failed to persist campaign: %w", err)
	}
	return campaign, nil
}

func (im *Importer) materialize(def *Definition) *model.Campaign {
	steps := make([]model.PipelineStep, len(def.Processors))
	for i, step := range def.Processors {
		steps[i] = model.PipelineStep{
			ID:     step.ID,
			Type:   step.Type,
			Config: model.JSONMap(step.Config),
		}
	}

	campaign := &model.Campaign{
		Slug:              im.effectiveSlug(def),
		Name:              def.Name,
		Description:       def.Description,
		Type:              def.Type,
		State:             def.State,
		PipelineConfig:    model.PipelineConfig{Processors: steps},
		Settings:          model.JSONMap(def.Settings),
		AllowedMimeTypes:  model.StringList(def.AllowedMimeTypes),
		MaxFileSizeBytes:  def.MaxFileSizeBytes,
		MaxConcurrentJobs: def.MaxConcurrentJobs,
		RetentionDays:     def.RetentionDays,
	}
	if campaign.MaxFileSizeBytes <= 0 {
		campaign.MaxFileSizeBytes = model.DefaultMaxFileSizeBytes
	}
	if campaign.MaxConcurrentJobs <= 0 {
		campaign.MaxConcurrentJobs = 10
	}
	if campaign.RetentionDays <= 0 {
		campaign.RetentionDays = 90
	}
	if len(def.ChecklistTemplate) > 0 {
		items := make([]interface{}, len(def.ChecklistTemplate))
		for i, item := range def.ChecklistTemplate {
			items[i] = map[string]interface{}{"label": item.Label, "required": item.Required}
		}
		campaign.ChecklistTemplate = model.JSONMap{"items": items}
	}
	return campaign
}

func (im *Importer) effectiveSlug(def *Definition) string {
	if def.Slug != "" {
		return Slugify(def.Slug)
	}
	return Slugify(def.Name)
}

// Slugify lowercases and reduces a name to [a-z0-9-].
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
