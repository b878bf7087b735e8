// Package rules evaluates tenant-defined row-level validation rules for
// table-oriented processors. Rules are either regex matches or small
// comparison expressions; failure messages are rendered in the resolved
// locale with placeholder substitution.
package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docuflow/docuflow/model"
	"github.com/docuflow/docuflow/tenant"
	"gorm.io/gorm"
)

// DefaultLocale is the final fallback for message rendering.
const DefaultLocale = "en"

// ErrRuleNotFound is returned when no active rule exists under a slug.
var ErrRuleNotFound = errors.New("validation rule not found")

// Violation is a failed rule check with its rendered message.
type Violation struct {
	Rule      string
	Attribute string
	Value     string
	Message   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Attribute, v.Message)
}

// Repository reads custom validation rules from the tenant database.
type Repository interface {
	BySlug(ctx context.Context, slug string) (*model.CustomValidationRule, error)
	ListActive(ctx context.Context) ([]model.CustomValidationRule, error)
}

// GormRepository is the tenant-database Repository.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a rule repository over a tenant handle.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) BySlug(ctx context.Context, slug string) (*model.CustomValidationRule, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	var rule model.CustomValidationRule
	err := r.db.WithContext(ctx).Where("slug = ? AND active = ?", slug, true).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, slug)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *GormRepository) ListActive(ctx context.Context) ([]model.CustomValidationRule, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	var rows []model.CustomValidationRule
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("slug").Find(&rows).Error
	return rows, err
}

// ResolveLocale picks the message locale: campaign setting, then tenant
// setting, then the platform default.
func ResolveLocale(campaign *model.Campaign, t *model.Tenant) string {
	if campaign != nil {
		if locale, ok := campaign.Settings["locale"].(string); ok && locale != "" {
			return locale
		}
	}
	if t != nil {
		if locale, ok := t.Settings["locale"].(string); ok && locale != "" {
			return locale
		}
	}
	return DefaultLocale
}

// Validator checks values against stored rules.
type Validator struct {
	repo Repository
}

// NewValidator creates a validator over a rule repository.
func NewValidator(repo Repository) *Validator {
	return &Validator{repo: repo}
}

// Validate checks value against the named rule. It returns nil when the
// rule passes and a *Violation with a locale-rendered message when it
// fails.
func (v *Validator) Validate(ctx context.Context, ruleSlug, attribute, value, locale string) error {
	rule, err := v.repo.BySlug(ctx, ruleSlug)
	if err != nil {
		return err
	}
	ok, err := Evaluate(rule, value)
	if err != nil {
		return fmt.Errorf("rule %s: %w", ruleSlug, err)
	}
	if ok {
		return nil
	}
	return &Violation{
		Rule:      rule.Slug,
		Attribute: attribute,
		Value:     value,
		Message:   RenderMessage(rule, locale, attribute, value),
	}
}

// Evaluate runs the rule check against a raw value.
func Evaluate(rule *model.CustomValidationRule, value string) (bool, error) {
	switch rule.Type {
	case model.RuleTypeRegex:
		pattern, _ := rule.Config["pattern"].(string)
		if pattern == "" {
			return false, fmt.Errorf("regex rule has no pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(value), nil
	case model.RuleTypeExpression:
		return evaluateExpression(rule.Config, value)
	default:
		return false, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

// evaluateExpression checks a single comparison. Config shape:
//
//	{"subject": "value"|"length", "op": "...", "operand": ...}
//
// Supported ops: eq, ne, gt, gte, lt, lte, in, contains. Numeric ops
// compare the value numerically when it parses, otherwise fail the rule.
func evaluateExpression(config model.JSONMap, value string) (bool, error) {
	op, _ := config["op"].(string)
	if op == "" {
		return false, fmt.Errorf("expression rule has no op")
	}
	subject, _ := config["subject"].(string)
	if subject == "" {
		subject = "value"
	}
	operand := config["operand"]

	switch op {
	case "eq", "ne":
		want := fmt.Sprintf("%v", operand)
		got := value
		if subject == "length" {
			got = strconv.Itoa(len(value))
		}
		if op == "eq" {
			return got == want, nil
		}
		return got != want, nil
	case "gt", "gte", "lt", "lte":
		var got float64
		if subject == "length" {
			got = float64(len(value))
		} else {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return false, nil
			}
			got = parsed
		}
		want, err := toFloat(operand)
		if err != nil {
			return false, fmt.Errorf("expression operand: %w", err)
		}
		switch op {
		case "gt":
			return got > want, nil
		case "gte":
			return got >= want, nil
		case "lt":
			return got < want, nil
		default:
			return got <= want, nil
		}
	case "in":
		options, ok := operand.([]interface{})
		if !ok {
			return false, fmt.Errorf("in operand must be a list")
		}
		for _, option := range options {
			if fmt.Sprintf("%v", option) == value {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		needle := fmt.Sprintf("%v", operand)
		return strings.Contains(value, needle), nil
	default:
		return false, fmt.Errorf("unknown expression op %q", op)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// RenderMessage builds the failure message for a locale, substituting
// :attribute, :value and the rule's own placeholders. Missing locales fall
// back to the default locale, then to a generic message.
func RenderMessage(rule *model.CustomValidationRule, locale, attribute, value string) string {
	template := translationFor(rule, locale)
	if template == "" {
		return fmt.Sprintf("%s is invalid", attribute)
	}

	msg := strings.ReplaceAll(template, ":attribute", attribute)
	msg = strings.ReplaceAll(msg, ":value", value)

	for key, val := range placeholdersFor(rule, locale) {
		msg = strings.ReplaceAll(msg, ":"+key, fmt.Sprintf("%v", val))
	}
	return msg
}

func translationFor(rule *model.CustomValidationRule, locale string) string {
	if t, ok := rule.Translations[locale].(string); ok && t != "" {
		return t
	}
	if t, ok := rule.Translations[DefaultLocale].(string); ok && t != "" {
		return t
	}
	return ""
}

func placeholdersFor(rule *model.CustomValidationRule, locale string) map[string]interface{} {
	if p, ok := rule.Placeholders[locale].(map[string]interface{}); ok {
		return p
	}
	if p, ok := rule.Placeholders[DefaultLocale].(map[string]interface{}); ok {
		return p
	}
	return nil
}
