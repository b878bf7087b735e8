// Package processor defines the uniform contract heterogeneous processing
// units satisfy, the registry that resolves them by slug, the hook chain
// run around every execution, and the schema validation of their outputs.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/model"
)

// Failure kinds reported through Result.
const (
	KindExecution          = "execution_failure"
	KindTimeout            = "timeout"
	KindCancelled          = "cancelled"
	KindCredentialNotFound = "credential_not_found"
	KindOutputValidation   = "output_validation_failure"
	KindNotRegistered      = "processor_not_registered"
)

// DefaultTimeout applies when a processor does not declare one.
const DefaultTimeout = 60 * time.Second

// Description is the processor's self-declared metadata. ConfigSchema
// validates step configs at import time; OutputSchema, when present,
// validates execution output before a step commits.
type Description struct {
	Name         string
	Category     string
	ConfigSchema model.JSONMap
	OutputSchema model.JSONMap
	Timeout      time.Duration
}

// CredentialSource resolves credentials for the executing step. The
// orchestrator binds the processor, campaign, and tenant references before
// handing it to the processor.
type CredentialSource interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// ContentStore is the slice of the storage layer processors may read
// document content through.
type ContentStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// ExecutionContext carries everything a processor may touch during one
// invocation.
type ExecutionContext struct {
	Document     *model.Document
	Campaign     *model.Campaign
	StepConfig   model.JSONMap
	PriorOutputs map[string]model.JSONMap // step id -> committed output
	Credentials  CredentialSource
	Storage      ContentStore
	Logger       *common.ContextLogger
}

// Credential resolves a required credential. A miss is a non-retriable
// failure for the enclosing job.
func (ec *ExecutionContext) Credential(ctx context.Context, key string) (string, error) {
	if ec.Credentials == nil {
		return "", fmt.Errorf("credential %q: no credential source bound", key)
	}
	return ec.Credentials.Resolve(ctx, key)
}

// OptionalCredential resolves a credential, returning ok=false on a miss
// instead of an error.
func (ec *ExecutionContext) OptionalCredential(ctx context.Context, key string) (string, bool) {
	if ec.Credentials == nil {
		return "", false
	}
	value, err := ec.Credentials.Resolve(ctx, key)
	if err != nil {
		return "", false
	}
	return value, true
}

// Result is the outcome of one processor invocation: either a success with
// output and metering, or a failure with a kind and retriability.
type Result struct {
	Success       bool
	Output        model.JSONMap
	TokensUsed    int64
	CostCredits   int64
	MetadataDelta model.JSONMap

	Kind      string
	Message   string
	Retriable bool
}

// Succeed builds a success result.
func Succeed(output model.JSONMap) Result {
	return Result{Success: true, Output: output}
}

// Fail builds a failure result.
func Fail(kind, message string, retriable bool) Result {
	return Result{Success: false, Kind: kind, Message: message, Retriable: retriable}
}

// Failf builds a failure result with a formatted message.
func Failf(kind string, retriable bool, format string, args ...interface{}) Result {
	return Fail(kind, fmt.Sprintf(format, args...), retriable)
}

// Processor is the uniform execute/validate/describe contract every
// processing unit satisfies.
type Processor interface {
	// ID returns the stable lowercase slug the registry indexes by.
	ID() string

	// Describe returns the processor's metadata and schemas.
	Describe() Description

	// Execute runs one invocation. Implementations honor ctx cancellation
	// on anything that awaits I/O.
	Execute(ctx context.Context, ec *ExecutionContext) Result
}

// SlugFromName derives a registry slug from an implementation type name:
// the "Processor" suffix is stripped and the rest lowercased, so
// "OCRProcessor" registers as "ocr".
func SlugFromName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "Processor"))
}

// ErrNotRegistered is returned when a step references a slug the registry
// cannot resolve, even after the lazy database fallback.
var ErrNotRegistered = errors.New("processor not registered")
