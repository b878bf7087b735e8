package processor

import (
	"fmt"
	"time"

	"github.com/docuflow/docuflow/common"
	"github.com/docuflow/docuflow/model"
)

// Hook observes processor executions. Hooks run in registration order; a
// panic inside a hook is recovered and logged and never interrupts the
// pipeline.
type Hook interface {
	Before(exec *model.ProcessorExecution)
	After(exec *model.ProcessorExecution, output map[string]interface{})
	OnFailure(exec *model.ProcessorExecution, err error)
}

// HookManager holds the observer chain invoked around every execution.
type HookManager struct {
	hooks []Hook
}

// NewHookManager creates a manager with the given hooks, in order.
func NewHookManager(hooks ...Hook) *HookManager {
	return &HookManager{hooks: hooks}
}

// Add appends a hook to the chain.
func (m *HookManager) Add(h Hook) {
	m.hooks = append(m.hooks, h)
}

// RunBefore invokes every Before hook.
func (m *HookManager) RunBefore(exec *model.ProcessorExecution) {
	for _, h := range m.hooks {
		m.safely(func() { h.Before(exec) })
	}
}

// RunAfter invokes every After hook.
func (m *HookManager) RunAfter(exec *model.ProcessorExecution, output map[string]interface{}) {
	for _, h := range m.hooks {
		m.safely(func() { h.After(exec, output) })
	}
}

// RunOnFailure invokes every OnFailure hook.
func (m *HookManager) RunOnFailure(exec *model.ProcessorExecution, err error) {
	for _, h := range m.hooks {
		m.safely(func() { h.OnFailure(exec, err) })
	}
}

func (m *HookManager) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			common.Logger.WithField("panic", fmt.Sprintf("%v", r)).
				Error("hook panicked")
		}
	}()
	fn()
}

// TimeTrackingHook is the baseline hook recording started_at and computing
// duration_ms on completion or failure.
type TimeTrackingHook struct {
	now func() time.Time
}

// NewTimeTrackingHook creates the baseline timing hook.
func NewTimeTrackingHook() *TimeTrackingHook {
	return &TimeTrackingHook{now: time.Now}
}

// Before stamps started_at.
func (h *TimeTrackingHook) Before(exec *model.ProcessorExecution) {
	started := h.now()
	exec.StartedAt = &started
}

// After computes duration_ms from started_at.
func (h *TimeTrackingHook) After(exec *model.ProcessorExecution, _ map[string]interface{}) {
	h.finish(exec)
}

// OnFailure computes duration_ms for failed executions too.
func (h *TimeTrackingHook) OnFailure(exec *model.ProcessorExecution, _ error) {
	h.finish(exec)
}

func (h *TimeTrackingHook) finish(exec *model.ProcessorExecution) {
	completed := h.now()
	exec.CompletedAt = &completed
	if exec.StartedAt != nil {
		exec.DurationMs = completed.Sub(*exec.StartedAt).Milliseconds()
	}
}
