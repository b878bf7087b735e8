package processor

import (
	"errors"
	"testing"
	"time"

	"github.com/docuflow/docuflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHook records invocation order.
type recordingHook struct {
	name   string
	events *[]string
}

func (h *recordingHook) Before(*model.ProcessorExecution) {
	*h.events = append(*h.events, h.name+".before")
}

func (h *recordingHook) After(*model.ProcessorExecution, map[string]interface{}) {
	*h.events = append(*h.events, h.name+".after")
}

func (h *recordingHook) OnFailure(*model.ProcessorExecution, error) {
	*h.events = append(*h.events, h.name+".failure")
}

// panickingHook panics in every callback.
type panickingHook struct{}

func (h *panickingHook) Before(*model.ProcessorExecution)                         { panic("before") }
func (h *panickingHook) After(*model.ProcessorExecution, map[string]interface{})  { panic("after") }
func (h *panickingHook) OnFailure(*model.ProcessorExecution, error)               { panic("failure") }

func TestHookManager_RunsInRegistrationOrder(t *testing.T) {
	var events []string
	m := NewHookManager(
		&recordingHook{name: "first", events: &events},
		&recordingHook{name: "second", events: &events},
	)

	exec := &model.ProcessorExecution{}
	m.RunBefore(exec)
	m.RunAfter(exec, nil)
	m.RunOnFailure(exec, errors.New("boom"))

	assert.Equal(t, []string{
		"first.before", "second.before",
		"first.after", "second.after",
		"first.failure", "second.failure",
	}, events)
}

func TestHookManager_PanicDoesNotInterruptChain(t *testing.T) {
	var events []string
	m := NewHookManager(
		&panickingHook{},
		&recordingHook{name: "survivor", events: &events},
	)

	exec := &model.ProcessorExecution{}
	assert.NotPanics(t, func() {
		m.RunBefore(exec)
		m.RunAfter(exec, nil)
		m.RunOnFailure(exec, errors.New("boom"))
	})
	assert.Equal(t, []string{"survivor.before", "survivor.after", "survivor.failure"}, events)
}

func TestTimeTrackingHook(t *testing.T) {
	hook := NewTimeTrackingHook()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	hook.now = func() time.Time { return current }

	exec := &model.ProcessorExecution{}
	hook.Before(exec)
	require.NotNil(t, exec.StartedAt)
	assert.Equal(t, base, *exec.StartedAt)

	current = base.Add(1500 * time.Millisecond)
	hook.After(exec, nil)
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, int64(1500), exec.DurationMs)
}

func TestTimeTrackingHook_OnFailure(t *testing.T) {
	hook := NewTimeTrackingHook()
	exec := &model.ProcessorExecution{}
	hook.Before(exec)
	hook.OnFailure(exec, errors.New("boom"))
	require.NotNil(t, exec.CompletedAt)
}
