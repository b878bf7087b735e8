// Package statemachine encodes the document, job, and processor-execution
// lifecycles as static transition tables. Repositories call Guard at the
// persistence boundary; an illegal transition is a programming error and is
// surfaced loudly, never silently swallowed.
package statemachine

import (
	"fmt"

	"github.com/docuflow/docuflow/model"
)

// Machine identifies one of the platform lifecycles.
type Machine string

const (
	MachineDocument  Machine = "document"
	MachineJob       Machine = "document_job"
	MachineExecution Machine = "processor_execution"
)

// TransitionError reports a rejected state change.
type TransitionError struct {
	Machine Machine
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("state transition rejected: %s %s -> %s", e.Machine, e.From, e.To)
}

type edge struct {
	from string
	to   string
}

var allowed = map[Machine]map[edge]bool{
	MachineDocument: {
		{model.DocumentPending, model.DocumentQueued}:        true,
		{model.DocumentQueued, model.DocumentProcessing}:     true,
		{model.DocumentProcessing, model.DocumentCompleted}:  true,
		{model.DocumentProcessing, model.DocumentFailed}:     true,
		{model.DocumentPending, model.DocumentCancelled}:     true,
		{model.DocumentQueued, model.DocumentCancelled}:      true,
		{model.DocumentProcessing, model.DocumentCancelled}:  true,
		// Idempotent re-fail when retries are exhausted.
		{model.DocumentFailed, model.DocumentFailed}: true,
	},
	MachineJob: {
		{model.JobPending, model.JobQueued}:    true,
		{model.JobPending, model.JobRunning}:   true, // direct pickup by a worker
		{model.JobQueued, model.JobRunning}:    true,
		{model.JobRunning, model.JobCompleted}: true,
		{model.JobRunning, model.JobFailed}:    true,
		{model.JobPending, model.JobCancelled}: true,
		{model.JobQueued, model.JobCancelled}:  true,
		{model.JobRunning, model.JobCancelled}: true,
		// Retry policy re-queues a failed job while attempts remain.
		{model.JobFailed, model.JobQueued}: true,
		// Idempotent re-fail when retries are exhausted.
		{model.JobFailed, model.JobFailed}: true,
	},
	MachineExecution: {
		{model.ExecutionPending, model.ExecutionRunning}:   true,
		{model.ExecutionRunning, model.ExecutionCompleted}: true,
		{model.ExecutionRunning, model.ExecutionFailed}:    true,
		{model.ExecutionPending, model.ExecutionSkipped}:   true,
		{model.ExecutionPending, model.ExecutionFailed}:    true, // failed before start (e.g. cancelled)
	},
}

var terminal = map[Machine]map[string]bool{
	MachineDocument: {
		model.DocumentCompleted: true,
		model.DocumentFailed:    true,
		model.DocumentCancelled: true,
	},
	MachineJob: {
		model.JobCompleted: true,
		model.JobFailed:    true,
		model.JobCancelled: true,
	},
	MachineExecution: {
		model.ExecutionCompleted: true,
		model.ExecutionFailed:    true,
		model.ExecutionSkipped:   true,
	},
}

// Guard returns nil when the transition is legal and a *TransitionError
// otherwise.
func Guard(m Machine, from, to string) error {
	if allowed[m][edge{from, to}] {
		return nil
	}
	return &TransitionError{Machine: m, From: from, To: to}
}

// CanTransition reports whether the transition is legal.
func CanTransition(m Machine, from, to string) bool {
	return allowed[m][edge{from, to}]
}

// IsTerminal reports whether the state is terminal for the machine. The
// failed->failed job self-loop is the single permitted transition out of a
// terminal state.
func IsTerminal(m Machine, state string) bool {
	return terminal[m][state]
}
