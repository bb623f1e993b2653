package fsm

import (
	"errors"
	"testing"

	"github.com/shaiso/Conveyor/internal/domain"
)

func TestCanTransitionExecution(t *testing.T) {
	tests := []struct {
		from domain.ExecutionStatus
		to   domain.ExecutionStatus
		want bool
	}{
		// pending
		{domain.ExecutionStatusPending, domain.ExecutionStatusRunning, true},
		{domain.ExecutionStatusPending, domain.ExecutionStatusCancelled, true},
		{domain.ExecutionStatusPending, domain.ExecutionStatusCompleted, false},
		{domain.ExecutionStatusPending, domain.ExecutionStatusFailed, false},
		{domain.ExecutionStatusPending, domain.ExecutionStatusRetrying, false},

		// running
		{domain.ExecutionStatusRunning, domain.ExecutionStatusCompleted, true},
		{domain.ExecutionStatusRunning, domain.ExecutionStatusFailed, true},
		{domain.ExecutionStatusRunning, domain.ExecutionStatusCancelled, true},
		{domain.ExecutionStatusRunning, domain.ExecutionStatusRetrying, true}, // recovery edge
		{domain.ExecutionStatusRunning, domain.ExecutionStatusPending, false},

		// failed
		{domain.ExecutionStatusFailed, domain.ExecutionStatusRetrying, true},
		{domain.ExecutionStatusFailed, domain.ExecutionStatusCancelled, true},
		{domain.ExecutionStatusFailed, domain.ExecutionStatusRunning, false},
		{domain.ExecutionStatusFailed, domain.ExecutionStatusCompleted, false},

		// retrying
		{domain.ExecutionStatusRetrying, domain.ExecutionStatusRunning, true},
		{domain.ExecutionStatusRetrying, domain.ExecutionStatusCancelled, true},
		{domain.ExecutionStatusRetrying, domain.ExecutionStatusCompleted, false},
		{domain.ExecutionStatusRetrying, domain.ExecutionStatusFailed, false},

		// terminal
		{domain.ExecutionStatusCompleted, domain.ExecutionStatusRunning, false},
		{domain.ExecutionStatusCompleted, domain.ExecutionStatusCancelled, false},
		{domain.ExecutionStatusCancelled, domain.ExecutionStatusRunning, false},
		{domain.ExecutionStatusCancelled, domain.ExecutionStatusRetrying, false},
	}

	for _, tt := range tests {
		got := CanTransitionExecution(tt.from, tt.to)
		if got != tt.want {
			t.Errorf("CanTransitionExecution(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateExecutionTransition(t *testing.T) {
	if err := ValidateExecutionTransition(domain.ExecutionStatusPending, domain.ExecutionStatusRunning); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := ValidateExecutionTransition(domain.ExecutionStatusCompleted, domain.ExecutionStatusRunning)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCanTransitionStep(t *testing.T) {
	tests := []struct {
		from domain.StepStatus
		to   domain.StepStatus
		want bool
	}{
		{domain.StepStatusPending, domain.StepStatusRunning, true},
		{domain.StepStatusPending, domain.StepStatusSkipped, true},
		{domain.StepStatusPending, domain.StepStatusCompleted, false},
		{domain.StepStatusPending, domain.StepStatusFailed, false},

		{domain.StepStatusRunning, domain.StepStatusCompleted, true},
		{domain.StepStatusRunning, domain.StepStatusFailed, true},
		{domain.StepStatusRunning, domain.StepStatusSkipped, true},
		{domain.StepStatusRunning, domain.StepStatusPending, false},

		{domain.StepStatusCompleted, domain.StepStatusRunning, false},
		{domain.StepStatusFailed, domain.StepStatusRunning, false},
		{domain.StepStatusSkipped, domain.StepStatusRunning, false},
	}

	for _, tt := range tests {
		got := CanTransitionStep(tt.from, tt.to)
		if got != tt.want {
			t.Errorf("CanTransitionStep(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateStepTransition(t *testing.T) {
	if err := ValidateStepTransition(domain.StepStatusRunning, domain.StepStatusCompleted); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := ValidateStepTransition(domain.StepStatusCompleted, domain.StepStatusFailed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancellableStatuses(t *testing.T) {
	for _, s := range CancellableStatuses() {
		if s.IsTerminal() {
			t.Errorf("terminal status %s must not be cancellable", s)
		}
		if !CanTransitionExecution(s, domain.ExecutionStatusCancelled) {
			t.Errorf("status %s should allow cancellation", s)
		}
	}
}
