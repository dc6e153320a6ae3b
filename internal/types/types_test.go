package types

import (
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from QueueStatus
		to   QueueStatus
		want bool
	}{
		{"pending to running", QueueStatusPending, QueueStatusRunning, true},
		{"pending to cancelled", QueueStatusPending, QueueStatusCancelled, true},
		{"pending to completed", QueueStatusPending, QueueStatusCompleted, false},
		{"running to completed", QueueStatusRunning, QueueStatusCompleted, true},
		{"running to failed", QueueStatusRunning, QueueStatusFailed, true},
		{"running to paused", QueueStatusRunning, QueueStatusPaused, true},
		{"running yields to pending", QueueStatusRunning, QueueStatusPending, true},
		{"paused to pending", QueueStatusPaused, QueueStatusPending, true},
		{"paused to cancelled", QueueStatusPaused, QueueStatusCancelled, true},
		{"paused to running", QueueStatusPaused, QueueStatusRunning, false},
		{"completed is terminal", QueueStatusCompleted, QueueStatusPending, false},
		{"failed is terminal", QueueStatusFailed, QueueStatusCancelled, false},
		{"cancelled is terminal", QueueStatusCancelled, QueueStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestQueueStatus_IsTerminal(t *testing.T) {
	for _, s := range []QueueStatus{QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []QueueStatus{QueueStatusPending, QueueStatusRunning, QueueStatusPaused} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestQueueStatus_IsActive(t *testing.T) {
	for _, s := range []QueueStatus{QueueStatusPending, QueueStatusRunning, QueueStatusPaused} {
		if !s.IsActive() {
			t.Errorf("%s should hold the project slot", s)
		}
	}
	for _, s := range []QueueStatus{QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled} {
		if s.IsActive() {
			t.Errorf("%s should free the project slot", s)
		}
	}
}

func TestUserTier_Billable(t *testing.T) {
	if !TierPaid.Billable() {
		t.Error("paid tier must be billable")
	}
	if TierFree.Billable() || TierUnlimited.Billable() {
		t.Error("free and unlimited tiers bypass the ledger")
	}
}
