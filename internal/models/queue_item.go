// Package models provides data models for the scan orchestrator.
package models

import (
	"time"

	"github.com/scan-orchestrator/internal/types"
)

// QueueItem represents one scan request in the work queue.
// It is mutated only by the worker that currently holds it in running status.
type QueueItem struct {
	ID              string            `json:"id" db:"id"`
	UserID          string            `json:"userId" db:"user_id"`
	ProjectID       string            `json:"projectId" db:"project_id"`
	Status          types.QueueStatus `json:"status" db:"status"`
	Priority        int               `json:"priority" db:"priority"`
	ProgressCurrent int               `json:"progressCurrent" db:"progress_current"`
	ProgressTotal   int               `json:"progressTotal" db:"progress_total"`
	ProgressMessage string            `json:"progressMessage" db:"progress_message"`
	ScanID          *string           `json:"scanId,omitempty" db:"scan_id"`
	IsScheduled     bool              `json:"isScheduled" db:"is_scheduled"`
	Error           *string           `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time         `json:"createdAt" db:"created_at"`
	StartedAt       *time.Time        `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty" db:"completed_at"`
	UpdatedAt       time.Time         `json:"updatedAt" db:"updated_at"`
}

// Progress is a progress update written by the owning worker
type Progress struct {
	Current int
	Total   int
	Message string
}
