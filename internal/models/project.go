package models

import (
	"time"

	"github.com/scan-orchestrator/internal/types"
)

// UserAccount is the billing view of a user
type UserAccount struct {
	ID           string         `json:"id" db:"id"`
	Tier         types.UserTier `json:"tier" db:"tier"`
	BalanceCents int64          `json:"balanceCents" db:"balance_cents"`
}

// Project is the read-only scan definition owned by the surrounding application
type Project struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"userId" db:"user_id"`
	Name            string          `json:"name" db:"name"`
	BrandNames      []string        `json:"brandNames" db:"brand_names"`
	Domain          string          `json:"domain" db:"domain"`
	ModelIDs        []string        `json:"modelIds" db:"model_ids"`
	FollowUpEnabled bool            `json:"followUpEnabled" db:"follow_up_enabled"`
	FollowUpDepth   int             `json:"followUpDepth" db:"follow_up_depth"`
	Schedule        *ScheduleConfig `json:"schedule,omitempty"`
}

// Query is one test prompt of a project
type Query struct {
	ID        string `json:"id" db:"id"`
	ProjectID string `json:"projectId" db:"project_id"`
	Text      string `json:"text" db:"text"`
}

// ScheduleConfig controls recurring scans of a project
type ScheduleConfig struct {
	Frequency  types.Frequency `json:"frequency" db:"schedule_frequency"`
	Hour       int             `json:"hour" db:"schedule_hour"`
	DayOfWeek  *time.Weekday   `json:"dayOfWeek,omitempty" db:"schedule_day_of_week"`
	DayOfMonth *int            `json:"dayOfMonth,omitempty" db:"schedule_day_of_month"`
	Timezone   string          `json:"timezone" db:"schedule_timezone"`
	NextRunAt  *time.Time      `json:"nextRunAt,omitempty" db:"next_run_at"`
}

// ScanPlan is everything a worker needs to run a project's scan
type ScanPlan struct {
	Project *Project
	Queries []*Query
	Account *UserAccount
}
