// Package types provides common type definitions for the scan orchestrator.
package types

// UserTier represents the billing tier of a user
type UserTier string

const (
	// TierFree represents users without credits; scans bypass the ledger
	TierFree UserTier = "free"
	// TierPaid represents users billed against a credit balance
	TierPaid UserTier = "paid"
	// TierUnlimited represents internal or enterprise users that are never billed
	TierUnlimited UserTier = "unlimited"
)

// Billable reports whether scans for this tier go through the credit ledger.
func (t UserTier) Billable() bool {
	return t == TierPaid
}

// QueueStatus represents the lifecycle state of a queue item
type QueueStatus string

const (
	// QueueStatusPending represents an item waiting to be claimed
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusRunning represents an item held by exactly one worker
	QueueStatusRunning QueueStatus = "running"
	// QueueStatusPaused represents an item parked by the user
	QueueStatusPaused QueueStatus = "paused"
	// QueueStatusCompleted represents a finished item
	QueueStatusCompleted QueueStatus = "completed"
	// QueueStatusFailed represents an item that failed or was swept as stuck
	QueueStatusFailed QueueStatus = "failed"
	// QueueStatusCancelled represents an item cancelled by the user
	QueueStatusCancelled QueueStatus = "cancelled"
)

// IsTerminal reports whether the engine may no longer mutate an item in this status.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts towards the one-active-item-per-project rule.
// A paused item keeps the slot until it is resumed or cancelled.
func (s QueueStatus) IsActive() bool {
	return s == QueueStatusPending || s == QueueStatusRunning || s == QueueStatusPaused
}

// CanTransition reports whether from -> to is an edge of the queue state machine.
func CanTransition(from, to QueueStatus) bool {
	switch from {
	case QueueStatusPending:
		return to == QueueStatusRunning || to == QueueStatusCancelled
	case QueueStatusRunning:
		switch to {
		case QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled, QueueStatusPaused, QueueStatusPending:
			return true
		}
		return false
	case QueueStatusPaused:
		return to == QueueStatusPending || to == QueueStatusCancelled
	default:
		return false
	}
}

// ScanStatus represents the status of a scan aggregate
type ScanStatus string

const (
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
	ScanStatusCancelled ScanStatus = "cancelled"
)

// ReservationStatus represents the lifecycle of a credit reservation
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
)

// Frequency represents how often a scheduled project runs
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// ProviderTag identifies the AI vendor serving a model.
// Resolved once from the model catalog, never inferred from the model name.
type ProviderTag string

const (
	ProviderOpenAI     ProviderTag = "openai"
	ProviderAnthropic  ProviderTag = "anthropic"
	ProviderGoogle     ProviderTag = "google"
	ProviderPerplexity ProviderTag = "perplexity"
	ProviderMistral    ProviderTag = "mistral"
)

// Valid reports whether the tag is one of the known providers.
func (p ProviderTag) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderPerplexity, ProviderMistral:
		return true
	}
	return false
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}
