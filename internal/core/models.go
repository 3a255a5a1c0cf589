package core

import (
	"time"
)

// Campaign statuses. The engine only transitions
// scheduled -> sending -> completed|failed|canceled; draft belongs to the
// product layer.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
	CampaignCanceled  = "canceled"
)

// SendUnit states.
const (
	UnitPending        = "pending"
	UnitInFlight       = "in_flight"
	UnitSent           = "sent"
	UnitFailedRetry    = "failed_retryable"
	UnitFailedTerminal = "failed_terminal"
)

type Campaign struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Name        string     `json:"name"`
	Subject     string     `json:"subject"`
	Template    string     `json:"template"`
	FromName    string     `json:"from_name"`
	FromEmail   string     `json:"from_email"`
	AIGenerated bool       `json:"ai_generated"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Recipient struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Address    string            `json:"address"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// SendUnit is one recipient's delivery within a campaign. Units are never
// deleted, only transitioned, so the table doubles as the audit trail.
type SendUnit struct {
	ID                string     `json:"id"`
	CampaignID        string     `json:"campaign_id"`
	RecipientID       string     `json:"recipient_id"`
	ProviderKey       string     `json:"provider_key"`
	State             string     `json:"state"`
	Attempts          int        `json:"attempts"`
	LastError         *string    `json:"last_error,omitempty"`
	NextRetryAt       time.Time  `json:"next_retry_at"`
	LeaseOwner        *string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
}

// Outcome is what a worker reports when releasing a claimed unit.
type Outcome struct {
	State             string // sent | pending | failed_retryable | failed_terminal
	Error             string
	NextRetryAt       time.Time // zero value means claimable immediately
	ConsumeAttempt    bool      // false for back-pressure releases (quota, rate limit)
	ProviderMessageID string
}

// CampaignProgress is the aggregation served by the status query.
type CampaignProgress struct {
	CampaignID string         `json:"campaign_id"`
	Status     string         `json:"status"`
	Sent       int            `json:"sent"`
	Pending    int            `json:"pending"`
	Failed     int            `json:"failed"`
	Total      int            `json:"total"`
	Reasons    map[string]int `json:"failure_reasons,omitempty"`
}
