package model

import (
	"time"
)

// RecipientStatus is the terminal result of one campaign recipient.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "PENDING"
	RecipientSent    RecipientStatus = "SENT"
	RecipientFailed  RecipientStatus = "FAILED"
)

// Recipient is one campaign target.
type Recipient struct {
	ChatID string `json:"chat_id" validate:"required"`
	Name   string `json:"name,omitempty"`
}

// RecipientResult records what happened to one recipient.
type RecipientResult struct {
	ChatID   string          `json:"chat_id"`
	Status   RecipientStatus `json:"status"`
	Attempts int             `json:"attempts"`
	Ref      string          `json:"ref,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Campaign is a one-shot bulk send. It is never restarted once launched.
type Campaign struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Recipients []Recipient       `json:"recipients"`
	Template   string            `json:"template"`
	Media      *Media            `json:"media,omitempty"`
	Results    []RecipientResult `json:"results,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// Summary is the reportable result of a campaign.
type Summary struct {
	CampaignID string `json:"campaign_id"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
}

// Total returns Sent + Failed.
func (s Summary) Total() int {
	return s.Sent + s.Failed
}
