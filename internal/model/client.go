package model

import (
	"time"
)

// ClientStatus is the CRM lifecycle of a contact.
type ClientStatus string

const (
	ClientLead     ClientStatus = "LEAD"
	ClientHot      ClientStatus = "HOT"
	ClientCustomer ClientStatus = "CUSTOMER"
	ClientArchived ClientStatus = "ARCHIVED"
	ClientBlocked  ClientStatus = "BLOCKED"
)

// IsVIP reports whether the client's media is kept on the long retention schedule.
func (s ClientStatus) IsVIP() bool {
	return s == ClientCustomer || s == ClientArchived
}

// VIPStatuses lists the statuses treated as VIP by retention.
var VIPStatuses = []ClientStatus{ClientCustomer, ClientArchived}

// SilenceMode is the hand-off mode of a conversation.
type SilenceMode string

const (
	SilenceNone      SilenceMode = "NONE"
	SilenceTemporary SilenceMode = "TEMPORARY"
	SilencePermanent SilenceMode = "PERMANENT"
)

// SilenceState suppresses automated replies for a conversation.
type SilenceState struct {
	Mode  SilenceMode `json:"mode"`
	Until *time.Time  `json:"until,omitempty"`
}

// Permanent returns a state only lifted by an explicit !on.
func Permanent() SilenceState {
	return SilenceState{Mode: SilencePermanent}
}

// Temporary returns a state that lapses at until.
func Temporary(until time.Time) SilenceState {
	return SilenceState{Mode: SilenceTemporary, Until: &until}
}

// NoSilence returns the cleared state.
func NoSilence() SilenceState {
	return SilenceState{Mode: SilenceNone}
}

// Suppresses reports whether the bot must stay quiet at now.
// Permanent always wins; Temporary holds only while now < Until.
func (s SilenceState) Suppresses(now time.Time) bool {
	switch s.Mode {
	case SilencePermanent:
		return true
	case SilenceTemporary:
		return s.Until != nil && now.Before(*s.Until)
	default:
		return false
	}
}

// IsPermanent reports whether the state is Permanent.
func (s SilenceState) IsPermanent() bool {
	return s.Mode == SilencePermanent
}

// Client is the CRM record of a conversation partner.
type Client struct {
	ID              string       `json:"id" gorm:"primaryKey;type:text"`
	BotID           string       `json:"bot_id" gorm:"type:text;uniqueIndex:idx_clients_bot_chat,priority:1"`
	ChatID          string       `json:"chat_id" gorm:"type:text;uniqueIndex:idx_clients_bot_chat,priority:2"`
	Name            string       `json:"name,omitempty" gorm:"type:text"`
	ProfilePicURL   string       `json:"profile_pic_url,omitempty" gorm:"column:profile_pic_url;type:text"`
	Status          ClientStatus `json:"status" gorm:"type:text;default:LEAD;index"`
	SilenceMode     SilenceMode  `json:"silence_mode" gorm:"type:text;default:NONE"`
	SilencedUntil   *time.Time   `json:"silenced_until,omitempty"`
	LastBroadcastAt *time.Time   `json:"last_broadcast_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the Client model.
func (Client) TableName() string {
	return "clients"
}

// Silence returns the client's silence state.
func (c *Client) Silence() SilenceState {
	mode := c.SilenceMode
	if mode == "" {
		mode = SilenceNone
	}
	return SilenceState{Mode: mode, Until: c.SilencedUntil}
}

// DisplayName returns the name used in broadcast templates.
func (c *Client) DisplayName() string {
	if c.Name == "" {
		return "Cliente"
	}
	return c.Name
}

// ClientUpdate is emitted whenever a conversation's silence state changes.
type ClientUpdate struct {
	ChatID  string       `json:"chat_id"`
	Silence SilenceState `json:"silence"`
}

// RecipientCriteria selects broadcast recipients. ChatIDs wins over Statuses when both are set.
type RecipientCriteria struct {
	ChatIDs  []string       `json:"chat_ids,omitempty"`
	Statuses []ClientStatus `json:"statuses,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}
