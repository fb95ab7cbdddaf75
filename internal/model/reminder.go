package model

import (
	"time"
)

// Reminder is a scheduled payment reminder for one conversation.
type Reminder struct {
	ID             string    `json:"id" gorm:"primaryKey;type:text"`
	BotID          string    `json:"bot_id" gorm:"type:text;index:idx_reminders_bot_due,priority:1"`
	ChatID         string    `json:"chat_id" gorm:"type:text"`
	DueAt          time.Time `json:"due_at" gorm:"index:idx_reminders_bot_due,priority:2"`
	RecurrenceDays *int      `json:"recurrence_days,omitempty"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for the Reminder model.
func (Reminder) TableName() string {
	return "reminders"
}

// Next returns the follow-up reminder for a recurring one, or nil.
// The caller assigns the ID.
func (r *Reminder) Next() *Reminder {
	if r.RecurrenceDays == nil || *r.RecurrenceDays <= 0 {
		return nil
	}
	days := *r.RecurrenceDays
	return &Reminder{
		BotID:          r.BotID,
		ChatID:         r.ChatID,
		DueAt:          r.DueAt.AddDate(0, 0, days),
		RecurrenceDays: &days,
	}
}
