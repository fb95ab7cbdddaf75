// Package control consumes fleet commands from JetStream and applies them to
// the session manager, the broadcast engine and the store.
package control

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/validator"
)

// Command names, the subject tokens after the tenant id.
const (
	CmdSessionStart  = "session.start"
	CmdSessionStop   = "session.stop"
	CmdSessionLogout = "session.logout"
	CmdBroadcastRun  = "broadcast.run"
	CmdConfigUpdate  = "config.update"
	CmdReminderAdd   = "reminder.add"
	CmdClientStatus  = "client.status"
)

// Commands lists every routable command.
var Commands = []string{
	CmdSessionStart,
	CmdSessionStop,
	CmdSessionLogout,
	CmdBroadcastRun,
	CmdConfigUpdate,
	CmdReminderAdd,
	CmdClientStatus,
}

// DefaultSubjectPrefix is the subject root control commands are published under.
const DefaultSubjectPrefix = "v1.control"

// Subject builds <prefix>.<tenant>.<command>.
func Subject(prefix, tenantID, command string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, tenantID, command)
}

// ParseSubject splits a control subject into tenant and command.
func ParseSubject(prefix, subject string) (tenantID, command string, err error) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", "", fmt.Errorf("%w: subject %q outside %q", apperrors.ErrBadRequest, subject, prefix)
	}
	tenantID, command, ok = strings.Cut(rest, ".")
	if !ok || tenantID == "" || command == "" {
		return "", "", fmt.Errorf("%w: subject %q has no tenant or command", apperrors.ErrBadRequest, subject)
	}
	return tenantID, command, nil
}

// StartSession asks for a tenant connection. WatchQR keeps pairing codes
// refreshing for that many seconds instead of giving up after the first one.
type StartSession struct {
	WatchQR int `json:"watch_qr,omitempty" validate:"gte=0,lte=600"`
}

// WatchDuration returns WatchQR as a duration.
func (s StartSession) WatchDuration() time.Duration {
	return time.Duration(s.WatchQR) * time.Second
}

// RunBroadcast launches a campaign. Explicit recipients win over the CRM criteria.
type RunBroadcast struct {
	Template   string                  `json:"template"`
	Media      *model.Media            `json:"media,omitempty"`
	Recipients []model.Recipient       `json:"recipients,omitempty" validate:"dive"`
	Criteria   model.RecipientCriteria `json:"criteria"`
}

// AddReminder schedules a payment reminder.
type AddReminder struct {
	ChatID         string    `json:"chat_id" validate:"required"`
	DueAt          time.Time `json:"due_at" validate:"required"`
	RecurrenceDays *int      `json:"recurrence_days,omitempty" validate:"omitempty,gte=1"`
}

// SetClientStatus moves a CRM client.
type SetClientStatus struct {
	ChatID string             `json:"chat_id" validate:"required"`
	Status model.ClientStatus `json:"status" validate:"required,oneof=LEAD HOT CUSTOMER ARCHIVED BLOCKED"`
}

// decode unmarshals an optional JSON body into v and validates it.
// Malformed bodies are fatal: redelivery cannot fix them.
func decode(data []byte, v any) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return apperrors.NewFatal(fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err), "unmarshal command")
		}
	}
	if err := validator.Validate(v); err != nil {
		return apperrors.NewFatal(err, "invalid command")
	}
	return nil
}
