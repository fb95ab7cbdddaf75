package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
)

type hoursPayload struct {
	Start    string `json:"start" validate:"required,hhmm"`
	End      string `json:"end" validate:"required,hhmm"`
	Timezone string `json:"timezone" validate:"tzname"`
	Count    int    `json:"count" validate:"gte=1"`
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload hoursPayload
		wantErr string
	}{
		{name: "valid", payload: hoursPayload{Start: "09:00", End: "18:00", Timezone: "UTC", Count: 1}},
		{name: "empty timezone allowed", payload: hoursPayload{Start: "22:00", End: "06:30", Count: 3}},
		{name: "bad clock", payload: hoursPayload{Start: "9am", End: "18:00", Count: 1}, wantErr: "must be a HH:MM clock time"},
		{name: "bad timezone", payload: hoursPayload{Start: "09:00", End: "18:00", Timezone: "Mars/Olympus", Count: 1}, wantErr: "IANA"},
		{name: "missing start", payload: hoursPayload{End: "18:00", Count: 1}, wantErr: "start"},
		{name: "count too low", payload: hoursPayload{Start: "09:00", End: "18:00"}, wantErr: "greater than or equal to 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.payload)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, apperrors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateVar(t *testing.T) {
	assert.NoError(t, ValidateVar("23:59", "hhmm"))
	assert.Error(t, ValidateVar("24:01", "hhmm"))
}
