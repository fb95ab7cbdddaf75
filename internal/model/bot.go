package model

import (
	"time"

	"gorm.io/datatypes"
)

// ConnectionStatus is the persisted/emitted form of a connection state kind.
type ConnectionStatus string

const (
	StatusDisconnected    ConnectionStatus = "DISCONNECTED"
	StatusConnecting      ConnectionStatus = "CONNECTING"
	StatusAwaitingPairing ConnectionStatus = "AWAITING_PAIRING"
	StatusConnected       ConnectionStatus = "CONNECTED"
)

// Bot is the tenant row. One bot owns exactly one transport session.
type Bot struct {
	ID         string           `json:"id" gorm:"primaryKey;type:text"`
	Name       string           `json:"name" gorm:"type:text"`
	IsActive   bool             `json:"is_active" gorm:"index;not null"`
	Status     ConnectionStatus `json:"status" gorm:"type:text;default:DISCONNECTED"`
	SelfName   string           `json:"self_name,omitempty" gorm:"type:text"`
	SelfNumber string           `json:"self_number,omitempty" gorm:"type:text"`
	SelfJID    string           `json:"self_jid,omitempty" gorm:"column:self_jid;type:text"`
	SelfAvatar string           `json:"self_avatar,omitempty" gorm:"type:text"`
	CreatedAt  time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the Bot model.
func (Bot) TableName() string {
	return "bots"
}

// Identity is the self-identity snapshot captured when a connection reaches Connected.
type Identity struct {
	Name      string `json:"name,omitempty"`
	Number    string `json:"number,omitempty"`
	JID       string `json:"jid,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// IsZero reports whether no identity has been captured.
func (i Identity) IsZero() bool {
	return i.JID == "" && i.Number == ""
}

// BotConfig holds per-tenant behaviour settings.
type BotConfig struct {
	BotID                  string                      `json:"bot_id" gorm:"primaryKey;type:text"`
	SystemPrompt           string                      `json:"system_prompt" gorm:"type:text"`
	BusinessContext        string                      `json:"business_context" gorm:"type:text"`
	Model                  string                      `json:"model" gorm:"type:text"`
	Temperature            float32                     `json:"temperature"`
	MaxTokens              int                         `json:"max_tokens"`
	MemoryWindow           int                         `json:"memory_window"`
	EnableVision           bool                        `json:"enable_vision"`
	EnableAudio            bool                        `json:"enable_audio"`
	EnableAngerProtection  bool                        `json:"enable_anger_protection"`
	BadWords               datatypes.JSONSlice[string] `json:"bad_words"`
	EnableRateLimit        bool                        `json:"enable_rate_limit"`
	RateLimitMax           int                         `json:"rate_limit_max"`
	RateLimitWindowSeconds int                         `json:"rate_limit_window_seconds"`
	BusinessHoursEnabled   bool                        `json:"business_hours_enabled"`
	BusinessHoursStart     string                      `json:"business_hours_start" gorm:"type:text" validate:"omitempty,hhmm"`
	BusinessHoursEnd       string                      `json:"business_hours_end" gorm:"type:text" validate:"omitempty,hhmm"`
	AwayMessage            string                      `json:"away_message" gorm:"type:text"`
	Timezone               string                      `json:"timezone" gorm:"type:text" validate:"omitempty,tzname"`
	FallbackMessage        string                      `json:"fallback_message" gorm:"type:text"`
	PaymentMessage         string                      `json:"payment_message" gorm:"type:text"`
	UpdatedAt              time.Time                   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the BotConfig model.
func (BotConfig) TableName() string {
	return "bot_configs"
}

// RateWindowLength returns the configured rate window as a duration.
func (c *BotConfig) RateWindowLength() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// Location resolves the configured timezone, defaulting to UTC.
func (c *BotConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultBotConfig returns the settings a new tenant starts with.
func DefaultBotConfig(botID string) *BotConfig {
	return &BotConfig{
		BotID:                  botID,
		SystemPrompt:           "Eres Neo, un asistente virtual profesional y útil.",
		Model:                  "gpt-3.5-turbo",
		Temperature:            0.7,
		MaxTokens:              150,
		MemoryWindow:           10,
		EnableVision:           false,
		EnableAudio:            true,
		EnableAngerProtection:  true,
		BadWords:               datatypes.JSONSlice[string]{"asqueroso", "engañar", "mentiroso"},
		EnableRateLimit:        true,
		RateLimitMax:           10,
		RateLimitWindowSeconds: 60,
		BusinessHoursEnabled:   false,
		BusinessHoursStart:     "09:00",
		BusinessHoursEnd:       "18:00",
		AwayMessage:            "😴 Nuestros asesores duermen. Te escribiremos a las 8 AM.",
		FallbackMessage:        "🔧 Estamos ajustando nuestros sistemas de IA. Un asesor humano revisará tu mensaje pronto.",
		PaymentMessage:         "Hola, te recordamos que tu pago vence pronto. Por favor realiza tu abono para continuar disfrutando del servicio.",
	}
}

// ConfigPatch is a partial BotConfig update. Nil fields are left untouched.
type ConfigPatch struct {
	SystemPrompt           *string   `json:"system_prompt,omitempty"`
	BusinessContext        *string   `json:"business_context,omitempty"`
	Model                  *string   `json:"model,omitempty"`
	Temperature            *float32  `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens              *int      `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
	MemoryWindow           *int      `json:"memory_window,omitempty" validate:"omitempty,gte=0"`
	EnableVision           *bool     `json:"enable_vision,omitempty"`
	EnableAudio            *bool     `json:"enable_audio,omitempty"`
	EnableAngerProtection  *bool     `json:"enable_anger_protection,omitempty"`
	BadWords               *[]string `json:"bad_words,omitempty"`
	EnableRateLimit        *bool     `json:"enable_rate_limit,omitempty"`
	RateLimitMax           *int      `json:"rate_limit_max,omitempty" validate:"omitempty,gte=1"`
	RateLimitWindowSeconds *int      `json:"rate_limit_window_seconds,omitempty" validate:"omitempty,gte=1"`
	BusinessHoursEnabled   *bool     `json:"business_hours_enabled,omitempty"`
	BusinessHoursStart     *string   `json:"business_hours_start,omitempty" validate:"omitempty,hhmm"`
	BusinessHoursEnd       *string   `json:"business_hours_end,omitempty" validate:"omitempty,hhmm"`
	AwayMessage            *string   `json:"away_message,omitempty"`
	Timezone               *string   `json:"timezone,omitempty" validate:"omitempty,tzname"`
	FallbackMessage        *string   `json:"fallback_message,omitempty"`
	PaymentMessage         *string   `json:"payment_message,omitempty"`
}

// Apply copies every non-nil field of the patch onto cfg.
func (p ConfigPatch) Apply(cfg *BotConfig) {
	setString(&cfg.SystemPrompt, p.SystemPrompt)
	setString(&cfg.BusinessContext, p.BusinessContext)
	setString(&cfg.Model, p.Model)
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	setInt(&cfg.MaxTokens, p.MaxTokens)
	setInt(&cfg.MemoryWindow, p.MemoryWindow)
	setBool(&cfg.EnableVision, p.EnableVision)
	setBool(&cfg.EnableAudio, p.EnableAudio)
	setBool(&cfg.EnableAngerProtection, p.EnableAngerProtection)
	if p.BadWords != nil {
		cfg.BadWords = datatypes.JSONSlice[string](*p.BadWords)
	}
	setBool(&cfg.EnableRateLimit, p.EnableRateLimit)
	setInt(&cfg.RateLimitMax, p.RateLimitMax)
	setInt(&cfg.RateLimitWindowSeconds, p.RateLimitWindowSeconds)
	setBool(&cfg.BusinessHoursEnabled, p.BusinessHoursEnabled)
	setString(&cfg.BusinessHoursStart, p.BusinessHoursStart)
	setString(&cfg.BusinessHoursEnd, p.BusinessHoursEnd)
	setString(&cfg.AwayMessage, p.AwayMessage)
	setString(&cfg.Timezone, p.Timezone)
	setString(&cfg.FallbackMessage, p.FallbackMessage)
	setString(&cfg.PaymentMessage, p.PaymentMessage)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
