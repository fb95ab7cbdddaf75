// Package responder produces AI replies and audio transcriptions.
package responder

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// Image is an inline image attached to the current user turn.
type Image struct {
	Data     []byte
	MimeType string
}

// Request is one reply generation.
type Request struct {
	Text    string
	History []model.HistoryEntry
	Image   *Image
	Config  *model.BotConfig
}

// Responder generates replies. Generate fails with an error wrapping
// apperrors.ErrResponder when no usable reply could be produced.
type Responder interface {
	Generate(ctx context.Context, req Request) (string, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}
