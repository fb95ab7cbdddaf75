package responder

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
)

const (
	defaultMaxTokens   = 150
	defaultTemperature = 0.7
	emptyHistoryText   = "[Multimedia/Sin Texto]"
	defaultImagePrompt = "¿Qué hay en esta imagen?"
	businessContextFmt = "\n\n[BASE DE CONOCIMIENTO / INFORMACIÓN DE NEGOCIO]:\n%s\n\nUsa esta información para responder preguntas sobre productos, precios o servicios."
)

// OpenAIResponder talks to an OpenAI compatible API.
type OpenAIResponder struct {
	client       *openai.Client
	defaultModel string
	visionModel  string
	log          *zap.Logger
}

var _ Responder = (*OpenAIResponder)(nil)

// NewOpenAIResponder builds a responder from configuration.
func NewOpenAIResponder(cfg config.ResponderConfig, log *zap.Logger) *OpenAIResponder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return newOpenAIResponder(openai.NewClientWithConfig(clientCfg), cfg, log)
}

func newOpenAIResponder(client *openai.Client, cfg config.ResponderConfig, log *zap.Logger) *OpenAIResponder {
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = openai.GPT3Dot5Turbo
	}
	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = openai.GPT4o
	}
	return &OpenAIResponder{
		client:       client,
		defaultModel: defaultModel,
		visionModel:  visionModel,
		log:          log.Named("responder"),
	}
}

// Generate runs a chat completion over the system prompt, history and current turn.
func (r *OpenAIResponder) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	reply, err := r.generate(ctx, req)
	observer.ObserveResponder("generate", time.Since(start), err)
	return reply, err
}

func (r *OpenAIResponder) generate(ctx context.Context, req Request) (string, error) {
	if req.Config == nil {
		return "", fmt.Errorf("%w: missing bot config", apperrors.ErrResponder)
	}

	chatReq := r.buildRequest(req)
	resp, err := r.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		r.log.Warn("Chat completion failed", zap.String("model", chatReq.Model), zap.Error(err))
		return "", fmt.Errorf("%w: %v", apperrors.ErrResponder, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", apperrors.ErrResponder)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty reply", apperrors.ErrResponder)
	}
	return content, nil
}

func (r *OpenAIResponder) buildRequest(req Request) openai.ChatCompletionRequest {
	cfg := req.Config

	system := cfg.SystemPrompt
	if cfg.BusinessContext != "" {
		system += fmt.Sprintf(businessContextFmt, cfg.BusinessContext)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, h := range req.History {
		content := h.Content
		if strings.TrimSpace(content) == "" {
			content = emptyHistoryText
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: h.Role, Content: content})
	}

	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	model := cfg.Model
	if model == "" {
		model = r.defaultModel
	}

	if req.Image != nil && cfg.EnableVision {
		text := req.Text
		if text == "" {
			text = defaultImagePrompt
		}
		mime := req.Image.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(req.Image.Data))
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: text},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			},
		})
		model = r.visionModel
	} else {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Text})
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// Transcribe converts a voice note to text with Whisper.
func (r *OpenAIResponder) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	start := time.Now()
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "voice" + audioExtension(mimeType),
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		err = fmt.Errorf("%w: transcription: %v", apperrors.ErrResponder, err)
	}
	observer.ObserveResponder("transcribe", time.Since(start), err)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// audioExtension picks a file name extension Whisper recognises.
func audioExtension(mimeType string) string {
	mime := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch mime {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}
