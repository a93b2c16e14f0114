package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// openaiRecognizer talks to any OpenAI-compatible /audio/transcriptions
// endpoint (OpenAI, Groq, a local whisper server).
type openaiRecognizer struct {
	client   *openai.Client
	model    string
	language string
	filename string
}

func NewOpenAIRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	ext := cfg.FileExt
	if ext == "" {
		ext = ".webm"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &openaiRecognizer{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
		filename: "batch" + ext,
	}, nil
}

func (r *openaiRecognizer) Transcribe(ctx context.Context, payload []byte) (Result, error) {
	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: r.filename,
		Reader:   bytes.NewReader(payload),
		Language: r.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("openai transcription: %w", err)
	}
	return Result{Text: resp.Text}, nil
}
