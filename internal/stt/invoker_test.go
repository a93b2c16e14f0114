package stt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recognizerFunc func(ctx context.Context, audio []byte) (Result, error)

func (f recognizerFunc) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	return f(ctx, audio)
}

func TestInvokerTrimsResult(t *testing.T) {
	inv := NewInvoker(recognizerFunc(func(_ context.Context, audio []byte) (Result, error) {
		return Result{Text: "  hello world\n"}, nil
	}), time.Second, newLogger())

	text, err := inv.Transcribe(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestInvokerEmptyResultFails(t *testing.T) {
	inv := NewInvoker(recognizerFunc(func(context.Context, []byte) (Result, error) {
		return Result{Text: "   "}, nil
	}), time.Second, newLogger())

	if _, err := inv.Transcribe(context.Background(), []byte{1}); !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", err)
	}
}

func TestInvokerWrapsBackendError(t *testing.T) {
	inv := NewInvoker(recognizerFunc(func(context.Context, []byte) (Result, error) {
		return Result{}, errors.New("quota exceeded")
	}), time.Second, newLogger())

	_, err := inv.Transcribe(context.Background(), []byte{1})
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", err)
	}
}

func TestInvokerTimeout(t *testing.T) {
	inv := NewInvoker(recognizerFunc(func(ctx context.Context, _ []byte) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}), 20*time.Millisecond, newLogger())

	start := time.Now()
	_, err := inv.Transcribe(context.Background(), []byte{1})
	if !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestInvokerDoesNotMutateInput(t *testing.T) {
	input := []byte{9, 8, 7}
	inv := NewInvoker(recognizerFunc(func(_ context.Context, audio []byte) (Result, error) {
		return Result{Text: "ok"}, nil
	}), time.Second, newLogger())
	if _, err := inv.Transcribe(context.Background(), input); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !bytes.Equal(input, []byte{9, 8, 7}) {
		t.Fatalf("input mutated: %v", input)
	}
}

func TestNewRecognizerModes(t *testing.T) {
	rec, err := NewRecognizer(config.STTConfig{Mode: "mock"})
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 12))
	if err != nil {
		t.Fatalf("mock transcribe: %v", err)
	}
	if res.Text != "[transcript bytes=12]" {
		t.Fatalf("unexpected mock text %q", res.Text)
	}

	if _, err := NewRecognizer(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatalf("expected error for exec without command")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "openai"}); err == nil {
		t.Fatalf("expected error for openai without key")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "openai", APIKey: "sk-test"}); err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "gemini"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestWritePCMToWav(t *testing.T) {
	path := t.TempDir() + "/out.wav"
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x10, 0x00, 0x00, 0x80}
	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		t.Fatalf("expected valid wav file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected header rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	_ = file.Close()

	if err := writePCMToWav(nil, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatalf("expected alignment error")
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: "   "}); err == nil {
		t.Fatalf("expected error for blank command")
	}
}
