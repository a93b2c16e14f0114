package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage marks an inbound frame that could not be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// Message type tags shared by both directions of the socket.
const (
	TypeStart      = "start"
	TypeAudio      = "audio"
	TypeStop       = "stop"
	TypeStarted    = "started"
	TypeTranscript = "transcript"
	TypeComplete   = "complete"
	TypeError      = "error"
)

// ClientMessage is one of Start, Audio or Stop.
type ClientMessage interface {
	clientMessage()
}

// Start opens a recording session. SessionID is optional.
type Start struct {
	SessionID string
}

// Audio carries one decoded audio fragment.
type Audio struct {
	Payload []byte
}

// Stop finalizes the bound session.
type Stop struct{}

func (Start) clientMessage() {}
func (Audio) clientMessage() {}
func (Stop) clientMessage()  {}

type envelope struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId,omitempty"`
	Audio     *string `json:"audio,omitempty"`
}

// DecodeClient parses a text frame from the browser.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case TypeStart:
		return Start{SessionID: env.SessionID}, nil
	case TypeAudio:
		if env.Audio == nil {
			return nil, fmt.Errorf("%w: audio payload missing", ErrMalformedMessage)
		}
		payload, err := base64.StdEncoding.DecodeString(*env.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: audio payload: %v", ErrMalformedMessage, err)
		}
		return Audio{Payload: payload}, nil
	case TypeStop:
		return Stop{}, nil
	case "":
		return nil, fmt.Errorf("%w: type missing", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

// Started acknowledges a start with the resolved session id.
type Started struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// TranscriptUpdate carries one batch result and the running transcript.
type TranscriptUpdate struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	FullTranscript string `json:"fullTranscript"`
}

// Complete carries the final transcript after stop.
type Complete struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// Error reports a recoverable failure; the connection stays open.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewStarted(sessionID string) Started {
	return Started{Type: TypeStarted, SessionID: sessionID}
}

func NewTranscriptUpdate(text, full string) TranscriptUpdate {
	return TranscriptUpdate{Type: TypeTranscript, Text: text, FullTranscript: full}
}

func NewComplete(transcript string) Complete {
	return Complete{Type: TypeComplete, Transcript: transcript}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Message: message, Code: code}
}

// SessionEvent is published on the bus for downstream consumers.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSessionStarted    = "transcribe.session.started"
	SubjectTranscriptPartial = "transcribe.transcript.partial"
	SubjectSessionCompleted  = "transcribe.session.completed"
)

// Error codes carried by Error.Code.
const (
	CodeSessionNotFound     = "session_not_found"
	CodeInvalidState        = "invalid_state"
	CodeTranscriptionFailed = "transcription_failed"
	CodeMalformedMessage    = "malformed_message"
	CodePersistFailed       = "persist_failed"
	CodeInternal            = "internal"
)
