package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/archive"
	"github.com/loqalabs/loqa-transcribe/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	multipartMemory  = 8 << 20
)

// ConversationStore is the persistence used by the archive endpoints.
type ConversationStore interface {
	SaveUpload(ctx context.Context, id, transcript string, durationMS int64, contentType string, audio []byte) (store.Conversation, store.Recording, error)
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]store.Conversation, error)
	GetRecording(ctx context.Context, id int64) (store.Recording, error)
}

// Handler serves the conversation archive over HTTP.
type Handler struct {
	store     ConversationStore
	archive   *archive.Archive
	maxUpload int64
	log       *slog.Logger
	clock     func() time.Time

	saved       metric.Int64Counter
	uploadBytes metric.Int64Histogram
}

func New(st ConversationStore, arc *archive.Archive, maxUpload int64, log *slog.Logger) *Handler {
	h := &Handler{
		store:     st,
		archive:   arc,
		maxUpload: maxUpload,
		log:       log.With(slog.String("component", "api")),
		clock:     time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/api")
	var err error
	if h.saved, err = meter.Int64Counter("loqa.conversations.saved",
		metric.WithDescription("Conversations uploaded through the archive API")); err != nil {
		h.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if h.uploadBytes, err = meter.Int64Histogram("loqa.conversations.upload_bytes",
		metric.WithDescription("Size of uploaded recordings"),
		metric.WithUnit("By")); err != nil {
		h.log.Warn("failed to create histogram", slog.String("error", err.Error()))
	}
	return h
}

// Register mounts the archive routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/save-conversation", h.handleSave)
	mux.HandleFunc("GET /api/conversations", h.handleList)
	mux.HandleFunc("GET /api/conversations/{id}", h.handleGet)
	mux.HandleFunc("GET /api/recordings/{id}", h.handleRecording)
}

type saveResponse struct {
	Success        bool               `json:"success"`
	Conversation   store.Conversation `json:"conversation"`
	Recording      store.Recording    `json:"recording"`
	AudioPath      string             `json:"audioPath"`
	TranscriptPath string             `json:"transcriptPath"`
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := r.FormValue("sessionId")
	transcript := r.FormValue("transcript")
	file, header, err := r.FormFile("audio")
	if sessionID == "" || transcript == "" || err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	defer file.Close()
	if !archive.ValidName(sessionID) {
		writeError(w, http.StatusBadRequest, "Invalid session id")
		return
	}

	durationMS, err := h.duration(r.FormValue("duration"), sessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid duration")
		return
	}

	audio, err := io.ReadAll(file)
	if err != nil {
		h.log.Error("failed to read upload", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid audio")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "audio/webm"
	}

	if _, err := h.archive.WriteAudio(sessionID, bytes.NewReader(audio)); err != nil {
		h.fail(w, sessionID, "write audio", err)
		return
	}
	conv, rec, err := h.store.SaveUpload(r.Context(), sessionID, transcript, durationMS, contentType, audio)
	if err != nil {
		h.fail(w, sessionID, "store conversation", err)
		return
	}
	if err := h.archive.AppendTranscript(sessionID, transcript); err != nil {
		h.fail(w, sessionID, "append transcript", err)
		return
	}

	if h.saved != nil {
		h.saved.Add(r.Context(), 1)
	}
	if h.uploadBytes != nil {
		h.uploadBytes.Record(r.Context(), int64(len(audio)))
	}
	h.log.Info("conversation saved",
		slog.String("session_id", sessionID),
		slog.Int("audio_bytes", len(audio)),
		slog.Int64("duration_ms", durationMS))

	writeJSON(w, http.StatusOK, saveResponse{
		Success:        true,
		Conversation:   conv,
		Recording:      rec,
		AudioPath:      h.archive.AudioPath(sessionID),
		TranscriptPath: h.archive.TranscriptPath(sessionID),
	})
}

// duration uses the explicit form value when present. Otherwise a session id
// that is a unix millisecond timestamp yields the time since it was issued.
func (h *Handler) duration(raw, sessionID string) (int64, error) {
	if raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return 0, errors.New("invalid duration")
		}
		return ms, nil
	}
	started, err := strconv.ParseInt(sessionID, 10, 64)
	if err != nil {
		return 0, nil
	}
	elapsed := h.clock().UnixMilli() - started
	if elapsed < 0 || elapsed > int64(24*time.Hour/time.Millisecond) {
		return 0, nil
	}
	return elapsed, nil
}

func (h *Handler) fail(w http.ResponseWriter, sessionID, step string, err error) {
	h.log.Error("failed to save conversation",
		slog.String("session_id", sessionID),
		slog.String("step", step),
		slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "Failed to save conversation")
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.store.ListConversations(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to list conversations", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	if list == nil {
		list = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	conv, err := h.store.GetConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load conversation", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleRecording(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid recording id")
		return
	}
	rec, err := h.store.GetRecording(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Recording not found")
		return
	}
	if err != nil {
		h.log.Error("failed to load recording", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to load recording")
		return
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Audio)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
