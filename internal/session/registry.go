package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// IDGenerator supplies ids for sessions started without one.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random v4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// IDFunc adapts a plain function to IDGenerator.
type IDFunc func() string

func (f IDFunc) NewID() string { return f() }

// Registry maps session ids to live sessions. It is safe for concurrent use
// by any number of connections.
type Registry struct {
	opts   Options
	ids    IDGenerator
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	meter   metric.Meter
	active  metric.Int64ObservableGauge
	created metric.Int64Counter
	flushes metric.Int64Counter
}

func NewRegistry(ctx context.Context, opts Options, ids IDGenerator, log *slog.Logger) *Registry {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:     opts,
		ids:      ids,
		log:      log.With(slog.String("component", "session-registry")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		meter:    otel.Meter("github.com/loqalabs/loqa-transcribe/session"),
	}
	if r.opts.Logger == nil {
		r.opts.Logger = log.With(slog.String("component", "session"))
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Registry) initMetrics() error {
	var err error
	r.active, err = r.meter.Int64ObservableGauge("loqa.sessions.active",
		metric.WithDescription("Sessions currently held by the registry"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}))
	if err != nil {
		return err
	}
	r.created, err = r.meter.Int64Counter("loqa.sessions.created",
		metric.WithDescription("Sessions started"))
	if err != nil {
		return err
	}
	r.flushes, err = r.meter.Int64Counter("loqa.sessions.batches",
		metric.WithDescription("Audio batches sent for transcription"))
	return err
}

// NewID returns a fresh id from the configured generator.
func (r *Registry) NewID() string {
	return r.ids.NewID()
}

// Start returns the session for id, creating it when absent. An empty id is
// replaced with a generated one. created is false when the id was live.
func (r *Registry) Start(id string, sink Sink) (s *Session, created bool) {
	if id == "" {
		id = r.ids.NewID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing, false
	}
	s = New(r.ctx, id, r.opts, sink)
	s.flushes = r.flushes
	r.sessions[id] = s
	if r.created != nil {
		r.created.Add(r.ctx, 1)
	}
	r.log.Info("session started", slog.String("session_id", id))
	return s, true
}

// Get looks up a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes s if it is still the registered session for its id.
func (r *Registry) Remove(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[s.id]
	if !ok || current != s {
		return false
	}
	delete(r.sessions, s.id)
	r.log.Debug("session removed", slog.String("session_id", s.id))
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close discards every session and waits for their flushes to return.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.cancel()
	for _, s := range sessions {
		s.Discard()
	}
	for _, s := range sessions {
		s.Wait()
	}
}
