package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("invalid session state")
	// ErrSessionActive is returned when a start names a session that is
	// already live.
	ErrSessionActive = fmt.Errorf("%w: session already active", ErrInvalidState)
)

// State is a session lifecycle stage. Sessions only move forward.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transcriber turns one concatenated batch into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type EventKind int

const (
	EventTranscript EventKind = iota + 1
	EventError
)

// Event is emitted by a session as batches complete.
type Event struct {
	Kind           EventKind
	SessionID      string
	Batch          int
	Text           string
	FullTranscript string
	Err            error
}

// Sink receives session events. Calls for one session are never concurrent.
type Sink func(Event)

// Options configures every session created by a Registry.
type Options struct {
	Policy      FlushPolicy
	Transcriber Transcriber
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Summary is the result of a successful Finalize.
type Summary struct {
	ID         string
	Transcript string
	StartedAt  time.Time
	Duration   time.Duration
	Batches    int
	Failed     int
}

// Session owns the buffer and transcript of one recording.
type Session struct {
	id          string
	policy      FlushPolicy
	transcriber Transcriber
	sink        Sink
	clock       func() time.Time
	log         *slog.Logger
	flushes     metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	buffer     Buffer
	transcript strings.Builder
	startedAt  time.Time
	flight     chan struct{}
	batches    int
	failed     int
}

// New creates a session in the Recording state.
func New(parent context.Context, id string, opts Options, sink Sink) *Session {
	if opts.Policy == nil {
		opts.Policy = CountPolicy{Threshold: DefaultBatchChunks}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sink == nil {
		sink = func(Event) {}
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:          id,
		policy:      opts.Policy,
		transcriber: opts.Transcriber,
		sink:        sink,
		clock:       opts.Clock,
		log:         opts.Logger.With(slog.String("session_id", id)),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.state = StateRecording
	s.startedAt = s.clock()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Transcript returns the text accumulated so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Buffered returns the number of chunks waiting for the next batch.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

// Ingest buffers one chunk and starts a flush when the policy fires and no
// batch is in flight. It never waits on transcription.
func (s *Session) Ingest(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return fmt.Errorf("%w: audio received while %s", ErrInvalidState, s.state)
	}
	s.buffer.Append(data, s.clock())
	if s.flight != nil || !s.policy.ShouldFlush(s.buffer.Len(), s.buffer.Size()) {
		return nil
	}
	batch := s.buffer.Drain()
	s.flight = make(chan struct{})
	s.wg.Add(1)
	go s.runFlushes(batch, s.flight)
	return nil
}

// runFlushes transcribes batch, then keeps going while the buffer refilled
// past the threshold during the call. Only one runs per session at a time.
func (s *Session) runFlushes(batch []Chunk, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	for len(batch) > 0 {
		if ev, ok := s.transcribeBatch(s.ctx, batch); ok {
			s.sink(ev)
		}

		s.mu.Lock()
		batch = nil
		if s.state == StateRecording && s.policy.ShouldFlush(s.buffer.Len(), s.buffer.Size()) {
			batch = s.buffer.Drain()
		} else {
			s.flight = nil
		}
		s.mu.Unlock()
	}
}

// transcribeBatch runs one transcription call and folds the result into the
// transcript. ok is false when the session was discarded meanwhile.
func (s *Session) transcribeBatch(ctx context.Context, batch []Chunk) (Event, bool) {
	audio := Concat(batch)
	if s.flushes != nil {
		s.flushes.Add(ctx, 1)
	}
	var (
		text string
		err  error
	)
	if s.transcriber == nil {
		err = errors.New("no transcriber configured")
	} else {
		text, err = s.transcriber.Transcribe(ctx, audio)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		s.log.Debug("dropping result for discarded session", slog.Int("chunks", len(batch)))
		return Event{}, false
	}
	s.batches++
	if err != nil {
		s.failed++
		s.log.Warn("batch dropped",
			slog.Int("batch", s.batches),
			slog.Int("chunks", len(batch)),
			slog.Int("bytes", len(audio)),
			slog.String("error", err.Error()))
		return Event{Kind: EventError, SessionID: s.id, Batch: s.batches, Err: err}, true
	}
	piece := text + " "
	s.transcript.WriteString(piece)
	return Event{
		Kind:           EventTranscript,
		SessionID:      s.id,
		Batch:          s.batches,
		Text:           piece,
		FullTranscript: s.transcript.String(),
	}, true
}

// Finalize stops accepting audio, waits for the in-flight batch, transcribes
// whatever is still buffered and closes the session.
func (s *Session) Finalize(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.state != StateRecording {
		state := s.state
		s.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: stop received while %s", ErrInvalidState, state)
	}
	s.state = StateFinalizing
	inflight := s.flight
	s.mu.Unlock()

	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			s.Discard()
			return Summary{}, ctx.Err()
		}
	}

	s.mu.Lock()
	batch := s.buffer.Drain()
	s.mu.Unlock()

	if len(batch) > 0 {
		// The final pass is reported through complete, only failures are
		// emitted as events.
		if ev, ok := s.transcribeBatch(ctx, batch); ok && ev.Kind == EventError {
			s.sink(ev)
		}
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return Summary{}, fmt.Errorf("%w: session discarded during stop", ErrInvalidState)
	}
	s.state = StateClosed
	summary := Summary{
		ID:         s.id,
		Transcript: s.transcript.String(),
		StartedAt:  s.startedAt,
		Duration:   s.clock().Sub(s.startedAt),
		Batches:    s.batches,
		Failed:     s.failed,
	}
	s.mu.Unlock()
	s.cancel()

	s.log.Info("session finalized",
		slog.Duration("duration", summary.Duration),
		slog.Int("batches", summary.Batches),
		slog.Int("failed", summary.Failed))
	return summary, nil
}

// Discard closes the session without a final pass. Buffered audio is dropped
// and a late in-flight result is ignored. Reports whether anything changed.
func (s *Session) Discard() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	dropped := s.buffer.Drain()
	s.mu.Unlock()
	s.cancel()
	s.log.Info("session discarded", slog.Int("dropped_chunks", len(dropped)))
	return true
}

// Wait blocks until background flushes have returned.
func (s *Session) Wait() {
	s.wg.Wait()
}
