package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
	"github.com/loqalabs/loqa-transcribe/internal/store"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Persister stores the final transcript of a stopped session.
type Persister interface {
	SaveConversation(ctx context.Context, id, transcript string, durationMS int64) (store.Conversation, error)
}

// Notifier publishes session lifecycle events for other services.
type Notifier interface {
	Publish(subject string, v any) error
}

type Options struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	SendQueue       int
	AllowedOrigins  []string
}

func OptionsFromConfig(cfg config.StreamConfig) Options {
	return Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteTimeout:    time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		PingInterval:    time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		SendQueue:       cfg.SendQueue,
		AllowedOrigins:  cfg.AllowedOrigins,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4 << 20
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	return o
}

// Server upgrades HTTP requests to WebSocket connections and drives one
// recording session per connection.
type Server struct {
	registry *session.Registry
	persist  Persister
	notify   Notifier
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[*conn]struct{}

	meter       metric.Meter
	frames      metric.Int64Counter
	connections metric.Int64UpDownCounter
}

// New creates a gateway. persist and notify may be nil.
func New(registry *session.Registry, persist Persister, notify Notifier, opts Options, log *slog.Logger) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry: registry,
		persist:  persist,
		notify:   notify,
		opts:     opts,
		log:      log.With(slog.String("component", "gateway")),
		clock:    time.Now,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*conn]struct{}),
		meter:    otel.Meter("github.com/loqalabs/loqa-transcribe/gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Server) initMetrics() error {
	var err error
	s.frames, err = s.meter.Int64Counter("loqa.gateway.frames",
		metric.WithDescription("Inbound frames received by type"))
	if err != nil {
		return err
	}
	s.connections, err = s.meter.Int64UpDownCounter("loqa.gateway.connections",
		metric.WithDescription("Open streaming connections"))
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", slogError(err))
		return
	}

	c := newConn(s, ws)
	if !s.track(c) {
		ws.Close()
		return
	}
	defer s.untrack(c)

	c.log.Info("connection opened", slog.String("remote", r.RemoteAddr))
	c.run()
	c.log.Info("connection closed")
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	if s.connections != nil {
		s.connections.Add(s.ctx, 1)
	}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	if s.connections != nil {
		s.connections.Add(context.Background(), -1)
	}
	s.wg.Done()
}

// Shutdown closes every open connection, discarding their sessions, and
// waits for the connection handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) publish(subject string, evt protocol.SessionEvent) {
	if s.notify == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}
	if err := s.notify.Publish(subject, evt); err != nil {
		s.log.Warn("failed to publish session event",
			slog.String("subject", subject),
			slog.String("session_id", evt.SessionID),
			slogError(err))
	}
}

func (s *Server) countFrame(kind string) {
	if s.frames != nil {
		s.frames.Add(s.ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
	}
}

// errorCode maps an error onto the stable code sent to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, session.ErrInvalidState):
		return protocol.CodeInvalidState
	case errors.Is(err, stt.ErrTranscriptionFailed):
		return protocol.CodeTranscriptionFailed
	case errors.Is(err, protocol.ErrMalformedMessage):
		return protocol.CodeMalformedMessage
	default:
		return protocol.CodeInternal
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
