package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/session"
)

// conn is one client connection. The read loop owns the session binding;
// every outbound frame goes through out and is written by writeLoop.
type conn struct {
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out       chan any
	done      chan struct{}
	closeOnce sync.Once

	boundID string
	bound   *session.Session
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(s.ctx)
	fallback := s.registry.NewID()
	return &conn{
		srv:     s,
		ws:      ws,
		log:     s.log.With(slog.String("connection_id", fallback)),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan any, s.opts.SendQueue),
		done:    make(chan struct{}),
		boundID: fallback,
	}
}

func (c *conn) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()
	c.release()
	c.close()
	<-writerDone
}

// close tells the writer to finish; the writer then closes the socket, which
// unblocks the reader. Safe to call repeatedly and from any goroutine.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(c.srv.opts.MaxMessageBytes)
	idle := 2*c.srv.opts.PingInterval + c.srv.opts.WriteTimeout
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", slogError(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			c.srv.countFrame("binary")
			c.sendError(protocol.CodeMalformedMessage, "binary frames are not supported")
			continue
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			c.srv.countFrame("invalid")
			c.fail(err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Start:
		c.srv.countFrame(protocol.TypeStart)
		c.handleStart(m)
	case protocol.Audio:
		c.srv.countFrame(protocol.TypeAudio)
		c.handleAudio(m)
	case protocol.Stop:
		c.srv.countFrame(protocol.TypeStop)
		c.handleStop()
	}
}

func (c *conn) handleStart(m protocol.Start) {
	id := m.SessionID
	if id == "" {
		id = c.srv.registry.NewID()
	}

	if c.bound != nil && c.bound.ID() == id {
		if _, err := c.boundSession(); err == nil {
			c.send(protocol.NewStarted(id))
			return
		}
	}

	s, created := c.srv.registry.Start(id, c.onEvent)
	if !created {
		c.fail(session.ErrSessionActive)
		return
	}
	if c.bound != nil {
		c.discard(c.bound)
	}
	c.bound = s
	c.boundID = id
	c.log.Info("session bound", slog.String("session_id", id))

	c.send(protocol.NewStarted(id))
	c.srv.publish(protocol.SubjectSessionStarted, protocol.SessionEvent{SessionID: id, Timestamp: s.StartedAt().UTC()})
}

func (c *conn) handleAudio(m protocol.Audio) {
	s, err := c.boundSession()
	if err != nil {
		c.fail(err)
		return
	}
	if err := s.Ingest(m.Payload); err != nil {
		c.fail(err)
	}
}

func (c *conn) handleStop() {
	s, err := c.boundSession()
	if err != nil {
		c.fail(err)
		return
	}

	summary, err := s.Finalize(c.ctx)
	if err != nil {
		c.fail(err)
		if s.State() == session.StateClosed {
			c.srv.registry.Remove(s)
			c.bound = nil
		}
		return
	}

	if c.srv.persist != nil {
		if _, err := c.srv.persist.SaveConversation(c.ctx, summary.ID, summary.Transcript, summary.Duration.Milliseconds()); err != nil {
			c.log.Error("failed to persist conversation", slog.String("session_id", summary.ID), slogError(err))
			c.sendError(protocol.CodePersistFailed, "failed to save conversation: "+err.Error())
		}
	}

	c.send(protocol.NewComplete(summary.Transcript))
	c.srv.publish(protocol.SubjectSessionCompleted, protocol.SessionEvent{
		SessionID:  summary.ID,
		Transcript: summary.Transcript,
		DurationMS: summary.Duration.Milliseconds(),
	})
	c.srv.registry.Remove(s)
	c.bound = nil
}

// boundSession returns the session this connection started, if it is still
// the one registered under the bound id.
func (c *conn) boundSession() (*session.Session, error) {
	s, err := c.srv.registry.Get(c.boundID)
	if err != nil {
		return nil, err
	}
	if s != c.bound {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

// release drops the bound session without a final pass.
func (c *conn) release() {
	if c.bound == nil {
		return
	}
	c.discard(c.bound)
	c.bound = nil
}

func (c *conn) discard(s *session.Session) {
	if c.srv.registry.Remove(s) && s.Discard() {
		c.log.Info("session discarded", slog.String("session_id", s.ID()))
	}
}

// onEvent runs on the session's flush goroutine.
func (c *conn) onEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventTranscript:
		c.send(protocol.NewTranscriptUpdate(ev.Text, ev.FullTranscript))
		c.srv.publish(protocol.SubjectTranscriptPartial, protocol.SessionEvent{
			SessionID:  ev.SessionID,
			Text:       ev.Text,
			Transcript: ev.FullTranscript,
		})
	case session.EventError:
		c.sendError(protocol.CodeTranscriptionFailed, ev.Err.Error())
	}
}

func (c *conn) fail(err error) {
	code := errorCode(err)
	if code == protocol.CodeInternal {
		c.log.Error("request failed", slogError(err))
	} else {
		c.log.Debug("request rejected", slog.String("code", code), slogError(err))
	}
	c.sendError(code, err.Error())
}

func (c *conn) sendError(code, message string) {
	c.send(protocol.NewError(code, message))
}

// send queues v for the writer. It blocks while the queue is full and gives
// up once the connection is closing.
func (c *conn) send(v any) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- v:
	case <-c.done:
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.srv.opts.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case v := <-c.out:
			if err := c.write(v); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Debug("write failed", slogError(err))
				}
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.srv.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.srv.opts.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *conn) flush() {
	for {
		select {
		case v := <-c.out:
			if err := c.write(v); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(v any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}
