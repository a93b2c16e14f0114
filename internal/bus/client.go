package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/nats-io/nats.go"
)

// EventSubjects is the subject filter of the lifecycle event stream.
const EventSubjects = "transcribe.>"

// Client wraps a NATS connection used to publish session events.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	c := &Client{conn: conn, log: log}
	if cfg.EventStream != "" {
		if err := c.ensureStream(ctx, cfg.EventStream); err != nil {
			conn.Close()
			return nil, err
		}
	}

	log.Info("connected to NATS", slog.String("servers", url))
	return c, nil
}

// ensureStream makes lifecycle events durable when the server has JetStream.
func (c *Client) ensureStream(ctx context.Context, name string) error {
	js, err := c.conn.JetStream(nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	if _, err := js.StreamInfo(name, nats.Context(ctx)); err == nil {
		c.js = js
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{EventSubjects},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	c.js = js
	c.log.Info("created event stream", slog.String("stream", name))
	return nil
}

// Publish sends v as JSON on subject.
func (c *Client) Publish(subject string, v any) error {
	if c == nil || c.conn == nil {
		return errors.New("bus not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Durable reports whether events are captured by a JetStream stream.
func (c *Client) Durable() bool {
	return c != nil && c.js != nil
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
