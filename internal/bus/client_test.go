package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{
		Enabled:        true,
		Embedded:       true,
		Port:           -1,
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
		EventStream:    "TRANSCRIBE_TEST",
	}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, "test", newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestPublishDeliversJSON(t *testing.T) {
	cfg := startServer(t)
	client, err := Connect(context.Background(), cfg, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() || !client.Durable() {
		t.Fatalf("expected healthy client with event stream")
	}

	sub, err := client.Conn().SubscribeSync(protocol.SubjectSessionCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evt := protocol.SessionEvent{SessionID: "s1", Transcript: "hello ", DurationMS: 1500, Timestamp: time.Unix(10, 0).UTC()}
	if err := client.Publish(protocol.SubjectSessionCompleted, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s1" || got.Transcript != "hello " || got.DurationMS != 1500 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestEventStreamRetainsMessages(t *testing.T) {
	cfg := startServer(t)
	client, err := Connect(context.Background(), cfg, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if err := client.Publish(protocol.SubjectSessionStarted, protocol.SessionEvent{SessionID: "s2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	js, err := client.Conn().JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := js.StreamInfo(cfg.EventStream)
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one retained event, got %d", info.State.Msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	again, err := Connect(context.Background(), cfg, "test-2", newLogger())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	again.Close()
}
