package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newTestRegistry(t *testing.T, stub *stubTranscriber) *Registry {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	ids := IDFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("generated-%d", n)
	})
	opts := Options{Policy: CountPolicy{Threshold: 5}, Transcriber: stub}
	r := NewRegistry(context.Background(), opts, ids, newLogger())
	t.Cleanup(r.Close)
	return r
}

func TestRegistryStartAndGet(t *testing.T) {
	r := newTestRegistry(t, newStub(fixed("x")))

	s, created := r.Start("abc", nil)
	if !created || s.ID() != "abc" {
		t.Fatalf("expected new session abc, got %q created=%v", s.ID(), created)
	}
	again, created := r.Start("abc", nil)
	if created || again != s {
		t.Fatalf("expected existing session to be returned")
	}

	got, err := r.Get("abc")
	if err != nil || got != s {
		t.Fatalf("get: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistryGeneratesMissingID(t *testing.T) {
	r := newTestRegistry(t, newStub(fixed("x")))
	s, created := r.Start("", nil)
	if !created || s.ID() != "generated-1" {
		t.Fatalf("expected generated id, got %q", s.ID())
	}
	if id := r.NewID(); id != "generated-2" {
		t.Fatalf("expected generator to advance, got %q", id)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := newTestRegistry(t, newStub(fixed("x")))
	if _, err := r.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistryRemoveChecksIdentity(t *testing.T) {
	r := newTestRegistry(t, newStub(fixed("x")))
	first, _ := r.Start("abc", nil)
	if !r.Remove(first) {
		t.Fatalf("expected remove to succeed")
	}
	second, created := r.Start("abc", nil)
	if !created {
		t.Fatalf("expected a fresh session after removal")
	}
	if r.Remove(first) {
		t.Fatalf("stale handle must not remove the replacement session")
	}
	if got, err := r.Get("abc"); err != nil || got != second {
		t.Fatalf("replacement session missing: %v", err)
	}
	if r.Remove(nil) {
		t.Fatalf("nil remove should report false")
	}
}

func TestRegistrySessionsAreIndependent(t *testing.T) {
	stub := newStub(fixed("word"))
	r := newTestRegistry(t, stub)
	recA, recB := newRecorder(), newRecorder()
	a, _ := r.Start("a", recA.Sink)
	b, _ := r.Start("b", recB.Sink)

	for i := 0; i < 5; i++ {
		if err := a.Ingest([]byte{1}); err != nil {
			t.Fatalf("ingest a: %v", err)
		}
	}
	if err := b.Ingest([]byte{2}); err != nil {
		t.Fatalf("ingest b: %v", err)
	}
	if ev := recA.next(t); ev.SessionID != "a" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if b.Buffered() != 1 || b.Transcript() != "" {
		t.Fatalf("session b affected by session a")
	}

	summary, err := b.Finalize(context.Background())
	if err != nil {
		t.Fatalf("finalize b: %v", err)
	}
	if summary.Transcript != "word " {
		t.Fatalf("unexpected transcript for b: %q", summary.Transcript)
	}
	if a.State() != StateRecording {
		t.Fatalf("finalizing b changed a to %s", a.State())
	}
}

func TestRegistryCloseDiscardsSessions(t *testing.T) {
	opts := Options{Transcriber: newStub(fixed("x"))}
	r := NewRegistry(context.Background(), opts, nil, newLogger())
	a, _ := r.Start("a", nil)
	b, _ := r.Start("", nil)
	if b.ID() == "" {
		t.Fatalf("expected uuid to be generated")
	}

	r.Close()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after close")
	}
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatalf("expected sessions closed")
	}
}
