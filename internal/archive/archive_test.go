package archive

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidName(t *testing.T) {
	cases := map[string]bool{
		"1717171717171":                        true,
		"3f1c2a9e-8b7d-4c1e-9f00-0a1b2c3d4e5f": true,
		"session_1.take2":                      true,
		"":                                     false,
		"../etc/passwd":                        false,
		"a/b":                                  false,
		".hidden":                              false,
		"a..b":                                 false,
		strings.Repeat("x", 200):               false,
	}
	for name, want := range cases {
		if got := ValidName(name); got != want {
			t.Fatalf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWriteAudio(t *testing.T) {
	root := t.TempDir()
	a := New(root, "webm")

	n, err := a.WriteAudio("s1", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes, got %d", n)
	}
	if _, err := a.WriteAudio("s1", strings.NewReader("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "recordings", "s1.webm"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected overwritten audio, got %q", data)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "recordings"))
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left, got %d entries", len(entries))
	}
	if a.AudioPath("s1") != "/recordings/s1.webm" {
		t.Fatalf("unexpected audio path %s", a.AudioPath("s1"))
	}
}

func TestWriteAudioRejectsUnsafeName(t *testing.T) {
	a := New(t.TempDir(), ".webm")
	if _, err := a.WriteAudio("../escape", strings.NewReader("x")); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if err := a.AppendTranscript("a/b", "x"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestAppendTranscript(t *testing.T) {
	a := New(t.TempDir(), ".webm")
	a.clock = func() time.Time { return time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC) }

	if err := a.AppendTranscript("s1", "hello there "); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.AppendTranscript("s1", "again"); err != nil {
		t.Fatalf("append again: %v", err)
	}
	got, err := a.ReadTranscript("s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "[2025-02-03T04:05:06Z] hello there \n[2025-02-03T04:05:06Z] again\n"
	if got != want {
		t.Fatalf("unexpected transcript log:\n%q\nwant\n%q", got, want)
	}
	if a.TranscriptPath("s1") != "/transcripts/s1.txt" {
		t.Fatalf("unexpected transcript path %s", a.TranscriptPath("s1"))
	}
}
