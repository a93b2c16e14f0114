package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidName is returned for session ids that cannot be used as file names.
var ErrInvalidName = errors.New("invalid archive name")

const (
	recordingsDir  = "recordings"
	transcriptsDir = "transcripts"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Archive keeps uploaded audio and transcript logs on disk. Audio is written
// to recordings/<id><ext> and transcripts are appended to transcripts/<id>.txt.
type Archive struct {
	root  string
	ext   string
	clock func() time.Time
}

func New(root, audioExt string) *Archive {
	if audioExt == "" {
		audioExt = ".webm"
	}
	if !strings.HasPrefix(audioExt, ".") {
		audioExt = "." + audioExt
	}
	return &Archive{root: root, ext: audioExt, clock: time.Now}
}

// Root returns the directory holding the archive.
func (a *Archive) Root() string { return a.root }

// ValidName reports whether id is usable as an archive file name.
func ValidName(id string) bool {
	return safeName.MatchString(id) && !strings.Contains(id, "..")
}

// AudioPath returns the public path of the recording for id.
func (a *Archive) AudioPath(id string) string {
	return "/" + recordingsDir + "/" + id + a.ext
}

// TranscriptPath returns the public path of the transcript log for id.
func (a *Archive) TranscriptPath(id string) string {
	return "/" + transcriptsDir + "/" + id + ".txt"
}

// WriteAudio stores r as the recording for id, replacing any earlier file.
func (a *Archive) WriteAudio(id string, r io.Reader) (int64, error) {
	if !ValidName(id) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, id)
	}
	dir := filepath.Join(a.root, recordingsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create recordings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, id+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create audio file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write audio: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, id+a.ext)); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("finalize audio: %w", err)
	}
	return n, nil
}

// AppendTranscript adds one "[timestamp] transcript" line to the log for id.
func (a *Archive) AppendTranscript(id, transcript string) error {
	if !ValidName(id) {
		return fmt.Errorf("%w: %q", ErrInvalidName, id)
	}
	dir := filepath.Join(a.root, transcriptsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create transcripts dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, id+".txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	entry := fmt.Sprintf("[%s] %s\n", a.clock().UTC().Format(time.RFC3339Nano), transcript)
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Close()
}

// ReadTranscript returns the full transcript log for id.
func (a *Archive) ReadTranscript(id string) (string, error) {
	if !ValidName(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, id)
	}
	data, err := os.ReadFile(filepath.Join(a.root, transcriptsDir, id+".txt"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
