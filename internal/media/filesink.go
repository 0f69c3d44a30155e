package media

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// FileSink is the default PlaybackSink: it writes every appended buffer, in
// the order the pipeline delivers them, to a single file on disk. It stands
// in for the real decoder/renderer the browser side would normally own
// (spec §1 Out of scope), giving the node binary something concrete to
// drive end to end.
type FileSink struct {
	path string

	mu   sync.Mutex
	f    *os.File
	done bool
}

// NewFileSink returns a sink that (re)creates path on Open.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Open truncates and opens the output file. codec is logged only; the sink
// writes raw bytes regardless of container format.
func (s *FileSink) Open(codec string) error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("media: create output directory: %w", err)
		}
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("media: open output file: %w", err)
	}

	s.mu.Lock()
	s.f = f
	s.done = false
	s.mu.Unlock()

	log.Printf("media: sink writing %s (codec=%s)", s.path, codec)
	return nil
}

// Append writes data to the output file. Calls arrive strictly in order:
// the pipeline never submits the next job until this one returns.
func (s *FileSink) Append(ctx context.Context, data []byte) error {
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()
	if f == nil {
		return fmt.Errorf("media: sink not open")
	}
	_, err := f.Write(data)
	return err
}

// EndOfStream closes the output file.
func (s *FileSink) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil || s.done {
		return
	}
	if err := s.f.Close(); err != nil {
		log.Printf("media: close output file: %v", err)
	}
	s.done = true
}
