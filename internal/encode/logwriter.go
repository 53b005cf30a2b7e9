package encode

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// stderrWriter forwards encoder stderr to the job logger line by line and
// keeps the most recent lines for error reports.
type stderrWriter struct {
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	partial []byte
	tail    []string
}

func newStderrWriter(logger *slog.Logger, limit int) *stderrWriter {
	if limit <= 0 {
		limit = 10
	}
	return &stderrWriter{logger: logger, limit: limit}
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		w.addLine(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

func (w *stderrWriter) addLine(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	if w.logger != nil {
		w.logger.Debug("ffmpeg", "line", line)
	}
	w.tail = append(w.tail, line)
	if len(w.tail) > w.limit {
		w.tail = w.tail[len(w.tail)-w.limit:]
	}
}

// Tail returns the retained lines, including an unterminated final line.
func (w *stderrWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.addLine(w.partial)
		w.partial = w.partial[:0]
	}
	return strings.Join(w.tail, "; ")
}
