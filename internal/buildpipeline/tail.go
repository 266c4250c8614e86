package buildpipeline

import (
	"bytes"
	"sync"
)

// DefaultTailLines is the number of output lines a StepError contains.
const DefaultTailLines = 20

// tailWriter is an io.Writer that keeps the last n lines written to it.
type tailWriter struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial []byte
}

func newTailWriter(n int) *tailWriter {
	return &tailWriter{n: n}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}

		w.add(string(bytes.TrimRight(data[:idx], "\r")))
		data = data[idx+1:]
	}

	w.partial = append([]byte(nil), data...)

	return len(p), nil
}

func (w *tailWriter) add(line string) {
	w.lines = append(w.lines, line)
	if len(w.lines) > w.n {
		w.lines = w.lines[len(w.lines)-w.n:]
	}
}

// Lines returns the last n lines, including an unterminated last line.
func (w *tailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := append([]string(nil), w.lines...)
	if len(w.partial) > 0 {
		result = append(result, string(w.partial))
	}

	if len(result) > w.n {
		result = result[len(result)-w.n:]
	}

	return result
}
