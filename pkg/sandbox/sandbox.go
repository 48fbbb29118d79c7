package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cuemby/pairpilot/pkg/types"
)

// ErrUnsupportedLanguage is returned by Start for languages without a command
var ErrUnsupportedLanguage = errors.New("unsupported language")

// EventType names the messages an execution emits
type EventType string

const (
	EventPhase    EventType = "phase"
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventFinished EventType = "finished"
	EventError    EventType = "error"
)

// Event is one message from a running execution
type Event struct {
	Type EventType
	// Phase and Message are set on phase events; Message also carries the
	// failure text of error events.
	Phase   string
	Message string
	// Data is an output chunk of stdout and stderr events
	Data      string
	ElapsedMs int64
}

// Request is the code handed to a sandbox
type Request struct {
	Language types.Language
	Code     string
}

// Execution is one running program. Events are delivered in order and the
// channel is closed after the terminal finished or error event. Terminate
// may be called any number of times from any goroutine.
type Execution interface {
	Events() <-chan Event
	Terminate()
}

// Runner starts executions
type Runner interface {
	Start(ctx context.Context, req Request) (Execution, error)
}

// RunningMessage is the phase message emitted once user code starts
func RunningMessage(lang types.Language) string {
	if lang == types.LanguageJavaScript {
		return "Running JavaScript…"
	}
	return "Running Python…"
}

// NormalizeNewlines rewrites CRLF and lone CR to LF
func NormalizeNewlines(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// execution is the channel plumbing shared by the runners
type execution struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// newExecution detaches from the caller's cancellation. Only Terminate ends
// an execution early.
func newExecution(ctx context.Context) *execution {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &execution{
		events: make(chan Event, 64),
		ctx:    runCtx,
		cancel: cancel,
	}
}

func (e *execution) Events() <-chan Event {
	return e.events
}

func (e *execution) Terminate() {
	e.once.Do(e.cancel)
}

func (e *execution) terminated() bool {
	return e.ctx.Err() != nil
}

// emit blocks until the consumer takes ev or the execution is terminated
func (e *execution) emit(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// finish emits the terminal event unless the execution was terminated, then
// closes the stream.
func (e *execution) finish(ev Event) {
	if !e.terminated() {
		e.emit(ev)
	}
	close(e.events)
	e.cancel()
}

// chunkWriter turns writes into output events. A rune or CRLF pair split
// across writes is held back until the next write or Flush.
type chunkWriter struct {
	x       *execution
	typ     EventType
	pending []byte
}

func newChunkWriter(x *execution, typ EventType) *chunkWriter {
	return &chunkWriter{x: x, typ: typ}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := append(w.pending, p...)
	cut := completePrefix(buf)
	w.pending = append([]byte(nil), buf[cut:]...)
	if cut == 0 {
		return len(p), nil
	}
	if !w.x.emit(Event{Type: w.typ, Data: NormalizeNewlines(string(buf[:cut]))}) {
		return 0, context.Canceled
	}
	return len(p), nil
}

// Flush emits whatever is held back, even an incomplete rune
func (w *chunkWriter) Flush() {
	if len(w.pending) == 0 {
		return
	}
	data := NormalizeNewlines(string(w.pending))
	w.pending = nil
	w.x.emit(Event{Type: w.typ, Data: data})
}

// completePrefix returns the length of b without a trailing partial rune or
// carriage return
func completePrefix(b []byte) int {
	n := len(b)
	if n > 0 && b[n-1] == '\r' {
		return n - 1
	}
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return i
		}
		break
	}
	return n
}
