// Package streaming writes the newline-delimited JSON event stream spec §6
// defines for POST /chat/stream: "response is newline-delimited JSON. Each
// line is `{ delta{ content }, context{ thoughts[] } }`. Final line contains
// the full answer." It generalises the teacher's SSE handler
// (legal-gateway/main.go's sseHandler: http.Flusher + Redis Pub/Sub +
// 30s keepalive ping + client-disconnect detection) from text/event-stream
// framing to bare NDJSON lines, since spec §6 names NDJSON, not SSE, as the
// wire format.
package streaming

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/skeinframe/graphrag/internal/routes"
)

const keepaliveInterval = 30 * time.Second

// Delta carries one incremental content fragment (spec §6).
type Delta struct {
	Content string `json:"content"`
}

// EventContext carries the side-channel fields the gateway threads through
// every event (spec §6, §7).
type EventContext struct {
	Thoughts   []string          `json:"thoughts,omitempty"`
	DataPoints []routes.Citation `json:"data_points,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
}

// Event is one NDJSON line of a /chat/stream response.
type Event struct {
	Delta   Delta        `json:"delta"`
	Context EventContext `json:"context"`
}

// Writer serialises Events as NDJSON lines and flushes after each one so
// the client sees incremental progress rather than a buffered response.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for NDJSON streaming. It fails if the underlying
// ResponseWriter does not support flushing, mirroring the teacher's
// "Streaming unsupported" guard in sseHandler.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteThought emits a zero-content delta carrying one progress thought.
func (sw *Writer) WriteThought(thought string) error {
	return sw.write(Event{Context: EventContext{Thoughts: []string{thought}}})
}

// WriteDelta emits an incremental content fragment.
func (sw *Writer) WriteDelta(content string) error {
	return sw.write(Event{Delta: Delta{Content: content}})
}

// WriteFinal emits the terminal event carrying the complete answer and its
// citations (spec §6, "Final line contains the full answer").
func (sw *Writer) WriteFinal(answer string, citations []routes.Citation, thoughts []string) error {
	return sw.write(Event{
		Delta:   Delta{Content: answer},
		Context: EventContext{Thoughts: thoughts, DataPoints: citations},
	})
}

// WriteError emits the terminal failure event spec §7 requires: "an empty
// message, non-empty thoughts[]... and an error context.error_kind".
func (sw *Writer) WriteError(errorKind string, thoughts []string) error {
	return sw.write(Event{Context: EventContext{Thoughts: thoughts, ErrorKind: errorKind}})
}

func (sw *Writer) write(e Event) error {
	encoded, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ndjson event: %w", err)
	}
	if _, err := sw.w.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write ndjson event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// Relay forwards thought strings arriving on events as NDJSON lines until
// ctx is cancelled (client disconnect) or events is closed, sending a
// keepalive thought every 30s of silence in between — the same three-way
// select the teacher's sseHandler runs over its Redis Pub/Sub channel,
// generalised so this package never depends on Redis directly. cmd/gateway
// does not call Relay: its stream handler polls the job status and writes
// thoughts with WriteThought.
func (sw *Writer) Relay(ctx context.Context, events <-chan string) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case thought, ok := <-events:
			if !ok {
				return nil
			}
			if err := sw.WriteThought(thought); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sw.WriteThought(""); err != nil {
				return err
			}
		}
	}
}
