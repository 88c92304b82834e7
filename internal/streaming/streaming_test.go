package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/routes"
)

func decodeLines(t *testing.T, body string) []Event {
	t.Helper()
	var events []Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Event
		require.NoError(t, json.Unmarshal(line, &e))
		events = append(events, e)
	}
	return events
}

func TestNewWriterRejectsNonFlushingResponseWriter(t *testing.T) {
	_, err := NewWriter(&nonFlushingWriter{rec: httptest.NewRecorder()})
	require.Error(t, err)
}

// nonFlushingWriter exposes only http.ResponseWriter, not http.Flusher —
// httptest.ResponseRecorder implements Flush() itself, so embedding it
// directly would satisfy http.Flusher by promotion and defeat this test.
type nonFlushingWriter struct {
	rec *httptest.ResponseRecorder
}

func (n *nonFlushingWriter) Header() http.Header         { return n.rec.Header() }
func (n *nonFlushingWriter) Write(b []byte) (int, error) { return n.rec.Write(b) }
func (n *nonFlushingWriter) WriteHeader(status int)      { n.rec.WriteHeader(status) }

func TestWriteThoughtProducesThoughtOnlyLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteThought("resolved seeds"))

	events := decodeLines(t, rec.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, "", events[0].Delta.Content)
	require.Equal(t, []string{"resolved seeds"}, events[0].Context.Thoughts)
}

func TestWriteFinalCarriesAnswerAndCitations(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	citations := []routes.Citation{{SentenceID: "s1"}}
	require.NoError(t, w.WriteFinal("the answer", citations, []string{"stage1", "stage2"}))

	events := decodeLines(t, rec.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, "the answer", events[0].Delta.Content)
	require.Equal(t, citations, events[0].Context.DataPoints)
	require.Equal(t, []string{"stage1", "stage2"}, events[0].Context.Thoughts)
}

func TestWriteErrorCarriesEmptyMessageAndErrorKind(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteError("index_missing", []string{"vector index not built for this group"}))

	events := decodeLines(t, rec.Body.String())
	require.Len(t, events, 1)
	require.Empty(t, events[0].Delta.Content)
	require.Equal(t, "index_missing", events[0].Context.ErrorKind)
}

func TestRelayForwardsEventsUntilChannelCloses(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	events := make(chan string, 2)
	events <- "tier 1 resolved"
	events <- "ppr converged"
	close(events)

	require.NoError(t, w.Relay(context.Background(), events))

	decoded := decodeLines(t, rec.Body.String())
	require.Len(t, decoded, 2)
	require.Equal(t, []string{"tier 1 resolved"}, decoded[0].Context.Thoughts)
	require.Equal(t, []string{"ppr converged"}, decoded[1].Context.Thoughts)
}

func TestRelayStopsOnContextCancellation(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan string)
	err = w.Relay(ctx, events)
	require.Error(t, err)
}
