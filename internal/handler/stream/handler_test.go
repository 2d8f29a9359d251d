package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/atlastree/explorer/backend/internal/config"
	chatHandler "github.com/atlastree/explorer/backend/internal/handler/chat"
	"github.com/atlastree/explorer/backend/internal/service/ai"
	"github.com/atlastree/explorer/backend/internal/service/relay"
	"github.com/atlastree/explorer/backend/internal/service/session"
)

type scriptedGenerator struct {
	deltas []string
	err    error
}

func (g scriptedGenerator) GenerateStream(context.Context, ai.Input) (*schema.StreamReader[*schema.Message], error) {
	if g.err != nil {
		return nil, g.err
	}
	chunks := make([]*schema.Message, 0, len(g.deltas))
	for _, d := range g.deltas {
		chunks = append(chunks, schema.AssistantMessage(d, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func testConfig() config.ChatConfig {
	return config.ChatConfig{
		Enabled:           true,
		MaxMessageLength:  10000,
		MaxHistoryLength:  50,
		HistoryCharBudget: 8000,
		ContextCharLimit:  1000,
	}
}

func setupRouter(gen relay.Generator) (*chi.Mux, *session.Store) {
	cfg := testConfig()
	store := session.NewStore(cfg.MaxHistoryLength)
	rly := relay.New(store, gen, ai.NewAssembler(cfg), relay.Config{
		RequestTimeout: 5 * time.Second,
	})

	r := chi.NewRouter()
	chatHandler.New(store, rly, cfg).RegisterRoutes(r)
	New(rly, cfg).RegisterRoutes(r)
	return r, store
}

func parseSSE(t *testing.T, body string) []relay.Event {
	t.Helper()
	var events []relay.Event
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "unexpected frame %q", frame)
		var ev relay.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestStreamDeliversFullTurn(t *testing.T) {
	r, store := setupRouter(scriptedGenerator{deltas: []string{"Hi ", "there", "!"}})

	payload, _ := json.Marshal(map[string]any{
		"message":    "Hello",
		"session_id": "abc",
		"context":    map[string]any{},
	})
	post := httptest.NewRecorder()
	r.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/chat/message", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, post.Code)

	stream := httptest.NewRecorder()
	r.ServeHTTP(stream, httptest.NewRequest(http.MethodGet, "/chat/stream/abc", nil))

	require.Equal(t, "text/event-stream", stream.Header().Get("Content-Type"))

	events := parseSSE(t, stream.Body.String())
	require.GreaterOrEqual(t, len(events), 3)
	require.Equal(t, relay.EventStart, events[0].Type)
	require.Equal(t, "abc", events[0].SessionID)

	var text string
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, relay.EventChunk, ev.Type)
		text += ev.Content
	}
	require.Equal(t, "Hi there!", text)

	last := events[len(events)-1]
	require.Equal(t, relay.EventEnd, last.Type)
	require.NotEmpty(t, last.MessageID)

	messages, _ := store.History("abc")
	require.Len(t, messages, 2)
	require.Equal(t, "Hi there!", messages[1].Content)
}

func TestStreamUpstreamFailureEndsWithErrorEvent(t *testing.T) {
	r, store := setupRouter(scriptedGenerator{err: &ai.UpstreamError{
		Kind: ai.KindRateLimited,
		Err:  context.DeadlineExceeded,
	}})

	payload, _ := json.Marshal(map[string]any{"message": "Hello", "session_id": "abc"})
	post := httptest.NewRecorder()
	r.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/chat/message", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, post.Code)

	stream := httptest.NewRecorder()
	r.ServeHTTP(stream, httptest.NewRequest(http.MethodGet, "/chat/stream/abc", nil))

	events := parseSSE(t, stream.Body.String())
	require.Equal(t, relay.EventStart, events[0].Type)
	require.Equal(t, relay.EventError, events[len(events)-1].Type)
	require.Contains(t, events[len(events)-1].Error, "rate limiting")
	for _, ev := range events {
		require.NotEqual(t, relay.EventEnd, ev.Type)
	}

	messages, _ := store.History("abc")
	require.Len(t, messages, 1, "no assistant message after a failed generation")
}

func TestStreamWithoutPendingGeneration(t *testing.T) {
	r, _ := setupRouter(scriptedGenerator{deltas: []string{"unused"}})

	stream := httptest.NewRecorder()
	r.ServeHTTP(stream, httptest.NewRequest(http.MethodGet, "/chat/stream/ghost", nil))

	events := parseSSE(t, stream.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, relay.EventError, events[0].Type)
	require.Contains(t, events[0].Error, "no pending response")
}

func TestStreamDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	store := session.NewStore(cfg.MaxHistoryLength)
	rly := relay.New(store, scriptedGenerator{}, ai.NewAssembler(cfg), relay.Config{})

	r := chi.NewRouter()
	New(rly, cfg).RegisterRoutes(r)

	stream := httptest.NewRecorder()
	r.ServeHTTP(stream, httptest.NewRequest(http.MethodGet, "/chat/stream/abc", nil))

	events := parseSSE(t, stream.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, relay.EventError, events[0].Type)
}

func TestStreamSecondSubscriberRejected(t *testing.T) {
	r, _ := setupRouter(scriptedGenerator{deltas: []string{"once"}})

	payload, _ := json.Marshal(map[string]any{"message": "Hello", "session_id": "abc"})
	post := httptest.NewRecorder()
	r.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/chat/message", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, post.Code)

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/chat/stream/abc", nil))
	require.Equal(t, relay.EventStart, parseSSE(t, first.Body.String())[0].Type)

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/chat/stream/abc", nil))
	events := parseSSE(t, second.Body.String())
	require.Len(t, events, 1)
	require.Equal(t, relay.EventError, events[0].Type)
}
